package telegram

import (
	"time"

	"github.com/gotd/td/tg"
)

// Kind tags the media payload of a message. The uploader dispatches on
// this tag instead of inspecting raw MTProto classes.
type Kind string

const (
	KindText      Kind = "text"
	KindPhoto     Kind = "photo"
	KindVideo     Kind = "video"
	KindDocument  Kind = "document"
	KindAudio     Kind = "audio"
	KindAnimation Kind = "animation"
	KindVoice     Kind = "voice"
	KindSticker   Kind = "sticker"
)

// HasMedia reports whether the kind carries a downloadable payload.
func (k Kind) HasMedia() bool {
	return k != "" && k != KindText
}

// Entity is a formatting entity attached to a caption or text body.
// Offsets are UTF-16 code units, as the platform counts them.
type Entity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	URL    string `json:"url,omitempty"`
}

// FileInfo carries the kind-specific attributes of a media payload.
type FileInfo struct {
	Name     string `json:"name,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Duration int    `json:"duration,omitempty"`
}

// Message describes one concrete message of a chat. ChatID is the
// canonical numeric chat ID (Bot API convention, -100 prefix for
// channels); ID is the message ID within that chat.
type Message struct {
	ChatID    int64
	ID        int
	Kind      Kind
	GroupedID int64 // album key, zero when not part of an album
	Caption   string
	Entities  []Entity
	Date      time.Time
	File      *FileInfo

	// media holds the raw MTProto payload so Download and reference
	// re-sends work without a second fetch. Nil for messages built by
	// test fakes; the client re-fetches on demand in that case.
	media tg.MessageMediaClass
}

// IsAlbumMember reports whether the message belongs to a media group.
func (m *Message) IsAlbumMember() bool {
	return m.GroupedID != 0
}

// Chat is the resolved form of a channel reference.
type Chat struct {
	ID         int64 // canonical numeric ID (-100… for channels)
	Title      string
	Username   string
	Broadcast  bool
	Megagroup  bool
	NoForwards bool // protected content: server refuses forwarding out
}

// OutgoingFile is one artifact prepared for upload.
type OutgoingFile struct {
	Path     string
	Kind     Kind
	Caption  string
	Entities []Entity
	Info     FileInfo
}

// channelIDBase converts between MTProto channel IDs and the -100
// prefixed canonical form.
const channelIDBase = int64(-1000000000000)

// CanonicalChannelID maps a bare MTProto channel ID to the canonical
// -100-prefixed form.
func CanonicalChannelID(id int64) int64 {
	return channelIDBase - id
}

// BareChannelID reverses CanonicalChannelID. The second return is false
// when the ID is not in channel form.
func BareChannelID(id int64) (int64, bool) {
	if id < channelIDBase {
		return channelIDBase - id, true
	}
	return 0, false
}
