package telegram

import (
	"sync"

	"github.com/gotd/td/tg"
)

// peerKind distinguishes the MTProto peer families the cache tracks.
type peerKind int

const (
	peerChannel peerKind = iota
	peerChat
	peerUser
)

// peerInfo is one cached dialog entry: the access hash needed to build
// input peers plus the chat metadata the prober reads.
type peerInfo struct {
	kind       peerKind
	bareID     int64
	accessHash int64
	title      string
	username   string
	broadcast  bool
	megagroup  bool
	noForwards bool
	adminCan   bool // admin rights include posting (broadcast channels)
	banned     bool // default banned rights forbid sending media
}

// peerCache maps canonical chat IDs to access hashes and metadata so
// repeated RPCs are avoided. Single-writer-on-miss: concurrent misses
// both resolve and the second write overwrites with equivalent data.
type peerCache struct {
	mu    sync.RWMutex
	peers map[int64]peerInfo
}

func newPeerCache() *peerCache {
	return &peerCache{peers: make(map[int64]peerInfo)}
}

func (c *peerCache) get(id int64) (peerInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.peers[id]
	return p, ok
}

func (c *peerCache) put(id int64, p peerInfo) {
	c.mu.Lock()
	c.peers[id] = p
	c.mu.Unlock()
}

// absorbChats indexes every channel and basic group in an RPC response.
// Called on each response that carries a chat list, mirroring how the
// platform expects clients to harvest access hashes from replies.
func (c *peerCache) absorbChats(chats []tg.ChatClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, chat := range chats {
		switch ch := chat.(type) {
		case *tg.Channel:
			info := peerInfo{
				kind:       peerChannel,
				bareID:     ch.ID,
				accessHash: ch.AccessHash,
				title:      ch.Title,
				username:   ch.Username,
				broadcast:  ch.Broadcast,
				megagroup:  ch.Megagroup,
				noForwards: ch.Noforwards,
			}
			if rights, ok := ch.GetAdminRights(); ok {
				info.adminCan = rights.PostMessages || !ch.Broadcast
			}
			if banned, ok := ch.GetDefaultBannedRights(); ok {
				info.banned = banned.SendMedia && banned.SendMessages
			}
			c.peers[CanonicalChannelID(ch.ID)] = info
		case *tg.Chat:
			c.peers[-ch.ID] = peerInfo{
				kind:   peerChat,
				bareID: ch.ID,
				title:  ch.Title,
			}
		}
	}
}

// inputPeer builds the tg input peer for a canonical chat ID.
func (p peerInfo) inputPeer() tg.InputPeerClass {
	switch p.kind {
	case peerChannel:
		return &tg.InputPeerChannel{ChannelID: p.bareID, AccessHash: p.accessHash}
	case peerChat:
		return &tg.InputPeerChat{ChatID: p.bareID}
	default:
		return &tg.InputPeerUser{UserID: p.bareID, AccessHash: p.accessHash}
	}
}

// inputChannel builds the tg input channel; second return is false for
// non-channel peers.
func (p peerInfo) inputChannel() (*tg.InputChannel, bool) {
	if p.kind != peerChannel {
		return nil, false
	}
	return &tg.InputChannel{ChannelID: p.bareID, AccessHash: p.accessHash}, true
}

// chat converts the cached info into the public Chat form.
func (p peerInfo) chat(canonicalID int64) *Chat {
	return &Chat{
		ID:         canonicalID,
		Title:      p.title,
		Username:   p.username,
		Broadcast:  p.broadcast,
		Megagroup:  p.megagroup,
		NoForwards: p.noForwards,
	}
}
