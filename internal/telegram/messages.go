package telegram

import (
	"context"
	"sort"
	"time"

	"github.com/gotd/td/crypto"
	"github.com/gotd/td/tg"
)

// albumWindow is how far album members can be spread around a message.
// Media groups hold at most 10 items with consecutive IDs.
const albumWindow = 9

// GetMessages fetches specific messages by ID. Deleted messages are
// omitted from the result, so the slice may be shorter than ids.
func (c *mtClient) GetMessages(ctx context.Context, chat int64, ids []int) ([]*Message, error) {
	api, err := c.tgAPI()
	if err != nil {
		return nil, err
	}
	info, err := c.lookupPeer(ctx, chat)
	if err != nil {
		return nil, err
	}

	inputIDs := make([]tg.InputMessageClass, 0, len(ids))
	for _, id := range ids {
		inputIDs = append(inputIDs, &tg.InputMessageID{ID: id})
	}

	var res tg.MessagesMessagesClass
	if ch, ok := info.inputChannel(); ok {
		res, err = api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: ch,
			ID:      inputIDs,
		})
	} else {
		res, err = api.MessagesGetMessages(ctx, inputIDs)
	}
	if err != nil {
		return nil, mapRPCError(err)
	}
	return c.collectMessages(chat, res), nil
}

// GetHistory returns up to limit messages older than offsetID, newest
// first. minID and maxID bound the window when non-zero.
func (c *mtClient) GetHistory(ctx context.Context, chat int64, offsetID, minID, maxID, limit int) ([]*Message, error) {
	api, err := c.tgAPI()
	if err != nil {
		return nil, err
	}
	info, err := c.lookupPeer(ctx, chat)
	if err != nil {
		return nil, err
	}
	res, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     info.inputPeer(),
		OffsetID: offsetID,
		MinID:    minID,
		MaxID:    maxID,
		Limit:    limit,
	})
	if err != nil {
		return nil, mapRPCError(err)
	}
	return c.collectMessages(chat, res), nil
}

// GetMediaGroup returns every member of the album the message belongs
// to, ordered by ascending message ID. There is no direct RPC for this;
// neighbouring IDs are fetched and filtered on the shared group key.
func (c *mtClient) GetMediaGroup(ctx context.Context, chat int64, msgID int) ([]*Message, error) {
	anchor, err := c.GetMessages(ctx, chat, []int{msgID})
	if err != nil {
		return nil, err
	}
	if len(anchor) == 0 {
		return nil, &PeerError{Reason: "message not found"}
	}
	if !anchor[0].IsAlbumMember() {
		return anchor, nil
	}
	groupID := anchor[0].GroupedID

	ids := make([]int, 0, 2*albumWindow+1)
	for id := msgID - albumWindow; id <= msgID+albumWindow; id++ {
		if id > 0 {
			ids = append(ids, id)
		}
	}
	neighbours, err := c.GetMessages(ctx, chat, ids)
	if err != nil {
		return nil, err
	}
	var members []*Message
	for _, m := range neighbours {
		if m.GroupedID == groupID {
			members = append(members, m)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, nil
}

// SendText posts a plain text message and returns its assigned ID.
func (c *mtClient) SendText(ctx context.Context, chat int64, text string) (int, error) {
	api, err := c.tgAPI()
	if err != nil {
		return 0, err
	}
	info, err := c.lookupPeer(ctx, chat)
	if err != nil {
		return 0, err
	}
	randomID, err := crypto.RandInt64(crypto.DefaultRand())
	if err != nil {
		return 0, err
	}
	updates, err := api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     info.inputPeer(),
		Message:  text,
		RandomID: randomID,
	})
	if err != nil {
		return 0, mapRPCError(err)
	}
	ids := extractMessageIDs(updates)
	if len(ids) == 0 {
		return 0, &PeerError{Reason: "send succeeded but no message ID returned"}
	}
	return ids[0], nil
}

// ForwardMessages server-side forwards messages, preserving the origin
// header. Returns the new message IDs in the destination.
func (c *mtClient) ForwardMessages(ctx context.Context, from, to int64, ids []int) ([]int, error) {
	return c.forward(ctx, from, to, ids, false, false)
}

// CopyMessages server-side forwards with the origin header dropped, so
// the result looks authored by the current account.
func (c *mtClient) CopyMessages(ctx context.Context, from, to int64, ids []int, removeCaptions bool) ([]int, error) {
	return c.forward(ctx, from, to, ids, true, removeCaptions)
}

func (c *mtClient) forward(ctx context.Context, from, to int64, ids []int, dropAuthor, dropCaptions bool) ([]int, error) {
	api, err := c.tgAPI()
	if err != nil {
		return nil, err
	}
	fromInfo, err := c.lookupPeer(ctx, from)
	if err != nil {
		return nil, err
	}
	toInfo, err := c.lookupPeer(ctx, to)
	if err != nil {
		return nil, err
	}
	randomIDs := make([]int64, len(ids))
	for i := range randomIDs {
		id, err := crypto.RandInt64(crypto.DefaultRand())
		if err != nil {
			return nil, err
		}
		randomIDs[i] = id
	}
	updates, err := api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer:          fromInfo.inputPeer(),
		ToPeer:            toInfo.inputPeer(),
		ID:                ids,
		RandomID:          randomIDs,
		DropAuthor:        dropAuthor,
		DropMediaCaptions: dropCaptions,
	})
	if err != nil {
		return nil, mapRPCError(err)
	}
	newIDs := extractMessageIDs(updates)
	if len(newIDs) == 0 {
		return nil, &PeerError{Reason: "forward succeeded but no message IDs returned"}
	}
	return newIDs, nil
}

// collectMessages converts an RPC message container, absorbing the chat
// list it carries and skipping deleted (empty) entries.
func (c *mtClient) collectMessages(chat int64, res tg.MessagesMessagesClass) []*Message {
	var raw []tg.MessageClass
	switch m := res.(type) {
	case *tg.MessagesMessages:
		c.peers.absorbChats(m.Chats)
		raw = m.Messages
	case *tg.MessagesMessagesSlice:
		c.peers.absorbChats(m.Chats)
		raw = m.Messages
	case *tg.MessagesChannelMessages:
		c.peers.absorbChats(m.Chats)
		raw = m.Messages
	default:
		return nil
	}
	out := make([]*Message, 0, len(raw))
	for _, m := range raw {
		if msg, ok := m.(*tg.Message); ok {
			out = append(out, convertMessage(chat, msg))
		}
	}
	return out
}

// convertMessage maps a raw message onto the public form, classifying
// its media payload.
func convertMessage(chat int64, m *tg.Message) *Message {
	msg := &Message{
		ChatID:    chat,
		ID:        m.ID,
		Kind:      KindText,
		GroupedID: m.GroupedID,
		Caption:   m.Message,
		Entities:  convertEntities(m.Entities),
		Date:      time.Unix(int64(m.Date), 0),
	}
	if m.Media == nil {
		return msg
	}
	msg.media = m.Media
	switch media := m.Media.(type) {
	case *tg.MessageMediaPhoto:
		msg.Kind = KindPhoto
		if photo, ok := media.Photo.(*tg.Photo); ok {
			msg.File = photoInfo(photo)
		}
	case *tg.MessageMediaDocument:
		if doc, ok := media.Document.(*tg.Document); ok {
			msg.Kind, msg.File = documentInfo(doc)
		} else {
			msg.Kind = KindDocument
		}
	default:
		// Web pages, polls, geo and the like carry no file payload.
		msg.Kind = KindText
		msg.media = nil
	}
	return msg
}

func photoInfo(p *tg.Photo) *FileInfo {
	info := &FileInfo{MIMEType: "image/jpeg"}
	for _, size := range p.Sizes {
		if s, ok := size.(*tg.PhotoSize); ok {
			if s.W > info.Width {
				info.Width, info.Height = s.W, s.H
				info.Size = int64(s.Size)
			}
		}
	}
	return info
}

// documentInfo classifies a document by its attributes. Stickers and
// animations win over the generic video/audio tags they also carry.
func documentInfo(d *tg.Document) (Kind, *FileInfo) {
	info := &FileInfo{
		MIMEType: d.MimeType,
		Size:     d.Size,
	}
	kind := KindDocument
	var isVideo, isVoice, isAudio, isRound bool
	for _, attr := range d.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeFilename:
			info.Name = a.FileName
		case *tg.DocumentAttributeVideo:
			isVideo = true
			isRound = a.RoundMessage
			info.Width, info.Height = a.W, a.H
			info.Duration = int(a.Duration)
		case *tg.DocumentAttributeAudio:
			isAudio = true
			isVoice = a.Voice
			info.Duration = int(a.Duration)
		case *tg.DocumentAttributeAnimated:
			kind = KindAnimation
		case *tg.DocumentAttributeSticker:
			kind = KindSticker
		case *tg.DocumentAttributeImageSize:
			info.Width, info.Height = a.W, a.H
		}
	}
	if kind == KindDocument {
		switch {
		case isVoice:
			kind = KindVoice
		case isRound, isVideo:
			kind = KindVideo
		case isAudio:
			kind = KindAudio
		}
	}
	return kind, info
}

// convertEntities maps formatting entities onto the serializable form.
// Unknown entity types are dropped.
func convertEntities(entities []tg.MessageEntityClass) []Entity {
	if len(entities) == 0 {
		return nil
	}
	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		var ent Entity
		switch v := e.(type) {
		case *tg.MessageEntityBold:
			ent = Entity{Type: "bold", Offset: v.Offset, Length: v.Length}
		case *tg.MessageEntityItalic:
			ent = Entity{Type: "italic", Offset: v.Offset, Length: v.Length}
		case *tg.MessageEntityUnderline:
			ent = Entity{Type: "underline", Offset: v.Offset, Length: v.Length}
		case *tg.MessageEntityStrike:
			ent = Entity{Type: "strikethrough", Offset: v.Offset, Length: v.Length}
		case *tg.MessageEntityCode:
			ent = Entity{Type: "code", Offset: v.Offset, Length: v.Length}
		case *tg.MessageEntityPre:
			ent = Entity{Type: "pre", Offset: v.Offset, Length: v.Length}
		case *tg.MessageEntitySpoiler:
			ent = Entity{Type: "spoiler", Offset: v.Offset, Length: v.Length}
		case *tg.MessageEntityURL:
			ent = Entity{Type: "url", Offset: v.Offset, Length: v.Length}
		case *tg.MessageEntityTextURL:
			ent = Entity{Type: "text_link", Offset: v.Offset, Length: v.Length, URL: v.URL}
		case *tg.MessageEntityMention:
			ent = Entity{Type: "mention", Offset: v.Offset, Length: v.Length}
		case *tg.MessageEntityHashtag:
			ent = Entity{Type: "hashtag", Offset: v.Offset, Length: v.Length}
		case *tg.MessageEntityBlockquote:
			ent = Entity{Type: "blockquote", Offset: v.Offset, Length: v.Length}
		default:
			continue
		}
		out = append(out, ent)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// extractMessageIDs pulls the IDs of newly created messages out of an
// updates container, preserving creation order.
func extractMessageIDs(updates tg.UpdatesClass) []int {
	var ids []int
	collect := func(us []tg.UpdateClass) {
		for _, u := range us {
			switch upd := u.(type) {
			case *tg.UpdateNewMessage:
				ids = append(ids, upd.Message.GetID())
			case *tg.UpdateNewChannelMessage:
				ids = append(ids, upd.Message.GetID())
			}
		}
	}
	switch u := updates.(type) {
	case *tg.Updates:
		collect(u.Updates)
	case *tg.UpdatesCombined:
		collect(u.Updates)
	case *tg.UpdateShortSentMessage:
		ids = append(ids, u.ID)
	}
	sort.Ints(ids)
	return ids
}
