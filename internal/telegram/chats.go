package telegram

import (
	"context"
	"fmt"

	"github.com/gotd/td/tg"
)

// ResolveUsername resolves a public @username to its chat.
func (c *mtClient) ResolveUsername(ctx context.Context, username string) (*Chat, error) {
	api, err := c.tgAPI()
	if err != nil {
		return nil, err
	}
	resolved, err := api.ContactsResolveUsername(ctx, username)
	if err != nil {
		return nil, mapRPCError(err)
	}
	c.peers.absorbChats(resolved.Chats)
	for _, chat := range resolved.Chats {
		if ch, ok := chat.(*tg.Channel); ok {
			id := CanonicalChannelID(ch.ID)
			if info, ok := c.peers.get(id); ok {
				return info.chat(id), nil
			}
		}
	}
	return nil, &PeerError{Reason: fmt.Sprintf("username %q is not a channel or group", username)}
}

// ResolveInvite checks an invite link slug. Only invites the current
// account has already accepted resolve; others return ErrNotJoined.
func (c *mtClient) ResolveInvite(ctx context.Context, slug string) (*Chat, error) {
	api, err := c.tgAPI()
	if err != nil {
		return nil, err
	}
	res, err := api.MessagesCheckChatInvite(ctx, slug)
	if err != nil {
		return nil, mapRPCError(err)
	}
	switch invite := res.(type) {
	case *tg.ChatInviteAlready:
		c.peers.absorbChats([]tg.ChatClass{invite.Chat})
		switch ch := invite.Chat.(type) {
		case *tg.Channel:
			id := CanonicalChannelID(ch.ID)
			if info, ok := c.peers.get(id); ok {
				return info.chat(id), nil
			}
		case *tg.Chat:
			if info, ok := c.peers.get(-ch.ID); ok {
				return info.chat(-ch.ID), nil
			}
		}
		return nil, &PeerError{Reason: "invite resolved to unsupported chat type"}
	case *tg.ChatInvite, *tg.ChatInvitePeek:
		return nil, ErrNotJoined
	default:
		return nil, &PeerError{Reason: fmt.Sprintf("unexpected invite result %T", res)}
	}
}

// GetChat returns metadata for a canonical chat ID. The first lookup of
// an unseen channel walks the dialog list to harvest its access hash.
func (c *mtClient) GetChat(ctx context.Context, id int64) (*Chat, error) {
	if info, ok := c.peers.get(id); ok {
		return info.chat(id), nil
	}
	if err := c.scanDialogs(ctx); err != nil {
		return nil, err
	}
	if info, ok := c.peers.get(id); ok {
		return info.chat(id), nil
	}
	return nil, &PeerError{Reason: fmt.Sprintf("chat %d not found in account dialogs", id)}
}

// lookupPeer returns the cached peer for a canonical chat ID, scanning
// dialogs once on a miss.
func (c *mtClient) lookupPeer(ctx context.Context, id int64) (peerInfo, error) {
	if info, ok := c.peers.get(id); ok {
		return info, nil
	}
	if err := c.scanDialogs(ctx); err != nil {
		return peerInfo{}, err
	}
	if info, ok := c.peers.get(id); ok {
		return info, nil
	}
	return peerInfo{}, &PeerError{Reason: fmt.Sprintf("chat %d not found in account dialogs", id)}
}

// scanDialogs pages through the account's dialog list and absorbs every
// chat it carries into the peer cache.
func (c *mtClient) scanDialogs(ctx context.Context) error {
	api, err := c.tgAPI()
	if err != nil {
		return err
	}
	var (
		offsetDate int
		offsetID   int
		offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}
	)
	for {
		res, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetDate: offsetDate,
			OffsetID:   offsetID,
			OffsetPeer: offsetPeer,
			Limit:      100,
		})
		if err != nil {
			return mapRPCError(err)
		}
		var (
			dialogs  []tg.DialogClass
			messages []tg.MessageClass
			chats    []tg.ChatClass
			full     bool
		)
		switch d := res.(type) {
		case *tg.MessagesDialogs:
			dialogs, messages, chats, full = d.Dialogs, d.Messages, d.Chats, true
		case *tg.MessagesDialogsSlice:
			dialogs, messages, chats = d.Dialogs, d.Messages, d.Chats
		default:
			return nil
		}
		c.peers.absorbChats(chats)
		if full || len(dialogs) < 100 {
			return nil
		}
		// Advance the offset using the last dialog's top message.
		last := dialogs[len(dialogs)-1]
		offsetPeer = peerToInputPeer(last.GetPeer(), chats)
		offsetID = lastTopMessage(last)
		offsetDate = messageDate(messages, offsetID)
		if offsetID == 0 {
			return nil
		}
	}
}

func lastTopMessage(d tg.DialogClass) int {
	if dlg, ok := d.(*tg.Dialog); ok {
		return dlg.TopMessage
	}
	return 0
}

func messageDate(messages []tg.MessageClass, id int) int {
	for _, m := range messages {
		if msg, ok := m.(*tg.Message); ok && msg.ID == id {
			return msg.Date
		}
	}
	return 0
}

// peerToInputPeer builds an input peer for a raw dialog peer using the
// access hashes carried in the same response.
func peerToInputPeer(p tg.PeerClass, chats []tg.ChatClass) tg.InputPeerClass {
	switch peer := p.(type) {
	case *tg.PeerChannel:
		for _, chat := range chats {
			if ch, ok := chat.(*tg.Channel); ok && ch.ID == peer.ChannelID {
				return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
			}
		}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: peer.ChatID}
	}
	return &tg.InputPeerEmpty{}
}

// CanPost reports whether the current account may post messages to the
// chat. Broadcast channels require admin rights with post permission;
// groups only require membership without a send restriction.
func (c *mtClient) CanPost(ctx context.Context, id int64) (bool, error) {
	info, err := c.lookupPeer(ctx, id)
	if err != nil {
		return false, err
	}
	if info.kind != peerChannel {
		// Basic groups: membership implies posting.
		return true, nil
	}
	if info.broadcast && info.adminCan {
		return true, nil
	}
	api, err := c.tgAPI()
	if err != nil {
		return false, err
	}
	ch, _ := info.inputChannel()
	part, err := api.ChannelsGetParticipant(ctx, &tg.ChannelsGetParticipantRequest{
		Channel:     ch,
		Participant: &tg.InputPeerSelf{},
	})
	if err != nil {
		mapped := mapRPCError(err)
		if IsNotFound(mapped) {
			return false, nil
		}
		return false, mapped
	}
	switch p := part.Participant.(type) {
	case *tg.ChannelParticipantCreator:
		return true, nil
	case *tg.ChannelParticipantAdmin:
		return p.AdminRights.PostMessages || !info.broadcast, nil
	case *tg.ChannelParticipant, *tg.ChannelParticipantSelf:
		// Plain members cannot post to broadcast channels.
		return !info.broadcast && !info.banned, nil
	case *tg.ChannelParticipantBanned:
		return false, nil
	default:
		return false, nil
	}
}
