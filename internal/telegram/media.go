package telegram

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/gotd/td/crypto"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
)

// transferPartSize is the part size for both directions. 512 KiB is the
// maximum the platform accepts.
const transferPartSize = 512 * 1024

// Download streams the message's media to path and returns the number
// of bytes written. Messages built outside this client (no raw media
// attached) are re-fetched first.
func (c *mtClient) Download(ctx context.Context, msg *Message, path string) (int64, error) {
	api, err := c.tgAPI()
	if err != nil {
		return 0, err
	}
	media := msg.media
	if media == nil {
		fetched, err := c.GetMessages(ctx, msg.ChatID, []int{msg.ID})
		if err != nil {
			return 0, err
		}
		if len(fetched) == 0 || fetched[0].media == nil {
			return 0, &PeerError{Reason: "message has no downloadable media"}
		}
		media = fetched[0].media
	}
	loc, err := fileLocation(media)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create download directory: %w", err)
	}
	dl := downloader.NewDownloader().WithPartSize(transferPartSize)
	if _, err := dl.Download(api, loc).ToPath(ctx, path); err != nil {
		return 0, mapRPCError(err)
	}
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// fileLocation builds the download location for a media payload. Photos
// use their largest size variant.
func fileLocation(media tg.MessageMediaClass) (tg.InputFileLocationClass, error) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return nil, &PeerError{Reason: "photo payload is empty"}
		}
		var best *tg.PhotoSize
		for _, size := range photo.Sizes {
			if s, ok := size.(*tg.PhotoSize); ok {
				if best == nil || s.W > best.W {
					best = s
				}
			}
		}
		if best == nil {
			return nil, &PeerError{Reason: "photo has no downloadable size"}
		}
		return &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     best.Type,
		}, nil
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return nil, &PeerError{Reason: "document payload is empty"}
		}
		return doc.AsInputDocumentFileLocation(), nil
	default:
		return nil, &PeerError{Reason: fmt.Sprintf("media %T is not downloadable", media)}
	}
}

// SendFile uploads one file and posts it as a single message. Returns
// the new message ID.
func (c *mtClient) SendFile(ctx context.Context, chat int64, file OutgoingFile) (int, error) {
	api, err := c.tgAPI()
	if err != nil {
		return 0, err
	}
	info, err := c.lookupPeer(ctx, chat)
	if err != nil {
		return 0, err
	}
	media, err := c.uploadMedia(ctx, api, file)
	if err != nil {
		return 0, err
	}
	randomID, err := crypto.RandInt64(crypto.DefaultRand())
	if err != nil {
		return 0, err
	}
	updates, err := api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
		Peer:     info.inputPeer(),
		Media:    media,
		Message:  file.Caption,
		Entities: buildEntities(file.Entities),
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

// SendAlbum uploads all files and posts them as one media group. The
// album flow requires pre-uploading each item via uploadMedia so the
// multi-media request can reference server-side IDs.
func (c *mtClient) SendAlbum(ctx context.Context, chat int64, files []OutgoingFile) ([]int, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("album needs at least one file")
	}
	api, err := c.tgAPI()
	if err != nil {
		return nil, err
	}
	info, err := c.lookupPeer(ctx, chat)
	if err != nil {
		return nil, err
	}
	peer := info.inputPeer()

	multi := make([]tg.InputSingleMedia, 0, len(files))
	for _, file := range files {
		uploaded, err := c.uploadMedia(ctx, api, file)
		if err != nil {
			return nil, err
		}
		// SendMultiMedia rejects freshly uploaded payloads; they must
		// be registered first so the request can reference their IDs.
		registered, err := api.MessagesUploadMedia(ctx, &tg.MessagesUploadMediaRequest{
			Peer:  peer,
			Media: uploaded,
		})
		if err != nil {
			return nil, mapRPCError(err)
		}
		ref, err := mediaReference(registered)
		if err != nil {
			return nil, err
		}
		randomID, err := crypto.RandInt64(crypto.DefaultRand())
		if err != nil {
			return nil, err
		}
		multi = append(multi, tg.InputSingleMedia{
			Media:    ref,
			RandomID: randomID,
			Message:  file.Caption,
			Entities: buildEntities(file.Entities),
		})
	}

	updates, err := api.MessagesSendMultiMedia(ctx, &tg.MessagesSendMultiMediaRequest{
		Peer:       peer,
		MultiMedia: multi,
	})
	if err != nil {
		return nil, mapRPCError(err)
	}
	ids := extractMessageIDs(updates)
	if len(ids) != len(files) {
		return nil, &PeerError{Reason: fmt.Sprintf("album send returned %d IDs for %d files", len(ids), len(files))}
	}
	return ids, nil
}

// uploadMedia uploads the file bytes and wraps them in the input media
// matching the outgoing kind.
func (c *mtClient) uploadMedia(ctx context.Context, api *tg.Client, file OutgoingFile) (tg.InputMediaClass, error) {
	up := uploader.NewUploader(api).WithPartSize(transferPartSize)
	f, err := up.FromPath(ctx, file.Path)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", filepath.Base(file.Path), mapRPCError(err))
	}
	if file.Kind == KindPhoto {
		return &tg.InputMediaUploadedPhoto{File: f}, nil
	}

	mimeType := file.Info.MIMEType
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(file.Path))
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	doc := &tg.InputMediaUploadedDocument{
		File:       f,
		MimeType:   mimeType,
		Attributes: documentAttributes(file),
	}
	return doc, nil
}

// documentAttributes derives the attribute list the platform needs to
// render the document as its original kind.
func documentAttributes(file OutgoingFile) []tg.DocumentAttributeClass {
	var attrs []tg.DocumentAttributeClass
	name := file.Info.Name
	if name == "" {
		name = filepath.Base(file.Path)
	}
	attrs = append(attrs, &tg.DocumentAttributeFilename{FileName: name})
	switch file.Kind {
	case KindVideo:
		attrs = append(attrs, &tg.DocumentAttributeVideo{
			W:                 file.Info.Width,
			H:                 file.Info.Height,
			Duration:          float64(file.Info.Duration),
			SupportsStreaming: true,
		})
	case KindAnimation:
		attrs = append(attrs, &tg.DocumentAttributeAnimated{})
	case KindAudio:
		attrs = append(attrs, &tg.DocumentAttributeAudio{
			Duration: file.Info.Duration,
		})
	case KindVoice:
		attrs = append(attrs, &tg.DocumentAttributeAudio{
			Voice:    true,
			Duration: file.Info.Duration,
		})
	}
	return attrs
}

// mediaReference converts a registered media payload into the ID-based
// input form SendMultiMedia accepts.
func mediaReference(media tg.MessageMediaClass) (tg.InputMediaClass, error) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return nil, &PeerError{Reason: "registered photo is empty"}
		}
		return &tg.InputMediaPhoto{
			ID: &tg.InputPhoto{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
			},
		}, nil
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return nil, &PeerError{Reason: "registered document is empty"}
		}
		return &tg.InputMediaDocument{
			ID: &tg.InputDocument{
				ID:            doc.ID,
				AccessHash:    doc.AccessHash,
				FileReference: doc.FileReference,
			},
		}, nil
	default:
		return nil, &PeerError{Reason: fmt.Sprintf("unexpected registered media %T", media)}
	}
}

// buildEntities converts serializable entities back into wire form.
func buildEntities(entities []Entity) []tg.MessageEntityClass {
	if len(entities) == 0 {
		return nil
	}
	out := make([]tg.MessageEntityClass, 0, len(entities))
	for _, e := range entities {
		switch e.Type {
		case "bold":
			out = append(out, &tg.MessageEntityBold{Offset: e.Offset, Length: e.Length})
		case "italic":
			out = append(out, &tg.MessageEntityItalic{Offset: e.Offset, Length: e.Length})
		case "underline":
			out = append(out, &tg.MessageEntityUnderline{Offset: e.Offset, Length: e.Length})
		case "strikethrough":
			out = append(out, &tg.MessageEntityStrike{Offset: e.Offset, Length: e.Length})
		case "code":
			out = append(out, &tg.MessageEntityCode{Offset: e.Offset, Length: e.Length})
		case "pre":
			out = append(out, &tg.MessageEntityPre{Offset: e.Offset, Length: e.Length})
		case "spoiler":
			out = append(out, &tg.MessageEntitySpoiler{Offset: e.Offset, Length: e.Length})
		case "url":
			out = append(out, &tg.MessageEntityURL{Offset: e.Offset, Length: e.Length})
		case "text_link":
			out = append(out, &tg.MessageEntityTextURL{Offset: e.Offset, Length: e.Length, URL: e.URL})
		case "mention":
			out = append(out, &tg.MessageEntityMention{Offset: e.Offset, Length: e.Length})
		case "hashtag":
			out = append(out, &tg.MessageEntityHashtag{Offset: e.Offset, Length: e.Length})
		case "blockquote":
			out = append(out, &tg.MessageEntityBlockquote{Offset: e.Offset, Length: e.Length})
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
