// Package uploader delivers downloaded artifacts to the target chats.
// The payload is uploaded once, to the first target, then server-side
// copied to the rest. Every per-target operation checks the upload
// history first, so interrupted runs resume without re-sending.
package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/tgmirror/internal/assembler"
	"github.com/nextlevelbuilder/tgmirror/internal/downloader"
	"github.com/nextlevelbuilder/tgmirror/internal/flood"
	"github.com/nextlevelbuilder/tgmirror/internal/history"
	"github.com/nextlevelbuilder/tgmirror/internal/telegram"
)

// captionLimit is the platform's caption length cap in characters.
const captionLimit = 1024

// Target is one delivery destination, already resolved to a numeric
// chat ID. Key is the canonical history key.
type Target struct {
	Key    string
	ChatID int64
}

// Options controls caption handling and pacing.
type Options struct {
	// RemoveCaptions strips captions entirely.
	RemoveCaptions bool
	// CaptionTemplate, when set, replaces the caption. Tokens:
	// {original_caption}, {date}, {source_chat_id}, {source_message_id}.
	CaptionTemplate string
	// Attribution is appended as a final line, but only while the
	// total stays within the platform's caption limit.
	Attribution string
	// WaitBetweenMessages paces sends per uploader instance.
	WaitBetweenMessages time.Duration
}

// ItemResult reports one item's (single or whole album) per-target
// outcome.
type ItemResult struct {
	Path      string
	SourceIDs []int
	// Remote maps target key to the message IDs assigned there.
	Remote map[string][]int
	// Failed maps target key to the delivery error.
	Failed map[string]error
	// SkippedTargets counts targets already recorded in history.
	SkippedTargets int
}

// OK reports whether every target succeeded or was already recorded.
func (r ItemResult) OK() bool { return len(r.Failed) == 0 }

// Uploader sends artifact bundles.
type Uploader struct {
	client  telegram.Client
	store   *history.Store
	limits  *flood.Adapter
	log     *slog.Logger
	opts    Options
	limiter *rate.Limiter
}

// New creates an uploader. Platform calls go through the rate-limit
// adapter; WaitBetweenMessages adds a local pacing limiter on top.
func New(client telegram.Client, store *history.Store, limits *flood.Adapter, log *slog.Logger, opts Options) *Uploader {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.WaitBetweenMessages > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.WaitBetweenMessages), 1)
	}
	return &Uploader{client: client, store: store, limits: limits, log: log, opts: opts, limiter: limiter}
}

// UploadBatch delivers the bundle to all targets. The first target
// receives real uploads, the rest server-side copies referencing the
// first target's assigned message IDs.
func (u *Uploader) UploadBatch(ctx context.Context, bundle assembler.Bundle, targets []Target) []ItemResult {
	var results []ItemResult
	for _, album := range bundle.Albums {
		results = append(results, u.uploadAlbum(ctx, album, targets))
	}
	for _, item := range bundle.Singles {
		results = append(results, u.uploadSingle(ctx, item, targets))
	}
	return results
}

func (u *Uploader) uploadSingle(ctx context.Context, item assembler.Item, targets []Target) ItemResult {
	res := newResult(itemKey(item), []int{item.Meta.MsgID})
	if len(targets) == 0 {
		return res
	}

	first := targets[0]
	ids, skipped, err := u.sendToFirst(ctx, item, first)
	if err != nil {
		// Without the canonical copy nothing can reach the other
		// targets either.
		res.Failed[first.Key] = err
		for _, t := range targets[1:] {
			res.Failed[t.Key] = fmt.Errorf("no copy source: %w", err)
		}
		return res
	}
	res.Remote[first.Key] = ids
	if skipped {
		res.SkippedTargets++
	}

	u.copyToRest(ctx, &res, []assembler.Item{item}, first, targets[1:], ids)
	return res
}

func (u *Uploader) uploadAlbum(ctx context.Context, album []assembler.Item, targets []Target) ItemResult {
	res := newResult(itemKey(album[0]), nil)
	for _, m := range album {
		res.SourceIDs = append(res.SourceIDs, m.Meta.MsgID)
	}
	if len(targets) == 0 {
		return res
	}

	first := targets[0]
	ids, skipped, err := u.sendAlbumToFirst(ctx, album, first)
	if err != nil {
		res.Failed[first.Key] = err
		for _, t := range targets[1:] {
			res.Failed[t.Key] = fmt.Errorf("no copy source: %w", err)
		}
		return res
	}
	res.Remote[first.Key] = ids
	if skipped {
		res.SkippedTargets++
	}

	u.copyToRest(ctx, &res, album, first, targets[1:], ids)
	return res
}

// sendToFirst uploads one item to the first target, or returns the
// recorded remote IDs when history already holds them.
func (u *Uploader) sendToFirst(ctx context.Context, item assembler.Item, first Target) ([]int, bool, error) {
	key := itemKey(item)
	if u.store.IsFileUploaded(key, first.Key) {
		return u.store.UploadRemoteIDs(key, first.Key), true, nil
	}
	if err := u.pace(ctx); err != nil {
		return nil, false, err
	}

	var id int
	err := u.limits.Do(ctx, func(ctx context.Context) error {
		var err error
		if item.Path == "" {
			id, err = u.client.SendText(ctx, first.ChatID, u.caption(item.Meta, item.Caption))
		} else {
			id, err = u.client.SendFile(ctx, first.ChatID, u.outgoing(item))
		}
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("upload to %s: %w", first.Key, err)
	}
	ids := []int{id}
	if err := u.store.MarkFileUploaded(key, first.Key, ids, item.Meta.File.Size, string(item.Meta.Kind)); err != nil {
		return nil, false, fmt.Errorf("record upload: %w", err)
	}
	return ids, false, nil
}

// sendAlbumToFirst uploads a whole album atomically, falling back to
// per-item sends when the grouped call fails. Partial fallback success
// is recorded per file, so the next run only retries the missing ones.
func (u *Uploader) sendAlbumToFirst(ctx context.Context, album []assembler.Item, first Target) ([]int, bool, error) {
	allRecorded := true
	for _, m := range album {
		if !u.store.IsFileUploaded(itemKey(m), first.Key) {
			allRecorded = false
			break
		}
	}
	if allRecorded {
		var ids []int
		for _, m := range album {
			ids = append(ids, u.store.UploadRemoteIDs(itemKey(m), first.Key)...)
		}
		return ids, true, nil
	}
	if err := u.pace(ctx); err != nil {
		return nil, false, err
	}

	files := make([]telegram.OutgoingFile, 0, len(album))
	for _, m := range album {
		files = append(files, u.outgoing(m))
	}
	var ids []int
	err := u.limits.Do(ctx, func(ctx context.Context) error {
		var err error
		ids, err = u.client.SendAlbum(ctx, first.ChatID, files)
		return err
	})
	if err == nil {
		for i, m := range album {
			remote := []int{}
			if i < len(ids) {
				remote = []int{ids[i]}
			}
			if err := u.store.MarkFileUploaded(itemKey(m), first.Key, remote, m.Meta.File.Size, string(m.Meta.Kind)); err != nil {
				return nil, false, fmt.Errorf("record upload: %w", err)
			}
		}
		return ids, false, nil
	}
	u.log.Warn("album send failed, falling back to singles",
		"target", first.Key, "members", len(album), "error", err)

	var sent []int
	var lastErr error
	for _, m := range album {
		memberIDs, _, err := u.sendToFirst(ctx, m, first)
		if err != nil {
			lastErr = err
			continue
		}
		sent = append(sent, memberIDs...)
	}
	if lastErr != nil {
		return nil, false, fmt.Errorf("album fallback incomplete: %w", lastErr)
	}
	return sent, false, nil
}

// copyToRest server-side copies the first target's messages to the
// remaining targets, marking every member in history so a later
// per-member retry knows what each target already holds.
func (u *Uploader) copyToRest(ctx context.Context, res *ItemResult, items []assembler.Item, first Target, rest []Target, ids []int) {
	for _, t := range rest {
		if recorded, ok := u.recordedRemoteIDs(items, t); ok {
			res.Remote[t.Key] = recorded
			res.SkippedTargets++
			continue
		}
		if err := u.pace(ctx); err != nil {
			res.Failed[t.Key] = err
			continue
		}
		var remote []int
		err := u.limits.Do(ctx, func(ctx context.Context) error {
			var err error
			// Captions were finalized on the first-target upload; the
			// copy just drops authorship.
			remote, err = u.client.CopyMessages(ctx, first.ChatID, t.ChatID, ids, false)
			return err
		})
		if err != nil {
			res.Failed[t.Key] = fmt.Errorf("copy to %s: %w", t.Key, err)
			continue
		}
		marked := true
		for i, m := range items {
			memberRemote := remote
			if len(remote) == len(items) {
				memberRemote = remote[i : i+1]
			}
			if err := u.store.MarkFileUploaded(itemKey(m), t.Key, memberRemote, m.Meta.File.Size, string(m.Meta.Kind)); err != nil {
				res.Failed[t.Key] = fmt.Errorf("record upload: %w", err)
				marked = false
				break
			}
		}
		if marked {
			res.Remote[t.Key] = remote
		}
	}
}

// recordedRemoteIDs reports whether every item already reached the
// target, returning the recorded remote IDs when so.
func (u *Uploader) recordedRemoteIDs(items []assembler.Item, t Target) ([]int, bool) {
	var ids []int
	for _, m := range items {
		key := itemKey(m)
		if !u.store.IsFileUploaded(key, t.Key) {
			return nil, false
		}
		ids = append(ids, u.store.UploadRemoteIDs(key, t.Key)...)
	}
	return ids, true
}

func (u *Uploader) outgoing(item assembler.Item) telegram.OutgoingFile {
	return telegram.OutgoingFile{
		Path:     item.Path,
		Kind:     item.Meta.Kind,
		Caption:  u.caption(item.Meta, item.Caption),
		Entities: u.entities(item),
		Info:     item.Meta.File,
	}
}

// entities survive only when the caption prefix is passed through
// unmodified; a template rewrite invalidates the offsets. Appending
// the attribution line keeps them valid.
func (u *Uploader) entities(item assembler.Item) []telegram.Entity {
	if u.opts.RemoveCaptions || u.opts.CaptionTemplate != "" {
		return nil
	}
	return item.Entities
}

// caption applies the caption policy: removal, template substitution,
// then the attribution line while the total stays within the limit.
func (u *Uploader) caption(meta downloader.Metadata, original string) string {
	if u.opts.RemoveCaptions {
		return ""
	}
	text := original
	if u.opts.CaptionTemplate != "" {
		text = strings.NewReplacer(
			"{original_caption}", original,
			"{date}", meta.Date.Format("2006-01-02"),
			"{source_chat_id}", fmt.Sprintf("%d", meta.ChatID),
			"{source_message_id}", fmt.Sprintf("%d", meta.MsgID),
		).Replace(u.opts.CaptionTemplate)
	}
	if u.opts.Attribution != "" {
		with := u.opts.Attribution
		if text != "" {
			with = text + "\n\n" + u.opts.Attribution
		}
		if utf8.RuneCountInString(with) <= captionLimit {
			text = with
		}
	}
	return text
}

func (u *Uploader) pace(ctx context.Context) error {
	if err := u.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pacing: %w", err)
	}
	return nil
}

// itemKey is the upload-history key. Media uses the artifact path;
// text messages have no file, so a synthetic key stands in.
func itemKey(item assembler.Item) string {
	if item.Path != "" {
		return item.Path
	}
	return fmt.Sprintf("text://%d/%d", item.Meta.ChatID, item.Meta.MsgID)
}

func newResult(path string, sourceIDs []int) ItemResult {
	return ItemResult{
		Path:      path,
		SourceIDs: sourceIDs,
		Remote:    make(map[string][]int),
		Failed:    make(map[string]error),
	}
}
