// Package downloader pulls media to temp storage, one file at a time,
// and persists the per-message metadata the album reassembler needs
// after a restart.
package downloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/nextlevelbuilder/tgmirror/internal/fetcher"
	"github.com/nextlevelbuilder/tgmirror/internal/flood"
	"github.com/nextlevelbuilder/tgmirror/internal/history"
	"github.com/nextlevelbuilder/tgmirror/internal/telegram"
)

const (
	// DefaultRetryCount bounds attempts per file.
	DefaultRetryCount = 3
	// DefaultRetryDelay is the linear back-off base between attempts.
	DefaultRetryDelay = 5 * time.Second
	// MaxFloodWait fails a download instead of honoring a longer wait.
	MaxFloodWait = 300 * time.Second
)

// Metadata is the side-file persisted next to each artifact. It is the
// reassembler's sole input, so it must carry everything needed to
// rebuild albums and captions without the fetcher's in-memory state.
type Metadata struct {
	ChatID    int64             `json:"chat_id"`
	MsgID     int               `json:"msg_id"`
	GroupedID int64             `json:"grouped_id,omitempty"`
	Kind      telegram.Kind     `json:"kind"`
	Caption   string            `json:"caption,omitempty"`
	Entities  []telegram.Entity `json:"entities,omitempty"`
	Date      time.Time         `json:"date"`
	File      telegram.FileInfo `json:"file"`
}

// Artifact is one downloaded file plus its metadata. Text messages
// pass through with an empty path.
type Artifact struct {
	Path string
	Size int64
	Meta Metadata
}

// FailedItem records one message that could not be downloaded.
type FailedItem struct {
	MsgID int
	Err   error
}

// BatchResult partitions a batch's outcome. Albums stay grouped so the
// uploader can send them atomically.
type BatchResult struct {
	Singles []Artifact
	Albums  [][]Artifact
	Failed  []FailedItem
	Skipped int
}

// Downloader downloads serially through the rate-limit adapter. The
// concurrency knob exists on the pipeline side; one-at-a-time per
// source is the recommended setting.
type Downloader struct {
	client     telegram.Client
	store      *history.Store
	limits     *flood.Adapter
	log        *slog.Logger
	dir        string
	retryCount int
	retryDelay time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a downloader writing into dir. The adapter should carry
// the 300s flood-wait ceiling; see NewAdapter.
func New(client telegram.Client, store *history.Store, limits *flood.Adapter, log *slog.Logger, dir string) *Downloader {
	return &Downloader{
		client:     client,
		store:      store,
		limits:     limits,
		log:        log,
		dir:        dir,
		retryCount: DefaultRetryCount,
		retryDelay: DefaultRetryDelay,
		sleep:      sleepCtx,
	}
}

// NewAdapter builds the rate-limit adapter shape downloads need:
// flood waits honored up to the ceiling, transient errors surfaced to
// the linear retry loop instead of retried inside.
func NewAdapter(client telegram.Client, log *slog.Logger) *flood.Adapter {
	return flood.New(client, log).WithMaxRetries(0).WithMaxFloodWait(MaxFloodWait)
}

// WithRetry overrides the attempt budget and back-off base.
func (d *Downloader) WithRetry(count int, delay time.Duration) *Downloader {
	if count > 0 {
		d.retryCount = count
	}
	d.retryDelay = delay
	return d
}

// WithSleep overrides the back-off sleep. Test hook.
func (d *Downloader) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Downloader {
	d.sleep = sleep
	return d
}

// DownloadOne downloads a message's media. The bool reports a skip:
// the history record and the file on disk were both already present.
func (d *Downloader) DownloadOne(ctx context.Context, msg *telegram.Message) (Artifact, bool, error) {
	meta := metadataFor(msg)
	if !msg.Kind.HasMedia() {
		return Artifact{Meta: meta}, false, nil
	}

	path := filepath.Join(d.dir, Filename(msg))
	sourceKey := fmt.Sprintf("%d", msg.ChatID)

	if d.store.IsDownloaded(sourceKey, msg.ID) {
		if st, err := os.Stat(path); err == nil && st.Size() > 0 {
			art := Artifact{Path: path, Size: st.Size(), Meta: meta}
			// The side-file may predate this run; make sure it exists.
			if err := d.writeMetadata(path, meta); err != nil {
				return Artifact{}, false, err
			}
			return art, true, nil
		}
		// Record without file: the temp sweep took it. Re-download.
	}

	var size int64
	var lastErr error
	for attempt := 0; attempt < d.retryCount; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, d.retryDelay*time.Duration(attempt)); err != nil {
				return Artifact{}, false, err
			}
		}
		err := d.limits.Do(ctx, func(ctx context.Context) error {
			var err error
			size, err = d.client.Download(ctx, msg, path)
			return err
		})
		if err != nil {
			lastErr = err
			if telegram.IsNotFound(err) || errors.Is(err, flood.ErrWaitTooLong) || ctx.Err() != nil {
				break
			}
			d.log.Warn("download attempt failed",
				"chat_id", msg.ChatID, "msg_id", msg.ID, "attempt", attempt, "error", err)
			continue
		}
		if size == 0 {
			os.Remove(path)
			lastErr = fmt.Errorf("downloaded file is empty")
			d.log.Warn("zero-byte download, retrying", "chat_id", msg.ChatID, "msg_id", msg.ID)
			continue
		}

		if err := d.writeMetadata(path, meta); err != nil {
			return Artifact{}, false, err
		}
		if err := d.store.MarkDownloaded(sourceKey, msg.ChatID, msg.ID); err != nil {
			return Artifact{}, false, fmt.Errorf("record download: %w", err)
		}
		return Artifact{Path: path, Size: size, Meta: meta}, false, nil
	}
	return Artifact{}, false, fmt.Errorf("download %d/%d: %w", msg.ChatID, msg.ID, lastErr)
}

// DownloadBatch downloads every message of a fetched batch, keeping
// album grouping intact.
func (d *Downloader) DownloadBatch(ctx context.Context, batch fetcher.Batch) BatchResult {
	var res BatchResult
	for _, msg := range batch.Singles {
		art, skipped, err := d.DownloadOne(ctx, msg)
		if err != nil {
			res.Failed = append(res.Failed, FailedItem{MsgID: msg.ID, Err: err})
			continue
		}
		if skipped {
			res.Skipped++
		}
		res.Singles = append(res.Singles, art)
	}
	for _, album := range batch.Albums {
		var arts []Artifact
		failed := false
		for _, msg := range album {
			art, skipped, err := d.DownloadOne(ctx, msg)
			if err != nil {
				res.Failed = append(res.Failed, FailedItem{MsgID: msg.ID, Err: err})
				failed = true
				continue
			}
			if skipped {
				res.Skipped++
			}
			arts = append(arts, art)
		}
		if len(arts) > 0 {
			if failed {
				// A partial album cannot be sent atomically; demote
				// the survivors to singles.
				res.Singles = append(res.Singles, arts...)
			} else {
				res.Albums = append(res.Albums, arts)
			}
		}
	}
	return res
}

func (d *Downloader) writeMetadata(artifactPath string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	path := MetadataPath(artifactPath)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write metadata %s: %w", path, err)
	}
	return nil
}

// MetadataPath is the side-file location for an artifact path.
func MetadataPath(artifactPath string) string {
	return artifactPath + ".meta.json"
}

// ReadMetadata loads an artifact's side-file.
func ReadMetadata(artifactPath string) (Metadata, error) {
	data, err := os.ReadFile(MetadataPath(artifactPath))
	if err != nil {
		return Metadata{}, fmt.Errorf("read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse metadata: %w", err)
	}
	return meta, nil
}

func metadataFor(msg *telegram.Message) Metadata {
	meta := Metadata{
		ChatID:    msg.ChatID,
		MsgID:     msg.ID,
		GroupedID: msg.GroupedID,
		Kind:      msg.Kind,
		Caption:   msg.Caption,
		Entities:  msg.Entities,
		Date:      msg.Date,
	}
	if msg.File != nil {
		meta.File = *msg.File
	}
	return meta
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Filename synthesizes the deterministic artifact name:
// {chatID}_{msgID}[_group_{albumKey}][_{sanitizedName}].{ext}
func Filename(msg *telegram.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d_%d", msg.ChatID, msg.ID)
	if msg.GroupedID != 0 {
		fmt.Fprintf(&b, "_group_%d", msg.GroupedID)
	}

	ext := ""
	if msg.File != nil && msg.File.Name != "" {
		base := msg.File.Name
		ext = filepath.Ext(base)
		stem := strings.TrimSuffix(base, ext)
		if s := sanitize(stem); s != "" {
			b.WriteString("_")
			b.WriteString(s)
		}
	}
	if ext == "" {
		ext = extensionFor(msg)
	}
	b.WriteString(strings.ToLower(ext))
	return b.String()
}

func sanitize(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}

// mimeExtensions pins extensions for the common types so synthesized
// names stay identical across systems with different mime tables.
var mimeExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"image/gif":       ".gif",
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
	"video/webm":      ".webm",
	"audio/mpeg":      ".mp3",
	"audio/ogg":       ".ogg",
	"audio/mp4":       ".m4a",
	"application/pdf": ".pdf",
	"application/zip": ".zip",
}

// extensionFor picks an extension from the MIME type, falling back to
// a per-kind default.
func extensionFor(msg *telegram.Message) string {
	if msg.File != nil && msg.File.MIMEType != "" {
		if ext, ok := mimeExtensions[msg.File.MIMEType]; ok {
			return ext
		}
		if exts, err := mime.ExtensionsByType(msg.File.MIMEType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	switch msg.Kind {
	case telegram.KindPhoto:
		return ".jpg"
	case telegram.KindVideo, telegram.KindAnimation:
		return ".mp4"
	case telegram.KindAudio:
		return ".mp3"
	case telegram.KindVoice:
		return ".ogg"
	case telegram.KindSticker:
		return ".webp"
	default:
		return ".bin"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
