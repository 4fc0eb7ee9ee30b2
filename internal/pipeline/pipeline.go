// Package pipeline wires the download-upload path: fetcher batches
// flow through a serial downloader into a bounded queue drained by a
// small pool of upload workers. Termination uses a downloads-complete
// flag plus an empty queue, never a channel close mid-drain.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/tgmirror/internal/assembler"
	"github.com/nextlevelbuilder/tgmirror/internal/downloader"
	"github.com/nextlevelbuilder/tgmirror/internal/engine"
	"github.com/nextlevelbuilder/tgmirror/internal/fetcher"
	"github.com/nextlevelbuilder/tgmirror/internal/flood"
	"github.com/nextlevelbuilder/tgmirror/internal/resolver"
	"github.com/nextlevelbuilder/tgmirror/internal/telegram"
	"github.com/nextlevelbuilder/tgmirror/internal/uploader"
)

const (
	// DefaultWorkers is the upload worker pool size.
	DefaultWorkers = 3
	// DefaultTimeout is the hard ceiling for one run.
	DefaultTimeout = time.Hour
	// queueSize bounds Q2; back-pressure throttles the downloader,
	// which throttles the fetcher.
	queueSize = 4
	// drainPoll is how often idle workers re-check the termination
	// condition.
	drainPoll = 50 * time.Millisecond
)

// workItem is one downloaded bundle queued for upload. The ID guards
// against double-upload if a bundle is ever re-injected.
type workItem struct {
	id     string
	bundle assembler.Bundle
	failed int
}

// Controller runs the download-upload path for one source window.
type Controller struct {
	client  telegram.Client
	limits  *flood.Adapter
	dl      *downloader.Downloader
	up      *uploader.Uploader
	log     *slog.Logger
	workers int
	timeout time.Duration
}

var _ engine.Pipeline = (*Controller)(nil)

// New creates a controller.
func New(client telegram.Client, limits *flood.Adapter, dl *downloader.Downloader, up *uploader.Uploader, log *slog.Logger) *Controller {
	return &Controller{
		client:  client,
		limits:  limits,
		dl:      dl,
		up:      up,
		log:     log,
		workers: DefaultWorkers,
		timeout: DefaultTimeout,
	}
}

// WithWorkers overrides the upload pool size.
func (c *Controller) WithWorkers(n int) *Controller {
	if n > 0 {
		c.workers = n
	}
	return c
}

// WithTimeout overrides the hard run ceiling.
func (c *Controller) WithTimeout(d time.Duration) *Controller {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// Run streams the window through download and upload. On the hard
// timeout the error is returned together with the partial counts.
func (c *Controller) Run(ctx context.Context, source *resolver.Resolved, targets []uploader.Target, window fetcher.Options) (engine.Counts, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		counts    engine.Counts
		countsMu  sync.Mutex
		complete  atomic.Bool
		processed sync.Map
	)
	add := func(f func(*engine.Counts)) {
		countsMu.Lock()
		f(&counts)
		countsMu.Unlock()
	}

	fetch := fetcher.New(c.client, c.limits, c.log)
	q2 := make(chan workItem, queueSize)

	g, gctx := errgroup.WithContext(ctx)

	// Serial download stage: Q1 is the fetch stream itself.
	g.Go(func() error {
		defer complete.Store(true)
		for batch := range fetch.Stream(gctx, source.Chat.ID, window) {
			res := c.dl.DownloadBatch(gctx, batch)
			for _, fail := range res.Failed {
				c.log.Error("download failed", "source", source.Key(), "msg_id", fail.MsgID, "error", fail.Err)
			}
			item := workItem{
				id:     uuid.NewString(),
				bundle: c.assemble(res),
				failed: len(res.Failed),
			}
			select {
			case q2 <- item:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return fetch.Err()
	})

	for i := 0; i < c.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case item := <-q2:
					if _, dup := processed.LoadOrStore(item.id, true); dup {
						continue
					}
					c.uploadItem(gctx, item, targets, add)
				case <-gctx.Done():
					return gctx.Err()
				default:
					if complete.Load() && len(q2) == 0 {
						return nil
					}
					select {
					case <-time.After(drainPoll):
					case <-gctx.Done():
						return gctx.Err()
					}
				}
			}
		})
	}

	err := g.Wait()
	add(func(cn *engine.Counts) { cn.Deleted += fetch.Deleted() })
	return counts, err
}

// assemble converts a download result into the upload bundle. Each
// album group passes through the reassembler so the caption rule
// applies; singles, including members demoted by a partial album
// download, keep their own captions.
func (c *Controller) assemble(res downloader.BatchResult) assembler.Bundle {
	var bundle assembler.Bundle
	for _, group := range res.Albums {
		sub := assembler.Assemble(c.albumItems(group))
		bundle.Albums = append(bundle.Albums, sub.Albums...)
		bundle.Singles = append(bundle.Singles, sub.Singles...)
	}
	for _, art := range res.Singles {
		item := assembler.FromArtifacts([]downloader.Artifact{art})[0]
		item.Caption = item.Meta.Caption
		item.Entities = item.Meta.Entities
		bundle.Singles = append(bundle.Singles, item)
	}
	return bundle
}

// albumItems rebuilds an album group from the metadata side-files, the
// same source a restarted run would read. Groups carrying a text
// member or an unreadable side-file fall back to the in-memory batch.
func (c *Controller) albumItems(group []downloader.Artifact) []assembler.Item {
	paths := make([]string, 0, len(group))
	for _, art := range group {
		if art.Path == "" {
			return assembler.FromArtifacts(group)
		}
		paths = append(paths, art.Path)
	}
	items, err := assembler.Load(paths)
	if err != nil {
		c.log.Warn("album side-file reload failed, using batch metadata", "error", err)
		return assembler.FromArtifacts(group)
	}
	return items
}

func (c *Controller) uploadItem(ctx context.Context, item workItem, targets []uploader.Target, add func(func(*engine.Counts))) {
	results := c.up.UploadBatch(ctx, item.bundle, targets)
	add(func(cn *engine.Counts) {
		cn.Total += item.failed
		cn.Failed += item.failed
		for _, r := range results {
			n := len(r.SourceIDs)
			cn.Total += n
			switch {
			case !r.OK():
				cn.Failed += n
			case len(targets) > 0 && r.SkippedTargets == len(targets):
				// Already delivered everywhere counts as success too,
				// matching the native path's re-run reporting.
				cn.Skipped += n
				cn.Success += n
			default:
				cn.Success += n
			}
			for _, t := range targets {
				if _, ok := r.Remote[t.Key]; ok {
					cn.Deliveries = append(cn.Deliveries, engine.Delivery{MsgIDs: r.SourceIDs, Target: t.Key})
				}
			}
		}
	})
}
