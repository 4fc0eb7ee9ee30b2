// Package engine orchestrates replication runs. For each configured
// source/targets pair it resolves and probes the chats, then either
// native-forwards message by message or hands the window to the
// download-upload pipeline when the source forbids forwarding.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/tgmirror/internal/access"
	"github.com/nextlevelbuilder/tgmirror/internal/config"
	"github.com/nextlevelbuilder/tgmirror/internal/fetcher"
	"github.com/nextlevelbuilder/tgmirror/internal/flood"
	"github.com/nextlevelbuilder/tgmirror/internal/history"
	"github.com/nextlevelbuilder/tgmirror/internal/resolver"
	"github.com/nextlevelbuilder/tgmirror/internal/telegram"
	"github.com/nextlevelbuilder/tgmirror/internal/uploader"
)

// maxRecordedErrors bounds the error list carried in Stats; overflow
// is aggregated into ErrorsDropped.
const maxRecordedErrors = 10

// Counts is the aggregate a delivery path reports back.
type Counts struct {
	Total   int
	Success int
	Failed  int
	Skipped int
	Deleted int
	// Deliveries names the source messages that reached each target, so
	// the engine can record them in forward history.
	Deliveries []Delivery
}

// Delivery is one target's worth of delivered source message IDs.
type Delivery struct {
	MsgIDs []int
	Target string
}

// Pipeline is the download-upload path, used when the source's
// protected-content flag blocks native forwarding.
type Pipeline interface {
	Run(ctx context.Context, source *resolver.Resolved, targets []uploader.Target, window fetcher.Options) (Counts, error)
}

// Stats summarizes a full run.
type Stats struct {
	Total   int
	Success int
	Failed  int
	Skipped int
	// Deleted counts in-range message IDs missing on the server.
	Deleted int
	// Errors holds the first few failures verbatim; the rest only
	// bump ErrorsDropped.
	Errors        []string
	ErrorsDropped int
}

func (s *Stats) recordError(format string, args ...any) {
	if len(s.Errors) >= maxRecordedErrors {
		s.ErrorsDropped++
		return
	}
	s.Errors = append(s.Errors, fmt.Sprintf(format, args...))
}

func (s *Stats) merge(c Counts) {
	s.Total += c.Total
	s.Success += c.Success
	s.Failed += c.Failed
	s.Skipped += c.Skipped
	s.Deleted += c.Deleted
}

// Engine runs configured channel pairs.
type Engine struct {
	client   telegram.Client
	resolver *resolver.Resolver
	prober   *access.Prober
	store    *history.Store
	limits   *flood.Adapter
	pipeline Pipeline
	log      *slog.Logger
	cfg      *config.Config
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates an engine. The adapter should carry the configured
// max_retries so a message that keeps failing is recorded and the run
// continues.
func New(client telegram.Client, res *resolver.Resolver, prober *access.Prober, store *history.Store,
	limits *flood.Adapter, pipe Pipeline, log *slog.Logger, cfg *config.Config) *Engine {
	return &Engine{
		client:   client,
		resolver: res,
		prober:   prober,
		store:    store,
		limits:   limits,
		pipeline: pipe,
		log:      log,
		cfg:      cfg,
		sleep:    sleepCtx,
	}
}

// WithSleep overrides the delay sleep. Test hook.
func (e *Engine) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Engine {
	e.sleep = sleep
	return e
}

// Run processes every configured pair and returns the aggregate stats.
// Pair-level failures are recorded in the stats, not returned; the
// error is non-nil only when the context ends the run.
func (e *Engine) Run(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	for i, pair := range e.cfg.Forward.ForwardChannelPairs {
		if i > 0 && e.cfg.Forward.PauseTime > 0 {
			if err := e.sleep(ctx, e.cfg.Forward.PauseTime.Duration()); err != nil {
				return stats, err
			}
		}
		e.runPair(ctx, pair, stats)
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
	}
	return stats, nil
}

// target pairs a resolved chat with its history key.
type target struct {
	res *resolver.Resolved
	key string
}

func (e *Engine) runPair(ctx context.Context, pair config.ChannelPair, stats *Stats) {
	source, _, err := e.resolver.Resolve(ctx, pair.SourceChannel)
	if err != nil {
		e.log.Error("source resolution failed, skipping pair",
			"source", pair.SourceChannel, "error", err)
		stats.recordError("resolve source %s: %v", pair.SourceChannel, err)
		return
	}
	sourceCap, err := e.prober.Probe(ctx, source)
	if err != nil {
		e.log.Error("source probe failed, skipping pair", "source", source.Key(), "error", err)
		stats.recordError("probe source %s: %v", source.Key(), err)
		return
	}
	if !sourceCap.Readable {
		e.log.Error("source not readable, skipping pair", "source", source.Key())
		stats.recordError("source %s is not readable", source.Key())
		return
	}

	targets := e.resolveTargets(ctx, pair.TargetChannels, stats)
	if len(targets) == 0 {
		e.log.Info("no usable targets, probe only", "source", source.Key())
		return
	}

	window := fetcher.Options{
		StartID: e.cfg.Forward.StartID,
		EndID:   e.cfg.Forward.EndID,
		Limit:   e.cfg.Forward.Limit,
	}

	if sourceCap.ForwardAllowed {
		e.directForward(ctx, source, targets, window, stats)
		return
	}

	e.log.Info("source forbids forwarding, using download-upload",
		"source", source.Key(), "targets", len(targets))
	up := make([]uploader.Target, 0, len(targets))
	for _, t := range targets {
		up = append(up, uploader.Target{Key: t.key, ChatID: t.res.Chat.ID})
	}
	counts, err := e.pipeline.Run(ctx, source, up, window)
	stats.merge(counts)
	e.recordDeliveries(source, counts.Deliveries)
	if err != nil {
		stats.recordError("pipeline %s: %v", source.Key(), err)
	}
}

// recordDeliveries writes pipeline deliveries into forward history.
// Without this a source whose protected flag later clears would be
// re-delivered by the native path.
func (e *Engine) recordDeliveries(source *resolver.Resolved, deliveries []Delivery) {
	sourceKey := source.Key()
	for _, d := range deliveries {
		for _, id := range d.MsgIDs {
			if e.store.IsForwarded(sourceKey, id, d.Target) {
				continue
			}
			if err := e.store.MarkForwarded(sourceKey, source.Chat.ID, id, d.Target); err != nil {
				e.log.Error("forward mark failed", "source", sourceKey, "msg_id", id, "error", err)
			}
		}
	}
}

// resolveTargets resolves, probes, and deduplicates the target list,
// sorted forward-allowed-first so a permissive target becomes the copy
// source in download-upload mode.
func (e *Engine) resolveTargets(ctx context.Context, inputs []string, stats *Stats) []target {
	parsed, parseErrs := resolver.FilterValid(e.log, inputs)
	for _, perr := range parseErrs {
		stats.recordError("target: %v", perr)
	}

	var resolved []*resolver.Resolved
	caps := make(map[string]access.Capability)
	seen := make(map[string]bool)
	for _, p := range parsed {
		res, err := e.resolver.ResolveRef(ctx, p.Ref)
		if err != nil {
			e.log.Warn("target resolution failed, dropping target", "target", p.Input, "error", err)
			stats.recordError("resolve target %s: %v", p.Input, err)
			continue
		}
		key := res.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		record, err := e.prober.Probe(ctx, res)
		if err != nil {
			e.log.Warn("target probe failed, dropping target", "target", key, "error", err)
			stats.recordError("probe target %s: %v", key, err)
			continue
		}
		if !record.Writable {
			e.log.Warn("target not writable, dropping target", "target", key)
			stats.recordError("target %s is not writable", key)
			continue
		}
		resolved = append(resolved, res)
		caps[key] = record
	}
	access.SortByForwardAllowed(resolved, caps)

	out := make([]target, 0, len(resolved))
	for _, r := range resolved {
		out = append(out, target{res: r, key: r.Key()})
	}
	return out
}

// directForward streams the window and native-forwards each message
// (or album, as one grouped call) to every target.
func (e *Engine) directForward(ctx context.Context, source *resolver.Resolved, targets []target, window fetcher.Options, stats *Stats) {
	f := fetcher.New(e.client, e.limits, e.log)
	for batch := range f.Stream(ctx, source.Chat.ID, window) {
		for _, msg := range batch.Singles {
			e.forwardItem(ctx, source, targets, []*telegram.Message{msg}, stats)
			if ctx.Err() != nil {
				return
			}
		}
		for _, album := range batch.Albums {
			e.forwardItem(ctx, source, targets, album, stats)
			if ctx.Err() != nil {
				return
			}
		}
	}
	if err := f.Err(); err != nil {
		stats.recordError("fetch %s: %v", source.Key(), err)
	}
	stats.Deleted += f.Deleted()
}

// forwardItem delivers one message or one whole album to every target,
// skipping targets already recorded in forward history.
func (e *Engine) forwardItem(ctx context.Context, source *resolver.Resolved, targets []target, msgs []*telegram.Message, stats *Stats) {
	n := len(msgs)
	stats.Total += n

	if !e.kindAllowed(msgs) {
		stats.Skipped += n
		return
	}

	sourceKey := source.Key()
	srcID := source.Chat.ID
	ids := make([]int, 0, n)
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	lead := ids[0]

	attempted := false
	failed := false
	for _, t := range targets {
		if e.store.IsForwarded(sourceKey, lead, t.key) {
			continue
		}
		attempted = true
		err := e.limits.Do(ctx, func(ctx context.Context) error {
			if e.cfg.Forward.RemoveCaptions {
				_, err := e.client.CopyMessages(ctx, srcID, t.res.Chat.ID, ids, true)
				return err
			}
			_, err := e.client.ForwardMessages(ctx, srcID, t.res.Chat.ID, ids)
			return err
		})
		if err != nil {
			failed = true
			e.log.Error("forward failed", "source", sourceKey, "msg_id", lead, "target", t.key, "error", err)
			stats.recordError("forward %s/%d to %s: %v", sourceKey, lead, t.key, err)
			continue
		}
		for _, id := range ids {
			if err := e.store.MarkForwarded(sourceKey, srcID, id, t.key); err != nil {
				e.log.Error("forward mark failed", "source", sourceKey, "msg_id", id, "error", err)
			}
		}
	}

	switch {
	case failed:
		stats.Failed += n
	case !attempted:
		// Every target already held a record. The no-op still counts
		// as delivered, so re-runs report success alongside skipped.
		stats.Skipped += n
		stats.Success += n
	default:
		stats.Success += n
	}

	if attempted && e.cfg.Forward.ForwardDelay > 0 {
		if err := e.sleep(ctx, e.cfg.Forward.ForwardDelay.Duration()); err != nil {
			return
		}
	}
}

// kindAllowed applies the media_types allow-list. An empty list allows
// everything; an album passes when any member's kind is allowed.
func (e *Engine) kindAllowed(msgs []*telegram.Message) bool {
	allow := e.cfg.Forward.MediaTypes
	if len(allow) == 0 {
		return true
	}
	for _, m := range msgs {
		for _, kind := range allow {
			if string(m.Kind) == kind {
				return true
			}
		}
	}
	return false
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
