// Package fetcher streams a source chat's messages newest-to-oldest in
// bounded batches, grouping album members together.
package fetcher

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/tgmirror/internal/flood"
	"github.com/nextlevelbuilder/tgmirror/internal/telegram"
)

// DefaultBatchSize is how many messages one history call requests.
const DefaultBatchSize = 50

// Options bounds a stream. StartID is the newest message considered
// (0 means start from the head), EndID the oldest (0 means no lower
// bound). Limit caps processed messages: 0 streams nothing, negative
// streams without cap.
type Options struct {
	StartID   int
	EndID     int
	Limit     int
	BatchSize int
}

// Batch is one emitted window: standalone messages plus fully
// assembled album groups, and the count of IDs that turned out deleted.
type Batch struct {
	Singles []*telegram.Message
	Albums  [][]*telegram.Message
	Deleted int
}

// Size returns the number of messages the batch carries.
func (b Batch) Size() int {
	n := len(b.Singles)
	for _, album := range b.Albums {
		n += len(album)
	}
	return n
}

// Fetcher pulls message windows through the rate-limit adapter.
type Fetcher struct {
	client telegram.Client
	limits *flood.Adapter
	log    *slog.Logger

	mu      sync.Mutex
	err     error
	deleted int
}

// New creates a fetcher.
func New(client telegram.Client, limits *flood.Adapter, log *slog.Logger) *Fetcher {
	return &Fetcher{client: client, limits: limits, log: log}
}

// Err returns the terminal error of the last stream, if any. Valid
// once the batch channel closed.
func (f *Fetcher) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Deleted returns how many in-range IDs were missing on the server
// during the last stream.
func (f *Fetcher) Deleted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleted
}

// Stream launches the fetch loop and returns its bounded batch
// channel. The channel closes when the window is exhausted, the limit
// is hit, or an error stops the stream (check Err afterwards).
func (f *Fetcher) Stream(ctx context.Context, chat int64, opts Options) <-chan Batch {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	out := make(chan Batch, 1)
	f.mu.Lock()
	f.err = nil
	f.deleted = 0
	f.mu.Unlock()
	go func() {
		defer close(out)
		if err := f.run(ctx, chat, opts, out); err != nil {
			f.mu.Lock()
			f.err = err
			f.mu.Unlock()
			f.log.Error("fetch stream stopped", "chat_id", chat, "error", err)
		}
	}()
	return out
}

func (f *Fetcher) run(ctx context.Context, chat int64, opts Options, out chan<- Batch) error {
	if opts.Limit == 0 {
		return nil
	}

	offset := 0
	if opts.StartID > 0 {
		// History returns IDs strictly below the offset.
		offset = opts.StartID + 1
	}
	minID := 0
	if opts.EndID > 0 {
		minID = opts.EndID - 1
	}

	processed := make(map[int]bool)
	emitted := 0
	lastSeen := 0
	if opts.StartID > 0 {
		lastSeen = opts.StartID + 1
	}

	for {
		var window []*telegram.Message
		err := f.limits.Do(ctx, func(ctx context.Context) error {
			var err error
			window, err = f.client.GetHistory(ctx, chat, offset, minID, 0, opts.BatchSize)
			return err
		})
		if err != nil {
			return err
		}
		if len(window) == 0 {
			f.noteTrailingGap(lastSeen, opts.EndID, processed)
			return nil
		}

		batch := Batch{}
		groups := make(map[int64][]*telegram.Message)
		var groupOrder []int64
		oldest := window[len(window)-1].ID

		for _, msg := range window {
			// Holes between consecutive IDs are deletions, except for
			// IDs an album follow-up already pulled in.
			if lastSeen > 0 && msg.ID < lastSeen-1 {
				for id := msg.ID + 1; id < lastSeen; id++ {
					if !processed[id] {
						batch.Deleted++
					}
				}
			}
			if lastSeen == 0 || msg.ID < lastSeen {
				lastSeen = msg.ID
			}
			if processed[msg.ID] {
				continue
			}
			processed[msg.ID] = true

			if msg.IsAlbumMember() {
				if _, seen := groups[msg.GroupedID]; !seen {
					groupOrder = append(groupOrder, msg.GroupedID)
				}
				groups[msg.GroupedID] = append(groups[msg.GroupedID], msg)
			} else {
				batch.Singles = append(batch.Singles, msg)
			}
			emitted++
			if opts.Limit > 0 && emitted >= opts.Limit {
				break
			}
		}

		for _, groupID := range groupOrder {
			members := groups[groupID]
			// An album touching the window edge may continue beyond
			// it; fetch the full group before emitting.
			if f.touchesEdge(members, window) {
				full, err := f.fetchFullAlbum(ctx, chat, members[0].ID)
				if err != nil {
					f.log.Warn("album completion fetch failed, emitting partial",
						"chat_id", chat, "group_id", groupID, "error", err)
				} else {
					for _, m := range full {
						if !processed[m.ID] {
							processed[m.ID] = true
							emitted++
						}
					}
					members = full
				}
			}
			sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
			batch.Albums = append(batch.Albums, members)
		}

		f.mu.Lock()
		f.deleted += batch.Deleted
		f.mu.Unlock()

		if batch.Size() > 0 {
			select {
			case out <- batch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if opts.Limit > 0 && emitted >= opts.Limit {
			return nil
		}
		if opts.EndID > 0 && oldest <= opts.EndID {
			return nil
		}
		offset = oldest
	}
}

// touchesEdge reports whether the album has a member at either edge of
// the fetched window.
func (f *Fetcher) touchesEdge(members, window []*telegram.Message) bool {
	first, last := window[0].ID, window[len(window)-1].ID
	for _, m := range members {
		if m.ID == first || m.ID == last {
			return true
		}
	}
	return false
}

func (f *Fetcher) fetchFullAlbum(ctx context.Context, chat int64, msgID int) ([]*telegram.Message, error) {
	var full []*telegram.Message
	err := f.limits.Do(ctx, func(ctx context.Context) error {
		var err error
		full, err = f.client.GetMediaGroup(ctx, chat, msgID)
		return err
	})
	return full, err
}

// noteTrailingGap counts deletions between the last message seen and
// the configured lower bound when the stream ran dry early.
func (f *Fetcher) noteTrailingGap(lastSeen, endID int, processed map[int]bool) {
	if endID <= 0 || lastSeen <= endID {
		return
	}
	gap := 0
	for id := endID; id < lastSeen; id++ {
		if !processed[id] {
			gap++
		}
	}
	f.mu.Lock()
	f.deleted += gap
	f.mu.Unlock()
}
