// Package access probes what the current account may do with a chat:
// read its history, post to it, and forward out of it.
package access

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/tgmirror/internal/resolver"
	"github.com/nextlevelbuilder/tgmirror/internal/telegram"
)

// Capability records what was observed for one chat.
type Capability struct {
	Readable       bool
	Writable       bool
	ForwardAllowed bool
	FetchedAt      time.Time
}

// DefaultTTL is how long a probe result stays valid.
const DefaultTTL = 30 * time.Minute

// Prober fetches and caches capabilities per canonical key. Duplicate
// concurrent misses both probe; the second write overwrites with
// equivalent data.
type Prober struct {
	client telegram.Client
	log    *slog.Logger
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]Capability
}

// New creates a prober with the default TTL.
func New(client telegram.Client, log *slog.Logger) *Prober {
	return &Prober{
		client: client,
		log:    log,
		ttl:    DefaultTTL,
		now:    time.Now,
		cache:  make(map[string]Capability),
	}
}

// WithTTL overrides the cache TTL.
func (p *Prober) WithTTL(ttl time.Duration) *Prober {
	p.ttl = ttl
	return p
}

// WithClock overrides the time source. Test hook.
func (p *Prober) WithClock(now func() time.Time) *Prober {
	p.now = now
	return p
}

// Probe returns the chat's capability record, probing the platform on
// a cache miss or after expiry.
func (p *Prober) Probe(ctx context.Context, res *resolver.Resolved) (Capability, error) {
	key := res.Key()
	p.mu.RLock()
	cached, ok := p.cache[key]
	p.mu.RUnlock()
	if ok && p.now().Sub(cached.FetchedAt) < p.ttl {
		return cached, nil
	}

	record := Capability{
		ForwardAllowed: !res.Chat.NoForwards,
		FetchedAt:      p.now(),
	}

	// Readable: a one-message history read either works or it doesn't.
	if _, err := p.client.GetHistory(ctx, res.Chat.ID, 0, 0, 0, 1); err == nil {
		record.Readable = true
	} else if telegram.IsAuthError(err) {
		return Capability{}, err
	}

	writable, err := p.client.CanPost(ctx, res.Chat.ID)
	if err != nil {
		if telegram.IsAuthError(err) {
			return Capability{}, err
		}
		// Membership lookup failing means we cannot post there.
		writable = false
	}
	record.Writable = writable

	p.mu.Lock()
	p.cache[key] = record
	p.mu.Unlock()
	p.log.Debug("probed chat",
		"chat_id", res.Chat.ID,
		"readable", record.Readable,
		"writable", record.Writable,
		"forward_allowed", record.ForwardAllowed)
	return record, nil
}

// SortByForwardAllowed stable-sorts targets so forward-allowed ones
// come first. In fan-out the head of the list becomes the copy source,
// which must allow copy-out.
func SortByForwardAllowed(targets []*resolver.Resolved, caps map[string]Capability) {
	sort.SliceStable(targets, func(i, j int) bool {
		return caps[targets[i].Key()].ForwardAllowed && !caps[targets[j].Key()].ForwardAllowed
	})
}
