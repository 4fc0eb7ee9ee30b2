// Package flood converts platform back-pressure into a uniform
// sleep/retry policy. Every platform call in the system goes through
// an Adapter.
package flood

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/nextlevelbuilder/tgmirror/internal/telegram"
)

// DefaultMaxRetries bounds transient-error retries.
const DefaultMaxRetries = 3

// ErrWaitTooLong marks a flood wait above the adapter's ceiling.
// Callers with their own retry loops must not retry it.
var ErrWaitTooLong = errors.New("flood wait exceeds ceiling")

// Reconnector is the one client capability the adapter needs beyond
// the operation itself.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Adapter applies the retry policy: flood waits are slept without
// consuming an attempt, transient errors back off exponentially, an
// invalid session gets one reconnect, everything else propagates.
type Adapter struct {
	client       Reconnector
	log          *slog.Logger
	maxRetries   int
	maxFloodWait time.Duration // 0 means no ceiling
	sleep        func(ctx context.Context, d time.Duration) error
}

// New creates an adapter with the default retry budget.
func New(client Reconnector, log *slog.Logger) *Adapter {
	return &Adapter{
		client:     client,
		log:        log,
		maxRetries: DefaultMaxRetries,
		sleep:      sleepCtx,
	}
}

// WithMaxRetries overrides the transient retry budget.
func (a *Adapter) WithMaxRetries(n int) *Adapter {
	a.maxRetries = n
	return a
}

// WithMaxFloodWait sets a ceiling on honored flood waits: a signaled
// wait above it fails the operation immediately instead of sleeping.
func (a *Adapter) WithMaxFloodWait(d time.Duration) *Adapter {
	a.maxFloodWait = d
	return a
}

// WithSleep overrides the sleep function. Test hook.
func (a *Adapter) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Adapter {
	a.sleep = sleep
	return a
}

// Do runs op under the retry policy.
func (a *Adapter) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := 0
	reconnected := false
	for {
		err := op(ctx)
		if err == nil {
			return nil
		}

		if wait, ok := telegram.AsFloodWait(err); ok {
			if a.maxFloodWait > 0 && wait > a.maxFloodWait {
				return fmt.Errorf("%w: %s over %s: %w", ErrWaitTooLong, wait, a.maxFloodWait, err)
			}
			a.log.Warn("flood wait", "sleep", wait)
			if serr := a.sleep(ctx, wait); serr != nil {
				return serr
			}
			continue // no attempt consumed
		}

		if telegram.IsAuthError(err) {
			if reconnected {
				return fmt.Errorf("session invalid after reconnect: %w", err)
			}
			reconnected = true
			a.log.Warn("session invalid, reconnecting once", "error", err)
			if rerr := a.client.Reconnect(ctx); rerr != nil {
				return fmt.Errorf("reconnect: %w", rerr)
			}
			continue
		}

		if telegram.IsTransient(err) {
			if attempt >= a.maxRetries {
				return fmt.Errorf("giving up after %d retries: %w", a.maxRetries, err)
			}
			backoff := time.Duration(math.Pow(2, float64(attempt))) * time.Second
			a.log.Warn("transient error, backing off", "attempt", attempt, "backoff", backoff, "error", err)
			if serr := a.sleep(ctx, backoff); serr != nil {
				return serr
			}
			attempt++
			continue
		}

		return err
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
