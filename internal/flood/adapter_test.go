package flood

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nextlevelbuilder/tgmirror/internal/telegram"
)

type fakeReconnector struct {
	calls int
	err   error
}

func (f *fakeReconnector) Reconnect(_ context.Context) error {
	f.calls++
	return f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordedSleeps swaps the real sleep for one that just records.
func recordedSleeps(a *Adapter) *[]time.Duration {
	var slept []time.Duration
	a.WithSleep(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	})
	return &slept
}

// TestDo_FloodWaitDoesNotConsumeAttempts verifies a flood wait sleeps
// the signaled duration and the operation still gets its full retry
// budget afterwards.
func TestDo_FloodWaitDoesNotConsumeAttempts(t *testing.T) {
	a := New(&fakeReconnector{}, testLogger())
	slept := recordedSleeps(a)

	calls := 0
	err := a.Do(context.Background(), func(_ context.Context) error {
		calls++
		if calls == 1 {
			return &telegram.FloodWaitError{RetryAfter: 7 * time.Second}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 2 {
		t.Errorf("operation ran %d times, want 2", calls)
	}
	if len(*slept) != 1 || (*slept)[0] != 7*time.Second {
		t.Errorf("slept %v, want exactly [7s]", *slept)
	}
}

// TestDo_TransientBackoffDoubles verifies transient errors back off
// 1s, 2s, 4s and the budget caps total attempts.
func TestDo_TransientBackoffDoubles(t *testing.T) {
	a := New(&fakeReconnector{}, testLogger())
	slept := recordedSleeps(a)

	calls := 0
	transient := errors.New("connection reset")
	err := a.Do(context.Background(), func(_ context.Context) error {
		calls++
		return transient
	})
	if err == nil {
		t.Fatal("Do succeeded, want exhaustion error")
	}
	if calls != 4 {
		t.Errorf("operation ran %d times, want 4 (initial + 3 retries)", calls)
	}
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("slept %v, want %v", *slept, want)
	}
	for i := range want {
		if (*slept)[i] != want[i] {
			t.Errorf("backoff %d = %v, want %v", i, (*slept)[i], want[i])
		}
	}
}

// TestDo_AuthErrorReconnectsOnce verifies the one-shot reconnect: a
// second auth failure after reconnecting is fatal.
func TestDo_AuthErrorReconnectsOnce(t *testing.T) {
	rec := &fakeReconnector{}
	a := New(rec, testLogger())
	recordedSleeps(a)

	calls := 0
	err := a.Do(context.Background(), func(_ context.Context) error {
		calls++
		return &telegram.AuthError{Reason: "AUTH_KEY_UNREGISTERED"}
	})
	if err == nil {
		t.Fatal("Do succeeded, want fatal auth error")
	}
	if rec.calls != 1 {
		t.Errorf("reconnect calls = %d, want exactly 1", rec.calls)
	}
	if calls != 2 {
		t.Errorf("operation ran %d times, want 2 (before and after reconnect)", calls)
	}
}

// TestDo_AuthErrorRecoversAfterReconnect verifies the operation
// succeeds when the reconnect fixes the session.
func TestDo_AuthErrorRecoversAfterReconnect(t *testing.T) {
	rec := &fakeReconnector{}
	a := New(rec, testLogger())
	recordedSleeps(a)

	calls := 0
	err := a.Do(context.Background(), func(_ context.Context) error {
		calls++
		if calls == 1 {
			return &telegram.AuthError{Reason: "SESSION_REVOKED"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if rec.calls != 1 {
		t.Errorf("reconnect calls = %d, want 1", rec.calls)
	}
}

// TestDo_FloodWaitCeiling verifies a signaled wait above the ceiling
// fails fast without sleeping.
func TestDo_FloodWaitCeiling(t *testing.T) {
	a := New(&fakeReconnector{}, testLogger()).WithMaxFloodWait(300 * time.Second)
	slept := recordedSleeps(a)

	err := a.Do(context.Background(), func(_ context.Context) error {
		return &telegram.FloodWaitError{RetryAfter: 301 * time.Second}
	})
	if err == nil {
		t.Fatal("Do succeeded, want ceiling error")
	}
	if len(*slept) != 0 {
		t.Errorf("slept %v, want no sleeps", *slept)
	}
	if !errors.Is(err, ErrWaitTooLong) {
		t.Errorf("error = %v, want ErrWaitTooLong so callers can stop retrying", err)
	}
	var fw *telegram.FloodWaitError
	if !errors.As(err, &fw) {
		t.Errorf("error chain should preserve the flood-wait cause, got %v", err)
	}
}

// TestDo_UnknownErrorsPropagate verifies errors outside the taxonomy
// pass through untouched on the first attempt.
func TestDo_UnknownErrorsPropagate(t *testing.T) {
	a := New(&fakeReconnector{}, testLogger())
	recordedSleeps(a)

	sentinel := errors.New("disk full")
	calls := 0
	err := a.Do(context.Background(), func(_ context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("error = %v, want sentinel", err)
	}
	if calls != 1 {
		t.Errorf("operation ran %d times, want 1", calls)
	}
}
