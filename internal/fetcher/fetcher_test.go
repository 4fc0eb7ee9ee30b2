package fetcher

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nextlevelbuilder/tgmirror/internal/flood"
	"github.com/nextlevelbuilder/tgmirror/internal/telegram"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type noopReconnector struct{}

func (noopReconnector) Reconnect(_ context.Context) error { return nil }

func testAdapter() *flood.Adapter {
	return flood.New(noopReconnector{}, testLogger()).
		WithSleep(func(_ context.Context, _ time.Duration) error { return nil })
}

// fakeClient serves history from an in-memory descending message list.
// A one-shot flood-wait error can be armed on a given call number.
type fakeClient struct {
	telegram.Client
	messages     []*telegram.Message // descending by ID
	historyCalls int
	floodOnCall  int
	flooded      bool
	groupCalls   int
}

func (f *fakeClient) GetHistory(_ context.Context, _ int64, offsetID, minID, _ int, limit int) ([]*telegram.Message, error) {
	f.historyCalls++
	if f.floodOnCall == f.historyCalls && !f.flooded {
		f.flooded = true
		f.historyCalls--
		return nil, &telegram.FloodWaitError{RetryAfter: 7 * time.Second}
	}
	var out []*telegram.Message
	for _, m := range f.messages {
		if offsetID > 0 && m.ID >= offsetID {
			continue
		}
		if minID > 0 && m.ID <= minID {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeClient) GetMediaGroup(_ context.Context, _ int64, msgID int) ([]*telegram.Message, error) {
	f.groupCalls++
	var anchor *telegram.Message
	for _, m := range f.messages {
		if m.ID == msgID {
			anchor = m
			break
		}
	}
	if anchor == nil || anchor.GroupedID == 0 {
		return nil, &telegram.PeerError{Reason: "MESSAGE_ID_INVALID"}
	}
	var members []*telegram.Message
	for i := len(f.messages) - 1; i >= 0; i-- {
		if f.messages[i].GroupedID == anchor.GroupedID {
			members = append(members, f.messages[i])
		}
	}
	return members, nil
}

func msg(id int, group int64) *telegram.Message {
	kind := telegram.KindText
	if group != 0 {
		kind = telegram.KindPhoto
	}
	return &telegram.Message{ChatID: -100123, ID: id, Kind: kind, GroupedID: group}
}

func drain(ch <-chan Batch) []Batch {
	var out []Batch
	for b := range ch {
		out = append(out, b)
	}
	return out
}

func collectIDs(batches []Batch) []int {
	var ids []int
	for _, b := range batches {
		for _, m := range b.Singles {
			ids = append(ids, m.ID)
		}
		for _, album := range b.Albums {
			for _, m := range album {
				ids = append(ids, m.ID)
			}
		}
	}
	return ids
}

// TestStream_WindowNewestToOldest verifies the configured ID window is
// honored and messages arrive newest first.
func TestStream_WindowNewestToOldest(t *testing.T) {
	fake := &fakeClient{messages: []*telegram.Message{
		msg(100, 0), msg(99, 0), msg(98, 0), msg(97, 0),
	}}
	f := New(fake, testAdapter(), testLogger())

	batches := drain(f.Stream(context.Background(), -100123, Options{StartID: 100, EndID: 98}))
	if err := f.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	ids := collectIDs(batches)
	want := []int{100, 99, 98}
	if len(ids) != len(want) {
		t.Fatalf("got IDs %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("position %d = %d, want %d", i, ids[i], want[i])
		}
	}
}

// TestStream_GroupsAlbums verifies messages sharing a grouped ID emit
// as one album ordered by ascending ID, separate from singles.
func TestStream_GroupsAlbums(t *testing.T) {
	fake := &fakeClient{messages: []*telegram.Message{
		msg(50, 0), msg(49, 7), msg(48, 7), msg(47, 7), msg(46, 0),
	}}
	f := New(fake, testAdapter(), testLogger())

	batches := drain(f.Stream(context.Background(), -100123, Options{StartID: 50, EndID: 46}))
	if err := f.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}

	var albums [][]*telegram.Message
	var singles []*telegram.Message
	for _, b := range batches {
		albums = append(albums, b.Albums...)
		singles = append(singles, b.Singles...)
	}
	if len(albums) != 1 {
		t.Fatalf("got %d albums, want 1", len(albums))
	}
	if len(albums[0]) != 3 {
		t.Fatalf("album has %d members, want 3", len(albums[0]))
	}
	for i, wantID := range []int{47, 48, 49} {
		if albums[0][i].ID != wantID {
			t.Errorf("album member %d = %d, want %d (ascending order)", i, albums[0][i].ID, wantID)
		}
	}
	if len(singles) != 2 {
		t.Errorf("got %d singles, want 2", len(singles))
	}
}

// TestStream_AlbumStraddlingWindow verifies an album cut off at the
// window edge triggers a media-group follow-up and emits complete.
func TestStream_AlbumStraddlingWindow(t *testing.T) {
	fake := &fakeClient{messages: []*telegram.Message{
		msg(10, 0), msg(9, 3), msg(8, 3), msg(7, 3), msg(6, 0),
	}}
	f := New(fake, testAdapter(), testLogger())

	// BatchSize 2 slices the album across windows.
	batches := drain(f.Stream(context.Background(), -100123, Options{StartID: 10, EndID: 6, BatchSize: 2}))
	if err := f.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if fake.groupCalls == 0 {
		t.Error("expected a media-group follow-up fetch")
	}

	seen := make(map[int]int)
	for _, id := range collectIDs(batches) {
		seen[id]++
	}
	for _, id := range []int{10, 9, 8, 7, 6} {
		if seen[id] != 1 {
			t.Errorf("message %d emitted %d times, want exactly once", id, seen[id])
		}
	}
}

// TestStream_FloodWaitRetriesSameWindow verifies a flood-wait does not
// advance the window or lose messages.
func TestStream_FloodWaitRetriesSameWindow(t *testing.T) {
	fake := &fakeClient{
		messages:    []*telegram.Message{msg(20, 0), msg(19, 0)},
		floodOnCall: 1,
	}
	f := New(fake, testAdapter(), testLogger())

	batches := drain(f.Stream(context.Background(), -100123, Options{StartID: 20, EndID: 19}))
	if err := f.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	ids := collectIDs(batches)
	if len(ids) != 2 {
		t.Fatalf("got IDs %v, want both messages despite the flood wait", ids)
	}
}

// TestStream_CountsDeleted verifies holes in a bounded range are
// surfaced in the batch and fetcher counters.
func TestStream_CountsDeleted(t *testing.T) {
	// 99 and 97 are missing from the server.
	fake := &fakeClient{messages: []*telegram.Message{
		msg(100, 0), msg(98, 0), msg(96, 0),
	}}
	f := New(fake, testAdapter(), testLogger())

	drain(f.Stream(context.Background(), -100123, Options{StartID: 100, EndID: 96}))
	if err := f.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if got := f.Deleted(); got != 2 {
		t.Errorf("Deleted() = %d, want 2", got)
	}
}

// TestStream_LimitZeroEmitsNothing verifies the zero-limit boundary.
func TestStream_LimitZeroEmitsNothing(t *testing.T) {
	fake := &fakeClient{messages: []*telegram.Message{msg(5, 0)}}
	f := New(fake, testAdapter(), testLogger())

	batches := drain(f.Stream(context.Background(), -100123, Options{StartID: 5, Limit: 0}))
	if len(batches) != 0 {
		t.Errorf("got %d batches, want none", len(batches))
	}
	if fake.historyCalls != 0 {
		t.Errorf("history calls = %d, want 0", fake.historyCalls)
	}
}

// TestStream_LimitCapsEmission verifies a positive limit stops the
// stream once reached.
func TestStream_LimitCapsEmission(t *testing.T) {
	fake := &fakeClient{messages: []*telegram.Message{
		msg(30, 0), msg(29, 0), msg(28, 0), msg(27, 0),
	}}
	f := New(fake, testAdapter(), testLogger())

	batches := drain(f.Stream(context.Background(), -100123, Options{StartID: 30, Limit: 2}))
	if err := f.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if got := len(collectIDs(batches)); got != 2 {
		t.Errorf("emitted %d messages, want 2", got)
	}
}
