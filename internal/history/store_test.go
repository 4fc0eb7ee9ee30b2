package history

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, dir
}

// TestMarkDownloaded_DurableBeforeReturn verifies a mark is on disk by
// the time the call returns, not just queued for the auto-save.
func TestMarkDownloaded_DurableBeforeReturn(t *testing.T) {
	s, dir := newTestStore(t)

	if err := s.MarkDownloaded("-100123", -100123, 42); err != nil {
		t.Fatalf("MarkDownloaded: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "download_history.json"))
	if err != nil {
		t.Fatalf("read history file: %v", err)
	}
	var doc DownloadHistory
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parse history file: %v", err)
	}
	ch, ok := doc.Channels["-100123"]
	if !ok {
		t.Fatal("channel entry missing from persisted document")
	}
	if len(ch.DownloadedMessages) != 1 || ch.DownloadedMessages[0] != 42 {
		t.Errorf("downloaded_messages = %v, want [42]", ch.DownloadedMessages)
	}
	if doc.LastUpdated == "" {
		t.Error("last_updated not set")
	}
}

// TestFlushDirty_WritesOnlyPendingDocuments verifies the background
// flush touches only documents whose synchronous save failed.
func TestFlushDirty_WritesOnlyPendingDocuments(t *testing.T) {
	s, dir := newTestStore(t)

	if err := s.MarkDownloaded("-100123", -100123, 42); err != nil {
		t.Fatalf("MarkDownloaded: %v", err)
	}
	s.mu.RLock()
	pending := len(s.dirty)
	s.mu.RUnlock()
	if pending != 0 {
		t.Fatalf("dirty after a successful mark = %d, want 0", pending)
	}

	// A mark whose synchronous save failed leaves the mutation in
	// memory with the dirty flag set and nothing on disk.
	os.Remove(filepath.Join(dir, downloadFile))
	os.Remove(filepath.Join(dir, uploadFile))
	s.mu.Lock()
	s.uploads.Files["f"] = &UploadedFile{UploadedTo: []string{"-100900"}}
	s.dirty[uploadFile] = true
	s.mu.Unlock()

	if err := s.flushDirty(); err != nil {
		t.Fatalf("flushDirty: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, uploadFile)); err != nil {
		t.Errorf("dirty upload document not flushed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, downloadFile)); !os.IsNotExist(err) {
		t.Error("clean download document rewritten by the flush")
	}
	s.mu.RLock()
	stillDirty := s.dirty[uploadFile]
	s.mu.RUnlock()
	if stillDirty {
		t.Error("dirty flag not cleared after the flush")
	}
}

// TestStore_SurvivesRestart verifies a second Store over the same
// directory sees every mark the first one made.
func TestStore_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.MarkDownloaded("-100123", -100123, 7); err != nil {
		t.Fatalf("MarkDownloaded: %v", err)
	}
	if err := s.MarkForwarded("-100123", -100123, 7, "-100456"); err != nil {
		t.Fatalf("MarkForwarded: %v", err)
	}
	if err := s.MarkFileUploaded("/tmp/a.jpg", "-100456", []int{501}, 1024, "photo"); err != nil {
		t.Fatalf("MarkFileUploaded: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(dir, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if !reopened.IsDownloaded("-100123", 7) {
		t.Error("download mark lost across restart")
	}
	if !reopened.IsForwarded("-100123", 7, "-100456") {
		t.Error("forward mark lost across restart")
	}
	if !reopened.IsFileUploaded("/tmp/a.jpg", "-100456") {
		t.Error("upload mark lost across restart")
	}
	if ids := reopened.UploadRemoteIDs("/tmp/a.jpg", "-100456"); len(ids) != 1 || ids[0] != 501 {
		t.Errorf("remote IDs = %v, want [501]", ids)
	}
}

// TestMark_Idempotent verifies repeated marks of the same binding do
// not duplicate entries.
func TestMark_Idempotent(t *testing.T) {
	s, _ := newTestStore(t)

	for i := 0; i < 3; i++ {
		if err := s.MarkForwarded("-100123", -100123, 9, "-100456"); err != nil {
			t.Fatalf("MarkForwarded: %v", err)
		}
	}
	targets := s.ForwardTargets("-100123", 9)
	if len(targets) != 1 {
		t.Errorf("targets = %v, want exactly one entry", targets)
	}

	for i := 0; i < 3; i++ {
		if err := s.MarkDownloaded("-100123", -100123, 9); err != nil {
			t.Fatalf("MarkDownloaded: %v", err)
		}
	}
	s.mu.RLock()
	n := len(s.downloads.Channels["-100123"].DownloadedMessages)
	s.mu.RUnlock()
	if n != 1 {
		t.Errorf("downloaded_messages has %d entries, want 1", n)
	}
}

// TestForwardTargets_AccumulatesAcrossCalls verifies separate marks for
// different targets merge into one set.
func TestForwardTargets_AccumulatesAcrossCalls(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.MarkForwarded("-100123", -100123, 5, "-100456"); err != nil {
		t.Fatalf("MarkForwarded: %v", err)
	}
	if err := s.MarkForwarded("-100123", -100123, 5, "-100789"); err != nil {
		t.Fatalf("MarkForwarded: %v", err)
	}
	targets := s.ForwardTargets("-100123", 5)
	if len(targets) != 2 {
		t.Fatalf("targets = %v, want 2 entries", targets)
	}
	if !s.IsForwarded("-100123", 5, "-100456") || !s.IsForwarded("-100123", 5, "-100789") {
		t.Error("expected both targets marked")
	}
}

// TestCleanup_DropsOldUploads verifies upload entries older than the
// age cutoff disappear while recent ones survive.
func TestCleanup_DropsOldUploads(t *testing.T) {
	s, _ := newTestStore(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return base.Add(-40 * 24 * time.Hour) })
	if err := s.MarkFileUploaded("/tmp/old.jpg", "-100456", []int{1}, 10, "photo"); err != nil {
		t.Fatalf("mark old: %v", err)
	}
	s.WithClock(func() time.Time { return base })
	if err := s.MarkFileUploaded("/tmp/new.jpg", "-100456", []int{2}, 10, "photo"); err != nil {
		t.Fatalf("mark new: %v", err)
	}

	removed, err := s.Cleanup(30 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed == 0 {
		t.Error("expected at least one removed entry")
	}
	if s.IsFileUploaded("/tmp/old.jpg", "-100456") {
		t.Error("old upload entry survived cleanup")
	}
	if !s.IsFileUploaded("/tmp/new.jpg", "-100456") {
		t.Error("recent upload entry was dropped")
	}
}
