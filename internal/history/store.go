// Package history persists the three replication relations: which
// messages were downloaded, which files were uploaded where, and which
// messages were forwarded to which targets. The records are the
// idempotence anchors for every delivery path.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

const (
	downloadFile = "download_history.json"
	uploadFile   = "upload_history.json"
	forwardFile  = "forward_history.json"

	// autoSaveInterval is the background flush cadence. Marks are
	// saved synchronously; the ticker retries documents whose
	// synchronous save failed.
	autoSaveInterval = 30 * time.Second

	// closeDrain bounds the final flush on Close.
	closeDrain = 5 * time.Second
)

// DownloadHistory is the download_history.json document.
type DownloadHistory struct {
	Channels    map[string]*DownloadChannel `json:"channels"`
	LastUpdated string                      `json:"last_updated"`
}

// DownloadChannel records the downloaded message IDs of one source.
type DownloadChannel struct {
	ChannelID          int64 `json:"channel_id"`
	DownloadedMessages []int `json:"downloaded_messages"`
}

// UploadHistory is the upload_history.json document.
type UploadHistory struct {
	Files       map[string]*UploadedFile `json:"files"`
	LastUpdated string                   `json:"last_updated"`
}

// UploadedFile records where a local file was delivered and the remote
// message IDs each target assigned. The remote IDs enable server-side
// copies referencing the first upload.
type UploadedFile struct {
	UploadedTo   []string         `json:"uploaded_to"`
	UploadTime   string           `json:"upload_time"`
	FileSize     int64            `json:"file_size"`
	MediaType    string           `json:"media_type"`
	RemoteMsgIDs map[string][]int `json:"remote_msg_ids,omitempty"`
}

// ForwardHistory is the forward_history.json document.
type ForwardHistory struct {
	Channels    map[string]*ForwardChannel `json:"channels"`
	LastUpdated string                     `json:"last_updated"`
}

// ForwardChannel records, per source message, the set of target keys
// already delivered.
type ForwardChannel struct {
	ChannelID         int64               `json:"channel_id"`
	ForwardedMessages map[string][]string `json:"forwarded_messages"`
}

// Store owns the three documents. Reads come from the in-memory
// snapshot under a read lock; marks take the write lock and are saved
// to disk before returning, so a reported success is always durable.
type Store struct {
	dir string
	log *slog.Logger
	now func() time.Time

	mu        sync.RWMutex
	downloads *DownloadHistory
	uploads   *UploadHistory
	forwards  *ForwardHistory
	dirty     map[string]bool // filename -> needs flush

	stop chan struct{}
	done chan struct{}
}

// New loads (or initializes) the three documents under dir and starts
// the background auto-save. Callers must Close.
func New(dir string, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	s := &Store{
		dir:       dir,
		log:       log,
		now:       time.Now,
		downloads: &DownloadHistory{Channels: make(map[string]*DownloadChannel)},
		uploads:   &UploadHistory{Files: make(map[string]*UploadedFile)},
		forwards:  &ForwardHistory{Channels: make(map[string]*ForwardChannel)},
		dirty:     make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if err := loadJSON(filepath.Join(dir, downloadFile), s.downloads); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dir, uploadFile), s.uploads); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dir, forwardFile), s.forwards); err != nil {
		return nil, err
	}
	if s.downloads.Channels == nil {
		s.downloads.Channels = make(map[string]*DownloadChannel)
	}
	if s.uploads.Files == nil {
		s.uploads.Files = make(map[string]*UploadedFile)
	}
	if s.forwards.Channels == nil {
		s.forwards.Channels = make(map[string]*ForwardChannel)
	}
	go s.autoSave()
	return s, nil
}

// WithClock overrides the time source. Test hook.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// IsDownloaded reports whether the message was already downloaded.
func (s *Store) IsDownloaded(sourceKey string, msgID int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.downloads.Channels[sourceKey]
	return ok && slices.Contains(ch.DownloadedMessages, msgID)
}

// MarkDownloaded records a completed download. Durable on return.
func (s *Store) MarkDownloaded(sourceKey string, chatID int64, msgID int) error {
	s.mu.Lock()
	ch, ok := s.downloads.Channels[sourceKey]
	if !ok {
		ch = &DownloadChannel{ChannelID: chatID}
		s.downloads.Channels[sourceKey] = ch
	}
	if !slices.Contains(ch.DownloadedMessages, msgID) {
		ch.DownloadedMessages = append(ch.DownloadedMessages, msgID)
	}
	s.downloads.LastUpdated = s.timestamp()
	s.dirty[downloadFile] = true
	s.mu.Unlock()
	return s.save(downloadFile)
}

// IsForwarded reports whether the message already reached the target.
func (s *Store) IsForwarded(sourceKey string, msgID int, targetKey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.forwards.Channels[sourceKey]
	if !ok {
		return false
	}
	return slices.Contains(ch.ForwardedMessages[msgKey(msgID)], targetKey)
}

// ForwardTargets returns the targets the message already reached.
func (s *Store) ForwardTargets(sourceKey string, msgID int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.forwards.Channels[sourceKey]
	if !ok {
		return nil
	}
	return slices.Clone(ch.ForwardedMessages[msgKey(msgID)])
}

// MarkForwarded records delivery of a message to one or more targets.
// Durable on return.
func (s *Store) MarkForwarded(sourceKey string, chatID int64, msgID int, targetKeys ...string) error {
	s.mu.Lock()
	ch, ok := s.forwards.Channels[sourceKey]
	if !ok {
		ch = &ForwardChannel{ChannelID: chatID, ForwardedMessages: make(map[string][]string)}
		s.forwards.Channels[sourceKey] = ch
	}
	if ch.ForwardedMessages == nil {
		ch.ForwardedMessages = make(map[string][]string)
	}
	key := msgKey(msgID)
	for _, target := range targetKeys {
		if !slices.Contains(ch.ForwardedMessages[key], target) {
			ch.ForwardedMessages[key] = append(ch.ForwardedMessages[key], target)
		}
	}
	s.forwards.LastUpdated = s.timestamp()
	s.dirty[forwardFile] = true
	s.mu.Unlock()
	return s.save(forwardFile)
}

// IsFileUploaded reports whether the file already reached the target.
func (s *Store) IsFileUploaded(path, targetKey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.uploads.Files[path]
	return ok && slices.Contains(f.UploadedTo, targetKey)
}

// UploadRemoteIDs returns the remote message IDs the target assigned
// for the file, or nil when it never got there.
func (s *Store) UploadRemoteIDs(path, targetKey string) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.uploads.Files[path]
	if !ok {
		return nil
	}
	return slices.Clone(f.RemoteMsgIDs[targetKey])
}

// MarkFileUploaded records delivery of a file to a target with the
// remote IDs the platform assigned. Durable on return.
func (s *Store) MarkFileUploaded(path, targetKey string, remoteIDs []int, size int64, mediaType string) error {
	s.mu.Lock()
	f, ok := s.uploads.Files[path]
	if !ok {
		f = &UploadedFile{RemoteMsgIDs: make(map[string][]int)}
		s.uploads.Files[path] = f
	}
	if f.RemoteMsgIDs == nil {
		f.RemoteMsgIDs = make(map[string][]int)
	}
	if !slices.Contains(f.UploadedTo, targetKey) {
		f.UploadedTo = append(f.UploadedTo, targetKey)
	}
	f.RemoteMsgIDs[targetKey] = slices.Clone(remoteIDs)
	f.UploadTime = s.timestamp()
	f.FileSize = size
	f.MediaType = mediaType
	s.uploads.LastUpdated = s.timestamp()
	s.dirty[uploadFile] = true
	s.mu.Unlock()
	return s.save(uploadFile)
}

// Cleanup drops upload entries older than maxAge and resets whole
// documents whose last update is older than maxAge. Only invoked
// explicitly; normal operation never drops records.
func (s *Store) Cleanup(maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge)
	removed := 0

	s.mu.Lock()
	for path, f := range s.uploads.Files {
		if t, err := time.Parse(time.RFC3339, f.UploadTime); err == nil && t.Before(cutoff) {
			delete(s.uploads.Files, path)
			removed++
		}
	}
	for _, doc := range []struct {
		updated string
		reset   func()
	}{
		{s.downloads.LastUpdated, func() {
			removed += len(s.downloads.Channels)
			s.downloads.Channels = make(map[string]*DownloadChannel)
		}},
		{s.forwards.LastUpdated, func() {
			removed += len(s.forwards.Channels)
			s.forwards.Channels = make(map[string]*ForwardChannel)
		}},
	} {
		if t, err := time.Parse(time.RFC3339, doc.updated); err == nil && t.Before(cutoff) {
			doc.reset()
		}
	}
	ts := s.timestamp()
	s.downloads.LastUpdated = ts
	s.uploads.LastUpdated = ts
	s.forwards.LastUpdated = ts
	for _, name := range []string{downloadFile, uploadFile, forwardFile} {
		s.dirty[name] = true
	}
	s.mu.Unlock()

	if err := s.saveAll(); err != nil {
		return removed, err
	}
	return removed, nil
}

// Close stops the auto-save loop and flushes once more, bounded so a
// wedged disk cannot hang shutdown.
func (s *Store) Close() error {
	close(s.stop)
	select {
	case <-s.done:
	case <-time.After(closeDrain):
		s.log.Warn("history auto-save did not stop in time")
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeDrain)
	defer cancel()
	flushed := make(chan error, 1)
	go func() { flushed <- s.saveAll() }()
	select {
	case err := <-flushed:
		return err
	case <-ctx.Done():
		return fmt.Errorf("final history flush timed out")
	}
}

func (s *Store) autoSave() {
	defer close(s.done)
	ticker := time.NewTicker(autoSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.flushDirty(); err != nil {
				s.log.Error("history auto-save failed", "error", err)
			}
		case <-s.stop:
			return
		}
	}
}

func (s *Store) saveAll() error {
	for _, name := range []string{downloadFile, uploadFile, forwardFile} {
		if err := s.save(name); err != nil {
			return err
		}
	}
	return nil
}

// flushDirty saves only the documents whose last synchronous save
// failed or was never attempted.
func (s *Store) flushDirty() error {
	s.mu.RLock()
	pending := make([]string, 0, len(s.dirty))
	for name := range s.dirty {
		pending = append(pending, name)
	}
	s.mu.RUnlock()
	for _, name := range pending {
		if err := s.save(name); err != nil {
			return err
		}
	}
	return nil
}

// save snapshots one document under the read lock and atomically
// replaces its file.
func (s *Store) save(name string) error {
	s.mu.RLock()
	var v any
	switch name {
	case downloadFile:
		v = s.downloads
	case uploadFile:
		v = s.uploads
	case forwardFile:
		v = s.forwards
	}
	data, err := json.MarshalIndent(v, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace %s: %w", name, err)
	}
	s.mu.Lock()
	delete(s.dirty, name)
	s.mu.Unlock()
	return nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func msgKey(msgID int) string {
	return fmt.Sprintf("%d", msgID)
}
