// Package config defines the replicator's configuration blob, its
// defaults, and validation. Files are JSON5; environment variables
// overlay file values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/nextlevelbuilder/tgmirror/internal/telegram"
)

// Seconds is a duration written in the config file as a number of
// seconds, fractional allowed.
type Seconds float64

// Duration converts to a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

// Config is the full configuration surface.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Forward  ForwardConfig  `json:"forward"`
	Download DownloadConfig `json:"download"`
	Upload   UploadConfig   `json:"upload"`
	Storage  StorageConfig  `json:"storage"`
}

// TelegramConfig holds the MTProto credentials and session location.
type TelegramConfig struct {
	APIID       int    `json:"api_id"`
	APIHash     string `json:"api_hash"`
	SessionName string `json:"session_name"`
	Phone       string `json:"phone"`
	// Proxy is an optional socks5:// URL.
	Proxy string `json:"proxy"`
}

// ChannelPair maps one source to its targets. Channels accept any of
// the supported syntaxes (ID, @username, t.me links, invite links).
type ChannelPair struct {
	SourceChannel  string   `json:"source_channel"`
	TargetChannels []string `json:"target_channels"`
}

// ForwardConfig drives the forwarding engine.
type ForwardConfig struct {
	ForwardChannelPairs []ChannelPair `json:"forward_channel_pairs"`
	// StartID is the newest message considered, EndID the oldest.
	// Zero means unbounded on that side.
	StartID int `json:"start_id"`
	EndID   int `json:"end_id"`
	// Limit caps processed messages per pair. 0 processes nothing,
	// negative removes the cap.
	Limit int `json:"limit"`
	// MediaTypes is an allow-list of message kinds. Empty allows all.
	MediaTypes      []string `json:"media_types"`
	RemoveCaptions  bool     `json:"remove_captions"`
	CaptionTemplate string   `json:"caption_template"`
	// Attribution is appended to captions when it fits.
	Attribution  string  `json:"attribution"`
	ForwardDelay Seconds `json:"forward_delay"`
	// PauseTime separates consecutive channel pairs.
	PauseTime  Seconds `json:"pause_time"`
	MaxRetries int     `json:"max_retries"`
	// Timeout is the hard ceiling for one pair's pipeline run.
	Timeout Seconds `json:"timeout"`
}

// DownloadConfig drives the media downloader.
type DownloadConfig struct {
	// Directory for downloaded artifacts. Empty falls back to the
	// storage tmp path.
	Directory  string  `json:"directory"`
	RetryCount int     `json:"retry_count"`
	RetryDelay Seconds `json:"retry_delay"`
	// ConcurrentDownloads is accepted for compatibility; 1 (serial) is
	// the supported and recommended value.
	ConcurrentDownloads int `json:"concurrent_downloads"`
	// DownloadHistory is the directory holding the history documents.
	DownloadHistory string `json:"download_history"`
}

// UploadConfig drives the media uploader.
type UploadConfig struct {
	WaitBetweenMessages Seconds `json:"wait_between_messages"`
	RetryCount          int     `json:"retry_count"`
	RetryDelay          Seconds `json:"retry_delay"`
	ConcurrentUploads   int     `json:"concurrent_uploads"`
}

// StorageConfig holds filesystem locations.
type StorageConfig struct {
	TmpPath string `json:"tmp_path"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{
			SessionName: "tgmirror",
		},
		Forward: ForwardConfig{
			Limit:        -1,
			ForwardDelay: 1,
			PauseTime:    2,
			MaxRetries:   3,
			Timeout:      3600,
		},
		Download: DownloadConfig{
			RetryCount:          3,
			RetryDelay:          5,
			ConcurrentDownloads: 1,
			DownloadHistory:     "~/.tgmirror/history",
		},
		Upload: UploadConfig{
			WaitBetweenMessages: 1,
			RetryCount:          3,
			RetryDelay:          5,
			ConcurrentUploads:   3,
		},
		Storage: StorageConfig{
			TmpPath: "~/.tgmirror/tmp",
		},
	}
}

// knownKinds are the accepted media_types entries.
var knownKinds = map[string]bool{
	string(telegram.KindText):      true,
	string(telegram.KindPhoto):     true,
	string(telegram.KindVideo):     true,
	string(telegram.KindDocument):  true,
	string(telegram.KindAudio):     true,
	string(telegram.KindAnimation): true,
	string(telegram.KindVoice):     true,
	string(telegram.KindSticker):   true,
}

// Validate refuses configurations that cannot run.
func (c *Config) Validate() error {
	if c.Telegram.APIID == 0 {
		return fmt.Errorf("telegram.api_id is required")
	}
	if c.Telegram.APIHash == "" {
		return fmt.Errorf("telegram.api_hash is required")
	}
	if len(c.Forward.ForwardChannelPairs) == 0 {
		return fmt.Errorf("forward.forward_channel_pairs must list at least one pair")
	}
	for i, pair := range c.Forward.ForwardChannelPairs {
		if pair.SourceChannel == "" {
			return fmt.Errorf("forward.forward_channel_pairs[%d]: source_channel is required", i)
		}
	}
	if s, e := c.Forward.StartID, c.Forward.EndID; s > 0 && e > 0 && s < e {
		return fmt.Errorf("forward.start_id (%d) must not be below end_id (%d)", s, e)
	}
	for _, kind := range c.Forward.MediaTypes {
		if !knownKinds[kind] {
			return fmt.Errorf("forward.media_types: unknown kind %q", kind)
		}
	}
	if c.Forward.MaxRetries < 0 {
		return fmt.Errorf("forward.max_retries must not be negative")
	}
	if c.Download.RetryCount < 0 || c.Upload.RetryCount < 0 {
		return fmt.Errorf("retry_count must not be negative")
	}
	if c.Upload.ConcurrentUploads < 1 {
		return fmt.Errorf("upload.concurrent_uploads must be at least 1")
	}
	return nil
}

// DownloadDir returns the expanded artifact directory, falling back to
// the tmp path.
func (c *Config) DownloadDir() string {
	if c.Download.Directory != "" {
		return ExpandHome(c.Download.Directory)
	}
	return ExpandHome(c.Storage.TmpPath)
}

// HistoryDir returns the expanded history document directory.
func (c *Config) HistoryDir() string {
	return ExpandHome(c.Download.DownloadHistory)
}

// SessionFile returns the session storage path for the configured
// session name.
func (c *Config) SessionFile() string {
	return ExpandHome("~/.tgmirror/" + c.Telegram.SessionName + ".session")
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
