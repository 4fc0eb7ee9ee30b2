package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars. A
// missing file yields the defaults (env still applies), so a purely
// env-driven setup works.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("TGMIRROR_API_HASH", &c.Telegram.APIHash)
	envStr("TGMIRROR_SESSION_NAME", &c.Telegram.SessionName)
	envStr("TGMIRROR_PHONE", &c.Telegram.Phone)
	envStr("TGMIRROR_PROXY", &c.Telegram.Proxy)
	envStr("TGMIRROR_TMP_PATH", &c.Storage.TmpPath)
	envStr("TGMIRROR_DOWNLOAD_DIR", &c.Download.Directory)
	envStr("TGMIRROR_HISTORY_DIR", &c.Download.DownloadHistory)

	if v := os.Getenv("TGMIRROR_API_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil && id > 0 {
			c.Telegram.APIID = id
		}
	}
}
