package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/tgmirror/internal/config"
	"github.com/nextlevelbuilder/tgmirror/internal/history"
)

const (
	// historyMaxAge is how long history records are kept.
	historyMaxAge = 30 * 24 * time.Hour
	// tmpMaxAge is how long downloaded artifacts are kept.
	tmpMaxAge = 24 * time.Hour
)

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Drop old history records and sweep the temp directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup()
		},
	}
}

func runCleanup() error {
	log := newLogger(os.Stderr)

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}

	store, err := history.New(cfg.HistoryDir(), log)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	dropped, err := store.Cleanup(historyMaxAge)
	if err != nil {
		return fmt.Errorf("history cleanup: %w", err)
	}
	fmt.Printf("history: dropped %d stale records\n", dropped)

	removed, err := sweepTmp(cfg.DownloadDir(), tmpMaxAge)
	if err != nil {
		return fmt.Errorf("tmp sweep: %w", err)
	}
	fmt.Printf("tmp: removed %d old files\n", removed)
	return nil
}

// sweepTmp removes regular files older than maxAge. Metadata
// side-files go with their artifacts because they share mtimes.
func sweepTmp(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
