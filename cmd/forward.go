package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nextlevelbuilder/tgmirror/internal/access"
	"github.com/nextlevelbuilder/tgmirror/internal/config"
	"github.com/nextlevelbuilder/tgmirror/internal/downloader"
	"github.com/nextlevelbuilder/tgmirror/internal/engine"
	"github.com/nextlevelbuilder/tgmirror/internal/flood"
	"github.com/nextlevelbuilder/tgmirror/internal/history"
	"github.com/nextlevelbuilder/tgmirror/internal/pipeline"
	"github.com/nextlevelbuilder/tgmirror/internal/resolver"
	"github.com/nextlevelbuilder/tgmirror/internal/telegram"
	"github.com/nextlevelbuilder/tgmirror/internal/uploader"
)

func forwardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forward",
		Short: "Run the configured channel replication",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForward()
		},
	}
}

func runForward() error {
	log := newLogger(os.Stderr)

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(cfg.DownloadDir(), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	zapLog := zap.NewNop()
	if verbose {
		if dev, err := zap.NewDevelopment(); err == nil {
			zapLog = dev
		}
	}
	client, err := telegram.New(telegram.Options{
		APIID:       cfg.Telegram.APIID,
		APIHash:     cfg.Telegram.APIHash,
		SessionFile: cfg.SessionFile(),
		Phone:       cfg.Telegram.Phone,
		ProxyURL:    cfg.Telegram.Proxy,
		Logger:      zapLog,
	})
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer client.Close()

	log.Info("connecting", "session", cfg.Telegram.SessionName)
	if err := client.Ready(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	store, err := history.New(cfg.HistoryDir(), log)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	limits := flood.New(client, log).WithMaxRetries(cfg.Forward.MaxRetries)
	dl := downloader.New(client, store, downloader.NewAdapter(client, log), log, cfg.DownloadDir()).
		WithRetry(cfg.Download.RetryCount, cfg.Download.RetryDelay.Duration())
	up := uploader.New(client, store, limits, log, uploader.Options{
		RemoveCaptions:      cfg.Forward.RemoveCaptions,
		CaptionTemplate:     cfg.Forward.CaptionTemplate,
		Attribution:         cfg.Forward.Attribution,
		WaitBetweenMessages: cfg.Upload.WaitBetweenMessages.Duration(),
	})
	ctrl := pipeline.New(client, limits, dl, up, log).
		WithWorkers(cfg.Upload.ConcurrentUploads).
		WithTimeout(cfg.Forward.Timeout.Duration())
	eng := engine.New(client, resolver.New(client, log), access.New(client, log),
		store, limits, ctrl, log, cfg)

	stats, err := eng.Run(ctx)
	printStats(stats)
	if err != nil && ctx.Err() != nil {
		log.Warn("run interrupted", "error", err)
		return nil
	}
	return err
}

func printStats(stats *engine.Stats) {
	fmt.Println("run complete")
	fmt.Printf("  total:   %d\n", stats.Total)
	fmt.Printf("  success: %d\n", stats.Success)
	fmt.Printf("  failed:  %d\n", stats.Failed)
	fmt.Printf("  skipped: %d\n", stats.Skipped)
	if stats.Deleted > 0 {
		fmt.Printf("  deleted: %d (missing on the server)\n", stats.Deleted)
	}
	for _, e := range stats.Errors {
		fmt.Printf("  error: %s\n", e)
	}
	if stats.ErrorsDropped > 0 {
		fmt.Printf("  ... and %d more errors\n", stats.ErrorsDropped)
	}
}
