package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pokerforge/unmask/internal/pipeline"
	"github.com/pokerforge/unmask/internal/store"
	"github.com/pokerforge/unmask/internal/vision"
	"github.com/pokerforge/unmask/internal/watcher"
)

// WatchCmd runs jobs for batches dropped into an inbox directory. Processed
// inputs are removed from the inbox so the next batch starts empty.
type WatchCmd struct {
	Inbox  string        `arg:"" help:"Inbox directory to watch" type:"existingdir"`
	Output string        `short:"o" default:"output" help:"Output directory"`
	Settle time.Duration `default:"2s" help:"Quiet period before a batch is collected"`
	APIKey string        `env:"UNMASK_GEMINI_API_KEY" help:"Gemini API key (prefer the environment variable)"`
}

func (c *WatchCmd) Run(cli *CLI) error {
	logger := setupLogger(cli.Debug)

	cfg, err := pipeline.LoadConfig(cli.Config)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	client, err := vision.NewGemini(c.APIKey,
		vision.WithModel(cfg.OCR.Model),
		vision.WithCallTimeout(cfg.OCR.CallTimeoutDuration()))
	if err != nil {
		if errors.Is(err, vision.ErrAuthMissing) {
			return fmt.Errorf("no vision credential: set %s", apiKeyEnv)
		}
		return err
	}

	repo, err := store.NewSQLiteRepository(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Batches are processed sequentially; one active pipeline per process.
	batches := make(chan watcher.Batch, 1)
	w, err := watcher.New(c.Inbox, logger, watcher.Config{
		Settle: c.Settle,
		OnBatch: func(b watcher.Batch) {
			select {
			case batches <- b:
			default:
				logger.Warn("batch dropped, previous batch still processing")
			}
		},
		OnError: func(err error) {
			logger.Error("watcher error", "error", err)
		},
	})
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case batch := <-batches:
			if len(batch.HandFiles) == 0 {
				logger.Warn("batch has no hand-history files, skipping",
					"screenshots", len(batch.Screenshots))
				continue
			}
			stats, err := runJob(ctx, cfg, client, repo, logger, "", batch.HandFiles, batch.Screenshots, c.Output)
			if err != nil {
				logger.Error("job failed", "error", err)
				continue
			}
			fmt.Println(renderSummary(stats, c.Output))
			removeInputs(logger, batch)
		}
	}
}

func removeInputs(logger *log.Logger, batch watcher.Batch) {
	for _, path := range append(append([]string(nil), batch.HandFiles...), batch.Screenshots...) {
		if err := os.Remove(path); err != nil {
			logger.Warn("failed to remove processed input", "path", path, "error", err)
		}
	}
}
