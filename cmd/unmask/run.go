package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/pokerforge/unmask/internal/jobid"
	"github.com/pokerforge/unmask/internal/ocr"
	"github.com/pokerforge/unmask/internal/pipeline"
	"github.com/pokerforge/unmask/internal/store"
	"github.com/pokerforge/unmask/internal/vision"
)

// apiKeyEnv is the process-scoped vision credential. There is no dummy-key
// fallback: without a credential the pipeline refuses to run.
const apiKeyEnv = "UNMASK_GEMINI_API_KEY"

// RunCmd processes one input batch as a single job.
type RunCmd struct {
	Hands       []string `arg:"" name:"hands" help:"Hand-history text files" type:"existingfile"`
	Screenshots []string `short:"s" help:"Screenshot image files" type:"existingfile"`
	Output      string   `short:"o" default:"output" help:"Output directory"`
	Rerun       string   `help:"Re-process an existing terminal job instead of creating a new one" placeholder:"JOB_ID"`
	APIKey      string   `env:"UNMASK_GEMINI_API_KEY" help:"Gemini API key (prefer the environment variable)"`
}

func (c *RunCmd) Run(cli *CLI) error {
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

	stats, err := runJob(ctx, cfg, client, repo, logger, c.Rerun, c.Hands, c.Screenshots, c.Output)
	if err != nil {
		return err
	}
	fmt.Println(renderSummary(stats, c.Output))
	return nil
}

// runJob registers a job with its input files and drives the orchestrator.
// Shared by run and watch. A non-empty rerunID re-processes that job,
// clearing its prior per-screenshot outcomes, logs, and statistics.
func runJob(ctx context.Context, cfg *pipeline.Config, client vision.Client, repo store.Repository, logger *log.Logger, rerunID string, hands, screenshots []string, outputRoot string) (*pipeline.Statistics, error) {
	var id string
	if rerunID != "" {
		if err := jobid.Validate(rerunID); err != nil {
			return nil, fmt.Errorf("invalid job ID %q: %w", rerunID, err)
		}
		if err := repo.ResetJob(ctx, rerunID); err != nil {
			return nil, err
		}
		id = rerunID
	} else {
		id = jobid.New()
		if err := repo.CreateJob(ctx, store.Job{ID: id, Status: store.StatusPending}); err != nil {
			return nil, err
		}

		files := make([]store.File, 0, len(hands)+len(screenshots))
		for _, path := range hands {
			files = append(files, fileRecord(id, path, store.FileHands))
		}
		for _, path := range screenshots {
			files = append(files, fileRecord(id, path, store.FileScreenshot))
		}
		if err := repo.AddFiles(ctx, id, files); err != nil {
			return nil, err
		}
		if err := repo.UpdateJobStatus(ctx, id, store.StatusInitialized, ""); err != nil {
			return nil, err
		}
	}

	outputDir := filepath.Join(outputRoot, id)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}

	items := make([]ocr.Item, 0, len(screenshots))
	for _, path := range screenshots {
		items = append(items, ocr.Item{ID: filepath.Base(path), Path: path})
	}

	logger.Info("starting job", "job", id,
		"handFiles", len(hands), "screenshots", len(screenshots), "output", outputDir)

	orch := pipeline.New(cfg, client, repo, logger, pipeline.Options{})
	return orch.Run(ctx, id, pipeline.Inputs{
		HandFiles:   hands,
		Screenshots: items,
		OutputDir:   outputDir,
	})
}

func fileRecord(jobID, path string, kind store.FileKind) store.File {
	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	return store.File{
		JobID: jobID,
		Name:  filepath.Base(path),
		Kind:  kind,
		Size:  size,
	}
}

func setupLogger(debug bool) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
	})
	if debug {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}
