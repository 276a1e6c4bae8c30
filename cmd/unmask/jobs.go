package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/pokerforge/unmask/internal/pipeline"
	"github.com/pokerforge/unmask/internal/store"
)

var statusStyles = map[store.JobStatus]lipgloss.Style{
	store.StatusCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	store.StatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	store.StatusProcessing: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
}

// JobsCmd lists jobs from the store.
type JobsCmd struct {
	Logs string `help:"Show the structured log of one job" placeholder:"JOB_ID"`
}

func (c *JobsCmd) Run(cli *CLI) error {
	cfg, err := pipeline.LoadConfig(cli.Config)
	if err != nil {
		return err
	}

	repo, err := store.NewSQLiteRepository(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx := context.Background()
	if c.Logs != "" {
		return printLogs(ctx, repo, c.Logs)
	}

	jobs, err := repo.ListJobs(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("no jobs")
		return nil
	}

	for _, job := range jobs {
		status := string(job.Status)
		if style, ok := statusStyles[job.Status]; ok {
			status = style.Render(status)
		}
		line := fmt.Sprintf("%s  %s  created=%s  ocr=%d/%d",
			job.ID, status, job.CreatedAt.Format("2006-01-02 15:04:05"),
			job.OCRProcessed, job.OCRTotal)
		if job.FailureReason != "" {
			line += "  reason=" + job.FailureReason
		}
		if len(job.Statistics) > 0 {
			var stats pipeline.Statistics
			if json.Unmarshal(job.Statistics, &stats) == nil {
				line += fmt.Sprintf("  clean=%d incomplete=%d", stats.HandsClean, stats.HandsIncomplete)
			}
		}
		fmt.Println(line)
	}
	return nil
}

func printLogs(ctx context.Context, repo store.Repository, jobID string) error {
	entries, err := repo.ListLogs(ctx, jobID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s %-8s %s", e.Timestamp.Format("15:04:05.000"), e.Level, e.Message)
		if len(e.Extra) > 0 {
			extra, _ := json.Marshal(e.Extra)
			line += " " + string(extra)
		}
		fmt.Println(line)
	}
	return nil
}
