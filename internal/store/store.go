// Package store persists jobs, input files, per-screenshot outcomes, and the
// structured per-job log. Two implementations exist: sqlite for production
// and an in-memory repository for tests.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a job does not exist.
var ErrNotFound = errors.New("job not found")

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusPending     JobStatus = "PENDING"
	StatusInitialized JobStatus = "INITIALIZED"
	StatusProcessing  JobStatus = "PROCESSING"
	StatusCompleted   JobStatus = "COMPLETED"
	StatusFailed      JobStatus = "FAILED"
)

// Terminal reports whether s is a final state.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is the durable job row.
type Job struct {
	ID            string          `json:"id"`
	Status        JobStatus       `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	OCRProcessed  int             `json:"ocrProcessed"`
	OCRTotal      int             `json:"ocrTotal"`
	FailureReason string          `json:"failureReason,omitempty"`
	Statistics    json.RawMessage `json:"statistics,omitempty"`
}

// FileKind distinguishes the two input types.
type FileKind string

const (
	FileHands      FileKind = "hands"
	FileScreenshot FileKind = "screenshot"
)

// File is one uploaded input file.
type File struct {
	JobID string   `json:"jobId"`
	Name  string   `json:"name"`
	Kind  FileKind `json:"kind"`
	Size  int64    `json:"size"`
}

// Screenshot is the per-screenshot outcome row. OCR2 holds the raw phase-2
// payload; it is populated only for screenshots with a matched hand.
type Screenshot struct {
	JobID          string          `json:"jobId"`
	ScreenshotID   string          `json:"screenshotId"`
	ImagePath      string          `json:"imagePath"`
	OCR1HandID     string          `json:"ocr1HandId,omitempty"`
	OCR1RetryCount int             `json:"ocr1RetryCount"`
	OCR1Error      string          `json:"ocr1Error,omitempty"`
	OCR2           json.RawMessage `json:"ocr2,omitempty"`
	MatchedHandID  string          `json:"matchedHandId,omitempty"`
	MatchSource    string          `json:"matchSource,omitempty"`
	MatchScore     float64         `json:"matchScore,omitempty"`
	DiscardReason  string          `json:"discardReason,omitempty"`
}

// LogEntry is one structured log line of a job.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Repository is the durable job store. Rows for different screenshots are
// written concurrently; implementations must be safe for that.
type Repository interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
	UpdateJobStatus(ctx context.Context, id string, status JobStatus, failureReason string) error
	SetProgress(ctx context.Context, id string, processed, total int) error
	SaveStatistics(ctx context.Context, id string, stats json.RawMessage) error

	// AddFiles registers input files all-or-nothing: a failure part way
	// through must not leave orphan rows.
	AddFiles(ctx context.Context, jobID string, files []File) error
	ListFiles(ctx context.Context, jobID string) ([]File, error)

	UpsertScreenshot(ctx context.Context, rec Screenshot) error
	ListScreenshots(ctx context.Context, jobID string) ([]Screenshot, error)

	AppendLogs(ctx context.Context, jobID string, entries []LogEntry) error
	ListLogs(ctx context.Context, jobID string) ([]LogEntry, error)

	// ResetJob transitions a terminal job back to PROCESSING, atomically
	// clearing screenshot rows, logs, and statistics while preserving the
	// job row and its file index.
	ResetJob(ctx context.Context, jobID string) error

	Close() error
}
