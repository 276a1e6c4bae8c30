package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-memory Repository used by tests and by the
// one-shot CLI mode where durability across runs is not wanted.
type MemoryRepository struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	files       map[string][]File
	screenshots map[string]map[string]Screenshot
	logs        map[string][]LogEntry
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs:        make(map[string]*Job),
		files:       make(map[string][]File),
		screenshots: make(map[string]map[string]Screenshot),
		logs:        make(map[string][]LogEntry),
	}
}

func (r *MemoryRepository) CreateJob(_ context.Context, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UpdatedAt = job.CreatedAt
	copied := job
	r.jobs[job.ID] = &copied
	return nil
}

func (r *MemoryRepository) GetJob(_ context.Context, id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	copied := *job
	return &copied, nil
}

func (r *MemoryRepository) ListJobs(_ context.Context) ([]Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) UpdateJobStatus(_ context.Context, id string, status JobStatus, failureReason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	job.Status = status
	job.FailureReason = failureReason
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) SetProgress(_ context.Context, id string, processed, total int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	job.OCRProcessed = processed
	job.OCRTotal = total
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) SaveStatistics(_ context.Context, id string, stats json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	job.Statistics = append(json.RawMessage(nil), stats...)
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) AddFiles(_ context.Context, jobID string, files []File) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[jobID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	existing := make(map[string]bool)
	for _, f := range r.files[jobID] {
		existing[f.Name] = true
	}
	// Validate the whole batch before appending anything, so a bad entry
	// cannot leave a partial index behind.
	for _, f := range files {
		if f.Name == "" {
			return fmt.Errorf("file with empty name for job %s", jobID)
		}
		if existing[f.Name] {
			return fmt.Errorf("duplicate file %s for job %s", f.Name, jobID)
		}
		existing[f.Name] = true
	}
	for _, f := range files {
		f.JobID = jobID
		r.files[jobID] = append(r.files[jobID], f)
	}
	return nil
}

func (r *MemoryRepository) ListFiles(_ context.Context, jobID string) ([]File, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]File(nil), r.files[jobID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *MemoryRepository) UpsertScreenshot(_ context.Context, rec Screenshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[rec.JobID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.JobID)
	}
	byID, ok := r.screenshots[rec.JobID]
	if !ok {
		byID = make(map[string]Screenshot)
		r.screenshots[rec.JobID] = byID
	}
	byID[rec.ScreenshotID] = rec
	return nil
}

func (r *MemoryRepository) ListScreenshots(_ context.Context, jobID string) ([]Screenshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byID := r.screenshots[jobID]
	out := make([]Screenshot, 0, len(byID))
	for _, rec := range byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScreenshotID < out[j].ScreenshotID })
	return out, nil
}

func (r *MemoryRepository) AppendLogs(_ context.Context, jobID string, entries []LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[jobID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	r.logs[jobID] = append(r.logs[jobID], entries...)
	return nil
}

func (r *MemoryRepository) ListLogs(_ context.Context, jobID string) ([]LogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]LogEntry(nil), r.logs[jobID]...), nil
}

func (r *MemoryRepository) ResetJob(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("job %s is %s, only terminal jobs can be re-processed", jobID, job.Status)
	}
	job.Status = StatusProcessing
	job.FailureReason = ""
	job.Statistics = nil
	job.OCRProcessed = 0
	job.OCRTotal = 0
	job.UpdatedAt = time.Now().UTC()
	delete(r.screenshots, jobID)
	delete(r.logs, jobID)
	return nil
}

func (r *MemoryRepository) Close() error { return nil }
