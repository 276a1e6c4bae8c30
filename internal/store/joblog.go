package store

import (
	"context"
	"sync"
	"time"
)

// JobLog buffers structured log entries for one job and flushes them to the
// repository at phase boundaries and on the final status transition. A crash
// mid-phase loses only the unflushed lines; the debug snapshot carries a
// truncated flag when a flush did not complete.
type JobLog struct {
	repo  Repository
	jobID string

	mu        sync.Mutex
	buffer    []LogEntry
	flushed   []LogEntry
	truncated bool
}

// NewJobLog creates a buffered log for jobID.
func NewJobLog(repo Repository, jobID string) *JobLog {
	return &JobLog{repo: repo, jobID: jobID}
}

// Info records an INFO entry.
func (l *JobLog) Info(message string, extra map[string]any) { l.append("INFO", message, extra) }

// Warn records a WARN entry.
func (l *JobLog) Warn(message string, extra map[string]any) { l.append("WARN", message, extra) }

// Error records an ERROR entry.
func (l *JobLog) Error(message string, extra map[string]any) { l.append("ERROR", message, extra) }

// Critical records a CRITICAL entry. Reserved for unexpected failures caught
// at the orchestrator boundary.
func (l *JobLog) Critical(message string, extra map[string]any) { l.append("CRITICAL", message, extra) }

func (l *JobLog) append(level, message string, extra map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffer = append(l.buffer, LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Extra:     extra,
	})
}

// Flush persists buffered entries. On failure the entries stay buffered and
// the log is marked truncated for the debug snapshot.
func (l *JobLog) Flush(ctx context.Context) error {
	l.mu.Lock()
	pending := l.buffer
	l.buffer = nil
	l.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	if err := l.repo.AppendLogs(ctx, l.jobID, pending); err != nil {
		l.mu.Lock()
		l.buffer = append(pending, l.buffer...)
		l.truncated = true
		l.mu.Unlock()
		return err
	}
	l.mu.Lock()
	l.flushed = append(l.flushed, pending...)
	l.mu.Unlock()
	return nil
}

// Entries returns every entry recorded so far, flushed or not. Used to embed
// the full log in the debug snapshot.
func (l *JobLog) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, 0, len(l.flushed)+len(l.buffer))
	out = append(out, l.flushed...)
	out = append(out, l.buffer...)
	return out
}

// Truncated reports whether any flush failed.
func (l *JobLog) Truncated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.truncated
}
