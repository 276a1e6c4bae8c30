package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteRepository is the durable Repository used by the CLI and watch mode.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (creating if needed) the job database at dbPath
// and applies pending migrations.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// WAL mode reduces write latency under the concurrent per-screenshot
	// upserts; synchronous=NORMAL is safe with WAL.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set sqlite pragmas: %w", err)
	}
	repo := &SQLiteRepository{db: db}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *SQLiteRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *SQLiteRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (r *SQLiteRepository) CreateJob(ctx context.Context, job Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		job.ID, string(job.Status),
		job.CreatedAt.Format(time.RFC3339Nano),
		job.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetJob(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, status, created_at, updated_at, ocr_processed, ocr_total, failure_reason, statistics
		 FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var status, createdAt, updatedAt string
	var stats sql.NullString
	if err := row.Scan(&job.ID, &status, &createdAt, &updatedAt,
		&job.OCRProcessed, &job.OCRTotal, &job.FailureReason, &stats); err != nil {
		return nil, err
	}
	job.Status = JobStatus(status)
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if stats.Valid && stats.String != "" {
		job.Statistics = json.RawMessage(stats.String)
	}
	return &job, nil
}

func (r *SQLiteRepository) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, status, created_at, updated_at, ocr_processed, ocr_total, failure_reason, statistics
		 FROM jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (r *SQLiteRepository) UpdateJobStatus(ctx context.Context, id string, status JobStatus, failureReason string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, failure_reason = ?, updated_at = ? WHERE id = ?`,
		string(status), failureReason, nowRFC3339(), id)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return requireRow(res, id)
}

func (r *SQLiteRepository) SetProgress(ctx context.Context, id string, processed, total int) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET ocr_processed = ?, ocr_total = ?, updated_at = ? WHERE id = ?`,
		processed, total, nowRFC3339(), id)
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return requireRow(res, id)
}

func (r *SQLiteRepository) SaveStatistics(ctx context.Context, id string, stats json.RawMessage) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET statistics = ?, updated_at = ? WHERE id = ?`,
		string(stats), nowRFC3339(), id)
	if err != nil {
		return fmt.Errorf("save statistics: %w", err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (r *SQLiteRepository) AddFiles(ctx context.Context, jobID string, files []File) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		for _, f := range files {
			if f.Name == "" {
				return fmt.Errorf("file with empty name for job %s", jobID)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO job_files (job_id, name, kind, size) VALUES (?, ?, ?, ?)`,
				jobID, f.Name, string(f.Kind), f.Size); err != nil {
				return fmt.Errorf("insert file %s: %w", f.Name, err)
			}
		}
		return nil
	})
}

func (r *SQLiteRepository) ListFiles(ctx context.Context, jobID string) ([]File, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT job_id, name, kind, size FROM job_files WHERE job_id = ? ORDER BY name`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		var kind string
		if err := rows.Scan(&f.JobID, &f.Name, &kind, &f.Size); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		f.Kind = FileKind(kind)
		files = append(files, f)
	}
	return files, rows.Err()
}

func (r *SQLiteRepository) UpsertScreenshot(ctx context.Context, rec Screenshot) error {
	var ocr2 sql.NullString
	if len(rec.OCR2) > 0 {
		ocr2 = sql.NullString{String: string(rec.OCR2), Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO screenshots
		   (job_id, screenshot_id, image_path, ocr1_hand_id, ocr1_retry_count,
		    ocr1_error, ocr2, matched_hand_id, match_source, match_score, discard_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (job_id, screenshot_id) DO UPDATE SET
		   image_path = excluded.image_path,
		   ocr1_hand_id = excluded.ocr1_hand_id,
		   ocr1_retry_count = excluded.ocr1_retry_count,
		   ocr1_error = excluded.ocr1_error,
		   ocr2 = excluded.ocr2,
		   matched_hand_id = excluded.matched_hand_id,
		   match_source = excluded.match_source,
		   match_score = excluded.match_score,
		   discard_reason = excluded.discard_reason`,
		rec.JobID, rec.ScreenshotID, rec.ImagePath, rec.OCR1HandID, rec.OCR1RetryCount,
		rec.OCR1Error, ocr2, rec.MatchedHandID, rec.MatchSource, rec.MatchScore, rec.DiscardReason)
	if err != nil {
		return fmt.Errorf("upsert screenshot %s: %w", rec.ScreenshotID, err)
	}
	return nil
}

func (r *SQLiteRepository) ListScreenshots(ctx context.Context, jobID string) ([]Screenshot, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT job_id, screenshot_id, image_path, ocr1_hand_id, ocr1_retry_count,
		        ocr1_error, ocr2, matched_hand_id, match_source, match_score, discard_reason
		 FROM screenshots WHERE job_id = ? ORDER BY screenshot_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list screenshots: %w", err)
	}
	defer rows.Close()

	var recs []Screenshot
	for rows.Next() {
		var rec Screenshot
		var ocr2 sql.NullString
		if err := rows.Scan(&rec.JobID, &rec.ScreenshotID, &rec.ImagePath,
			&rec.OCR1HandID, &rec.OCR1RetryCount, &rec.OCR1Error, &ocr2,
			&rec.MatchedHandID, &rec.MatchSource, &rec.MatchScore, &rec.DiscardReason); err != nil {
			return nil, fmt.Errorf("scan screenshot: %w", err)
		}
		if ocr2.Valid && ocr2.String != "" {
			rec.OCR2 = json.RawMessage(ocr2.String)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (r *SQLiteRepository) AppendLogs(ctx context.Context, jobID string, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			var extra sql.NullString
			if len(e.Extra) > 0 {
				data, err := json.Marshal(e.Extra)
				if err != nil {
					return fmt.Errorf("marshal log extra: %w", err)
				}
				extra = sql.NullString{String: string(data), Valid: true}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO job_logs (job_id, ts, level, message, extra) VALUES (?, ?, ?, ?, ?)`,
				jobID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Level, e.Message, extra); err != nil {
				return fmt.Errorf("insert log entry: %w", err)
			}
		}
		return nil
	})
}

func (r *SQLiteRepository) ListLogs(ctx context.Context, jobID string) ([]LogEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT ts, level, message, extra FROM job_logs WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var ts string
		var extra sql.NullString
		if err := rows.Scan(&ts, &e.Level, &e.Message, &extra); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if extra.Valid && extra.String != "" {
			if err := json.Unmarshal([]byte(extra.String), &e.Extra); err != nil {
				return nil, fmt.Errorf("unmarshal log extra: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *SQLiteRepository) ResetJob(ctx context.Context, jobID string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		if err != nil {
			return fmt.Errorf("read job status: %w", err)
		}
		if !JobStatus(status).Terminal() {
			return fmt.Errorf("job %s is %s, only terminal jobs can be re-processed", jobID, status)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM screenshots WHERE job_id = ?`, jobID); err != nil {
			return fmt.Errorf("clear screenshots: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM job_logs WHERE job_id = ?`, jobID); err != nil {
			return fmt.Errorf("clear logs: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, failure_reason = '', statistics = NULL,
			        ocr_processed = 0, ocr_total = 0, updated_at = ? WHERE id = ?`,
			string(StatusProcessing), nowRFC3339(), jobID); err != nil {
			return fmt.Errorf("reset job row: %w", err)
		}
		return nil
	})
}
