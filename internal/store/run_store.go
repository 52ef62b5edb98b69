package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/models"
)

// ErrRunNotFound is returned when a job run is not found in the database
var ErrRunNotFound = errors.New("job run not found")

// RunStore records scheduled job executions so operators can see when the
// sweeper and reconciliation pass last ran and what they did.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a new RunStore instance
func NewRunStore(db *sql.DB) (*RunStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &RunStore{db: db}, nil
}

// StartRun inserts a running row for jobType.
func (s *RunStore) StartRun(ctx context.Context, jobType, workerID string) (*models.JobRun, error) {
	run := &models.JobRun{
		JobType:  jobType,
		WorkerID: workerID,
		Status:   models.JobStatusRunning,
		Result:   models.JSONB{},
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO job_runs (job_type, worker_id, status, result)
		VALUES ($1, $2, $3, $4)
		RETURNING id, started_at
	`, jobType, workerID, run.Status, run.Result).Scan(&run.ID, &run.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("start job run: %w", err)
	}
	return run, nil
}

// CompleteRun marks a run completed and stores its result.
func (s *RunStore) CompleteRun(ctx context.Context, id int64, result models.JSONB) error {
	return s.finish(ctx, id, models.JobStatusCompleted, result, nil)
}

// FailRun marks a run failed with the error message and partial result.
func (s *RunStore) FailRun(ctx context.Context, id int64, errorMsg string, result models.JSONB) error {
	return s.finish(ctx, id, models.JobStatusFailed, result, &errorMsg)
}

func (s *RunStore) finish(ctx context.Context, id int64, status models.JobStatus, result models.JSONB, lastError *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_runs
		SET status = $1,
		    result = $2,
		    last_error = $3,
		    completed_at = NOW()
		WHERE id = $4 AND status = 'running'
	`, status, result, lastError, id)
	if err != nil {
		return fmt.Errorf("finish job run %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// ListRecentRuns returns the latest runs across all job types.
func (s *RunStore) ListRecentRuns(ctx context.Context, limit int) ([]models.JobRun, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_type, worker_id, status, result, last_error, started_at, completed_at
		FROM job_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	defer rows.Close()

	var runs []models.JobRun
	for rows.Next() {
		var (
			run         models.JobRun
			lastError   sql.NullString
			completedAt sql.NullTime
		)
		if err := rows.Scan(&run.ID, &run.JobType, &run.WorkerID, &run.Status, &run.Result,
			&lastError, &run.StartedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		run.LastError = nullStringPtr(lastError)
		if completedAt.Valid {
			t := completedAt.Time
			run.CompletedAt = &t
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job runs: %w", err)
	}
	return runs, nil
}

// GetStats returns per-type run counts.
func (s *RunStore) GetStats(ctx context.Context) ([]models.JobStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			job_type,
			COUNT(*) FILTER (WHERE status = 'running') AS running,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) AS total,
			MAX(started_at) AS last_started_at
		FROM job_runs
		GROUP BY job_type
		ORDER BY job_type
	`)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	defer rows.Close()

	var stats []models.JobStats
	for rows.Next() {
		var (
			st   models.JobStats
			last sql.NullTime
		)
		if err := rows.Scan(&st.JobType, &st.Running, &st.Completed, &st.Failed, &st.Total, &last); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		if last.Valid {
			t := last.Time
			st.LastStartedAt = &t
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// CleanupOldRuns removes finished runs older than the specified duration
func (s *RunStore) CleanupOldRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM job_runs
		WHERE status IN ('completed', 'failed')
		  AND started_at < NOW() - INTERVAL '1 second' * $1
	`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup old job runs: %w", err)
	}

	affected, _ := result.RowsAffected()
	return affected, nil
}
