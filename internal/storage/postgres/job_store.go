package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/trendscope/harvester/internal/harvest"
)

// JobStore persists the job ledger. Expected schema:
//
//	CREATE TABLE harvest_jobs (
//		id           TEXT PRIMARY KEY,
//		envelope     JSONB NOT NULL,
//		status       TEXT NOT NULL,
//		attempts     INT NOT NULL DEFAULT 0,
//		submitted_at TIMESTAMPTZ NOT NULL,
//		started_at   TIMESTAMPTZ,
//		finished_at  TIMESTAMPTZ,
//		error_text   TEXT NOT NULL DEFAULT ''
//	);
type JobStore struct {
	pool pool
}

// NewJobStore constructs a JobStore over an existing pool.
func NewJobStore(p pool) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: p}, nil
}

// CreateJob stores a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job harvest.Job) error {
	envelope, err := json.Marshal(job.Envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
INSERT INTO harvest_jobs (id, envelope, status, attempts, submitted_at, error_text)
VALUES ($1, $2, $3, $4, $5, '')`,
		job.ID, envelope, job.Status, job.Attempts, job.Submitted); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// UpdateJobStatus updates status, attempts and error text; start and finish
// timestamps are stamped server-side on the matching transitions.
func (s *JobStore) UpdateJobStatus(ctx context.Context, jobID string, status harvest.JobStatus, attempts int, errText string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE harvest_jobs
SET status = $2,
    attempts = $3,
    error_text = $4,
    started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN NOW() ELSE started_at END,
    finished_at = CASE WHEN $2 IN ('completed', 'failed') THEN NOW() ELSE finished_at END
WHERE id = $1`, jobID, status, attempts, errText)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return harvest.ErrNotFound
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (harvest.Job, error) {
	var job harvest.Job
	var envelope []byte
	err := s.pool.QueryRow(ctx, `
SELECT id, envelope, status, attempts, submitted_at, started_at, finished_at, error_text
FROM harvest_jobs
WHERE id = $1`, jobID).Scan(
		&job.ID,
		&envelope,
		&job.Status,
		&job.Attempts,
		&job.Submitted,
		&job.Started,
		&job.Finished,
		&job.ErrorText,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.Job{}, harvest.ErrNotFound
	}
	if err != nil {
		return harvest.Job{}, fmt.Errorf("get job: %w", err)
	}
	if err := json.Unmarshal(envelope, &job.Envelope); err != nil {
		return harvest.Job{}, fmt.Errorf("decode envelope: %w", err)
	}
	return job, nil
}

// PruneCompleted removes completed jobs finished before the cutoff; failed
// jobs are retained for inspection.
func (s *JobStore) PruneCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
DELETE FROM harvest_jobs
WHERE status = 'completed' AND finished_at IS NOT NULL AND finished_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune completed jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
