package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/trendscope/harvester/internal/harvest"
)

// JobStore provides an in-memory job ledger for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]harvest.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]harvest.Job),
	}
}

// CreateJob stores a new job in queued status.
func (s *JobStore) CreateJob(_ context.Context, job harvest.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJobStatus updates the status, attempt count and error for a job.
func (s *JobStore) UpdateJobStatus(_ context.Context, jobID string, status harvest.JobStatus, attempts int, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return harvest.ErrNotFound
	}
	job.Status = status
	job.Attempts = attempts
	job.ErrorText = errText
	now := time.Now().UTC()
	if status == harvest.JobStatusRunning && job.Started == nil {
		job.Started = pointerTime(now)
	}
	if isTerminal(status) {
		job.Finished = pointerTime(now)
	}
	s.jobs[jobID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (harvest.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return harvest.Job{}, harvest.ErrNotFound
	}
	return job, nil
}

// PruneCompleted removes completed jobs finished before the cutoff. Failed
// jobs are retained for inspection regardless of age.
func (s *JobStore) PruneCompleted(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, job := range s.jobs {
		if job.Status == harvest.JobStatusCompleted && job.Finished != nil && job.Finished.Before(cutoff) {
			delete(s.jobs, id)
			pruned++
		}
	}
	return pruned, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

func isTerminal(status harvest.JobStatus) bool {
	switch status {
	case harvest.JobStatusCompleted, harvest.JobStatusFailed:
		return true
	default:
		return false
	}
}
