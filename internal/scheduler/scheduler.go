// Package scheduler periodically dispatches harvest jobs for due sources.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/trendscope/harvester/internal/harvest"
)

// Enqueuer accepts jobs for the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, item harvest.QueueItem) error
}

// Config controls scheduler cadence and retention.
type Config struct {
	// CronExpr is the dispatch cadence, e.g. "0 0 */3 * *" for every
	// third day at midnight.
	CronExpr string
	// FailureBackoff delays re-dispatch of a source whose latest run
	// failed, independent of its parse frequency.
	FailureBackoff time.Duration
	// RetentionDays bounds how long completed jobs and sealed history
	// entries are kept. One constant governs both sweeps.
	RetentionDays int
	// DefaultFrequency is the cadence applied to sources persisted
	// without a parse frequency of their own.
	DefaultFrequency time.Duration
}

// Scheduler lists active sources on a cron cadence and enqueues one harvest
// job per due source. It never blocks on job completion; overlap prevention
// happens through the source run-state lease.
type Scheduler struct {
	sources  harvest.SourceStore
	history  harvest.HistoryStore
	jobStore harvest.JobStore
	enqueuer Enqueuer
	idGen    harvest.IDGenerator
	clock    harvest.Clock
	cron     *cron.Cron
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Scheduler.
func New(
	sources harvest.SourceStore,
	history harvest.HistoryStore,
	jobStore harvest.JobStore,
	enqueuer Enqueuer,
	idGen harvest.IDGenerator,
	clock harvest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.CronExpr == "" {
		cfg.CronExpr = "0 0 */3 * *"
	}
	if cfg.FailureBackoff <= 0 {
		cfg.FailureBackoff = 6 * time.Hour
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.DefaultFrequency <= 0 {
		cfg.DefaultFrequency = 72 * time.Hour
	}
	return &Scheduler{
		sources:  sources,
		history:  history,
		jobStore: jobStore,
		enqueuer: enqueuer,
		idGen:    idGen,
		clock:    clock,
		cron:     cron.New(),
		cfg:      cfg,
		logger:   logger,
	}
}

// Start registers the cron entries and begins dispatching.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.CronExpr, func() {
		if err := s.TriggerUpdates(ctx); err != nil {
			s.logger.Error("scheduled dispatch cycle failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("register cron entry: %w", err)
	}
	// Retention sweep runs daily; failed jobs are exempt by design.
	if _, err := s.cron.AddFunc("0 4 * * *", func() {
		s.sweep(ctx)
	}); err != nil {
		return fmt.Errorf("register retention sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("scheduler started", zap.String("cron", s.cfg.CronExpr))
	return nil
}

// Stop halts cron dispatch and waits for in-flight entries.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// TriggerUpdates runs one dispatch cycle: every due active source gets one
// harvest job. A listing failure skips the whole cycle; it is retried at
// the next cron tick, not immediately.
func (s *Scheduler) TriggerUpdates(ctx context.Context) error {
	sources, err := s.sources.ListActiveSources(ctx)
	if err != nil {
		return fmt.Errorf("list active sources: %w", err)
	}

	now := s.clock.Now()
	dispatched := 0
	for _, src := range sources {
		due, err := s.isDue(ctx, src, now)
		if err != nil {
			s.logger.Warn("due check failed", zap.String("source_id", src.ID), zap.Error(err))
			continue
		}
		if !due {
			continue
		}
		if err := s.EnqueueSource(ctx, src); err != nil {
			if errors.Is(err, harvest.ErrSourceBusy) {
				continue
			}
			s.logger.Error("enqueue source failed", zap.String("source_id", src.ID), zap.Error(err))
			continue
		}
		dispatched++
	}

	s.logger.Info("dispatch cycle complete",
		zap.Int("active_sources", len(sources)),
		zap.Int("dispatched", dispatched),
	)
	return nil
}

// EnqueueSource parks the source in queued state and submits one job for
// it. ErrSourceBusy means a previous run is still queued or running.
func (s *Scheduler) EnqueueSource(ctx context.Context, src harvest.TrackingSource) error {
	if err := s.sources.TransitionRunState(ctx, src.ID, harvest.RunStateIdle, harvest.RunStateQueued); err != nil {
		return err
	}

	jobID, err := s.idGen.NewID()
	if err != nil {
		s.rollbackLease(ctx, src.ID)
		return fmt.Errorf("generate job id: %w", err)
	}
	payload, err := json.Marshal(harvest.ParseSourcePayload{SourceID: src.ID})
	if err != nil {
		s.rollbackLease(ctx, src.ID)
		return fmt.Errorf("marshal payload: %w", err)
	}
	envelope := harvest.JobEnvelope{
		Type:    harvest.JobTypeParseSource,
		Payload: payload,
	}

	now := s.clock.Now()
	if err := s.jobStore.CreateJob(ctx, harvest.Job{
		ID:        jobID,
		Envelope:  envelope,
		Status:    harvest.JobStatusQueued,
		Submitted: now,
	}); err != nil {
		s.rollbackLease(ctx, src.ID)
		return fmt.Errorf("create job row: %w", err)
	}

	if err := s.enqueuer.Enqueue(ctx, harvest.QueueItem{
		JobID:     jobID,
		Envelope:  envelope,
		Submitted: now.Unix(),
	}); err != nil {
		s.rollbackLease(ctx, src.ID)
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// isDue applies the parse frequency and, when the latest run failed, the
// failure backoff sourced from the parse history journal.
func (s *Scheduler) isDue(ctx context.Context, src harvest.TrackingSource, now time.Time) (bool, error) {
	if src.LastScrapedAt == nil {
		return true, nil
	}
	freq := src.ParseFrequency
	if freq <= 0 {
		freq = s.cfg.DefaultFrequency
	}
	if now.Sub(*src.LastScrapedAt) < freq {
		return false, nil
	}

	latest, err := s.history.LatestRun(ctx, src.ID)
	if errors.Is(err, harvest.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if latest.Status == harvest.RunStatusFailed && latest.CompletedAt != nil {
		if now.Sub(*latest.CompletedAt) < s.cfg.FailureBackoff {
			return false, nil
		}
	}
	return true, nil
}

func (s *Scheduler) sweep(ctx context.Context) {
	cutoff := s.clock.Now().AddDate(0, 0, -s.cfg.RetentionDays)
	if n, err := s.jobStore.PruneCompleted(ctx, cutoff); err != nil {
		s.logger.Error("job retention sweep failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("pruned completed jobs", zap.Int("count", n))
	}
	if n, err := s.history.PruneOlderThan(ctx, cutoff); err != nil {
		s.logger.Error("history retention sweep failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("pruned history entries", zap.Int("count", n))
	}
}

func (s *Scheduler) rollbackLease(ctx context.Context, sourceID string) {
	if err := s.sources.TransitionRunState(ctx, sourceID, harvest.RunStateQueued, harvest.RunStateIdle); err != nil {
		s.logger.Error("rollback source lease failed", zap.String("source_id", sourceID), zap.Error(err))
	}
}
