// Package worker implements the harvest job execution loop.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/trendscope/harvester/internal/engine"
	"github.com/trendscope/harvester/internal/harvest"
	"github.com/trendscope/harvester/internal/metrics"
	"github.com/trendscope/harvester/internal/policy/ratelimit"
	"github.com/trendscope/harvester/internal/scraper"
)

// scrapeCapability is the limiter key shared by all source scrapes.
const scrapeCapability = "source-scrape"

// Config controls Worker behavior.
type Config struct {
	// Topic receives sealed-run events; empty disables publishing.
	Topic string
	// JobBudget bounds one harvest attempt end to end. The scraper's own
	// per-call timeout is the primary bound; this is the backstop.
	JobBudget time.Duration
}

// Worker consumes queue items and executes the harvest pipeline: lease the
// source, open a parse history entry, run the engine with retries, seal the
// entry exactly once.
type Worker struct {
	queue     harvest.Queue
	jobStore  harvest.JobStore
	sources   harvest.SourceStore
	history   harvest.HistoryStore
	engine    *engine.Engine
	publisher harvest.Publisher
	limiter   *ratelimit.Limiter
	retry     harvest.RetryPolicy
	clock     harvest.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue harvest.Queue,
	jobStore harvest.JobStore,
	sources harvest.SourceStore,
	history harvest.HistoryStore,
	eng *engine.Engine,
	publisher harvest.Publisher,
	limiter *ratelimit.Limiter,
	retry harvest.RetryPolicy,
	clock harvest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.JobBudget <= 0 {
		cfg.JobBudget = 20 * time.Minute
	}
	return &Worker{
		queue:     queue,
		jobStore:  jobStore,
		sources:   sources,
		history:   history,
		engine:    eng,
		publisher: publisher,
		limiter:   limiter,
		retry:     retry,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		metrics.WorkerStarted()
		w.processJob(ctx, item)
		metrics.WorkerStopped()
	}
}

func (w *Worker) processJob(ctx context.Context, item harvest.QueueItem) {
	if item.Envelope.Type != harvest.JobTypeParseSource {
		w.failJob(ctx, item.JobID, 0, fmt.Sprintf("unsupported job type %q", item.Envelope.Type))
		return
	}

	var payload harvest.ParseSourcePayload
	if err := json.Unmarshal(item.Envelope.Payload, &payload); err != nil {
		w.failJob(ctx, item.JobID, 0, fmt.Sprintf("decode payload: %v", err))
		return
	}

	src, err := w.sources.GetSource(ctx, payload.SourceID)
	if err != nil {
		w.failJob(ctx, item.JobID, 0, fmt.Sprintf("load source %s: %v", payload.SourceID, err))
		return
	}

	if !w.acquireLease(ctx, src.ID) {
		// Another run holds the source; merge by no-opping this job.
		w.logger.Info("source busy, skipping job",
			zap.String("job_id", item.JobID),
			zap.String("source_id", src.ID),
		)
		w.updateJob(ctx, item.JobID, harvest.JobStatusCompleted, 0, "source busy, run merged")
		return
	}
	defer w.releaseLease(src.ID)

	w.updateJob(ctx, item.JobID, harvest.JobStatusRunning, 0, "")

	runID, err := w.history.OpenRun(ctx, src.ID, w.clock.Now())
	if err != nil {
		w.failJob(ctx, item.JobID, 0, fmt.Sprintf("open history entry: %v", err))
		return
	}

	counters, scrapeErrs, attempts, runErr := w.runWithRetries(ctx, src)

	status := harvest.RunStatusCompleted
	if runErr != nil {
		status = harvest.RunStatusFailed
	}
	errText := joinErrors(scrapeErrs, runErr)

	now := w.clock.Now()
	if err := w.history.SealRun(ctx, runID, status, counters, errText, now); err != nil {
		w.logger.Error("seal history entry failed", zap.String("run_id", runID), zap.Error(err))
	}
	if err := w.sources.TouchLastScraped(ctx, src.ID, now); err != nil {
		w.logger.Error("touch last scraped failed", zap.String("source_id", src.ID), zap.Error(err))
	}
	metrics.IncRun(string(status))

	// Structural failures (login/checkpoint) complete the job: retrying
	// cannot help without operator action. Only transient exhaustion marks
	// the job itself failed, and failed jobs are retained for inspection.
	switch {
	case runErr == nil:
		w.updateJob(ctx, item.JobID, harvest.JobStatusCompleted, attempts, errText)
	case harvest.IsPermanent(runErr):
		w.updateJob(ctx, item.JobID, harvest.JobStatusCompleted, attempts, errText)
	default:
		w.updateJob(ctx, item.JobID, harvest.JobStatusFailed, attempts, errText)
	}

	w.publishRunEvent(ctx, src, status, counters, errText, now)
}

// runWithRetries executes harvest attempts under the retry policy. One
// dequeued job produces exactly one history entry regardless of attempts.
func (w *Worker) runWithRetries(ctx context.Context, src harvest.TrackingSource) (harvest.RunCounters, []string, int, error) {
	var counters harvest.RunCounters
	var scrapeErrs []string
	var runErr error

	attempt := 0
	for {
		attempt++
		counters, scrapeErrs, runErr = w.runOnce(ctx, src)
		if runErr == nil {
			return counters, scrapeErrs, attempt, nil
		}

		var classified *scraper.ClassifiedError
		if errors.As(runErr, &classified) {
			metrics.IncScrapeError(string(classified.Class))
		}
		w.logger.Warn("harvest attempt failed",
			zap.String("source_id", src.ID),
			zap.Int("attempt", attempt),
			zap.Error(runErr),
		)

		if !w.retry.ShouldRetry(runErr, attempt) {
			return counters, scrapeErrs, attempt, runErr
		}
		select {
		case <-time.After(w.retry.Backoff(attempt)):
		case <-ctx.Done():
			return counters, scrapeErrs, attempt, runErr
		}
	}
}

// runOnce performs one bounded harvest attempt under the scrape limiter.
func (w *Worker) runOnce(ctx context.Context, src harvest.TrackingSource) (harvest.RunCounters, []string, error) {
	release, err := w.limiter.Acquire(ctx, scrapeCapability)
	if err != nil {
		return harvest.RunCounters{}, nil, fmt.Errorf("acquire scrape slot: %w", err)
	}
	defer release()

	attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.JobBudget)
	defer cancel()

	return w.engine.HarvestSource(attemptCtx, src)
}

// acquireLease moves the source into running state; the scheduler normally
// parked it in queued, but manual enqueues may come straight from idle.
func (w *Worker) acquireLease(ctx context.Context, sourceID string) bool {
	if err := w.sources.TransitionRunState(ctx, sourceID, harvest.RunStateQueued, harvest.RunStateRunning); err == nil {
		return true
	}
	return w.sources.TransitionRunState(ctx, sourceID, harvest.RunStateIdle, harvest.RunStateRunning) == nil
}

func (w *Worker) releaseLease(sourceID string) {
	// Lease release must survive job-context cancellation.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.sources.TransitionRunState(ctx, sourceID, harvest.RunStateRunning, harvest.RunStateIdle); err != nil {
		w.logger.Error("release source lease failed", zap.String("source_id", sourceID), zap.Error(err))
	}
}

func (w *Worker) publishRunEvent(ctx context.Context, src harvest.TrackingSource, status harvest.RunStatus, counters harvest.RunCounters, errText string, completedAt time.Time) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	event := harvest.RunEvent{
		SourceID:    src.ID,
		Username:    src.Username,
		Status:      status,
		Counters:    counters,
		Error:       errText,
		CompletedAt: completedAt,
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		w.logger.Warn("publish run event failed", zap.String("source_id", src.ID), zap.Error(err))
	}
}

func (w *Worker) updateJob(ctx context.Context, jobID string, status harvest.JobStatus, attempts int, errText string) {
	if err := w.jobStore.UpdateJobStatus(ctx, jobID, status, attempts, errText); err != nil {
		w.logger.Error("update job status failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (w *Worker) failJob(ctx context.Context, jobID string, attempts int, errText string) {
	w.logger.Error("job failed", zap.String("job_id", jobID), zap.String("error", errText))
	w.updateJob(ctx, jobID, harvest.JobStatusFailed, attempts, errText)
}

func joinErrors(scrapeErrs []string, runErr error) string {
	parts := make([]string, 0, len(scrapeErrs)+1)
	if runErr != nil {
		parts = append(parts, runErr.Error())
	}
	for _, e := range scrapeErrs {
		if runErr != nil && strings.Contains(runErr.Error(), e) {
			continue
		}
		parts = append(parts, e)
	}
	return strings.Join(parts, "; ")
}
