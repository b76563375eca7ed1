package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trendscope/harvester/internal/harvest"
	"github.com/trendscope/harvester/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDGen struct {
	mu   sync.Mutex
	next int
	err  error
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	g.next++
	return "job-" + strconv.Itoa(g.next), nil
}

type recordingEnqueuer struct {
	mu    sync.Mutex
	items []harvest.QueueItem
	err   error
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, item harvest.QueueItem) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.items = append(e.items, item)
	return nil
}

func (e *recordingEnqueuer) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.items)
}

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	sources  *memory.SourceStore
	history  *memory.HistoryStore
	jobs     *memory.JobStore
	enqueuer *recordingEnqueuer
	sched    *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sources:  memory.NewSourceStore(),
		history:  memory.NewHistoryStore(),
		jobs:     memory.NewJobStore(),
		enqueuer: &recordingEnqueuer{},
	}
	f.sched = New(
		f.sources,
		f.history,
		f.jobs,
		f.enqueuer,
		&seqIDGen{},
		fixedClock{testNow},
		Config{FailureBackoff: 6 * time.Hour, RetentionDays: 30},
		zap.NewNop(),
	)
	return f
}

func source(id string, lastScraped *time.Time) harvest.TrackingSource {
	return harvest.TrackingSource{
		ID:             id,
		Username:       "user_" + id,
		DatasetID:      "ds-1",
		IsActive:       true,
		ParseFrequency: 72 * time.Hour,
		LastScrapedAt:  lastScraped,
	}
}

func TestTriggerUpdatesEnqueuesDueSources(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	never := source("never-scraped", nil)
	overdueAt := testNow.Add(-100 * time.Hour)
	overdue := source("overdue", &overdueAt)
	freshAt := testNow.Add(-time.Hour)
	fresh := source("fresh", &freshAt)
	inactive := source("inactive", nil)
	inactive.IsActive = false

	f.sources.PutSource(never)
	f.sources.PutSource(overdue)
	f.sources.PutSource(fresh)
	f.sources.PutSource(inactive)

	require.NoError(t, f.sched.TriggerUpdates(context.Background()))
	require.Equal(t, 2, f.enqueuer.count())

	for _, id := range []string{"never-scraped", "overdue"} {
		src, err := f.sources.GetSource(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, harvest.RunStateQueued, src.RunState, "source %s", id)
	}
	src, err := f.sources.GetSource(context.Background(), "fresh")
	require.NoError(t, err)
	require.Equal(t, harvest.RunStateIdle, src.RunState)
}

func TestTriggerUpdatesAppliesDefaultFrequencyFallback(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	recentAt := testNow.Add(-time.Hour)
	recent := source("no-freq-recent", &recentAt)
	recent.ParseFrequency = 0
	staleAt := testNow.Add(-80 * time.Hour)
	stale := source("no-freq-stale", &staleAt)
	stale.ParseFrequency = 0

	f.sources.PutSource(recent)
	f.sources.PutSource(stale)

	require.NoError(t, f.sched.TriggerUpdates(context.Background()))
	require.Equal(t, 1, f.enqueuer.count(), "zero parse frequency falls back to the default cadence")
	require.Equal(t, 1, len(f.enqueuer.items))

	job, err := f.jobs.GetJob(context.Background(), f.enqueuer.items[0].JobID)
	require.NoError(t, err)
	var payload harvest.ParseSourcePayload
	require.NoError(t, json.Unmarshal(job.Envelope.Payload, &payload))
	require.Equal(t, "no-freq-stale", payload.SourceID)
}

func TestTriggerUpdatesSkipsBusySources(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	busy := source("busy", nil)
	busy.RunState = harvest.RunStateRunning
	f.sources.PutSource(busy)
	f.sources.PutSource(source("free", nil))

	require.NoError(t, f.sched.TriggerUpdates(context.Background()))
	require.Equal(t, 1, f.enqueuer.count(), "busy sources are skipped, not errored")
}

func TestTriggerUpdatesHonorsFailureBackoff(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	overdueAt := testNow.Add(-100 * time.Hour)
	f.sources.PutSource(source("src-1", &overdueAt))

	// The latest run failed an hour ago; six-hour backoff holds it.
	runID, err := f.history.OpenRun(ctx, "src-1", testNow.Add(-2*time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.history.SealRun(ctx, runID, harvest.RunStatusFailed, harvest.RunCounters{}, "proxy error", testNow.Add(-time.Hour)))

	require.NoError(t, f.sched.TriggerUpdates(ctx))
	require.Zero(t, f.enqueuer.count())
}

func TestTriggerUpdatesRetriesAfterBackoffExpires(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	overdueAt := testNow.Add(-100 * time.Hour)
	f.sources.PutSource(source("src-1", &overdueAt))

	runID, err := f.history.OpenRun(ctx, "src-1", testNow.Add(-10*time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.history.SealRun(ctx, runID, harvest.RunStatusFailed, harvest.RunCounters{}, "proxy error", testNow.Add(-7*time.Hour)))

	require.NoError(t, f.sched.TriggerUpdates(ctx))
	require.Equal(t, 1, f.enqueuer.count())
}

func TestEnqueueSourceCreatesJobRow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	src := source("src-1", nil)
	f.sources.PutSource(src)

	require.NoError(t, f.sched.EnqueueSource(context.Background(), src))
	require.Equal(t, 1, f.enqueuer.count())

	job, err := f.jobs.GetJob(context.Background(), f.enqueuer.items[0].JobID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusQueued, job.Status)
	require.Equal(t, harvest.JobTypeParseSource, job.Envelope.Type)

	var payload harvest.ParseSourcePayload
	require.NoError(t, json.Unmarshal(job.Envelope.Payload, &payload))
	require.Equal(t, "src-1", payload.SourceID)
}

func TestEnqueueSourceRejectsBusySource(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	src := source("src-1", nil)
	src.RunState = harvest.RunStateQueued
	f.sources.PutSource(src)

	err := f.sched.EnqueueSource(context.Background(), src)
	require.ErrorIs(t, err, harvest.ErrSourceBusy)
	require.Zero(t, f.enqueuer.count())
}

func TestEnqueueSourceRollsBackLeaseOnFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	src := source("src-1", nil)
	f.sources.PutSource(src)
	f.enqueuer.err = errors.New("queue full")

	require.Error(t, f.sched.EnqueueSource(context.Background(), src))

	got, err := f.sources.GetSource(context.Background(), "src-1")
	require.NoError(t, err)
	require.Equal(t, harvest.RunStateIdle, got.RunState, "failed enqueue must not leave the source parked")
}

func TestStartRejectsBadCronExpr(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sched.cfg.CronExpr = "not a cron line"
	require.Error(t, f.sched.Start(context.Background()))
}
