package postgres

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/trendscope/harvester/internal/harvest"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return mock
}

func TestUpdateEngagement(t *testing.T) {
	mock := newMock(t)
	store, err := NewContentStore(mock)
	require.NoError(t, err)

	item := harvest.ContentItem{
		ExternalID: "post-1", DatasetID: "ds-1",
		Views: 100, Likes: 10, Comments: 2,
		CoverURL: "c", VideoURL: "v", UpdatedAt: testNow,
	}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE content_items")).
		WithArgs("post-1", "ds-1", int64(100), int64(10), int64(2), "c", "v", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	hit, err := store.UpdateEngagement(context.Background(), item)
	require.NoError(t, err)
	require.True(t, hit)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE content_items")).
		WithArgs("post-1", "ds-1", int64(100), int64(10), int64(2), "c", "v", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	hit, err = store.UpdateEngagement(context.Background(), item)
	require.NoError(t, err)
	require.False(t, hit)
}

func TestInsertReportsOutcomeFromXmax(t *testing.T) {
	mock := newMock(t)
	store, err := NewContentStore(mock)
	require.NoError(t, err)

	item := harvest.ContentItem{ExternalID: "post-1", DatasetID: "ds-1"}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO content_items")).
		WithArgs(anyArgs(15)...).
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(true))
	outcome, err := store.Insert(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, harvest.OutcomeInserted, outcome)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO content_items")).
		WithArgs(anyArgs(15)...).
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(false))
	outcome, err = store.Insert(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, harvest.OutcomeUpdated, outcome)
}

func TestSetEnrichmentMissingRow(t *testing.T) {
	mock := newMock(t)
	store, err := NewContentStore(mock)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE content_items")).
		WithArgs(anyArgs(7)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err = store.SetEnrichment(context.Background(), "nope", "ds-1", harvest.Enrichment{Topic: "t"}, testNow)
	require.ErrorIs(t, err, harvest.ErrNotFound)
}

func TestTransitionRunState(t *testing.T) {
	mock := newMock(t)
	store, err := NewSourceStore(mock)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE tracking_sources SET run_state")).
		WithArgs("src-1", harvest.RunStateIdle, harvest.RunStateQueued).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.TransitionRunState(context.Background(), "src-1", harvest.RunStateIdle, harvest.RunStateQueued))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE tracking_sources SET run_state")).
		WithArgs("src-1", harvest.RunStateIdle, harvest.RunStateQueued).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err = store.TransitionRunState(context.Background(), "src-1", harvest.RunStateIdle, harvest.RunStateQueued)
	require.ErrorIs(t, err, harvest.ErrSourceBusy)
}

func TestGetSource(t *testing.T) {
	mock := newMock(t)
	store, err := NewSourceStore(mock)
	require.NoError(t, err)

	lastScraped := testNow.Add(-time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("FROM tracking_sources")).
		WithArgs("src-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "url", "username", "dataset_id", "is_active", "min_views_filter",
			"days_limit", "content_types", "parse_frequency_seconds", "last_scraped_at", "run_state",
		}).AddRow(
			"src-1", "https://instagram.com/craftyguy", "craftyguy", "ds-1", true, int64(500),
			14, []string{"Reel", "Image"}, int64(259200), &lastScraped, harvest.RunStateIdle,
		))

	src, err := store.GetSource(context.Background(), "src-1")
	require.NoError(t, err)
	require.Equal(t, 72*time.Hour, src.ParseFrequency)
	require.Equal(t, []harvest.ContentType{harvest.ContentTypeReel, harvest.ContentTypeImage}, src.ContentTypes)
	require.Equal(t, harvest.RunStateIdle, src.RunState)

	mock.ExpectQuery(regexp.QuoteMeta("FROM tracking_sources")).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	_, err = store.GetSource(context.Background(), "missing")
	require.ErrorIs(t, err, harvest.ErrNotFound)
}

func TestOpenAndSealRun(t *testing.T) {
	mock := newMock(t)
	store, err := NewHistoryStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO parse_history")).
		WithArgs("src-1", testNow, harvest.RunStatusRunning).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("run-1"))
	id, err := store.OpenRun(context.Background(), "src-1", testNow)
	require.NoError(t, err)
	require.Equal(t, "run-1", id)

	counters := harvest.RunCounters{PostsFound: 3, PostsAdded: 2}
	countersJSON, err := json.Marshal(counters)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE parse_history")).
		WithArgs("run-1", harvest.RunStatusCompleted, countersJSON, "", testNow, harvest.RunStatusRunning).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.SealRun(context.Background(), "run-1", harvest.RunStatusCompleted, counters, "", testNow))

	// The status guard rejects a second seal.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE parse_history")).
		WithArgs("run-1", harvest.RunStatusFailed, pgxmock.AnyArg(), "boom", testNow, harvest.RunStatusRunning).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err = store.SealRun(context.Background(), "run-1", harvest.RunStatusFailed, harvest.RunCounters{}, "boom", testNow)
	require.Error(t, err)
}

func TestLatestRunDecodesCounters(t *testing.T) {
	mock := newMock(t)
	store, err := NewHistoryStore(mock)
	require.NoError(t, err)

	completed := testNow.Add(time.Minute)
	mock.ExpectQuery(regexp.QuoteMeta("FROM parse_history")).
		WithArgs("src-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "source_id", "started_at", "completed_at", "status", "counters", "error",
		}).AddRow(
			"run-1", "src-1", testNow, &completed, harvest.RunStatusCompleted,
			[]byte(`{"posts_found":5,"posts_added":3}`), "",
		))

	entry, err := store.LatestRun(context.Background(), "src-1")
	require.NoError(t, err)
	require.Equal(t, 5, entry.Counters.PostsFound)
	require.Equal(t, 3, entry.Counters.PostsAdded)
}

func TestJobStoreRoundTrip(t *testing.T) {
	mock := newMock(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	job := harvest.Job{
		ID:        "job-1",
		Envelope:  harvest.JobEnvelope{Type: harvest.JobTypeParseSource, Payload: json.RawMessage(`{"sourceId":"src-1"}`)},
		Status:    harvest.JobStatusQueued,
		Submitted: testNow,
	}
	envelope, err := json.Marshal(job.Envelope)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO harvest_jobs")).
		WithArgs("job-1", envelope, harvest.JobStatusQueued, 0, testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.CreateJob(context.Background(), job))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE harvest_jobs")).
		WithArgs("job-1", harvest.JobStatusFailed, 3, "proxy error").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.UpdateJobStatus(context.Background(), "job-1", harvest.JobStatusFailed, 3, "proxy error"))

	mock.ExpectQuery(regexp.QuoteMeta("FROM harvest_jobs")).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "envelope", "status", "attempts", "submitted_at", "started_at", "finished_at", "error_text",
		}).AddRow(
			"job-1", envelope, harvest.JobStatusFailed, 3, testNow, (*time.Time)(nil), (*time.Time)(nil), "proxy error",
		))
	got, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, harvest.JobTypeParseSource, got.Envelope.Type)
	require.Equal(t, "proxy error", got.ErrorText)
}

func TestPruneSweeps(t *testing.T) {
	mock := newMock(t)
	jobs, err := NewJobStore(mock)
	require.NoError(t, err)
	history, err := NewHistoryStore(mock)
	require.NoError(t, err)

	cutoff := testNow.AddDate(0, 0, -30)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM harvest_jobs")).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))
	n, err := jobs.PruneCompleted(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM parse_history")).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	n, err = history.PruneOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
