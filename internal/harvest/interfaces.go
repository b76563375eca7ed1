package harvest

import (
	"context"
	"errors"
	"time"
)

// ErrSourceBusy is returned by run-state transitions when another harvest
// already holds the source.
var ErrSourceBusy = errors.New("source has a harvest in flight")

// ErrNotFound is returned by stores when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// SourceStore persists tracking sources and their run-state lease.
type SourceStore interface {
	GetSource(ctx context.Context, id string) (TrackingSource, error)
	ListActiveSources(ctx context.Context) ([]TrackingSource, error)
	// TransitionRunState atomically moves a source from one run state to
	// another; it returns ErrSourceBusy when the source is not in `from`.
	TransitionRunState(ctx context.Context, id string, from, to RunState) error
	// TouchLastScraped records the completion time of the latest harvest.
	TouchLastScraped(ctx context.Context, id string, at time.Time) error
}

// UpsertOutcome reports what a content write did.
type UpsertOutcome string

// Outcomes of a content store write.
const (
	OutcomeInserted UpsertOutcome = "inserted"
	OutcomeUpdated  UpsertOutcome = "updated"
)

// ContentStore persists content items keyed by (ExternalID, DatasetID).
// Each method is a single atomic unit of work so concurrent workers can
// never duplicate a row or clobber enrichment state.
type ContentStore interface {
	// UpdateEngagement refreshes only the mutable engagement stats and media
	// URLs of an existing row. It reports whether a row was hit. Processing
	// and enrichment fields are never touched.
	UpdateEngagement(ctx context.Context, item ContentItem) (bool, error)
	// Insert creates a new row, falling back to an engagement update if a
	// concurrent worker inserted the same dedup key first.
	Insert(ctx context.Context, item ContentItem) (UpsertOutcome, error)
	// ListUnanalyzed returns items lacking an AIAnalyzedAt marker.
	ListUnanalyzed(ctx context.Context, limit int) ([]ContentItem, error)
	// SetEnrichment stores AI labels and stamps AIAnalyzedAt.
	SetEnrichment(ctx context.Context, externalID, datasetID string, e Enrichment, analyzedAt time.Time) error
	// Get fetches one item by dedup key.
	Get(ctx context.Context, externalID, datasetID string) (ContentItem, error)
}

// HistoryStore persists the parse history journal.
type HistoryStore interface {
	// OpenRun creates an entry in running status and returns its ID.
	OpenRun(ctx context.Context, sourceID string, startedAt time.Time) (string, error)
	// SealRun finalizes an entry exactly once; later calls must not mutate it.
	SealRun(ctx context.Context, id string, status RunStatus, counters RunCounters, errText string, completedAt time.Time) error
	// LatestRun returns the most recent entry for a source, or ErrNotFound.
	LatestRun(ctx context.Context, sourceID string) (ParseHistoryEntry, error)
	ListRuns(ctx context.Context, sourceID string, limit int) ([]ParseHistoryEntry, error)
	// PruneOlderThan drops sealed entries completed before the cutoff.
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// JobStore persists job rows for observability and failure retention.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, attempts int, errText string) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// PruneCompleted removes completed jobs finished before the cutoff.
	// Failed jobs are retained regardless of age.
	PruneCompleted(ctx context.Context, cutoff time.Time) (int, error)
}

// Queue provides enqueue/dequeue semantics for harvest jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// ScrapeRequest asks the scraper client for one source's recent posts.
type ScrapeRequest struct {
	Identifier   string
	ContentTypes []ContentType
	DaysLimit    int
	Limit        int
}

// ScrapeResult carries whatever the upstream calls returned plus any
// classified per-call errors; partial success is not an error.
type ScrapeResult struct {
	Items  []FetchedItem
	Errors []string
}

// Scraper fetches and normalizes posts from the upstream capabilities.
type Scraper interface {
	Scrape(ctx context.Context, req ScrapeRequest) (ScrapeResult, error)
	// ExtractHeadline pulls headline text out of a cover image.
	ExtractHeadline(ctx context.Context, imageURL string) (string, error)
}

// Labeler produces AI-derived labels for one content item.
type Labeler interface {
	Label(ctx context.Context, item ContentItem) (Enrichment, error)
}

// Publisher pushes sealed-run events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RetryPolicy decides whether and when a failed attempt is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
