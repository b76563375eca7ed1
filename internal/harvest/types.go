// Package harvest defines core types shared across the harvesting pipeline.
package harvest

import (
	"encoding/json"
	"time"
)

// ContentType classifies a fetched post.
type ContentType string

// Canonical content type tags stored on ContentItem rows.
const (
	ContentTypeReel     ContentType = "Reel"
	ContentTypeCarousel ContentType = "Carousel"
	ContentTypeImage    ContentType = "Image"
)

// RunState tracks whether a source currently has a harvest in flight.
type RunState string

// Run states transitioned atomically by the scheduler and workers.
const (
	RunStateIdle    RunState = "idle"
	RunStateQueued  RunState = "queued"
	RunStateRunning RunState = "running"
)

// TrackingSource is a monitored external profile harvested on a schedule.
type TrackingSource struct {
	ID             string        `json:"id"`
	URL            string        `json:"url"`
	Username       string        `json:"username"`
	DatasetID      string        `json:"dataset_id"`
	IsActive       bool          `json:"is_active"`
	MinViewsFilter int64         `json:"min_views_filter"`
	DaysLimit      int           `json:"days_limit"`
	ContentTypes   []ContentType `json:"content_types"`
	ParseFrequency time.Duration `json:"parse_frequency"`
	LastScrapedAt  *time.Time    `json:"last_scraped_at,omitempty"`
	RunState       RunState      `json:"run_state"`
}

// WantsType reports whether the source tracks the given content type.
func (s TrackingSource) WantsType(ct ContentType) bool {
	for _, t := range s.ContentTypes {
		if t == ct {
			return true
		}
	}
	return false
}

// ContentItem is one fetched post persisted for analytics and chat context.
// The pair (ExternalID, DatasetID) is globally unique and acts as the dedup key.
type ContentItem struct {
	ExternalID    string      `json:"external_id"`
	DatasetID     string      `json:"dataset_id"`
	SourceID      string      `json:"source_id"`
	ContentType   ContentType `json:"content_type"`
	CoverURL      string      `json:"cover_url"`
	VideoURL      string      `json:"video_url"`
	Views         int64       `json:"views"`
	Likes         int64       `json:"likes"`
	Comments      int64       `json:"comments"`
	PublishedAt   time.Time   `json:"published_at"`
	ViralityScore float64     `json:"virality_score"`
	Headline      string      `json:"headline,omitempty"`
	Description   string      `json:"description,omitempty"`
	IsProcessed   bool        `json:"is_processed"`
	IsApproved    bool        `json:"is_approved"`
	AITopic       string      `json:"ai_topic,omitempty"`
	AIHookType    string      `json:"ai_hook_type,omitempty"`
	AITags        []string    `json:"ai_tags,omitempty"`
	AIAnalyzedAt  *time.Time  `json:"ai_analyzed_at,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Enrichment holds the AI-derived labels applied post-ingestion.
type Enrichment struct {
	Topic    string   `json:"topic"`
	HookType string   `json:"hook_type"`
	Tags     []string `json:"tags"`
	Headline string   `json:"headline,omitempty"`
}

// RunStatus represents the lifecycle state of one harvest run.
type RunStatus string

// Run status values persisted in the parse history journal.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// SkipReason names the first acceptance filter an item failed.
type SkipReason string

// Skip reasons recorded in run counters; order mirrors the filter chain.
const (
	SkipOutsideDateWindow   SkipReason = "outside-date-window"
	SkipContentTypeExcluded SkipReason = "content-type-excluded"
	SkipBelowMinViews       SkipReason = "below-min-views"
	SkipMalformed           SkipReason = "malformed"
)

// RunCounters aggregates per-run outcomes for one harvest.
type RunCounters struct {
	PostsFound    int            `json:"posts_found"`
	PostsAdded    int            `json:"posts_added"`
	PostsUpdated  int            `json:"posts_updated"`
	PostsFiltered int            `json:"posts_filtered"`
	PostsSkipped  int            `json:"posts_skipped"`
	FilterReasons map[string]int `json:"filter_reasons,omitempty"`
}

// CountFiltered records one filtered item under its reason label.
func (c *RunCounters) CountFiltered(reason string) {
	if c.FilterReasons == nil {
		c.FilterReasons = make(map[string]int)
	}
	c.FilterReasons[reason]++
	c.PostsFiltered++
}

// ParseHistoryEntry is the immutable record of one harvest run for one source.
// It is created at run start (status running) and sealed exactly once at run end.
type ParseHistoryEntry struct {
	ID          string      `json:"id"`
	SourceID    string      `json:"source_id"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Status      RunStatus   `json:"status"`
	Counters    RunCounters `json:"counters"`
	Error       string      `json:"error,omitempty"`
}

// JobType discriminates job families sharing the queue.
type JobType string

// Job types understood by the worker pool.
const (
	JobTypeParseSource JobType = "PARSE_SOURCE"
)

// JobEnvelope is the generic payload schema carried by every queued job.
type JobEnvelope struct {
	Type    JobType         `json:"type"`
	Payload json.RawMessage `json:"payload"`
	UserID  string          `json:"user_id,omitempty"`
}

// ParseSourcePayload is the payload for PARSE_SOURCE jobs.
type ParseSourcePayload struct {
	SourceID string `json:"sourceId"`
}

// JobStatus represents the lifecycle state of a queued job.
type JobStatus string

// Job status values persisted in the job store. Completed jobs are pruned
// by the retention sweep; failed jobs are retained for inspection.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is the metadata persisted for each enqueued harvest request.
type Job struct {
	ID        string      `json:"id"`
	Envelope  JobEnvelope `json:"envelope"`
	Status    JobStatus   `json:"status"`
	Attempts  int         `json:"attempts"`
	Submitted time.Time   `json:"submitted_at"`
	Started   *time.Time  `json:"started_at,omitempty"`
	Finished  *time.Time  `json:"finished_at,omitempty"`
	ErrorText string      `json:"error_text,omitempty"`
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Envelope  JobEnvelope
	Submitted int64
}

// FetchedItem is the normalized shape produced by the scraper client for
// both upstream capabilities, before dedup and acceptance filtering.
type FetchedItem struct {
	ExternalID  string
	ContentType ContentType
	CoverURL    string
	VideoURL    string
	Views       int64
	Likes       int64
	Comments    int64
	Headline    string
	Description string
	PublishedAt time.Time
}

// RunEvent is the JSON summary published after each sealed run for
// downstream analytics and chat-context consumers.
type RunEvent struct {
	SourceID    string      `json:"source_id"`
	Username    string      `json:"username"`
	Status      RunStatus   `json:"status"`
	Counters    RunCounters `json:"counters"`
	Error       string      `json:"error,omitempty"`
	CompletedAt time.Time   `json:"completed_at"`
}
