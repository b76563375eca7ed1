package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/trendscope/harvester/internal/harvest"
)

// ContentStore persists content items in Postgres. Expected schema:
//
//	CREATE TABLE content_items (
//		external_id    TEXT NOT NULL,
//		dataset_id     TEXT NOT NULL,
//		source_id      TEXT NOT NULL,
//		content_type   TEXT NOT NULL,
//		cover_url      TEXT NOT NULL DEFAULT '',
//		video_url      TEXT NOT NULL DEFAULT '',
//		views          BIGINT NOT NULL DEFAULT 0,
//		likes          BIGINT NOT NULL DEFAULT 0,
//		comments       BIGINT NOT NULL DEFAULT 0,
//		published_at   TIMESTAMPTZ NOT NULL,
//		virality_score DOUBLE PRECISION NOT NULL DEFAULT 0,
//		headline       TEXT NOT NULL DEFAULT '',
//		description    TEXT NOT NULL DEFAULT '',
//		is_processed   BOOLEAN NOT NULL DEFAULT FALSE,
//		is_approved    BOOLEAN NOT NULL DEFAULT FALSE,
//		ai_topic       TEXT NOT NULL DEFAULT '',
//		ai_hook_type   TEXT NOT NULL DEFAULT '',
//		ai_tags        TEXT[] NOT NULL DEFAULT '{}',
//		ai_analyzed_at TIMESTAMPTZ,
//		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//		PRIMARY KEY (external_id, dataset_id)
//	);
//
// The primary key is the dedup key; every write below is one atomic
// statement so concurrent workers cannot race a duplicate row into being.
type ContentStore struct {
	pool pool
}

// NewContentStore constructs a ContentStore over an existing pool.
func NewContentStore(p pool) (*ContentStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ContentStore{pool: p}, nil
}

// UpdateEngagement refreshes only the mutable engagement stats and media
// URLs of an existing row; it reports whether a row was hit.
func (s *ContentStore) UpdateEngagement(ctx context.Context, item harvest.ContentItem) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE content_items
SET views = $3, likes = $4, comments = $5, cover_url = $6, video_url = $7, updated_at = $8
WHERE external_id = $1 AND dataset_id = $2`,
		item.ExternalID,
		item.DatasetID,
		item.Views,
		item.Likes,
		item.Comments,
		item.CoverURL,
		item.VideoURL,
		item.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("update engagement: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Insert creates a new row; a concurrent insert of the same dedup key
// degrades to an engagement update via ON CONFLICT.
func (s *ContentStore) Insert(ctx context.Context, item harvest.ContentItem) (harvest.UpsertOutcome, error) {
	var inserted bool
	err := s.pool.QueryRow(ctx, `
INSERT INTO content_items (
	external_id, dataset_id, source_id, content_type, cover_url, video_url,
	views, likes, comments, published_at, virality_score, headline,
	description, is_processed, is_approved, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,FALSE,FALSE,$14,$15)
ON CONFLICT (external_id, dataset_id) DO UPDATE
SET views = EXCLUDED.views,
    likes = EXCLUDED.likes,
    comments = EXCLUDED.comments,
    cover_url = EXCLUDED.cover_url,
    video_url = EXCLUDED.video_url,
    updated_at = EXCLUDED.updated_at
RETURNING (xmax = 0)`,
		item.ExternalID,
		item.DatasetID,
		item.SourceID,
		item.ContentType,
		item.CoverURL,
		item.VideoURL,
		item.Views,
		item.Likes,
		item.Comments,
		item.PublishedAt,
		item.ViralityScore,
		item.Headline,
		item.Description,
		item.CreatedAt,
		item.UpdatedAt,
	).Scan(&inserted)
	if err != nil {
		return "", fmt.Errorf("insert content item: %w", err)
	}
	if inserted {
		return harvest.OutcomeInserted, nil
	}
	return harvest.OutcomeUpdated, nil
}

// ListUnanalyzed returns items lacking an AIAnalyzedAt marker, oldest first.
func (s *ContentStore) ListUnanalyzed(ctx context.Context, limit int) ([]harvest.ContentItem, error) {
	rows, err := s.pool.Query(ctx, selectColumns+`
WHERE ai_analyzed_at IS NULL
ORDER BY created_at
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unanalyzed: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// SetEnrichment stores AI labels and stamps AIAnalyzedAt. An extracted
// headline only fills an empty column, never overwrites one.
func (s *ContentStore) SetEnrichment(ctx context.Context, externalID, datasetID string, e harvest.Enrichment, analyzedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE content_items
SET ai_topic = $3, ai_hook_type = $4, ai_tags = $5,
    headline = CASE WHEN headline = '' THEN $6 ELSE headline END,
    ai_analyzed_at = $7
WHERE external_id = $1 AND dataset_id = $2`,
		externalID,
		datasetID,
		e.Topic,
		e.HookType,
		e.Tags,
		e.Headline,
		analyzedAt,
	)
	if err != nil {
		return fmt.Errorf("set enrichment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return harvest.ErrNotFound
	}
	return nil
}

// Get fetches one item by dedup key.
func (s *ContentStore) Get(ctx context.Context, externalID, datasetID string) (harvest.ContentItem, error) {
	rows, err := s.pool.Query(ctx, selectColumns+`
WHERE external_id = $1 AND dataset_id = $2`, externalID, datasetID)
	if err != nil {
		return harvest.ContentItem{}, fmt.Errorf("get content item: %w", err)
	}
	defer rows.Close()
	items, err := scanItems(rows)
	if err != nil {
		return harvest.ContentItem{}, err
	}
	if len(items) == 0 {
		return harvest.ContentItem{}, harvest.ErrNotFound
	}
	return items[0], nil
}

const selectColumns = `
SELECT external_id, dataset_id, source_id, content_type, cover_url, video_url,
       views, likes, comments, published_at, virality_score, headline,
       description, is_processed, is_approved, ai_topic, ai_hook_type,
       ai_tags, ai_analyzed_at, created_at, updated_at
FROM content_items`

func scanItems(rows pgx.Rows) ([]harvest.ContentItem, error) {
	var items []harvest.ContentItem
	for rows.Next() {
		var item harvest.ContentItem
		if err := rows.Scan(
			&item.ExternalID,
			&item.DatasetID,
			&item.SourceID,
			&item.ContentType,
			&item.CoverURL,
			&item.VideoURL,
			&item.Views,
			&item.Likes,
			&item.Comments,
			&item.PublishedAt,
			&item.ViralityScore,
			&item.Headline,
			&item.Description,
			&item.IsProcessed,
			&item.IsApproved,
			&item.AITopic,
			&item.AIHookType,
			&item.AITags,
			&item.AIAnalyzedAt,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan content item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("iterate content items: %w", err)
	}
	return items, nil
}
