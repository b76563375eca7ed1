package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/trendscope/harvester/internal/harvest"
)

// SourceStore persists tracking sources. Expected schema:
//
//	CREATE TABLE tracking_sources (
//		id               TEXT PRIMARY KEY,
//		url              TEXT NOT NULL,
//		username         TEXT NOT NULL,
//		dataset_id       TEXT NOT NULL,
//		is_active        BOOLEAN NOT NULL DEFAULT TRUE,
//		min_views_filter BIGINT NOT NULL DEFAULT 0,
//		days_limit       INT NOT NULL DEFAULT 30,
//		content_types    TEXT[] NOT NULL DEFAULT '{}',
//		parse_frequency_seconds BIGINT NOT NULL,
//		last_scraped_at  TIMESTAMPTZ,
//		run_state        TEXT NOT NULL DEFAULT 'idle'
//	);
//
// run_state is the per-source lease: the single-statement check-and-set in
// TransitionRunState is what keeps dispatch and execution from overlapping
// even when they live in different processes.
type SourceStore struct {
	pool pool
}

// NewSourceStore constructs a SourceStore over an existing pool.
func NewSourceStore(p pool) (*SourceStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SourceStore{pool: p}, nil
}

const sourceColumns = `
SELECT id, url, username, dataset_id, is_active, min_views_filter,
       days_limit, content_types, parse_frequency_seconds, last_scraped_at, run_state
FROM tracking_sources`

// GetSource fetches one source by ID.
func (s *SourceStore) GetSource(ctx context.Context, id string) (harvest.TrackingSource, error) {
	row := s.pool.QueryRow(ctx, sourceColumns+` WHERE id = $1`, id)
	src, err := scanSource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.TrackingSource{}, harvest.ErrNotFound
	}
	if err != nil {
		return harvest.TrackingSource{}, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

// ListActiveSources returns all sources with is_active set.
func (s *SourceStore) ListActiveSources(ctx context.Context) ([]harvest.TrackingSource, error) {
	rows, err := s.pool.Query(ctx, sourceColumns+` WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active sources: %w", err)
	}
	defer rows.Close()

	var out []harvest.TrackingSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return out, nil
}

// TransitionRunState atomically moves a source between run states.
func (s *SourceStore) TransitionRunState(ctx context.Context, id string, from, to harvest.RunState) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE tracking_sources SET run_state = $3
WHERE id = $1 AND run_state = $2`, id, from, to)
	if err != nil {
		return fmt.Errorf("transition run state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return harvest.ErrSourceBusy
	}
	return nil
}

// TouchLastScraped records the completion time of the latest harvest.
func (s *SourceStore) TouchLastScraped(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE tracking_sources SET last_scraped_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch last scraped: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return harvest.ErrNotFound
	}
	return nil
}

func scanSource(row pgx.Row) (harvest.TrackingSource, error) {
	var src harvest.TrackingSource
	var types []string
	var freqSeconds int64
	if err := row.Scan(
		&src.ID,
		&src.URL,
		&src.Username,
		&src.DatasetID,
		&src.IsActive,
		&src.MinViewsFilter,
		&src.DaysLimit,
		&types,
		&freqSeconds,
		&src.LastScrapedAt,
		&src.RunState,
	); err != nil {
		return harvest.TrackingSource{}, err
	}
	src.ParseFrequency = time.Duration(freqSeconds) * time.Second
	src.ContentTypes = make([]harvest.ContentType, 0, len(types))
	for _, t := range types {
		src.ContentTypes = append(src.ContentTypes, harvest.ContentType(t))
	}
	return src, nil
}
