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

// HistoryStore persists the parse history journal. Expected schema:
//
//	CREATE TABLE parse_history (
//		id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
//		source_id    TEXT NOT NULL,
//		started_at   TIMESTAMPTZ NOT NULL,
//		completed_at TIMESTAMPTZ,
//		status       TEXT NOT NULL,
//		counters     JSONB NOT NULL DEFAULT '{}',
//		error        TEXT NOT NULL DEFAULT ''
//	);
type HistoryStore struct {
	pool pool
}

// NewHistoryStore constructs a HistoryStore over an existing pool.
func NewHistoryStore(p pool) (*HistoryStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &HistoryStore{pool: p}, nil
}

// OpenRun creates an entry in running status and returns its ID.
func (s *HistoryStore) OpenRun(ctx context.Context, sourceID string, startedAt time.Time) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
INSERT INTO parse_history (source_id, started_at, status)
VALUES ($1, $2, $3)
RETURNING id`, sourceID, startedAt, harvest.RunStatusRunning).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("open history entry: %w", err)
	}
	return id, nil
}

// SealRun finalizes an entry exactly once; the status guard makes a second
// seal a no-op error instead of a mutation.
func (s *HistoryStore) SealRun(ctx context.Context, id string, status harvest.RunStatus, counters harvest.RunCounters, errText string, completedAt time.Time) error {
	countersJSON, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE parse_history
SET status = $2, counters = $3, error = $4, completed_at = $5
WHERE id = $1 AND status = $6`,
		id, status, countersJSON, errText, completedAt, harvest.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("seal history entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("history entry %s is not running", id)
	}
	return nil
}

const historyColumns = `
SELECT id, source_id, started_at, completed_at, status, counters, error
FROM parse_history`

// LatestRun returns the most recent entry for a source.
func (s *HistoryStore) LatestRun(ctx context.Context, sourceID string) (harvest.ParseHistoryEntry, error) {
	row := s.pool.QueryRow(ctx, historyColumns+`
WHERE source_id = $1
ORDER BY started_at DESC
LIMIT 1`, sourceID)
	entry, err := scanHistory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.ParseHistoryEntry{}, harvest.ErrNotFound
	}
	if err != nil {
		return harvest.ParseHistoryEntry{}, fmt.Errorf("latest run: %w", err)
	}
	return entry, nil
}

// ListRuns returns entries for a source, newest first.
func (s *HistoryStore) ListRuns(ctx context.Context, sourceID string, limit int) ([]harvest.ParseHistoryEntry, error) {
	rows, err := s.pool.Query(ctx, historyColumns+`
WHERE source_id = $1
ORDER BY started_at DESC
LIMIT $2`, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []harvest.ParseHistoryEntry
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history entries: %w", err)
	}
	return out, nil
}

// PruneOlderThan drops sealed entries completed before the cutoff.
func (s *HistoryStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
DELETE FROM parse_history
WHERE completed_at IS NOT NULL AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanHistory(row pgx.Row) (harvest.ParseHistoryEntry, error) {
	var entry harvest.ParseHistoryEntry
	var countersJSON []byte
	if err := row.Scan(
		&entry.ID,
		&entry.SourceID,
		&entry.StartedAt,
		&entry.CompletedAt,
		&entry.Status,
		&countersJSON,
		&entry.Error,
	); err != nil {
		return harvest.ParseHistoryEntry{}, err
	}
	if len(countersJSON) > 0 {
		if err := json.Unmarshal(countersJSON, &entry.Counters); err != nil {
			return harvest.ParseHistoryEntry{}, fmt.Errorf("decode counters: %w", err)
		}
	}
	return entry, nil
}
