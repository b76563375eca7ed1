package memory

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/trendscope/harvester/internal/harvest"
)

// HistoryStore keeps the parse history journal in memory.
type HistoryStore struct {
	mu      sync.RWMutex
	entries map[string]harvest.ParseHistoryEntry
	nextID  int
}

// NewHistoryStore constructs a HistoryStore.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{
		entries: make(map[string]harvest.ParseHistoryEntry),
	}
}

// OpenRun creates an entry in running status and returns its ID.
func (s *HistoryStore) OpenRun(_ context.Context, sourceID string, startedAt time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := runID(s.nextID)
	s.entries[id] = harvest.ParseHistoryEntry{
		ID:        id,
		SourceID:  sourceID,
		StartedAt: startedAt,
		Status:    harvest.RunStatusRunning,
	}
	return id, nil
}

// SealRun finalizes an entry exactly once; sealed entries never mutate.
func (s *HistoryStore) SealRun(_ context.Context, id string, status harvest.RunStatus, counters harvest.RunCounters, errText string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return harvest.ErrNotFound
	}
	if entry.Status != harvest.RunStatusRunning {
		return errors.New("history entry already sealed")
	}
	entry.Status = status
	entry.Counters = counters
	entry.Error = errText
	ts := completedAt
	entry.CompletedAt = &ts
	s.entries[id] = entry
	return nil
}

// LatestRun returns the most recent entry for a source.
func (s *HistoryStore) LatestRun(_ context.Context, sourceID string) (harvest.ParseHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest harvest.ParseHistoryEntry
	found := false
	for _, entry := range s.entries {
		if entry.SourceID != sourceID {
			continue
		}
		if !found || entry.StartedAt.After(latest.StartedAt) {
			latest = entry
			found = true
		}
	}
	if !found {
		return harvest.ParseHistoryEntry{}, harvest.ErrNotFound
	}
	return latest, nil
}

// ListRuns returns entries for a source, newest first.
func (s *HistoryStore) ListRuns(_ context.Context, sourceID string, limit int) ([]harvest.ParseHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.ParseHistoryEntry
	for _, entry := range s.entries {
		if entry.SourceID == sourceID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PruneOlderThan drops sealed entries completed before the cutoff.
func (s *HistoryStore) PruneOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, entry := range s.entries {
		if entry.CompletedAt != nil && entry.CompletedAt.Before(cutoff) {
			delete(s.entries, id)
			pruned++
		}
	}
	return pruned, nil
}

func runID(n int) string {
	return "run-" + strconv.Itoa(n)
}
