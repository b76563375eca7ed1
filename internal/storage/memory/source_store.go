// Package memory provides store implementations for development and testing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/trendscope/harvester/internal/harvest"
)

// SourceStore keeps tracking sources in memory.
type SourceStore struct {
	mu      sync.RWMutex
	sources map[string]harvest.TrackingSource
}

// NewSourceStore constructs a SourceStore.
func NewSourceStore() *SourceStore {
	return &SourceStore{
		sources: make(map[string]harvest.TrackingSource),
	}
}

// PutSource inserts or replaces a source (operator/test seam).
func (s *SourceStore) PutSource(src harvest.TrackingSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if src.RunState == "" {
		src.RunState = harvest.RunStateIdle
	}
	s.sources[src.ID] = src
}

// GetSource fetches one source by ID.
func (s *SourceStore) GetSource(_ context.Context, id string) (harvest.TrackingSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return harvest.TrackingSource{}, harvest.ErrNotFound
	}
	return src, nil
}

// ListActiveSources returns all sources with IsActive set.
func (s *SourceStore) ListActiveSources(_ context.Context) ([]harvest.TrackingSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.TrackingSource
	for _, src := range s.sources {
		if src.IsActive {
			out = append(out, src)
		}
	}
	return out, nil
}

// TransitionRunState performs the check-and-set that prevents overlapping
// harvests for one source.
func (s *SourceStore) TransitionRunState(_ context.Context, id string, from, to harvest.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return harvest.ErrNotFound
	}
	if src.RunState != from {
		return harvest.ErrSourceBusy
	}
	src.RunState = to
	s.sources[id] = src
	return nil
}

// TouchLastScraped records the completion time of the latest harvest.
func (s *SourceStore) TouchLastScraped(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return harvest.ErrNotFound
	}
	ts := at
	src.LastScrapedAt = &ts
	s.sources[id] = src
	return nil
}
