package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/trendscope/harvester/internal/harvest"
)

type contentKey struct {
	externalID string
	datasetID  string
}

// ContentStore keeps content items in memory, keyed by the dedup pair.
type ContentStore struct {
	mu    sync.RWMutex
	items map[contentKey]harvest.ContentItem
}

// NewContentStore constructs a ContentStore.
func NewContentStore() *ContentStore {
	return &ContentStore{
		items: make(map[contentKey]harvest.ContentItem),
	}
}

// UpdateEngagement refreshes the mutable stats and media URLs of an
// existing row and reports whether one was hit. Processing flags and
// enrichment fields are deliberately left alone.
func (s *ContentStore) UpdateEngagement(_ context.Context, item harvest.ContentItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := contentKey{item.ExternalID, item.DatasetID}
	existing, ok := s.items[key]
	if !ok {
		return false, nil
	}
	existing.Views = item.Views
	existing.Likes = item.Likes
	existing.Comments = item.Comments
	existing.CoverURL = item.CoverURL
	existing.VideoURL = item.VideoURL
	existing.UpdatedAt = item.UpdatedAt
	s.items[key] = existing
	return true, nil
}

// Insert creates a new row; if a concurrent writer got there first the call
// degrades to an engagement update, mirroring ON CONFLICT DO UPDATE.
func (s *ContentStore) Insert(_ context.Context, item harvest.ContentItem) (harvest.UpsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := contentKey{item.ExternalID, item.DatasetID}
	if existing, ok := s.items[key]; ok {
		existing.Views = item.Views
		existing.Likes = item.Likes
		existing.Comments = item.Comments
		existing.CoverURL = item.CoverURL
		existing.VideoURL = item.VideoURL
		existing.UpdatedAt = item.UpdatedAt
		s.items[key] = existing
		return harvest.OutcomeUpdated, nil
	}
	s.items[key] = item
	return harvest.OutcomeInserted, nil
}

// ListUnanalyzed returns items lacking an AIAnalyzedAt marker, oldest first.
func (s *ContentStore) ListUnanalyzed(_ context.Context, limit int) ([]harvest.ContentItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.ContentItem
	for _, item := range s.items {
		if item.AIAnalyzedAt == nil {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetEnrichment stores AI labels and stamps AIAnalyzedAt.
func (s *ContentStore) SetEnrichment(_ context.Context, externalID, datasetID string, e harvest.Enrichment, analyzedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := contentKey{externalID, datasetID}
	item, ok := s.items[key]
	if !ok {
		return harvest.ErrNotFound
	}
	item.AITopic = e.Topic
	item.AIHookType = e.HookType
	item.AITags = e.Tags
	if e.Headline != "" && item.Headline == "" {
		item.Headline = e.Headline
	}
	ts := analyzedAt
	item.AIAnalyzedAt = &ts
	s.items[key] = item
	return nil
}

// Get fetches one item by dedup key.
func (s *ContentStore) Get(_ context.Context, externalID, datasetID string) (harvest.ContentItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[contentKey{externalID, datasetID}]
	if !ok {
		return harvest.ContentItem{}, harvest.ErrNotFound
	}
	return item, nil
}

// Len reports the number of stored rows (test seam).
func (s *ContentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
