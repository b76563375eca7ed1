// Package engine reconciles freshly fetched items against persisted content.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trendscope/harvester/internal/harvest"
	"github.com/trendscope/harvester/internal/metrics"
)

// Engine is the upsert/dedup core. Re-running it against the same fetched
// batch is safe any number of times: stats converge to upstream's latest
// values and the (externalID, datasetID) key prevents duplicate rows.
type Engine struct {
	scraper harvest.Scraper
	content harvest.ContentStore
	clock   harvest.Clock
	logger  *zap.Logger
}

// New constructs an Engine.
func New(scraper harvest.Scraper, content harvest.ContentStore, clock harvest.Clock, logger *zap.Logger) *Engine {
	return &Engine{
		scraper: scraper,
		content: content,
		clock:   clock,
		logger:  logger,
	}
}

// Virality computes the engagement-normalized-by-views score used to rank
// items: (likes + 2*comments) per thousand views, zero when views are zero.
func Virality(views, likes, comments int64) float64 {
	if views <= 0 {
		return 0
	}
	return float64(likes+2*comments) / (float64(views) / 1000)
}

// HarvestSource fetches the source's recent posts and reconciles them with
// the stored dataset. The returned counters feed the parse history entry;
// scrape errors that did not prevent a partial result are returned as
// strings, while a hard failure (nothing fetched, classified error) is
// returned as err.
func (e *Engine) HarvestSource(ctx context.Context, src harvest.TrackingSource) (harvest.RunCounters, []string, error) {
	counters := harvest.RunCounters{}

	// Sources created from a profile URL may carry no bare username; the
	// client canonicalizes either form.
	identifier := src.Username
	if identifier == "" {
		identifier = src.URL
	}

	result, err := e.scraper.Scrape(ctx, harvest.ScrapeRequest{
		Identifier:   identifier,
		ContentTypes: src.ContentTypes,
		DaysLimit:    src.DaysLimit,
	})
	if err != nil {
		return counters, result.Errors, fmt.Errorf("scrape %s: %w", identifier, err)
	}

	counters.PostsFound = len(result.Items)
	now := e.clock.Now()
	cutoff := now.AddDate(0, 0, -src.DaysLimit)

	for _, fetched := range result.Items {
		// Items without a stable id or publish date cannot be reconciled;
		// they are counted, never fatal to the batch.
		if fetched.ExternalID == "" || fetched.PublishedAt.IsZero() {
			counters.PostsSkipped++
			metrics.IncSkip(string(harvest.SkipMalformed))
			continue
		}

		item := harvest.ContentItem{
			ExternalID:  fetched.ExternalID,
			DatasetID:   src.DatasetID,
			SourceID:    src.ID,
			ContentType: fetched.ContentType,
			CoverURL:    fetched.CoverURL,
			VideoURL:    fetched.VideoURL,
			Views:       fetched.Views,
			Likes:       fetched.Likes,
			Comments:    fetched.Comments,
			PublishedAt: fetched.PublishedAt,
			Headline:    fetched.Headline,
			Description: fetched.Description,
			UpdatedAt:   now,
		}

		// Existing rows get only their engagement stats and media URLs
		// refreshed; processing and enrichment state is never touched, so
		// a re-scrape cannot lose completed work.
		hit, err := e.content.UpdateEngagement(ctx, item)
		if err != nil {
			return counters, result.Errors, fmt.Errorf("update %s/%s: %w", item.ExternalID, item.DatasetID, err)
		}
		if hit {
			counters.PostsUpdated++
			metrics.IncItem(string(harvest.OutcomeUpdated))
			continue
		}

		// Acceptance filters gate inserts only, in fixed order; the first
		// failing filter is the recorded skip reason.
		if reason, rejected := e.reject(src, item, cutoff); rejected {
			counters.CountFiltered(string(reason))
			metrics.IncSkip(string(reason))
			e.logger.Debug("item filtered",
				zap.String("external_id", item.ExternalID),
				zap.String("reason", string(reason)),
				zap.Int64("views", item.Views),
			)
			continue
		}

		item.ViralityScore = Virality(item.Views, item.Likes, item.Comments)
		item.CreatedAt = now
		outcome, err := e.content.Insert(ctx, item)
		if err != nil {
			return counters, result.Errors, fmt.Errorf("insert %s/%s: %w", item.ExternalID, item.DatasetID, err)
		}
		switch outcome {
		case harvest.OutcomeInserted:
			counters.PostsAdded++
		case harvest.OutcomeUpdated:
			counters.PostsUpdated++
		}
		metrics.IncItem(string(outcome))
	}

	return counters, result.Errors, nil
}

// reject applies the acceptance filter chain: date window, then content
// type, then minimum views. First match wins.
func (e *Engine) reject(src harvest.TrackingSource, item harvest.ContentItem, cutoff time.Time) (harvest.SkipReason, bool) {
	if src.DaysLimit > 0 && item.PublishedAt.Before(cutoff) {
		return harvest.SkipOutsideDateWindow, true
	}
	if len(src.ContentTypes) > 0 && !src.WantsType(item.ContentType) {
		return harvest.SkipContentTypeExcluded, true
	}
	if item.Views < src.MinViewsFilter {
		return harvest.SkipBelowMinViews, true
	}
	return "", false
}
