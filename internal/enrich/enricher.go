// Package enrich labels harvested content items with AI-derived metadata.
package enrich

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trendscope/harvester/internal/harvest"
	"github.com/trendscope/harvester/internal/metrics"
)

// Config controls enrichment batching.
type Config struct {
	// BatchSize bounds one labeling burst.
	BatchSize int
	// BatchPause separates bursts to respect upstream rate limits.
	BatchPause time.Duration
}

// Enricher batch-labels items lacking an AIAnalyzedAt marker. It is
// best-effort and resumable: anything left unlabeled simply remains a
// candidate for the next invocation.
type Enricher struct {
	content harvest.ContentStore
	scraper harvest.Scraper
	labeler harvest.Labeler
	clock   harvest.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs an Enricher.
func New(content harvest.ContentStore, scraper harvest.Scraper, labeler harvest.Labeler, clock harvest.Clock, cfg Config, logger *zap.Logger) *Enricher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BatchPause <= 0 {
		cfg.BatchPause = 2 * time.Second
	}
	return &Enricher{
		content: content,
		scraper: scraper,
		labeler: labeler,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// AnalyzePending labels up to limit unanalyzed items and returns the count
// successfully analyzed.
func (e *Enricher) AnalyzePending(ctx context.Context, limit int) (int, error) {
	items, err := e.content.ListUnanalyzed(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list unanalyzed items: %w", err)
	}
	return e.Analyze(ctx, items)
}

// Analyze processes the given items in fixed-size batches with a pause
// between batches.
func (e *Enricher) Analyze(ctx context.Context, items []harvest.ContentItem) (int, error) {
	analyzed := 0
	for start := 0; start < len(items); start += e.cfg.BatchSize {
		if start > 0 {
			select {
			case <-time.After(e.cfg.BatchPause):
			case <-ctx.Done():
				return analyzed, ctx.Err()
			}
		}
		end := start + e.cfg.BatchSize
		if end > len(items) {
			end = len(items)
		}
		for _, item := range items[start:end] {
			if err := e.analyzeOne(ctx, item); err != nil {
				if ctx.Err() != nil {
					return analyzed, ctx.Err()
				}
				e.logger.Warn("item analysis failed",
					zap.String("external_id", item.ExternalID),
					zap.Error(err),
				)
				continue
			}
			analyzed++
		}
	}
	metrics.AddEnriched(analyzed)
	return analyzed, nil
}

func (e *Enricher) analyzeOne(ctx context.Context, item harvest.ContentItem) error {
	// A cover image without a headline gets a headline-extraction pass
	// first; extraction failures are swallowed so topic labeling still runs.
	if item.Headline == "" && item.CoverURL != "" {
		headline, err := e.scraper.ExtractHeadline(ctx, item.CoverURL)
		if err != nil {
			e.logger.Debug("headline extraction failed",
				zap.String("external_id", item.ExternalID),
				zap.Error(err),
			)
		} else {
			item.Headline = headline
		}
	}

	enrichment, err := e.labeler.Label(ctx, item)
	if err != nil {
		return fmt.Errorf("label item: %w", err)
	}
	if enrichment.Headline == "" {
		enrichment.Headline = item.Headline
	}

	if err := e.content.SetEnrichment(ctx, item.ExternalID, item.DatasetID, enrichment, e.clock.Now()); err != nil {
		return fmt.Errorf("store enrichment: %w", err)
	}
	return nil
}
