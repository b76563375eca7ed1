// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvesterRunsTotal         *prometheus.CounterVec
	harvesterItemsTotal        *prometheus.CounterVec
	harvesterSkipsTotal        *prometheus.CounterVec
	harvesterScrapeErrorsTotal *prometheus.CounterVec
	harvesterEnrichedTotal     prometheus.Counter
	harvesterQueueDepth        prometheus.Gauge
	harvesterActiveWorkers     prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		harvesterRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_runs_total",
				Help: "Total number of harvest runs, labeled by terminal status.",
			},
			[]string{"status"},
		)

		harvesterItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_items_total",
				Help: "Total number of content items written, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		harvesterSkipsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_skips_total",
				Help: "Total number of fetched items not written, labeled by reason.",
			},
			[]string{"reason"},
		)

		harvesterScrapeErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_scrape_errors_total",
				Help: "Total classified upstream scrape failures, labeled by class.",
			},
			[]string{"class"},
		)

		harvesterEnrichedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_enriched_total",
				Help: "Total number of content items labeled by the enrichment stage.",
			},
		)

		harvesterQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_queue_depth",
				Help: "Number of jobs waiting in the harvest queue.",
			},
		)

		harvesterActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)
	})
}

// IncRun counts one sealed harvest run by terminal status.
func IncRun(status string) {
	if harvesterRunsTotal != nil {
		harvesterRunsTotal.WithLabelValues(status).Inc()
	}
}

// IncItem counts one content item write by outcome.
func IncItem(outcome string) {
	if harvesterItemsTotal != nil {
		harvesterItemsTotal.WithLabelValues(outcome).Inc()
	}
}

// IncSkip counts one fetched item that was filtered or skipped.
func IncSkip(reason string) {
	if harvesterSkipsTotal != nil {
		harvesterSkipsTotal.WithLabelValues(reason).Inc()
	}
}

// IncScrapeError counts one classified upstream failure.
func IncScrapeError(class string) {
	if harvesterScrapeErrorsTotal != nil {
		harvesterScrapeErrorsTotal.WithLabelValues(class).Inc()
	}
}

// AddEnriched counts items labeled by the enrichment stage.
func AddEnriched(n int) {
	if harvesterEnrichedTotal != nil {
		harvesterEnrichedTotal.Add(float64(n))
	}
}

// SetQueueDepth records the current queue backlog.
func SetQueueDepth(n int) {
	if harvesterQueueDepth != nil {
		harvesterQueueDepth.Set(float64(n))
	}
}

// WorkerStarted marks one worker as busy.
func WorkerStarted() {
	if harvesterActiveWorkers != nil {
		harvesterActiveWorkers.Inc()
	}
}

// WorkerStopped marks one worker as idle again.
func WorkerStopped() {
	if harvesterActiveWorkers != nil {
		harvesterActiveWorkers.Dec()
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
