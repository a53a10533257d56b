// Package metrics declares the Prometheus collectors of the coverage server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsTotal counts lifecycle events by type and outcome
	// (applied, noop, stale, invalid, failed).
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coverage_events_total",
		Help: "Catalog lifecycle events by type and outcome",
	}, []string{"type", "outcome"})

	// MutationsTotal counts membership mutations that changed a record.
	MutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coverage_mutations_total",
		Help: "Verse membership mutations by kind",
	}, []string{"kind"})

	// ReferentialErrorsTotal counts references outside the canonical table.
	ReferentialErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coverage_referential_errors_total",
		Help: "Scripture references skipped because they resolve to no canonical verse",
	})

	// ConsistencyErrorsTotal counts rolled back mutations.
	ConsistencyErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coverage_consistency_errors_total",
		Help: "Index mutations rolled back after a failed commit",
	})

	// ApplyDuration tracks diff-and-apply latency per event.
	ApplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coverage_apply_duration_seconds",
		Help:    "Time to diff and apply one lifecycle event",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~800ms
	})

	// RefreshDuration tracks book aggregate recomputation by mode.
	RefreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coverage_refresh_duration_seconds",
		Help:    "Time to recompute dirty book aggregates",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	}, []string{"mode"})

	// StaleReadsTotal counts queries answered from stale aggregates.
	StaleReadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coverage_stale_reads_total",
		Help: "Coverage queries served while some books were dirty",
	})

	// FilterCacheTotal counts filtered-count memo lookups by result (hit, miss).
	FilterCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coverage_filter_cache_total",
		Help: "Filtered coverage memo lookups",
	}, []string{"result"})

	// ReconcileQueueDepth is the number of works awaiting reconciliation.
	ReconcileQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coverage_reconcile_queue_depth",
		Help: "Works whose last event awaits a reconciliation retry",
	})

	// ReconcileTotal counts reconciliation attempts by result (ok, retry, gave_up).
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coverage_reconcile_total",
		Help: "Reconciliation attempts by result",
	}, []string{"result"})

	// RebuildBooksTotal counts books reconstructed by full rebuilds.
	RebuildBooksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coverage_rebuild_books_total",
		Help: "Books reconstructed by full rebuilds",
	})

	// RebuildDuration tracks full rebuild wall time.
	RebuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coverage_rebuild_duration_seconds",
		Help:    "Full rebuild duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

// ObserveSince records the seconds elapsed since start on h.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
