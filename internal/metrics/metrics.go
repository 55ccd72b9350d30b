// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes the Prometheus instrumentation for the
// jukebox core: queue depth, active playhead leases, recommendation
// cache efficiency, and HTTP/WebSocket throughput. Metrics are
// registered at package init via promauto, the same pattern the rest
// of the corpus uses for its Prometheus wiring.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the current number of tracks queued per nest.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nestbox_queue_depth",
			Help: "Current number of tracks queued for a nest",
		},
		[]string{"nest_id"},
	)

	QueueAddsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_queue_adds_total",
			Help: "Total number of tracks added to a nest's queue",
		},
		[]string{"nest_id", "auto"},
	)

	QueueFullRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_queue_full_rejections_total",
			Help: "Total number of queue adds rejected because the nest's queue was full",
		},
		[]string{"nest_id"},
	)

	// VotesTotal counts up/down votes cast against a queue entry.
	VotesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_votes_total",
			Help: "Total number of votes cast",
		},
		[]string{"direction"}, // "up" or "down"
	)

	// ActivePlayheadLeases is the number of nests currently owned by a
	// master-player worker on this process.
	ActivePlayheadLeases = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nestbox_active_playhead_leases",
			Help: "Current number of nest playheads leased by this worker",
		},
	)

	PlayheadTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nestbox_playhead_tick_duration_seconds",
			Help:    "Wall time spent per master-player tick iteration",
			Buckets: prometheus.DefBuckets,
		},
	)

	PlaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_plays_total",
			Help: "Total number of tracks that finished playing",
		},
		[]string{"nest_id", "auto"},
	)

	// RecommendCacheHits/Misses track the per-nest strategy FIFO cache.
	RecommendCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_recommend_cache_hits_total",
			Help: "Total number of recommendation candidates served from the strategy cache",
		},
		[]string{"strategy"},
	)

	RecommendCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_recommend_cache_misses_total",
			Help: "Total number of recommendation cache misses requiring a catalog refill",
		},
		[]string{"strategy"},
	)

	RecommendStrategySelected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_recommend_strategy_selected_total",
			Help: "Total number of times each recommendation strategy was chosen",
		},
		[]string{"strategy"},
	)

	// CatalogBreakerState mirrors the breaker's gobreaker.State as a gauge: 0
	// closed, 1 half-open, 2 open.
	CatalogBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nestbox_catalog_breaker_state",
			Help: "Catalog client circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	CatalogRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nestbox_catalog_request_duration_seconds",
			Help:    "Duration of outbound catalog client requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CatalogRequestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_catalog_request_errors_total",
			Help: "Total number of failed outbound catalog client requests",
		},
		[]string{"operation"},
	)

	// WebSocket/session metrics.
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nestbox_active_sessions",
			Help: "Current number of open WebSocket sessions for a nest",
		},
		[]string{"nest_id"},
	)

	SessionMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_session_messages_total",
			Help: "Total number of WebSocket messages processed",
		},
		[]string{"type", "direction"}, // direction: "in" or "out"
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nestbox_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	ActiveNests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nestbox_active_nests",
			Help: "Current number of nests known to the registry",
		},
	)

	NestReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nestbox_nests_reaped_total",
			Help: "Total number of nests deleted by the idle reaper",
		},
	)

	activeRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nestbox_http_active_requests",
			Help: "Current number of in-flight HTTP requests",
		},
	)
)

// TrackActiveRequest increments or decrements the in-flight HTTP
// request gauge; called once on entry and once (deferred) on exit.
func TrackActiveRequest(start bool) {
	if start {
		activeRequests.Inc()
		return
	}
	activeRequests.Dec()
}

// RecordAPIRequest records one completed HTTP request's duration.
func RecordAPIRequest(method, route, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}

// ObserveCatalogRequest records the duration of a catalog operation
// and increments the error counter on failure.
func ObserveCatalogRequest(operation string, start time.Time, err error) {
	CatalogRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		CatalogRequestErrors.WithLabelValues(operation).Inc()
	}
}
