// Package metrics exposes the service's prometheus collectors. Collectors
// are package-level and registered once; the HTTP surface serves them at
// /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequests counts requests by route, method, and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chronofact_http_requests_total",
		Help: "HTTP requests by route, method, and status.",
	}, []string{"route", "method", "status"})

	// HTTPDuration observes request latency by route.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chronofact_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// StageDuration observes pipeline stage latency.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chronofact_pipeline_stage_duration_seconds",
		Help:    "Timeline pipeline stage latency.",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"stage"})

	// RetrievalPartial counts retrievals that lost at least one sub-query.
	RetrievalPartial = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chronofact_retrieval_partial_total",
		Help: "Hybrid retrievals that proceeded with partial sub-query results.",
	})

	// GeneratorRetries counts schema-violation retries by function.
	GeneratorRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chronofact_generator_retries_total",
		Help: "Structured generator retries by function.",
	}, []string{"function"})

	// ReinforceDrops counts reinforcement jobs dropped on queue overflow.
	ReinforceDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chronofact_memory_reinforce_drops_total",
		Help: "Reinforcement writes dropped because the queue was full.",
	})

	// MemoriesDeleted counts memories removed by the decay sweep.
	MemoriesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chronofact_memory_decay_deleted_total",
		Help: "Memories deleted for falling below the relevance threshold.",
	})

	// MemoriesConsolidated counts cluster merges.
	MemoriesConsolidated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chronofact_memory_consolidated_total",
		Help: "Memory clusters merged by consolidation.",
	})

	// StoreBusy counts store calls rejected because the pool was saturated.
	StoreBusy = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chronofact_store_busy_total",
		Help: "Vector store calls rejected after the bounded pool wait.",
	})
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
