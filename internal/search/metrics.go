// internal/search/metrics.go
package search

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	searches          prometheus.Counter
	cacheHits         prometheus.Counter
	degraded          prometheus.Counter
	retrieverFailures *prometheus.CounterVec
}

var (
	searchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "alexandria",
			Subsystem: "search",
			Name:      "requests_total",
			Help:      "Hybrid search requests served",
		},
	)
	cacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "alexandria",
			Subsystem: "search",
			Name:      "cache_hits_total",
			Help:      "Search responses served from cache",
		},
	)
	degradedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "alexandria",
			Subsystem: "search",
			Name:      "degraded_total",
			Help:      "Searches answered with every retriever unavailable",
		},
	)
	retrieverFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "alexandria",
			Subsystem: "search",
			Name:      "retriever_failures_total",
			Help:      "Soft retrieval failures by method",
		},
		[]string{"method"},
	)
)

func newMetrics() *metrics {
	return &metrics{
		searches:          searchesTotal,
		cacheHits:         cacheHitsTotal,
		degraded:          degradedTotal,
		retrieverFailures: retrieverFailuresTotal,
	}
}
