// internal/cache/metrics.go
package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "alexandria",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Cache hits",
	})
	missesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "alexandria",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Cache misses",
	})
	invalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "alexandria",
		Subsystem: "cache",
		Name:      "invalidations_total",
		Help:      "Entries removed by pattern invalidation",
	})
	entriesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "alexandria",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Live cache entries",
	})
)
