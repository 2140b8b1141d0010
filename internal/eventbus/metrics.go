// internal/eventbus/metrics.go
package eventbus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	emitted         *prometheus.CounterVec
	handlersCalled  *prometheus.CounterVec
	handlerErrors   *prometheus.CounterVec
	deliveryLatency *prometheus.HistogramVec
}

var (
	emittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "alexandria",
			Subsystem: "eventbus",
			Name:      "events_emitted_total",
			Help:      "Events emitted by type",
		},
		[]string{"type"},
	)
	handlersCalledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "alexandria",
			Subsystem: "eventbus",
			Name:      "handlers_called_total",
			Help:      "Handler invocations by event type",
		},
		[]string{"type"},
	)
	handlerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "alexandria",
			Subsystem: "eventbus",
			Name:      "handler_errors_total",
			Help:      "Handler failures by event type and handler name",
		},
		[]string{"type", "handler"},
	)
	deliveryLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "alexandria",
			Subsystem: "eventbus",
			Name:      "delivery_latency_seconds",
			Help:      "Total delivery latency per emit",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"type"},
	)
)

func newMetrics() *metrics {
	return &metrics{
		emitted:         emittedTotal,
		handlersCalled:  handlersCalledTotal,
		handlerErrors:   handlerErrorsTotal,
		deliveryLatency: deliveryLatencySeconds,
	}
}
