// internal/taskqueue/metrics.go
package taskqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "alexandria",
			Subsystem: "taskqueue",
			Name:      "tasks_enqueued_total",
			Help:      "Tasks enqueued by type",
		},
		[]string{"type"},
	)

	tasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "alexandria",
			Subsystem: "taskqueue",
			Name:      "tasks_processed_total",
			Help:      "Task outcomes by type (succeeded, retried, dead)",
		},
		[]string{"type", "outcome"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "alexandria",
			Subsystem: "taskqueue",
			Name:      "task_duration_seconds",
			Help:      "Handler duration by task type",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)
)
