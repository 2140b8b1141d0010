// Package eventbus implements the in-process pub/sub bus.
//
// Delivery is synchronous and best-effort: each subscriber runs in the
// caller's goroutine in registration order, inside a handler boundary that
// recovers panics and logs errors so one handler cannot break another.
// Callers emit events only after the originating transaction has committed
// (see kernel.Tx.OnCommit); handlers must be fast and push heavy work onto
// the task queue.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/neo-alexandria/alexandria/internal/logging"
)

// Event types emitted by the core modules.
const (
	ResourceCreated        = "resource.created"
	ResourceUpdated        = "resource.updated"
	ResourceContentChanged = "resource.content_changed"
	ResourceClassified     = "resource.classified"
	ResourceQualityScored  = "resource.quality_computed"
	ResourceDeleted        = "resource.deleted"
	IngestionCompleted     = "ingestion.completed"
	IngestionFailed        = "ingestion.failed"
	AnnotationCreated      = "annotation.created"
	CollectionChanged      = "collection.changed"
	SparseModelMismatch    = "search.sparse_model_mismatch"
	ClassifierSwapped      = "classifier.swapped"
	SystemError            = "system.error"
)

// Event is a bus notification. Payload values are small and serializable;
// entity ids are strings and Timestamp is RFC3339 UTC.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Handler receives an event. Errors are logged, counted, and swallowed.
type Handler func(ctx context.Context, ev Event) error

type subscriber struct {
	name    string
	handler Handler
}

// Bus is the in-process event bus.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]subscriber
	logger  *logging.Logger
	clock   func() time.Time
	mirror  Mirror
	history *historyRing
	metrics *metrics
}

// Mirror republishes events to an external transport (NATS). Optional.
type Mirror interface {
	Publish(ev Event) error
}

// Option configures a Bus.
type Option func(*Bus)

// WithMirror attaches an external event mirror.
func WithMirror(m Mirror) Option {
	return func(b *Bus) { b.mirror = m }
}

// WithClock overrides the bus clock. For tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.clock = now }
}

// New creates an event bus.
func New(logger *logging.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[string][]subscriber),
		logger:  logger.Named("eventbus"),
		clock:   func() time.Time { return time.Now().UTC() },
		history: newHistoryRing(256),
		metrics: newMetrics(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for an event type. The name identifies the
// handler in logs and metrics. Handlers run in registration order.
func (b *Bus) Subscribe(eventType, name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[eventType] = append(b.subs[eventType], subscriber{name: name, handler: handler})
}

// SubscriberCount returns the number of handlers registered for a type.
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

// Emit delivers the event to every subscriber of its type, in registration
// order, exactly once per subscriber. Fire-and-forget from the caller's
// perspective: handler errors and panics are contained here.
func (b *Bus) Emit(ctx context.Context, eventType string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	ev := Event{Type: eventType, Timestamp: b.clock(), Payload: payload}

	b.mu.RLock()
	subs := b.subs[eventType]
	b.mu.RUnlock()

	start := time.Now()
	handlerErrs := 0
	for _, sub := range subs {
		if err := b.deliver(ctx, sub, ev); err != nil {
			handlerErrs++
			b.metrics.handlerErrors.WithLabelValues(eventType, sub.name).Inc()
			b.logger.Error(ctx, "event handler failed",
				zap.String("event", eventType),
				zap.String("handler", sub.name),
				zap.Error(err))
		}
		b.metrics.handlersCalled.WithLabelValues(eventType).Inc()
	}
	latency := time.Since(start)

	b.metrics.emitted.WithLabelValues(eventType).Inc()
	b.metrics.deliveryLatency.WithLabelValues(eventType).Observe(latency.Seconds())
	b.history.add(Record{
		Event:          ev,
		HandlersCalled: len(subs),
		HandlerErrors:  handlerErrs,
		Latency:        latency,
	})

	if b.mirror != nil {
		if err := b.mirror.Publish(ev); err != nil {
			b.logger.Warn(ctx, "event mirror publish failed",
				zap.String("event", eventType), zap.Error(err))
		}
	}
}

// deliver runs one handler inside the panic boundary.
func (b *Bus) deliver(ctx context.Context, sub subscriber, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, ev)
}

// History returns the most recent event records, newest first.
func (b *Bus) History(limit int) []Record {
	return b.history.recent(limit)
}
