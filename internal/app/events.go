package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/neo-alexandria/alexandria/internal/eventbus"
)

// subscribeEvents wires the cross-cutting reactions that no single
// service owns: cache coherence and dense index cleanup.
func (a *App) subscribeEvents() {
	log := a.Logger.Named("events")

	a.Bus.Subscribe(eventbus.ResourceUpdated, "cache-coherence",
		func(ctx context.Context, ev eventbus.Event) error {
			if id, ok := ev.Payload["resource_id"].(string); ok {
				a.Cache.Invalidate("resource:" + id + "*")
			}
			a.Cache.Invalidate("search_query:*")
			return nil
		})

	a.Bus.Subscribe(eventbus.ResourceContentChanged, "cache-coherence",
		func(ctx context.Context, ev eventbus.Event) error {
			a.Cache.Invalidate("search_query:*")
			a.Cache.Invalidate("graph:*")
			return nil
		})

	a.Bus.Subscribe(eventbus.IngestionCompleted, "cache-coherence",
		func(ctx context.Context, ev eventbus.Event) error {
			a.Cache.Invalidate("search_query:*")
			return nil
		})

	a.Bus.Subscribe(eventbus.ResourceDeleted, "index-cleanup",
		func(ctx context.Context, ev eventbus.Event) error {
			id, ok := ev.Payload["resource_id"].(string)
			if !ok || id == "" {
				return nil
			}
			a.Cache.Invalidate("resource:" + id + "*")
			a.Cache.Invalidate("search_query:*")
			a.Cache.Invalidate("graph:*")
			a.Cache.Invalidate("collection:*")
			return a.Vectors.Delete(ctx, id)
		})

	a.Bus.Subscribe(eventbus.ClassifierSwapped, "cache-coherence",
		func(ctx context.Context, ev eventbus.Event) error {
			a.Cache.Invalidate("classification:*")
			return nil
		})

	a.Bus.Subscribe(eventbus.SparseModelMismatch, "ops-log",
		func(ctx context.Context, ev eventbus.Event) error {
			log.Warn(ctx, "sparse vectors stale against active encoder",
				zap.Any("payload", ev.Payload))
			return nil
		})
}
