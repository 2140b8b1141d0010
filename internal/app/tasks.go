package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/neo-alexandria/alexandria/internal/resource"
	"github.com/neo-alexandria/alexandria/internal/taskqueue"
)

// registerTaskHandlers binds every task type to its owning service.
// Handlers settle tasks whose subject is gone; retrying a deleted
// resource only fills the dead letter table.
func (a *App) registerTaskHandlers() {
	a.Pool.Register(taskqueue.TypeIngestProcess, a.Ingest.Process)

	a.Pool.Register(taskqueue.TypeEmbeddingRegen, a.resourceTask(a.Ingest.ReindexResource))
	a.Pool.Register(taskqueue.TypeLexicalUpdate, a.resourceTask(a.Ingest.ReindexResource))
	a.Pool.Register(taskqueue.TypeGraphUpdateEdges, a.resourceTask(a.Graph.RebuildFor))

	a.Pool.Register(taskqueue.TypeQualityRecompute, a.resourceTask(func(ctx context.Context, id string) error {
		_, err := a.Quality.ComputeFor(ctx, id, nil)
		return err
	}))
	a.Pool.Register(taskqueue.TypeClassifyResource, a.resourceTask(func(ctx context.Context, id string) error {
		_, err := a.Taxonomy.ClassifyResource(ctx, id)
		return err
	}))
	a.Pool.Register(taskqueue.TypeCitationExtract, a.resourceTask(func(ctx context.Context, id string) error {
		_, err := a.Citations.ExtractFor(ctx, id)
		return err
	}))

	a.Pool.Register(taskqueue.TypeCitationResolve, func(ctx context.Context, _ *taskqueue.Task) error {
		_, err := a.Citations.Resolve(ctx)
		return err
	})
	a.Pool.Register(taskqueue.TypeCitationPageRank, func(ctx context.Context, _ *taskqueue.Task) error {
		_, err := a.Citations.ComputePageRank(ctx)
		return err
	})
	a.Pool.Register(taskqueue.TypeClassifierTrain, func(ctx context.Context, _ *taskqueue.Task) error {
		_, err := a.Taxonomy.Train(ctx)
		if errors.Is(err, resource.ErrValidation) {
			// Another run consumed the examples first.
			return nil
		}
		return err
	})

	a.Pool.Register(taskqueue.TypeRefreshUserProfile, func(ctx context.Context, t *taskqueue.Task) error {
		userID, _ := t.Payload["user_id"].(string)
		if userID == "" {
			return fmt.Errorf("profile refresh task without user_id")
		}
		_, err := a.Recommend.RefreshProfile(ctx, userID)
		return err
	})
	a.Pool.Register(taskqueue.TypeCollectionAggr, func(ctx context.Context, t *taskqueue.Task) error {
		collectionID, _ := t.Payload["collection_id"].(string)
		if collectionID == "" {
			return fmt.Errorf("aggregate task without collection_id")
		}
		err := a.Collections.RecomputeAggregate(ctx, collectionID)
		if errors.Is(err, resource.ErrNotFound) {
			return nil
		}
		return err
	})
	a.Pool.Register(taskqueue.TypeCacheInvalidate, func(ctx context.Context, t *taskqueue.Task) error {
		pattern, _ := t.Payload["pattern"].(string)
		if pattern == "" {
			return fmt.Errorf("invalidation task without pattern")
		}
		a.Cache.Invalidate(pattern)
		return nil
	})
}

// resourceTask adapts a per-resource operation into a task handler.
func (a *App) resourceTask(fn func(ctx context.Context, id string) error) taskqueue.HandlerFunc {
	return func(ctx context.Context, t *taskqueue.Task) error {
		id, _ := t.Payload["resource_id"].(string)
		if id == "" {
			return fmt.Errorf("%s task without resource_id", t.Type)
		}
		err := fn(ctx, id)
		if errors.Is(err, resource.ErrNotFound) {
			return nil
		}
		return err
	}
}
