// internal/resource/service.go
package resource

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/neo-alexandria/alexandria/internal/eventbus"
	"github.com/neo-alexandria/alexandria/internal/kernel"
	"github.com/neo-alexandria/alexandria/internal/logging"
	"github.com/neo-alexandria/alexandria/internal/taskqueue"
)

// Service exposes the resource lifecycle operations. Writes go through a
// single transaction; events fire post-commit and follow-up work rides the
// task queue so a rollback leaves no trace.
type Service struct {
	db     *kernel.DB
	repo   *Repository
	bus    *eventbus.Bus
	queue  *taskqueue.Queue
	logger *logging.Logger
}

// NewService wires the resource service.
func NewService(db *kernel.DB, repo *Repository, bus *eventbus.Bus, queue *taskqueue.Queue, logger *logging.Logger) *Service {
	return &Service{db: db, repo: repo, bus: bus, queue: queue, logger: logger.Named("resource")}
}

// Repo exposes the repository for modules that only read.
func (s *Service) Repo() *Repository { return s.repo }

// Create registers a new resource in pending state and schedules its
// ingestion. The returned resource carries the id the caller polls on.
func (s *Service) Create(ctx context.Context, url string, overrides Overrides) (*Resource, error) {
	res := &Resource{
		URL:                url,
		Title:              overrides.Title,
		Description:        overrides.Description,
		Creator:            overrides.Creator,
		Publisher:          overrides.Publisher,
		Language:           overrides.Language,
		Type:               overrides.Type,
		Subjects:           overrides.Subjects,
		ClassificationCode: overrides.ClassificationCode,
	}

	err := s.db.InTx(ctx, func(tx *kernel.Tx) error {
		if err := s.repo.CreateTx(ctx, tx, res); err != nil {
			return err
		}
		if err := s.queue.EnqueueTx(ctx, tx, taskqueue.TypeIngestProcess, map[string]any{
			"resource_id": res.ID,
			"overrides":   overrideKeys(overrides),
		}); err != nil {
			return err
		}
		tx.OnCommit(func() {
			s.bus.Emit(ctx, eventbus.ResourceCreated, map[string]any{
				"resource_id": res.ID,
				"url":         res.URL,
			})
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "resource accepted", zap.String("resource_id", res.ID), zap.String("url", url))
	return res, nil
}

// Get loads a resource by id.
func (s *Service) Get(ctx context.Context, id string) (*Resource, error) {
	return s.repo.Get(ctx, id)
}

// List returns a filtered page of resources.
func (s *Service) List(ctx context.Context, f Filters, sortBy string, descending bool, limit, offset int) ([]*Resource, int, error) {
	return s.repo.List(ctx, f, sortBy, descending, limit, offset)
}

// Update applies a partial metadata update and schedules the derived-state
// refreshes the change requires.
func (s *Service) Update(ctx context.Context, id string, upd Update) (*Resource, error) {
	var changed []string
	err := s.db.InTx(ctx, func(tx *kernel.Tx) error {
		var err error
		changed, err = s.repo.UpdateTx(ctx, tx, id, upd)
		if err != nil {
			return err
		}
		if len(changed) == 0 {
			return nil
		}
		if err := s.scheduleRefreshes(ctx, tx, id, changed); err != nil {
			return err
		}
		tx.OnCommit(func() {
			s.bus.Emit(ctx, eventbus.ResourceUpdated, map[string]any{
				"resource_id":    id,
				"changed_fields": changed,
			})
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, id)
}

// scheduleRefreshes enqueues the projection updates a metadata change
// requires. Text changes touch every representation; classification and
// subject changes only touch the graph and quality.
func (s *Service) scheduleRefreshes(ctx context.Context, tx *kernel.Tx, id string, changed []string) error {
	set := make(map[string]bool, len(changed))
	for _, c := range changed {
		set[c] = true
	}
	payload := map[string]any{"resource_id": id}

	types := []string{}
	if set["title"] || set["description"] {
		types = append(types,
			taskqueue.TypeLexicalUpdate,
			taskqueue.TypeEmbeddingRegen,
			taskqueue.TypeQualityRecompute)
	}
	if set["subjects"] || set["classification_code"] {
		types = append(types, taskqueue.TypeGraphUpdateEdges, taskqueue.TypeQualityRecompute)
	}
	for _, tt := range dedupe(types) {
		if err := s.queue.EnqueueTx(ctx, tx, tt, payload); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", tt, err)
		}
	}
	return nil
}

// Delete removes the resource, its cascaded children, and its projection
// rows in one transaction, then announces the deletion.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	err := s.db.InTx(ctx, func(tx *kernel.Tx) error {
		// Projections live in the same store, so they go in the same
		// transaction. Foreign keys cascade the rest.
		for _, stmt := range []string{
			`DELETE FROM lexical_fts WHERE resource_id = ?`,
			`DELETE FROM sparse_postings WHERE resource_id = ?`,
			`DELETE FROM graph_edges WHERE a_id = ? OR b_id = ?`,
			`UPDATE citations SET target_resource_id = NULL WHERE target_resource_id = ?`,
		} {
			args := []any{id}
			if stmt == `DELETE FROM graph_edges WHERE a_id = ? OR b_id = ?` {
				args = []any{id, id}
			}
			if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
				return fmt.Errorf("failed to purge projections: %w", err)
			}
		}
		if err := s.repo.DeleteTx(ctx, tx, id); err != nil {
			return err
		}
		tx.OnCommit(func() {
			s.bus.Emit(ctx, eventbus.ResourceDeleted, map[string]any{"resource_id": id})
		})
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info(ctx, "resource deleted", zap.String("resource_id", id))
	return nil
}

func overrideKeys(o Overrides) []string {
	keys := []string{}
	if o.Title != "" {
		keys = append(keys, "title")
	}
	if o.Description != "" {
		keys = append(keys, "description")
	}
	if o.Creator != "" {
		keys = append(keys, "creator")
	}
	if o.Publisher != "" {
		keys = append(keys, "publisher")
	}
	if o.Language != "" {
		keys = append(keys, "language")
	}
	if o.Type != "" {
		keys = append(keys, "type")
	}
	if len(o.Subjects) > 0 {
		keys = append(keys, "subjects")
	}
	if o.ClassificationCode != "" {
		keys = append(keys, "classification_code")
	}
	return keys
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
