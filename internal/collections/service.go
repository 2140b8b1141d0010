// internal/collections/service.go
package collections

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neo-alexandria/alexandria/internal/cache"
	"github.com/neo-alexandria/alexandria/internal/embeddings"
	"github.com/neo-alexandria/alexandria/internal/eventbus"
	"github.com/neo-alexandria/alexandria/internal/kernel"
	"github.com/neo-alexandria/alexandria/internal/logging"
	"github.com/neo-alexandria/alexandria/internal/resource"
	"github.com/neo-alexandria/alexandria/internal/taskqueue"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Visibility levels.
const (
	VisibilityPrivate = "private"
	VisibilityShared  = "shared"
	VisibilityPublic  = "public"
)

// Collection is a named set of resources. The aggregate embedding is the
// L2-normalized mean of the members' dense vectors, nil while empty; it
// is recomputed by a queued task after membership changes.
type Collection struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Visibility  string    `json:"visibility"`
	ParentID    string    `json:"parent_id,omitempty"`
	Owner       string    `json:"owner"`
	MemberCount int       `json:"member_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	aggregate []float32
}

// Update carries the mutable collection fields.
type Update struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Visibility  *string `json:"visibility"`
	ParentID    *string `json:"parent_id"`
}

// SimilarResource is one resource ranked against a collection aggregate.
type SimilarResource struct {
	Resource   *resource.Resource `json:"resource"`
	Similarity float64            `json:"similarity"`
}

// Service owns the collection store.
type Service struct {
	db     *kernel.DB
	repo   *resource.Repository
	cache  *cache.Cache
	bus    *eventbus.Bus
	queue  *taskqueue.Queue
	logger *logging.Logger
}

// NewService wires the collection service.
func NewService(db *kernel.DB, repo *resource.Repository, c *cache.Cache, bus *eventbus.Bus, queue *taskqueue.Queue, logger *logging.Logger) *Service {
	return &Service{db: db, repo: repo, cache: c, bus: bus, queue: queue, logger: logger.Named("collections")}
}

// Create stores a new empty collection.
func (s *Service) Create(ctx context.Context, name, description, visibility, parentID, owner string) (*Collection, error) {
	if name == "" || owner == "" {
		return nil, fmt.Errorf("%w: name and owner are required", resource.ErrValidation)
	}
	if visibility == "" {
		visibility = VisibilityPrivate
	}
	if !validVisibility(visibility) {
		return nil, fmt.Errorf("%w: unknown visibility %q", resource.ErrValidation, visibility)
	}
	if parentID != "" {
		if _, err := s.Get(ctx, parentID); err != nil {
			return nil, err
		}
	}
	now := s.db.Clock().Now().UTC()
	col := &Collection{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Visibility:  visibility,
		ParentID:    parentID,
		Owner:       owner,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.db.InTx(ctx, func(tx *kernel.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO collections
			(id, name, description, visibility, parent_id, owner, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			col.ID, col.Name, col.Description, col.Visibility, nullable(col.ParentID),
			col.Owner, now.Format(timeLayout), now.Format(timeLayout))
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug(ctx, "collection created", zap.String("collection_id", col.ID))
	return col, nil
}

// Get returns one collection with its member count.
func (s *Service) Get(ctx context.Context, id string) (*Collection, error) {
	key := "collection:" + id
	if v, ok := s.cache.Get(key); ok {
		return v.(*Collection), nil
	}
	row := s.db.QueryRowContext(ctx, collectionSelect+` WHERE c.id = ?`, id)
	col, err := scanCollection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: collection %s", resource.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	s.cache.Set(key, col)
	return col, nil
}

// List returns the collections of one owner, newest first.
func (s *Service) List(ctx context.Context, owner string) ([]*Collection, error) {
	rows, err := s.db.QueryContext(ctx,
		collectionSelect+` WHERE c.owner = ? ORDER BY c.created_at DESC, c.id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Collection
	for rows.Next() {
		col, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, col)
	}
	return out, rows.Err()
}

// Apply mutates collection fields. Reparenting checks the ancestor chain
// so the hierarchy stays acyclic.
func (s *Service) Apply(ctx context.Context, id string, upd Update) (*Collection, error) {
	col, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		if *upd.Name == "" {
			return nil, fmt.Errorf("%w: name cannot be empty", resource.ErrValidation)
		}
		col.Name = *upd.Name
	}
	if upd.Description != nil {
		col.Description = *upd.Description
	}
	if upd.Visibility != nil {
		if !validVisibility(*upd.Visibility) {
			return nil, fmt.Errorf("%w: unknown visibility %q", resource.ErrValidation, *upd.Visibility)
		}
		col.Visibility = *upd.Visibility
	}
	if upd.ParentID != nil {
		if *upd.ParentID != "" {
			if err := s.checkCycle(ctx, id, *upd.ParentID); err != nil {
				return nil, err
			}
		}
		col.ParentID = *upd.ParentID
	}
	col.UpdatedAt = s.db.Clock().Now().UTC()

	err = s.db.InTx(ctx, func(tx *kernel.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE collections SET
			name = ?, description = ?, visibility = ?, parent_id = ?, updated_at = ?
			WHERE id = ?`,
			col.Name, col.Description, col.Visibility, nullable(col.ParentID),
			col.UpdatedAt.Format(timeLayout), id)
		if err != nil {
			return err
		}
		tx.OnCommit(func() { s.cache.Invalidate("collection:" + id + "*") })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return col, nil
}

// Delete removes a collection, reparenting children to its parent.
// Membership rows cascade.
func (s *Service) Delete(ctx context.Context, id string) error {
	col, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.db.InTx(ctx, func(tx *kernel.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE collections SET parent_id = ? WHERE parent_id = ?`,
			nullable(col.ParentID), id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE id = ?`, id); err != nil {
			return err
		}
		tx.OnCommit(func() { s.cache.Invalidate("collection:*") })
		return nil
	})
}

// AddMember inserts a resource into the collection and schedules the
// aggregate recompute. Adding a member twice is a no-op.
func (s *Service) AddMember(ctx context.Context, collectionID, resourceID string) error {
	if _, err := s.Get(ctx, collectionID); err != nil {
		return err
	}
	if _, err := s.repo.Get(ctx, resourceID); err != nil {
		return err
	}
	return s.memberChange(ctx, collectionID, resourceID, `INSERT INTO collection_members
		(collection_id, resource_id, added_at) VALUES (?, ?, ?)
		ON CONFLICT(collection_id, resource_id) DO NOTHING`,
		collectionID, resourceID, s.db.Clock().Now().UTC().Format(timeLayout))
}

// RemoveMember takes a resource out of the collection.
func (s *Service) RemoveMember(ctx context.Context, collectionID, resourceID string) error {
	if _, err := s.Get(ctx, collectionID); err != nil {
		return err
	}
	return s.memberChange(ctx, collectionID, resourceID,
		`DELETE FROM collection_members WHERE collection_id = ? AND resource_id = ?`,
		collectionID, resourceID)
}

func (s *Service) memberChange(ctx context.Context, collectionID, resourceID, query string, args ...any) error {
	return s.db.InTx(ctx, func(tx *kernel.Tx) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		err := s.queue.EnqueueTx(ctx, tx, taskqueue.TypeCollectionAggr,
			map[string]any{"collection_id": collectionID})
		if err != nil {
			return err
		}
		tx.OnCommit(func() {
			s.cache.Invalidate("collection:" + collectionID + "*")
			s.bus.Emit(ctx, eventbus.CollectionChanged, map[string]any{
				"collection_id": collectionID,
				"resource_id":   resourceID,
			})
		})
		return nil
	})
}

// Members lists the resource ids of a collection in insertion order.
func (s *Service) Members(ctx context.Context, collectionID string) ([]string, error) {
	if _, err := s.Get(ctx, collectionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT resource_id FROM collection_members
		WHERE collection_id = ? ORDER BY added_at, resource_id`, collectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecomputeAggregate rebuilds the aggregate embedding from the current
// members' dense vectors. Members without a vector contribute nothing;
// an empty collection stores a null aggregate.
func (s *Service) RecomputeAggregate(ctx context.Context, collectionID string) error {
	ids, err := s.Members(ctx, collectionID)
	if err != nil {
		return err
	}
	var vectors [][]float32
	for _, id := range ids {
		if v, err := s.repo.DenseVectorFor(ctx, id); err == nil {
			vectors = append(vectors, v.Vector)
		}
	}
	var blob []byte
	if len(vectors) > 0 {
		agg := embeddings.Mean(vectors)
		embeddings.Normalize(agg)
		blob = embeddings.EncodeVector(agg)
	}
	err = s.db.InTx(ctx, func(tx *kernel.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE collections SET aggregate_embedding = ?, updated_at = ?
			WHERE id = ?`, blob, s.db.Clock().Now().UTC().Format(timeLayout), collectionID)
		if err != nil {
			return err
		}
		tx.OnCommit(func() { s.cache.Invalidate("collection:" + collectionID + "*") })
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Debug(ctx, "aggregate recomputed",
		zap.String("collection_id", collectionID), zap.Int("members", len(vectors)))
	return nil
}

// Aggregate returns the collection's aggregate vector, nil when empty.
func (s *Service) Aggregate(ctx context.Context, collectionID string) ([]float32, error) {
	col, err := s.Get(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	return col.aggregate, nil
}

// Similar ranks non-member completed resources by cosine similarity to
// the collection aggregate, best first.
func (s *Service) Similar(ctx context.Context, collectionID string, limit int) ([]SimilarResource, error) {
	if limit <= 0 {
		limit = 10
	}
	agg, err := s.Aggregate(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	if agg == nil {
		return []SimilarResource{}, nil
	}
	members, err := s.Members(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	memberSet := map[string]bool{}
	for _, id := range members {
		memberSet[id] = true
	}

	vectors, err := s.repo.DenseVectors(ctx)
	if err != nil {
		return nil, err
	}
	type scored struct {
		id  string
		sim float64
	}
	var ranked []scored
	for _, v := range vectors {
		if memberSet[v.ResourceID] {
			continue
		}
		ranked = append(ranked, scored{v.ResourceID, embeddings.Cosine(agg, v.Vector)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].sim != ranked[j].sim {
			return ranked[i].sim > ranked[j].sim
		}
		return ranked[i].id < ranked[j].id
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	ids := make([]string, len(ranked))
	for i, r := range ranked {
		ids[i] = r.id
	}
	resources, err := s.repo.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]SimilarResource, 0, len(ranked))
	for _, r := range ranked {
		res, ok := resources[r.id]
		if !ok || res.IngestionStatus != resource.StatusCompleted {
			continue
		}
		out = append(out, SimilarResource{Resource: res, Similarity: r.sim})
	}
	return out, nil
}

// checkCycle rejects a reparent that would place id under its own subtree.
func (s *Service) checkCycle(ctx context.Context, id, newParentID string) error {
	seen := map[string]bool{}
	cur := newParentID
	for cur != "" && !seen[cur] {
		if cur == id {
			return fmt.Errorf("%w: collection %s cannot be its own ancestor", resource.ErrConflict, id)
		}
		seen[cur] = true
		parent, err := s.Get(ctx, cur)
		if err != nil {
			return err
		}
		cur = parent.ParentID
	}
	return nil
}

const collectionSelect = `SELECT c.id, c.name, c.description, c.visibility,
	c.parent_id, c.owner, c.aggregate_embedding, c.created_at, c.updated_at,
	(SELECT COUNT(*) FROM collection_members m WHERE m.collection_id = c.id)
	FROM collections c`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCollection(row rowScanner) (*Collection, error) {
	var col Collection
	var parent sql.NullString
	var blob []byte
	var created, updated string
	err := row.Scan(&col.ID, &col.Name, &col.Description, &col.Visibility,
		&parent, &col.Owner, &blob, &created, &updated, &col.MemberCount)
	if err != nil {
		return nil, err
	}
	col.ParentID = parent.String
	if len(blob) > 0 {
		if vec, err := embeddings.DecodeVector(blob); err == nil {
			col.aggregate = vec
		}
	}
	col.CreatedAt, _ = time.Parse(timeLayout, created)
	col.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return &col, nil
}

func validVisibility(v string) bool {
	return v == VisibilityPrivate || v == VisibilityShared || v == VisibilityPublic
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
