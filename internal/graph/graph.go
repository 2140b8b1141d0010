// Package graph maintains the derived knowledge graph: weighted edges
// between resources combining embedding similarity, subject overlap, and
// classification agreement. Edges are a rebuildable projection over the
// canonical rows; they refresh lazily on demand or via the scheduled
// update task.
package graph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/neo-alexandria/alexandria/internal/cache"
	"github.com/neo-alexandria/alexandria/internal/config"
	"github.com/neo-alexandria/alexandria/internal/embeddings"
	"github.com/neo-alexandria/alexandria/internal/kernel"
	"github.com/neo-alexandria/alexandria/internal/logging"
	"github.com/neo-alexandria/alexandria/internal/resource"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Overview bounds, to keep the visualization payload tractable.
const (
	overviewMaxNodes = 100
	overviewMaxDepth = 2
)

// Edge is one undirected graph edge. Endpoints are stored with A < B.
type Edge struct {
	A          string  `json:"a"`
	B          string  `json:"b"`
	Score      float64 `json:"score"`
	VectorSim  float64 `json:"vector_sim"`
	SubjectSim float64 `json:"subject_sim"`
	ClassMatch bool    `json:"class_match"`
}

// Neighbor is an edge seen from one endpoint.
type Neighbor struct {
	Resource   *resource.Resource `json:"resource"`
	Score      float64            `json:"score"`
	VectorSim  float64            `json:"vector_sim"`
	SubjectSim float64            `json:"subject_sim"`
	ClassMatch bool               `json:"class_match"`
}

// Overview is the bounded global graph view.
type Overview struct {
	Nodes []*resource.Resource `json:"nodes"`
	Edges []Edge               `json:"edges"`
}

// Service computes and serves the knowledge graph.
type Service struct {
	db     *kernel.DB
	repo   *resource.Repository
	cache  *cache.Cache
	cfg    config.GraphConfig
	logger *logging.Logger
}

// NewService wires the graph service.
func NewService(db *kernel.DB, repo *resource.Repository, c *cache.Cache, cfg config.GraphConfig, logger *logging.Logger) *Service {
	return &Service{db: db, repo: repo, cache: c, cfg: cfg, logger: logger.Named("graph")}
}

// edgeScore computes the multi-signal edge weight between two resources.
func (s *Service) edgeScore(vecA, vecB []float32, a, b *resource.Resource) (score, vectorSim, subjectSim float64, classMatch bool) {
	vectorSim = float64(embeddings.Cosine(vecA, vecB))
	subjectSim = jaccard(a.Subjects, b.Subjects)
	classMatch = a.ClassificationCode != "" && a.ClassificationCode == b.ClassificationCode

	score = s.cfg.WeightVector*vectorSim + s.cfg.WeightTags*subjectSim
	if classMatch {
		score += s.cfg.WeightClassification
	}
	return score, vectorSim, subjectSim, classMatch
}

// RebuildFor recomputes every edge incident to one resource against the
// rest of the corpus. Edges below the threshold are dropped, existing ones
// replaced. Missing resources (already deleted) just clear their edges.
func (s *Service) RebuildFor(ctx context.Context, resourceID string) error {
	center, err := s.repo.Get(ctx, resourceID)
	if err != nil {
		if err == resource.ErrNotFound {
			return s.clearEdges(ctx, resourceID)
		}
		return err
	}
	centerVec, err := s.repo.DenseVectorFor(ctx, resourceID)
	if err != nil {
		if err == resource.ErrNotFound {
			// No embedding yet; nothing to relate.
			return s.clearEdges(ctx, resourceID)
		}
		return err
	}

	vectors, err := s.repo.DenseVectors(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(vectors))
	for _, v := range vectors {
		if v.ResourceID != resourceID {
			ids = append(ids, v.ResourceID)
		}
	}
	others, err := s.repo.GetMany(ctx, ids)
	if err != nil {
		return err
	}

	var edges []Edge
	for _, v := range vectors {
		other, ok := others[v.ResourceID]
		if !ok {
			continue
		}
		score, vecSim, subjSim, classMatch := s.edgeScore(centerVec.Vector, v.Vector, center, other)
		if score < s.cfg.MinEdgeThreshold {
			continue
		}
		a, b := orderPair(resourceID, v.ResourceID)
		edges = append(edges, Edge{A: a, B: b, Score: score,
			VectorSim: vecSim, SubjectSim: subjSim, ClassMatch: classMatch})
	}

	now := s.db.Clock().Now().UTC().Format(timeLayout)
	err = s.db.InTx(ctx, func(tx *kernel.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM graph_edges WHERE a_id = ? OR b_id = ?`, resourceID, resourceID); err != nil {
			return fmt.Errorf("failed to clear edges: %w", err)
		}
		for _, e := range edges {
			if _, err := tx.ExecContext(ctx, `INSERT INTO graph_edges
				(a_id, b_id, score, vector_sim, subject_sim, class_match, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(a_id, b_id) DO UPDATE SET
					score = excluded.score, vector_sim = excluded.vector_sim,
					subject_sim = excluded.subject_sim, class_match = excluded.class_match,
					updated_at = excluded.updated_at`,
				e.A, e.B, e.Score, e.VectorSim, e.SubjectSim, boolInt(e.ClassMatch), now); err != nil {
				return fmt.Errorf("failed to store edge: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.cache != nil {
		s.cache.Invalidate("graph:*")
	}
	s.logger.Debug(ctx, "rebuilt edges",
		zap.String("resource_id", resourceID), zap.Int("edges", len(edges)))
	return nil
}

func (s *Service) clearEdges(ctx context.Context, resourceID string) error {
	err := s.db.InTx(ctx, func(tx *kernel.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM graph_edges WHERE a_id = ? OR b_id = ?`, resourceID, resourceID)
		return err
	})
	if err == nil && s.cache != nil {
		s.cache.Invalidate("graph:*")
	}
	return err
}

// Neighbors returns the top-limit edges incident to a resource, ordered by
// score descending, ties by vector similarity descending then id.
func (s *Service) Neighbors(ctx context.Context, resourceID string, limit int) ([]Neighbor, error) {
	if limit <= 0 {
		limit = 10
	}
	if _, err := s.repo.Get(ctx, resourceID); err != nil {
		return nil, err
	}

	cacheKey := fmt.Sprintf("graph:%s:neighbors:%d", resourceID, limit)
	if s.cache != nil {
		if v, ok := s.cache.Get(cacheKey); ok {
			if ns, ok := v.([]Neighbor); ok {
				return ns, nil
			}
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT a_id, b_id, score, vector_sim, subject_sim, class_match
		FROM graph_edges
		WHERE a_id = ? OR b_id = ?
		ORDER BY score DESC, vector_sim DESC,
			CASE WHEN a_id = ? THEN b_id ELSE a_id END ASC
		LIMIT ?`, resourceID, resourceID, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load neighbors: %w", err)
	}
	defer rows.Close()

	type raw struct {
		other string
		Edge
	}
	var edges []raw
	var otherIDs []string
	for rows.Next() {
		var e Edge
		var classMatch int
		if err := rows.Scan(&e.A, &e.B, &e.Score, &e.VectorSim, &e.SubjectSim, &classMatch); err != nil {
			return nil, err
		}
		e.ClassMatch = classMatch != 0
		other := e.B
		if other == resourceID {
			other = e.A
		}
		edges = append(edges, raw{other: other, Edge: e})
		otherIDs = append(otherIDs, other)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	nodes, err := s.repo.GetMany(ctx, otherIDs)
	if err != nil {
		return nil, err
	}
	neighbors := make([]Neighbor, 0, len(edges))
	for _, e := range edges {
		res, ok := nodes[e.other]
		if !ok {
			continue
		}
		neighbors = append(neighbors, Neighbor{
			Resource:   res,
			Score:      e.Score,
			VectorSim:  e.VectorSim,
			SubjectSim: e.SubjectSim,
			ClassMatch: e.ClassMatch,
		})
	}

	if s.cache != nil {
		s.cache.Set(cacheKey, neighbors)
	}
	return neighbors, nil
}

// GlobalOverview returns the strongest edges whose vector component clears
// the threshold, growing the node set in score order. Node count is capped
// at 100 and each connected component is capped at depth 2 from its seed.
func (s *Service) GlobalOverview(ctx context.Context, limit int, vectorThreshold float64) (*Overview, error) {
	if limit <= 0 {
		limit = 50
	}
	if vectorThreshold <= 0 {
		vectorThreshold = s.cfg.VectorMinSimThreshold
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT a_id, b_id, score, vector_sim, subject_sim, class_match
		FROM graph_edges
		WHERE vector_sim >= ?
		ORDER BY score DESC, a_id, b_id`, vectorThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to load overview edges: %w", err)
	}
	defer rows.Close()

	depth := map[string]int{}
	var picked []Edge
	for rows.Next() {
		var e Edge
		var classMatch int
		if err := rows.Scan(&e.A, &e.B, &e.Score, &e.VectorSim, &e.SubjectSim, &classMatch); err != nil {
			return nil, err
		}
		e.ClassMatch = classMatch != 0

		if len(picked) >= limit {
			break
		}
		depthA, haveA := depth[e.A]
		depthB, haveB := depth[e.B]
		newNodes := 0
		if !haveA {
			newNodes++
		}
		if !haveB {
			newNodes++
		}
		if len(depth)+newNodes > overviewMaxNodes {
			continue
		}
		switch {
		case !haveA && !haveB:
			// New component seeded by this edge.
			depth[e.A], depth[e.B] = 0, 0
		case haveA && !haveB:
			if depthA+1 > overviewMaxDepth {
				continue
			}
			depth[e.B] = depthA + 1
		case !haveA && haveB:
			if depthB+1 > overviewMaxDepth {
				continue
			}
			depth[e.A] = depthB + 1
		}
		picked = append(picked, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(depth))
	for id := range depth {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	loaded, err := s.repo.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	nodes := make([]*resource.Resource, 0, len(ids))
	for _, id := range ids {
		if res, ok := loaded[id]; ok {
			nodes = append(nodes, res)
		}
	}
	return &Overview{Nodes: nodes, Edges: picked}, nil
}

// RebuildAll recomputes edges for the whole corpus. Used by admin reindex.
func (s *Service) RebuildAll(ctx context.Context) error {
	start := time.Now()
	ids, err := s.repo.CompletedIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.RebuildFor(ctx, id); err != nil {
			return fmt.Errorf("rebuild for %s: %w", id, err)
		}
	}
	s.logger.Info(ctx, "graph rebuild complete",
		zap.Int("resources", len(ids)), zap.Duration("took", time.Since(start)))
	return nil
}

// jaccard computes |A∩B| / |A∪B| over subject sets; empty sets score 0.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, s := range a {
		setA[s] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, s := range b {
		setB[s] = struct{}{}
	}
	inter := 0
	for s := range setA {
		if _, ok := setB[s]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func orderPair(x, y string) (string, string) {
	if x < y {
		return x, y
	}
	return y, x
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
