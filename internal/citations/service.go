// internal/citations/service.go
package citations

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neo-alexandria/alexandria/internal/kernel"
	"github.com/neo-alexandria/alexandria/internal/logging"
	"github.com/neo-alexandria/alexandria/internal/resource"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Citation is one stored outbound reference.
type Citation struct {
	ID               string   `json:"id"`
	SourceResourceID string   `json:"source_resource_id"`
	TargetURL        string   `json:"target_url"`
	NormalizedURL    string   `json:"normalized_url"`
	TargetResourceID string   `json:"target_resource_id,omitempty"`
	Type             string   `json:"type"`
	Context          string   `json:"context"`
	Position         int      `json:"position"`
	Importance       *float64 `json:"importance,omitempty"`
}

// Links groups a resource's citations by direction.
type Links struct {
	Outbound      []Citation `json:"outbound"`
	Inbound       []Citation `json:"inbound"`
	OutboundCount int        `json:"outbound_count"`
	InboundCount  int        `json:"inbound_count"`
}

// SubgraphNode is one node of the visualization subgraph.
type SubgraphNode struct {
	ResourceID string  `json:"resource_id"`
	Depth      int     `json:"depth"`
	Importance float64 `json:"importance"`
}

// SubgraphEdge is one directed edge of the visualization subgraph.
type SubgraphEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// Subgraph is the bounded citation neighborhood of one resource.
type Subgraph struct {
	Nodes []SubgraphNode `json:"nodes"`
	Edges []SubgraphEdge `json:"edges"`
}

// Subgraph bounds.
const (
	subgraphMaxNodes = 100
	subgraphMaxDepth = 2
)

// Service owns the citation store and its jobs.
type Service struct {
	db     *kernel.DB
	repo   *resource.Repository
	logger *logging.Logger
}

// NewService wires the citation service.
func NewService(db *kernel.DB, repo *resource.Repository, logger *logging.Logger) *Service {
	return &Service{db: db, repo: repo, logger: logger.Named("citations")}
}

// ExtractFor re-extracts the citations of one resource from its archived
// text, replacing previous rows. Idempotent: same text, same rows.
func (s *Service) ExtractFor(ctx context.Context, resourceID string) (int, error) {
	text, err := s.repo.ArchiveText(ctx, resourceID)
	if err != nil {
		return 0, err
	}
	candidates := Extract(text)
	now := s.db.Clock().Now().UTC().Format(timeLayout)

	err = s.db.InTx(ctx, func(tx *kernel.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM citations WHERE source_resource_id = ?`, resourceID); err != nil {
			return fmt.Errorf("failed to clear citations: %w", err)
		}
		for _, c := range candidates {
			if _, err := tx.ExecContext(ctx, `INSERT INTO citations
				(id, source_resource_id, target_url, normalized_url, type, context, position, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				uuid.NewString(), resourceID, c.TargetURL, c.NormalizedURL,
				c.Type, c.Context, c.Position, now); err != nil {
				return fmt.Errorf("failed to insert citation: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Debug(ctx, "extracted citations",
		zap.String("resource_id", resourceID), zap.Int("count", len(candidates)))
	return len(candidates), nil
}

// Resolve links unresolved citations to library resources by normalized
// URL. Idempotent; returns the number of rows linked in this pass.
func (s *Service) Resolve(ctx context.Context) (int, error) {
	byURL := map[string]string{}
	rows, err := s.db.QueryContext(ctx, `SELECT id, url FROM resources`)
	if err != nil {
		return 0, fmt.Errorf("failed to load resource urls: %w", err)
	}
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return 0, err
		}
		if norm := NormalizeURL(raw); norm != "" {
			byURL[norm] = id
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	pending, err := s.db.QueryContext(ctx,
		`SELECT id, source_resource_id, normalized_url FROM citations WHERE target_resource_id IS NULL`)
	if err != nil {
		return 0, err
	}
	type link struct{ citationID, targetID string }
	var links []link
	for pending.Next() {
		var id, source, norm string
		if err := pending.Scan(&id, &source, &norm); err != nil {
			pending.Close()
			return 0, err
		}
		if target, ok := byURL[norm]; ok && target != source {
			links = append(links, link{citationID: id, targetID: target})
		}
	}
	pending.Close()
	if err := pending.Err(); err != nil {
		return 0, err
	}

	if len(links) == 0 {
		return 0, nil
	}
	err = s.db.InTx(ctx, func(tx *kernel.Tx) error {
		for _, l := range links {
			if _, err := tx.ExecContext(ctx,
				`UPDATE citations SET target_resource_id = ? WHERE id = ?`,
				l.targetID, l.citationID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info(ctx, "resolved citations", zap.Int("linked", len(links)))
	return len(links), nil
}

// ComputePageRank ranks resources over the resolved citation graph and
// stamps each resolved citation with its target's importance. Returns the
// normalized per-resource scores.
func (s *Service) ComputePageRank(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_resource_id, target_resource_id FROM citations
		WHERE target_resource_id IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	edges := map[string][]string{}
	for rows.Next() {
		var src, dst string
		if err := rows.Scan(&src, &dst); err != nil {
			rows.Close()
			return nil, err
		}
		edges[src] = append(edges[src], dst)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ranks := pagerank(edges)
	if len(ranks) == 0 {
		return ranks, nil
	}

	err = s.db.InTx(ctx, func(tx *kernel.Tx) error {
		for target, score := range ranks {
			if _, err := tx.ExecContext(ctx,
				`UPDATE citations SET importance = ? WHERE target_resource_id = ?`,
				score, target); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ranks, nil
}

// ForResource returns a resource's citations in both directions.
func (s *Service) ForResource(ctx context.Context, resourceID string) (*Links, error) {
	if _, err := s.repo.Get(ctx, resourceID); err != nil {
		return nil, err
	}
	outbound, err := s.query(ctx,
		`SELECT id, source_resource_id, target_url, normalized_url,
			COALESCE(target_resource_id, ''), type, context, position, importance
		 FROM citations WHERE source_resource_id = ? ORDER BY position`, resourceID)
	if err != nil {
		return nil, err
	}
	inbound, err := s.query(ctx,
		`SELECT id, source_resource_id, target_url, normalized_url,
			COALESCE(target_resource_id, ''), type, context, position, importance
		 FROM citations WHERE target_resource_id = ? ORDER BY position`, resourceID)
	if err != nil {
		return nil, err
	}
	return &Links{
		Outbound:      outbound,
		Inbound:       inbound,
		OutboundCount: len(outbound),
		InboundCount:  len(inbound),
	}, nil
}

// InboundCounts returns how many resolved citations point at each
// resource. The quality engine's relevance dimension reads this.
func (s *Service) InboundCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_resource_id, COUNT(*) FROM citations
		WHERE target_resource_id IS NOT NULL GROUP BY target_resource_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// SubgraphFor returns the citation neighborhood of a resource, breadth
// first over resolved edges in both directions, bounded to 100 nodes and
// depth 2.
func (s *Service) SubgraphFor(ctx context.Context, resourceID string) (*Subgraph, error) {
	if _, err := s.repo.Get(ctx, resourceID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source_resource_id, target_resource_id, type, COALESCE(importance, 0)
		FROM citations WHERE target_resource_id IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	type edge struct {
		src, dst, typ string
		importance    float64
	}
	var all []edge
	adjacent := map[string][]string{}
	importanceOf := map[string]float64{}
	for rows.Next() {
		var e edge
		if err := rows.Scan(&e.src, &e.dst, &e.typ, &e.importance); err != nil {
			rows.Close()
			return nil, err
		}
		all = append(all, e)
		adjacent[e.src] = append(adjacent[e.src], e.dst)
		adjacent[e.dst] = append(adjacent[e.dst], e.src)
		if e.importance > importanceOf[e.dst] {
			importanceOf[e.dst] = e.importance
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	depth := map[string]int{resourceID: 0}
	frontier := []string{resourceID}
	for d := 1; d <= subgraphMaxDepth && len(depth) < subgraphMaxNodes; d++ {
		var next []string
		for _, id := range frontier {
			neighbors := append([]string(nil), adjacent[id]...)
			sort.Strings(neighbors)
			for _, nb := range neighbors {
				if _, seen := depth[nb]; seen {
					continue
				}
				if len(depth) >= subgraphMaxNodes {
					break
				}
				depth[nb] = d
				next = append(next, nb)
			}
		}
		frontier = next
	}

	sub := &Subgraph{}
	ids := make([]string, 0, len(depth))
	for id := range depth {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		sub.Nodes = append(sub.Nodes, SubgraphNode{
			ResourceID: id, Depth: depth[id], Importance: importanceOf[id]})
	}
	for _, e := range all {
		if _, okS := depth[e.src]; !okS {
			continue
		}
		if _, okD := depth[e.dst]; !okD {
			continue
		}
		sub.Edges = append(sub.Edges, SubgraphEdge{Source: e.src, Target: e.dst, Type: e.typ})
	}
	return sub, nil
}

func (s *Service) query(ctx context.Context, stmt string, args ...any) ([]Citation, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Citation
	for rows.Next() {
		var c Citation
		if err := rows.Scan(&c.ID, &c.SourceResourceID, &c.TargetURL, &c.NormalizedURL,
			&c.TargetResourceID, &c.Type, &c.Context, &c.Position, &c.Importance); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
