// Package sparse serves learned-sparse retrieval from an inverted posting
// list in the canonical store. Scoring is the dot product between the query
// and document sparse vectors, computed in SQL over only the posting rows
// the query terms touch.
package sparse

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/neo-alexandria/alexandria/internal/embeddings"
	"github.com/neo-alexandria/alexandria/internal/kernel"
	"github.com/neo-alexandria/alexandria/internal/logging"
)

// Hit is one sparse retrieval result. Score is the dot product, higher is
// better; vectors are unit-normalized so it equals cosine.
type Hit struct {
	ResourceID string
	Score      float64
}

// Index is the sparse index client.
type Index struct {
	db     *kernel.DB
	logger *logging.Logger
}

// New creates the sparse index client.
func New(db *kernel.DB, logger *logging.Logger) *Index {
	return &Index{db: db, logger: logger.Named("sparse")}
}

// UpsertTx replaces the posting rows of one resource inside the caller's
// transaction.
func (ix *Index) UpsertTx(ctx context.Context, tx *kernel.Tx, resourceID string, vec embeddings.SparseVector) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sparse_postings WHERE resource_id = ?`, resourceID); err != nil {
		return fmt.Errorf("failed to clear postings: %w", err)
	}
	for term, weight := range vec {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sparse_postings (term_id, resource_id, weight) VALUES (?, ?, ?)`,
			int64(term), resourceID, float64(weight)); err != nil {
			return fmt.Errorf("failed to index postings for %s: %w", resourceID, err)
		}
	}
	return nil
}

// DeleteTx removes a resource's posting rows.
func (ix *Index) DeleteTx(ctx context.Context, tx *kernel.Tx, resourceID string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM sparse_postings WHERE resource_id = ?`, resourceID)
	if err != nil {
		return fmt.Errorf("failed to delete postings: %w", err)
	}
	return nil
}

// Search scores the corpus against a sparse query vector and returns up to
// limit hits, best first. An empty query vector returns no hits.
func (ix *Index) Search(ctx context.Context, query embeddings.SparseVector, limit int) ([]Hit, error) {
	if len(query) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	// One (term_id, weight) row per query term, joined against the
	// postings so only matching rows are scored.
	var union strings.Builder
	args := make([]any, 0, 2*len(query)+1)
	first := true
	for term, weight := range query {
		if first {
			union.WriteString(`SELECT ? AS term_id, ? AS w`)
			first = false
		} else {
			union.WriteString(` UNION ALL SELECT ?, ?`)
		}
		args = append(args, int64(term), float64(weight))
	}
	args = append(args, limit)

	rows, err := ix.db.QueryContext(ctx, `
		SELECT p.resource_id, SUM(p.weight * q.w) AS score
		FROM sparse_postings p
		JOIN (`+union.String()+`) q ON q.term_id = p.term_id
		GROUP BY p.resource_id
		ORDER BY score DESC, p.resource_id
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("sparse search failed: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ResourceID, &h.Score); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ix.logger.Debug(ctx, "sparse search",
		zap.Int("query_terms", len(query)), zap.Int("hits", len(hits)))
	return hits, nil
}

// StaleCount returns how many stored sparse vectors were produced by a
// different encoder version. The search engine treats a nonzero count as a
// model mismatch: it skips this retriever and renormalizes fusion weights
// until a re-encode catches the corpus up.
func (ix *Index) StaleCount(ctx context.Context, encoderVersion string) (int, error) {
	var n int
	err := ix.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sparse_vectors WHERE model_version != ?`, encoderVersion).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count stale sparse vectors: %w", err)
	}
	return n, nil
}

// Count returns the number of resources with posting rows.
func (ix *Index) Count(ctx context.Context) (int, error) {
	var n int
	err := ix.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT resource_id) FROM sparse_postings`).Scan(&n)
	return n, err
}
