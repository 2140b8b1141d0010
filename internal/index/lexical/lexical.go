// Package lexical maintains the full-text index projection and serves BM25
// retrieval for the hybrid search engine.
//
// The index is an FTS5 table over title, description, and body with column
// weights 3.0, 2.0, 1.0, so a title hit outranks the same hit in the body.
// Rows are rebuildable from the canonical resource rows at any time.
package lexical

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/neo-alexandria/alexandria/internal/kernel"
	"github.com/neo-alexandria/alexandria/internal/logging"
)

// Hit is one lexical retrieval result. Score is the negated bm25() value,
// so higher is better like the other retrievers.
type Hit struct {
	ResourceID string
	Score      float64
}

// Index is the lexical index client.
type Index struct {
	db     *kernel.DB
	logger *logging.Logger
}

// New creates the lexical index client.
func New(db *kernel.DB, logger *logging.Logger) *Index {
	return &Index{db: db, logger: logger.Named("lexical")}
}

// UpsertTx replaces the indexed text of one resource inside the caller's
// transaction. FTS5 has no ON CONFLICT, so this is delete-then-insert.
func (ix *Index) UpsertTx(ctx context.Context, tx *kernel.Tx, resourceID, title, description, body string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM lexical_fts WHERE resource_id = ?`, resourceID); err != nil {
		return fmt.Errorf("failed to clear lexical row: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO lexical_fts (resource_id, title, description, body) VALUES (?, ?, ?, ?)`,
		resourceID, title, description, body); err != nil {
		return fmt.Errorf("failed to index resource %s: %w", resourceID, err)
	}
	return nil
}

// DeleteTx removes a resource from the index.
func (ix *Index) DeleteTx(ctx context.Context, tx *kernel.Tx, resourceID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM lexical_fts WHERE resource_id = ?`, resourceID)
	if err != nil {
		return fmt.Errorf("failed to delete lexical row: %w", err)
	}
	return nil
}

// Search runs a BM25 query and returns up to limit hits, best first.
// An empty or stopword-only query returns no hits rather than an error.
func (ix *Index) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	match := MatchQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := ix.db.QueryContext(ctx, `
		SELECT resource_id, bm25(lexical_fts, 0, 3.0, 2.0, 1.0) AS rank
		FROM lexical_fts
		WHERE lexical_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("lexical search failed: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var rank float64
		if err := rows.Scan(&h.ResourceID, &rank); err != nil {
			return nil, err
		}
		// bm25() is better-is-lower; flip the sign so callers can treat
		// every retriever score as better-is-higher.
		h.Score = -rank
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ix.logger.Debug(ctx, "lexical search",
		zap.String("query", query), zap.Int("hits", len(hits)))
	return hits, nil
}

// MatchCount returns the number of documents containing the term. The
// query analyzer uses this as the document frequency of an exact term.
func (ix *Index) MatchCount(ctx context.Context, term string) (int, error) {
	match := MatchQuery(term)
	if match == "" {
		return 0, nil
	}
	var n int
	err := ix.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lexical_fts WHERE lexical_fts MATCH ?`, match).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("lexical match count failed: %w", err)
	}
	return n, nil
}

// Count returns the number of indexed resources.
func (ix *Index) Count(ctx context.Context) (int, error) {
	var n int
	err := ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lexical_fts`).Scan(&n)
	return n, err
}

// MatchQuery converts free text into a safe FTS5 MATCH expression: each
// token is double-quoted so user input cannot inject FTS5 operators, and
// tokens are ANDed implicitly. Returns "" when no token survives.
func MatchQuery(query string) string {
	var terms []string
	for _, tok := range strings.Fields(query) {
		tok = strings.Trim(tok, `"'`)
		cleaned := strings.Map(func(r rune) rune {
			if r == '"' {
				return -1
			}
			return r
		}, tok)
		if cleaned == "" {
			continue
		}
		terms = append(terms, `"`+cleaned+`"`)
	}
	return strings.Join(terms, " ")
}
