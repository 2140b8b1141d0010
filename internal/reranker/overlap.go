// internal/reranker/overlap.go
package reranker

import (
	"context"
	"sort"

	"github.com/neo-alexandria/alexandria/internal/embeddings"
)

// OverlapReranker is the default cross-encoder stand-in. It scores each
// document by the fraction of query terms it contains, blended with the
// fused score so retrieval evidence is not discarded.
type OverlapReranker struct{}

// NewOverlapReranker creates the default reranker.
func NewOverlapReranker() *OverlapReranker {
	return &OverlapReranker{}
}

// Rerank implements Reranker.
func (r *OverlapReranker) Rerank(ctx context.Context, query string, docs []Document, topK int) ([]ScoredDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 || topK > len(docs) {
		topK = len(docs)
	}
	if len(docs) == 0 {
		return []ScoredDocument{}, nil
	}

	queryTerms := termSet(query)

	scored := make([]ScoredDocument, len(docs))
	for i, doc := range docs {
		scored[i] = ScoredDocument{
			Document:      doc,
			RerankerScore: overlapScore(queryTerms, doc.Content),
			OriginalRank:  i,
		}
	}

	// Stable keeps fused order on ties.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].RerankerScore > scored[j].RerankerScore
	})
	return scored[:topK], nil
}

// Close is a no-op.
func (r *OverlapReranker) Close() error { return nil }

func termSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range embeddings.Tokenize(text) {
		set[tok] = struct{}{}
	}
	return set
}

// overlapScore returns the fraction of distinct query terms present in the
// content.
func overlapScore(queryTerms map[string]struct{}, content string) float32 {
	if len(queryTerms) == 0 {
		return 0
	}
	seen := make(map[string]struct{})
	for _, tok := range embeddings.Tokenize(content) {
		if _, ok := queryTerms[tok]; ok {
			seen[tok] = struct{}{}
		}
	}
	return float32(len(seen)) / float32(len(queryTerms))
}
