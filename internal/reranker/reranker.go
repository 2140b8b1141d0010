// Package reranker provides the cross-encoder gateway used by the hybrid
// search engine's optional rerank phase.
package reranker

import (
	"context"
)

// Document is a fused search candidate handed to the reranker.
type Document struct {
	ID      string  // resource id
	Content string  // text the cross-encoder scores against the query
	Score   float32 // fused score from retrieval
}

// ScoredDocument is a document with its cross-encoder score.
type ScoredDocument struct {
	Document
	RerankerScore float32 // cross-encoder score (0.0-1.0)
	OriginalRank  int     // rank position before reranking (0-indexed)
}

// Reranker scores (query, document) pairs. Implementations are opaque
// models; the engine treats a failure or timeout as "keep the fused order".
type Reranker interface {
	// Rerank scores docs against the query and returns them sorted by
	// RerankerScore descending, limited to topK. The sort is stable so
	// equal scores keep their fused order.
	Rerank(ctx context.Context, query string, docs []Document, topK int) ([]ScoredDocument, error)

	// Close releases any resources.
	Close() error
}
