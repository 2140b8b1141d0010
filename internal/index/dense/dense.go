// Package dense serves nearest-neighbor retrieval over the resource
// embeddings. Two backends implement the same interface: chromem-go for the
// embedded default and Qdrant for server deployments. The canonical vectors
// live in the resource store; either backend can be rebuilt from them.
package dense

import (
	"context"
	"errors"
)

// Hit is one dense retrieval result. Similarity is cosine in [-1, 1],
// higher is better.
type Hit struct {
	ResourceID string
	Similarity float32
}

// Index is the dense vector index.
type Index interface {
	// Upsert stores or replaces the vector for a resource.
	Upsert(ctx context.Context, resourceID string, vector []float32) error

	// Delete removes a resource from the index. Unknown ids are a no-op.
	Delete(ctx context.Context, resourceID string) error

	// Search returns up to limit nearest neighbors of the query vector,
	// best first.
	Search(ctx context.Context, vector []float32, limit int) ([]Hit, error)

	// Count returns the number of indexed vectors.
	Count(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}

// Errors shared by the backends.
var (
	ErrInvalidConfig = errors.New("invalid dense index config")
	ErrDimension     = errors.New("vector dimension mismatch")
)
