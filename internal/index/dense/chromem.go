// internal/index/dense/chromem.go
package dense

import (
	"context"
	"fmt"
	"os"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/neo-alexandria/alexandria/internal/logging"
)

// ChromemIndex is the embedded dense index. Vectors are held in memory and
// optionally persisted to gob files under the configured path.
type ChromemIndex struct {
	mu         sync.Mutex
	db         *chromem.DB
	collection *chromem.Collection
	dimension  int
	logger     *logging.Logger
}

// NewChromemIndex opens (or creates) the embedded index. An empty path
// keeps everything in memory, which tests rely on.
func NewChromemIndex(path, collection string, dimension int, logger *logging.Logger) (*ChromemIndex, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	if collection == "" {
		collection = "resources"
	}

	var (
		db  *chromem.DB
		err error
	)
	if path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem db: %w", err)
		}
	}

	// Embeddings always arrive precomputed, so the embedding func must
	// never run.
	col, err := db.GetOrCreateCollection(collection, nil, rejectEmbedding)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %s: %w", collection, err)
	}

	return &ChromemIndex{
		db:         db,
		collection: col,
		dimension:  dimension,
		logger:     logger.Named("dense.chromem"),
	}, nil
}

func rejectEmbedding(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("dense index received a document without a vector")
}

// Upsert implements Index.
func (ix *ChromemIndex) Upsert(ctx context.Context, resourceID string, vector []float32) error {
	if len(vector) != ix.dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimension, len(vector), ix.dimension)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	err := ix.collection.AddDocuments(ctx, []chromem.Document{{
		ID:        resourceID,
		Content:   resourceID,
		Embedding: vector,
	}}, 1)
	if err != nil {
		return fmt.Errorf("failed to upsert vector for %s: %w", resourceID, err)
	}
	return nil
}

// Delete implements Index.
func (ix *ChromemIndex) Delete(ctx context.Context, resourceID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.collection.Delete(ctx, nil, nil, resourceID); err != nil {
		return fmt.Errorf("failed to delete vector for %s: %w", resourceID, err)
	}
	return nil
}

// Search implements Index.
func (ix *ChromemIndex) Search(ctx context.Context, vector []float32, limit int) ([]Hit, error) {
	if len(vector) != ix.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(vector), ix.dimension)
	}
	ix.mu.Lock()
	count := ix.collection.Count()
	ix.mu.Unlock()
	if count == 0 {
		return nil, nil
	}
	// chromem requires nResults <= document count.
	if limit <= 0 || limit > count {
		limit = count
	}

	results, err := ix.collection.QueryEmbedding(ctx, vector, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("dense search failed: %w", err)
	}

	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{ResourceID: r.ID, Similarity: r.Similarity}
	}
	ix.logger.Debug(ctx, "dense search", zap.Int("hits", len(hits)))
	return hits, nil
}

// Count implements Index.
func (ix *ChromemIndex) Count(context.Context) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.collection.Count(), nil
}

// Close implements Index. The chromem DB has no handle to release.
func (ix *ChromemIndex) Close() error { return nil }
