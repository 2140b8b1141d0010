// internal/index/dense/qdrant.go
package dense

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/neo-alexandria/alexandria/internal/logging"
)

// QdrantIndex is the server-backed dense index, for deployments whose
// corpus outgrows the embedded store.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dimension  int
	logger     *logging.Logger
}

// NewQdrantIndex connects to Qdrant over gRPC and ensures the collection
// exists with cosine distance.
func NewQdrantIndex(host string, port int, collection string, dimension int, logger *logging.Logger) (*QdrantIndex, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	if collection == "" {
		collection = "resources"
	}

	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	ix := &QdrantIndex{
		client:     client,
		collection: collection,
		dimension:  dimension,
		logger:     logger.Named("dense.qdrant"),
	}
	if err := ix.ensureCollection(context.Background()); err != nil {
		_ = client.Close()
		return nil, err
	}
	return ix, nil
}

func (ix *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := ix.client.CollectionExists(ctx, ix.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		return nil
	}
	err = ix.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: ix.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(ix.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", ix.collection, err)
	}
	ix.logger.Info(ctx, "created qdrant collection",
		zap.String("collection", ix.collection), zap.Int("dimension", ix.dimension))
	return nil
}

// Upsert implements Index. The resource id rides in the payload because
// Qdrant point ids must be UUIDs or integers.
func (ix *QdrantIndex) Upsert(ctx context.Context, resourceID string, vector []float32) error {
	if len(vector) != ix.dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimension, len(vector), ix.dimension)
	}
	_, err := ix.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: ix.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(resourceID),
			Vectors: qdrant.NewVectors(vector...),
			Payload: map[string]*qdrant.Value{
				"resource_id": qdrant.NewValueString(resourceID),
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert vector for %s: %w", resourceID, err)
	}
	return nil
}

// Delete implements Index.
func (ix *QdrantIndex) Delete(ctx context.Context, resourceID string) error {
	_, err := ix.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: ix.collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(resourceID)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete vector for %s: %w", resourceID, err)
	}
	return nil
}

// Search implements Index.
func (ix *QdrantIndex) Search(ctx context.Context, vector []float32, limit int) ([]Hit, error) {
	if len(vector) != ix.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(vector), ix.dimension)
	}
	if limit <= 0 {
		limit = 50
	}
	results, err := ix.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: ix.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dense search failed: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		id := ""
		if v, ok := r.Payload["resource_id"]; ok {
			id = v.GetStringValue()
		}
		if id == "" {
			continue
		}
		hits = append(hits, Hit{ResourceID: id, Similarity: r.Score})
	}
	return hits, nil
}

// Count implements Index.
func (ix *QdrantIndex) Count(ctx context.Context) (int, error) {
	n, err := ix.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: ix.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count vectors: %w", err)
	}
	return int(n), nil
}

// Close implements Index.
func (ix *QdrantIndex) Close() error {
	return ix.client.Close()
}
