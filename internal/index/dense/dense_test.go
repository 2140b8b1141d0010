package dense

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo-alexandria/alexandria/internal/config"
	"github.com/neo-alexandria/alexandria/internal/logging"
)

func newTestIndex(t *testing.T, dim int) *ChromemIndex {
	t.Helper()
	ix, err := NewChromemIndex("", "test", dim, logging.NewNop())
	require.NoError(t, err)
	return ix
}

func TestUpsertSearchOrdering(t *testing.T) {
	ix := newTestIndex(t, 3)
	ctx := context.Background()

	require.NoError(t, ix.Upsert(ctx, "x-axis", []float32{1, 0, 0}))
	require.NoError(t, ix.Upsert(ctx, "diagonal", []float32{0.707, 0.707, 0}))
	require.NoError(t, ix.Upsert(ctx, "y-axis", []float32{0, 1, 0}))

	hits, err := ix.Search(ctx, []float32{1, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "x-axis", hits[0].ResourceID)
	assert.Equal(t, "diagonal", hits[1].ResourceID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-4)
	assert.Greater(t, hits[0].Similarity, hits[1].Similarity)
}

func TestUpsertReplaces(t *testing.T) {
	ix := newTestIndex(t, 2)
	ctx := context.Background()

	require.NoError(t, ix.Upsert(ctx, "r1", []float32{1, 0}))
	require.NoError(t, ix.Upsert(ctx, "r1", []float32{0, 1}))

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := ix.Search(ctx, []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-4, "replaced vector wins")
}

func TestDeleteRemoves(t *testing.T) {
	ix := newTestIndex(t, 2)
	ctx := context.Background()

	require.NoError(t, ix.Upsert(ctx, "r1", []float32{1, 0}))
	require.NoError(t, ix.Delete(ctx, "r1"))

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	hits, err := ix.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestDimensionChecked(t *testing.T) {
	ix := newTestIndex(t, 4)
	ctx := context.Background()

	assert.ErrorIs(t, ix.Upsert(ctx, "r1", []float32{1, 2}), ErrDimension)
	_, err := ix.Search(ctx, []float32{1}, 5)
	assert.ErrorIs(t, err, ErrDimension)
}

func TestSearchLimitCappedAtCount(t *testing.T) {
	ix := newTestIndex(t, 2)
	ctx := context.Background()
	require.NoError(t, ix.Upsert(ctx, "only", []float32{1, 0}))

	hits, err := ix.Search(ctx, []float32{1, 0}, 50)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestFactorySelectsProvider(t *testing.T) {
	ix, err := NewIndex(config.DenseConfig{Provider: "chromem", Collection: "c"}, 8, logging.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &ChromemIndex{}, ix)

	_, err = NewIndex(config.DenseConfig{Provider: "pinecone"}, 8, logging.NewNop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
