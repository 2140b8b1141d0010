package sparse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo-alexandria/alexandria/internal/embeddings"
	"github.com/neo-alexandria/alexandria/internal/kernel"
	"github.com/neo-alexandria/alexandria/internal/logging"
)

func newTestIndex(t *testing.T) (*Index, *kernel.DB) {
	t.Helper()
	clock := kernel.NewFakeClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	db, err := kernel.Open(":memory:", clock)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, logging.NewNop()), db
}

func upsert(t *testing.T, ix *Index, db *kernel.DB, id string, vec embeddings.SparseVector) {
	t.Helper()
	require.NoError(t, db.InTx(context.Background(), func(tx *kernel.Tx) error {
		return ix.UpsertTx(context.Background(), tx, id, vec)
	}))
}

func TestSearchOrdersByDotProduct(t *testing.T) {
	ix, db := newTestIndex(t)
	ctx := context.Background()

	upsert(t, ix, db, "strong", embeddings.SparseVector{1: 0.9, 2: 0.1})
	upsert(t, ix, db, "weak", embeddings.SparseVector{1: 0.2, 3: 0.9})
	upsert(t, ix, db, "miss", embeddings.SparseVector{9: 1.0})

	hits, err := ix.Search(ctx, embeddings.SparseVector{1: 1.0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2, "non-matching docs are absent, not zero-scored")
	assert.Equal(t, "strong", hits[0].ResourceID)
	assert.InDelta(t, 0.9, hits[0].Score, 1e-9)
	assert.InDelta(t, 0.2, hits[1].Score, 1e-9)
}

func TestSearchSumsOverSharedTerms(t *testing.T) {
	ix, db := newTestIndex(t)

	upsert(t, ix, db, "r1", embeddings.SparseVector{1: 0.5, 2: 0.5})
	hits, err := ix.Search(context.Background(), embeddings.SparseVector{1: 0.5, 2: 0.5}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 0.5, hits[0].Score, 1e-9)
}

func TestUpsertReplacesPostings(t *testing.T) {
	ix, db := newTestIndex(t)
	ctx := context.Background()

	upsert(t, ix, db, "r1", embeddings.SparseVector{1: 1.0})
	upsert(t, ix, db, "r1", embeddings.SparseVector{2: 1.0})

	hits, err := ix.Search(ctx, embeddings.SparseVector{1: 1.0}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits, "old postings are gone")

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeleteTx(t *testing.T) {
	ix, db := newTestIndex(t)
	ctx := context.Background()

	upsert(t, ix, db, "r1", embeddings.SparseVector{1: 1.0})
	require.NoError(t, db.InTx(ctx, func(tx *kernel.Tx) error {
		return ix.DeleteTx(ctx, tx, "r1")
	}))

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEmptyQueryReturnsNothing(t *testing.T) {
	ix, db := newTestIndex(t)
	upsert(t, ix, db, "r1", embeddings.SparseVector{1: 1.0})

	hits, err := ix.Search(context.Background(), nil, 10)
	require.NoError(t, err)
	assert.Nil(t, hits)
}

func TestSearchLimitAndTieBreak(t *testing.T) {
	ix, db := newTestIndex(t)
	ctx := context.Background()

	upsert(t, ix, db, "b", embeddings.SparseVector{1: 0.5})
	upsert(t, ix, db, "a", embeddings.SparseVector{1: 0.5})
	upsert(t, ix, db, "c", embeddings.SparseVector{1: 0.5})

	hits, err := ix.Search(ctx, embeddings.SparseVector{1: 1.0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ResourceID, "equal scores break ties by id")
	assert.Equal(t, "b", hits[1].ResourceID)
}

func TestStaleCount(t *testing.T) {
	ix, db := newTestIndex(t)
	ctx := context.Background()

	_, err := db.SQL().ExecContext(ctx, `INSERT INTO resources (id, url, created_at, updated_at)
		VALUES ('r1', 'https://x.org', '2026-06-01T00:00:00.000Z', '2026-06-01T00:00:00.000Z')`)
	require.NoError(t, err)
	_, err = db.SQL().ExecContext(ctx, `INSERT INTO sparse_vectors (resource_id, vector, model_version, updated_at)
		VALUES ('r1', '{}', 'logtf-v0', '2026-06-01T00:00:00.000Z')`)
	require.NoError(t, err)

	stale, err := ix.StaleCount(ctx, "logtf-v1")
	require.NoError(t, err)
	assert.Equal(t, 1, stale)

	stale, err = ix.StaleCount(ctx, "logtf-v0")
	require.NoError(t, err)
	assert.Zero(t, stale)
}
