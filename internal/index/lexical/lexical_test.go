package lexical

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func index(t *testing.T, ix *Index, db *kernel.DB, id, title, desc, body string) {
	t.Helper()
	require.NoError(t, db.InTx(context.Background(), func(tx *kernel.Tx) error {
		return ix.UpsertTx(context.Background(), tx, id, title, desc, body)
	}))
}

func TestTitleOutweighsBody(t *testing.T) {
	ix, db := newTestIndex(t)
	ctx := context.Background()

	index(t, ix, db, "title-hit", "quantum computing advances", "", "unrelated content about gardening")
	index(t, ix, db, "body-hit", "gardening notes", "", "a brief mention of quantum computing")

	hits, err := ix.Search(ctx, "quantum computing", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "title-hit", hits[0].ResourceID, "3.0 title weight beats 1.0 body weight")
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestUpsertReplacesRow(t *testing.T) {
	ix, db := newTestIndex(t)
	ctx := context.Background()

	index(t, ix, db, "r1", "original subject", "", "")
	index(t, ix, db, "r1", "replacement topic", "", "")

	hits, err := ix.Search(ctx, "original", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = ix.Search(ctx, "replacement", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "upsert does not duplicate")
}

func TestDelete(t *testing.T) {
	ix, db := newTestIndex(t)
	ctx := context.Background()

	index(t, ix, db, "r1", "ephemeral entry", "", "")
	require.NoError(t, db.InTx(ctx, func(tx *kernel.Tx) error {
		return ix.DeleteTx(ctx, tx, "r1")
	}))

	hits, err := ix.Search(ctx, "ephemeral", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestStemmingMatches(t *testing.T) {
	ix, db := newTestIndex(t)
	index(t, ix, db, "r1", "optimizing database queries", "", "")

	hits, err := ix.Search(context.Background(), "optimize query", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1, "porter stemmer folds inflections")
}

func TestQueryEscaping(t *testing.T) {
	ix, db := newTestIndex(t)
	ctx := context.Background()
	index(t, ix, db, "r1", "plain text", "", "")

	// Operator characters must not be interpreted.
	for _, q := range []string{`"unbalanced`, `NEAR(a b)`, `col:value`, `a AND`} {
		_, err := ix.Search(ctx, q, 10)
		assert.NoError(t, err, "query %q", q)
	}

	hits, err := ix.Search(ctx, `   `, 10)
	require.NoError(t, err)
	assert.Empty(t, hits, "blank query returns nothing")
}

func TestMatchQuery(t *testing.T) {
	assert.Equal(t, `"hello" "world"`, MatchQuery("hello world"))
	assert.Equal(t, `"dont"`, MatchQuery(`"don"t"`))
	assert.Equal(t, "", MatchQuery(`""`))
	assert.Equal(t, `"c++"`, MatchQuery("c++"))
}

func TestSearchLimit(t *testing.T) {
	ix, db := newTestIndex(t)
	for i := 0; i < 5; i++ {
		index(t, ix, db, string(rune('a'+i)), "shared term", "", "")
	}
	hits, err := ix.Search(context.Background(), "shared", 3)
	require.NoError(t, err)
	assert.Len(t, hits, 3)
}
