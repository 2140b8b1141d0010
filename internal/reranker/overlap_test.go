package reranker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverlapRerankerOrdersByQueryOverlap(t *testing.T) {
	r := NewOverlapReranker()
	docs := []Document{
		{ID: "d1", Content: "nothing relevant here", Score: 0.9},
		{ID: "d2", Content: "token refresh and authentication handling", Score: 0.5},
		{ID: "d3", Content: "authentication retry with token backoff", Score: 0.4},
	}

	out, err := r.Rerank(context.Background(), "authentication token retry", docs, 3)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "d3", out[0].ID, "all three terms present")
	assert.Equal(t, "d2", out[1].ID)
	assert.Equal(t, "d1", out[2].ID)
	assert.Zero(t, out[2].RerankerScore)
	assert.Equal(t, 0, out[2].OriginalRank, "d1 held rank 0 before reranking")
}

func TestOverlapRerankerTopKLimits(t *testing.T) {
	r := NewOverlapReranker()
	docs := []Document{
		{ID: "a", Content: "alpha"},
		{ID: "b", Content: "alpha beta"},
		{ID: "c", Content: "alpha beta gamma"},
	}
	out, err := r.Rerank(context.Background(), "alpha beta gamma", docs, 2)
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, "c", out[0].ID)
}

func TestOverlapRerankerEmptyDocs(t *testing.T) {
	r := NewOverlapReranker()
	out, err := r.Rerank(context.Background(), "query", nil, 5)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestOverlapRerankerHonorsCancellation(t *testing.T) {
	r := NewOverlapReranker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Rerank(ctx, "query", []Document{{ID: "x"}}, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOverlapRerankerStableOnTies(t *testing.T) {
	r := NewOverlapReranker()
	docs := []Document{
		{ID: "first", Content: "alpha one"},
		{ID: "second", Content: "alpha two"},
	}
	out, err := r.Rerank(context.Background(), "alpha", docs, 2)
	require.NoError(t, err)
	assert.Equal(t, "first", out[0].ID, "equal scores keep fused order")
}
