package embeddings

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashProviderDeterministicUnitNorm(t *testing.T) {
	p, err := NewHashProvider("", 384)
	require.NoError(t, err)
	ctx := context.Background()

	a, err := p.EmbedQuery(ctx, "reinforcement learning with transformers")
	require.NoError(t, err)
	b, err := p.EmbedQuery(ctx, "reinforcement learning with transformers")
	require.NoError(t, err)

	assert.Equal(t, a, b, "identical text embeds identically")
	assert.Len(t, a, 384)
	assert.InDelta(t, 1.0, Norm(a), 1e-6, "unit norm")
}

func TestHashProviderOverlapRaisesCosine(t *testing.T) {
	p, err := NewHashProvider("", 256)
	require.NoError(t, err)
	ctx := context.Background()

	base, _ := p.EmbedQuery(ctx, "graph neural networks for citations")
	near, _ := p.EmbedQuery(ctx, "graph neural networks for molecules")
	far, _ := p.EmbedQuery(ctx, "sourdough bread hydration schedule")

	assert.Greater(t, Cosine(base, near), Cosine(base, far))
}

func TestHashProviderRejectsEmpty(t *testing.T) {
	p, _ := NewHashProvider("", 64)
	_, err := p.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
	_, err = p.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestNewProviderSelectsByName(t *testing.T) {
	p, err := NewProvider(Config{Provider: "hash", Model: "m1", Dimension: 128})
	require.NoError(t, err)
	assert.Equal(t, 128, p.Dimension())
	assert.Equal(t, "m1", p.ModelVersion())

	_, err = NewProvider(Config{Provider: "magic"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLogTFEncoderDotAndVersion(t *testing.T) {
	enc := NewLogTFEncoder("")
	ctx := context.Background()

	doc, err := enc.EncodeDocument(ctx, "quixotic quests in quixotic lands")
	require.NoError(t, err)
	query, err := enc.EncodeQuery(ctx, "quixotic")
	require.NoError(t, err)
	other, err := enc.EncodeQuery(ctx, "pedestrian errands")
	require.NoError(t, err)

	assert.Positive(t, query.Dot(doc))
	assert.Zero(t, other.Dot(doc))
	assert.Equal(t, "logtf-v1", enc.ModelVersion())
}

func TestSparseVectorNormalized(t *testing.T) {
	enc := NewLogTFEncoder("")
	vec, err := enc.EncodeDocument(context.Background(), "alpha beta gamma alpha")
	require.NoError(t, err)

	var norm float64
	for _, w := range vec {
		assert.GreaterOrEqual(t, w, float32(0))
		norm += float64(w) * float64(w)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)
}

func TestVectorBlobRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3.25, 0}
	out, err := DecodeVector(EncodeVector(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestMeanNormalized(t *testing.T) {
	mean := Mean([][]float32{{1, 0}, {0, 1}})
	require.Len(t, mean, 2)
	assert.InDelta(t, 1.0, Norm(mean), 1e-6)
	assert.InDelta(t, mean[0], mean[1], 1e-6)

	assert.Nil(t, Mean(nil))
}

func TestCosineEdgeCases(t *testing.T) {
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 2}))
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 0}))
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
}
