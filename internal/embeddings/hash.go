// internal/embeddings/hash.go
package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
)

// HashProvider is a deterministic feature-hashing embedder. It is not a
// semantic model; it exists so deployments without ONNX support (and the
// test suite) get stable unit-norm vectors of the configured dimension
// where identical texts embed identically and token overlap raises cosine.
type HashProvider struct {
	modelName string
	dimension int
}

// NewHashProvider creates a hash embedder of the given dimension.
func NewHashProvider(modelName string, dimension int) (*HashProvider, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	if modelName == "" {
		modelName = fmt.Sprintf("hash-v1-%d", dimension)
	}
	return &HashProvider{modelName: modelName, dimension: dimension}, nil
}

// EmbedDocuments generates embeddings for multiple texts.
func (p *HashProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = p.embed(text)
	}
	return out, nil
}

// EmbedQuery generates an embedding for a single query.
func (p *HashProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.embed(text), nil
}

// embed hashes each token into three signed buckets and L2-normalizes.
func (p *HashProvider) embed(text string) []float32 {
	vec := make([]float32, p.dimension)
	for _, token := range Tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()
		for probe := 0; probe < 3; probe++ {
			idx := int((sum >> (probe * 16)) % uint64(p.dimension))
			sign := float32(1)
			if (sum>>(probe*16+15))&1 == 1 {
				sign = -1
			}
			vec[idx] += sign
		}
	}
	Normalize(vec)
	return vec
}

// Dimension returns the configured dimension.
func (p *HashProvider) Dimension() int { return p.dimension }

// ModelVersion returns the model name tag.
func (p *HashProvider) ModelVersion() string { return p.modelName }

// Close is a no-op.
func (p *HashProvider) Close() error { return nil }

// Tokenize splits text into lowercase alphanumeric terms. Shared by the
// hash embedder, the sparse encoder, and query analysis so all three agree
// on what a token is.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
