// internal/embeddings/sparse.go
package embeddings

import (
	"context"
	"hash/fnv"
	"math"
)

// SparseVector maps term ids to nonnegative weights.
type SparseVector map[uint32]float32

// Dot returns the dot product of two sparse vectors.
func (v SparseVector) Dot(other SparseVector) float32 {
	// Iterate the smaller map.
	a, b := v, other
	if len(b) < len(a) {
		a, b = b, a
	}
	var sum float32
	for term, w := range a {
		if ow, ok := b[term]; ok {
			sum += w * ow
		}
	}
	return sum
}

// SparseEncoder turns text into a learned sparse vector. Documents and
// queries must be encoded with the same model version; a mismatch degrades
// search to lexical+dense.
type SparseEncoder interface {
	EncodeDocument(ctx context.Context, text string) (SparseVector, error)
	EncodeQuery(ctx context.Context, text string) (SparseVector, error)
	ModelVersion() string
}

// LogTFEncoder is the default sparse encoder: hashed terms weighted by
// 1+log(tf), L2-normalized. It stands in for a learned sparse model while
// keeping the same shape and determinism guarantees.
type LogTFEncoder struct {
	modelName string
}

// NewLogTFEncoder creates the default sparse encoder.
func NewLogTFEncoder(modelName string) *LogTFEncoder {
	if modelName == "" {
		modelName = "logtf-v1"
	}
	return &LogTFEncoder{modelName: modelName}
}

// EncodeDocument encodes document text.
func (e *LogTFEncoder) EncodeDocument(ctx context.Context, text string) (SparseVector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.encode(text), nil
}

// EncodeQuery encodes a query. Queries are computed the same way as
// documents so dot products are comparable.
func (e *LogTFEncoder) EncodeQuery(ctx context.Context, text string) (SparseVector, error) {
	return e.EncodeDocument(ctx, text)
}

func (e *LogTFEncoder) encode(text string) SparseVector {
	counts := make(map[uint32]int)
	for _, token := range Tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(token))
		counts[h.Sum32()]++
	}

	vec := make(SparseVector, len(counts))
	var norm float64
	for term, tf := range counts {
		w := float32(1 + math.Log(float64(tf)))
		vec[term] = w
		norm += float64(w) * float64(w)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for term := range vec {
			vec[term] *= inv
		}
	}
	return vec
}

// ModelVersion returns the encoder's version tag.
func (e *LogTFEncoder) ModelVersion() string { return e.modelName }
