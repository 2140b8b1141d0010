// Package embeddings provides the dense and sparse embedding gateways.
//
// Models are opaque functions with declared shapes: dense text -> unit-norm
// []float32 of a fixed dimension, sparse text -> term-id weights. Every
// provider stamps a model version so indices can detect mismatches.
package embeddings

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrInvalidConfig = errors.New("embeddings: invalid configuration")
	ErrEmptyInput    = errors.New("embeddings: empty input")
)

// Provider generates dense embeddings.
type Provider interface {
	// EmbedDocuments generates embeddings for multiple texts.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query. Some models
	// optimize differently for queries vs documents.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the embedding dimension for the current model.
	Dimension() int

	// ModelVersion is the tag stamped on vectors produced by this provider.
	ModelVersion() string

	// Close releases resources held by the provider.
	Close() error
}

// Config holds configuration for creating an embedding provider.
type Config struct {
	// Provider is "fastembed" (local ONNX, needs CGO) or "hash"
	// (deterministic, dependency-free).
	Provider string

	// Model is the embedding model name, also used as the version tag.
	Model string

	// CacheDir is the model download directory (fastembed only).
	CacheDir string

	// Dimension is the output dimension. Required for "hash"; for
	// "fastembed" it must match the model output.
	Dimension int
}

// NewProvider creates an embedding provider based on the configuration.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "fastembed":
		return NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
	case "hash", "":
		return NewHashProvider(cfg.Model, cfg.Dimension)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
