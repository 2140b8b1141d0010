//go:build cgo

// internal/embeddings/fastembed.go
package embeddings

import (
	"context"
	"fmt"
	"sync"

	fastembed "github.com/anush008/fastembed-go"
)

// FastEmbedConfig holds configuration for the FastEmbed provider.
type FastEmbedConfig struct {
	// Model is the embedding model to use.
	// Supported: BAAI/bge-small-en-v1.5 (default), BAAI/bge-base-en-v1.5,
	// sentence-transformers/all-MiniLM-L6-v2.
	Model string

	// CacheDir is the directory to cache model files.
	CacheDir string

	// MaxLength is the maximum input sequence length. Defaults to 512.
	MaxLength int
}

// FastEmbedProvider generates embeddings with local ONNX models.
type FastEmbedProvider struct {
	model     *fastembed.FlagEmbedding
	modelName string
	dimension int
	mu        sync.Mutex
}

var modelMapping = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
}

var modelDimensions = map[fastembed.EmbeddingModel]int{
	fastembed.BGESmallENV15: 384,
	fastembed.BGEBaseENV15:  768,
	fastembed.AllMiniLML6V2: 384,
}

// NewFastEmbedProvider creates a FastEmbed provider.
func NewFastEmbedProvider(cfg FastEmbedConfig) (*FastEmbedProvider, error) {
	name := cfg.Model
	if name == "" {
		name = "BAAI/bge-small-en-v1.5"
	}
	model, ok := modelMapping[name]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported fastembed model %q", ErrInvalidConfig, name)
	}
	maxLength := cfg.MaxLength
	if maxLength == 0 {
		maxLength = 512
	}

	flag, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:     model,
		CacheDir:  cfg.CacheDir,
		MaxLength: maxLength,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize fastembed: %w", err)
	}
	return &FastEmbedProvider{
		model:     flag,
		modelName: name,
		dimension: modelDimensions[model],
	}, nil
}

// EmbedDocuments generates embeddings for multiple texts.
func (p *FastEmbedProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out, err := p.model.Embed(texts, 32)
	if err != nil {
		return nil, fmt.Errorf("fastembed embed failed: %w", err)
	}
	for i := range out {
		Normalize(out[i])
	}
	return out, nil
}

// EmbedQuery generates an embedding for a single query.
func (p *FastEmbedProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out, err := p.model.QueryEmbed(text)
	if err != nil {
		return nil, fmt.Errorf("fastembed query embed failed: %w", err)
	}
	Normalize(out)
	return out, nil
}

// Dimension returns the model's output dimension.
func (p *FastEmbedProvider) Dimension() int { return p.dimension }

// ModelVersion returns the model name tag.
func (p *FastEmbedProvider) ModelVersion() string { return p.modelName }

// Close releases the ONNX session.
func (p *FastEmbedProvider) Close() error {
	p.model.Destroy()
	return nil
}
