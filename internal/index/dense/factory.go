// internal/index/dense/factory.go
package dense

import (
	"fmt"

	"github.com/neo-alexandria/alexandria/internal/config"
	"github.com/neo-alexandria/alexandria/internal/logging"
)

// NewIndex builds the configured dense index backend.
func NewIndex(cfg config.DenseConfig, dimension int, logger *logging.Logger) (Index, error) {
	switch cfg.Provider {
	case "", "chromem":
		return NewChromemIndex(cfg.Path, cfg.Collection, dimension, logger)
	case "qdrant":
		return NewQdrantIndex(cfg.QdrantHost, cfg.QdrantPort, cfg.Collection, dimension, logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
