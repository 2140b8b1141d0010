// Package config provides configuration loading for alexandriad.
//
// Configuration is loaded from an optional YAML file and overridden by
// environment variables. All tunables that affect ranking, graph edges, or
// cache behavior live here so a deployment is fully described by its config.
package config

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Default values used when neither file nor environment provides a setting.
const (
	DefaultHTTPPort       = 8400
	DefaultDatabaseURL    = "alexandria.db"
	DefaultEmbeddingModel = "BAAI/bge-small-en-v1.5"
	DefaultSparseModel    = "alexandria-sparse-v1"
	DefaultVectorSize     = 384
)

// Config holds the complete alexandriad configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Logging   LoggingConfig   `koanf:"logging"`
	NATS      NATSConfig      `koanf:"nats"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	Dense     DenseConfig     `koanf:"dense"`
	Search    SearchConfig    `koanf:"search"`
	Graph     GraphConfig     `koanf:"graph"`
	Quality   QualityConfig   `koanf:"quality"`
	Taxonomy  TaxonomyConfig  `koanf:"taxonomy"`
	Queue     QueueConfig     `koanf:"queue"`
	Cache     CacheConfig     `koanf:"cache"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig holds the canonical store location.
//
// URL accepts a bare filesystem path or a sqlite:// URL. The store is
// embedded; the "server" half of the deployment story is covered by running
// the dense index against Qdrant (see DenseConfig.Provider).
type DatabaseConfig struct {
	URL string `koanf:"url"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// NATSConfig holds the optional event mirror configuration.
// When URL is empty the mirror is disabled and events stay in-process.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// EmbeddingConfig holds dense and sparse embedding gateway configuration.
type EmbeddingConfig struct {
	// Provider selects the dense embedder: "fastembed" or "hash" (deterministic,
	// dependency-free; used in tests and airgapped installs).
	Provider string `koanf:"provider"`

	// ModelName is the model version tag stamped on new dense embeddings.
	ModelName string `koanf:"model_name"`

	// SparseModelName is the version tag stamped on sparse vectors.
	SparseModelName string `koanf:"sparse_model_name"`

	// CacheDir is the model download directory for fastembed.
	CacheDir string `koanf:"cache_dir"`

	// Dimension is the dense vector dimension. Must match the model output.
	Dimension int `koanf:"dimension"`

	// CacheSize caps the number of embedding entries held in the cache.
	CacheSize int `koanf:"cache_size"`
}

// DenseConfig selects and configures the dense vector index backend.
type DenseConfig struct {
	// Provider is "chromem" (embedded, default) or "qdrant" (server).
	Provider string `koanf:"provider"`

	// Path is the chromem persistence directory. Empty means in-memory.
	Path string `koanf:"path"`

	// Collection is the index collection name.
	Collection string `koanf:"collection"`

	// Qdrant server coordinates, used when Provider is "qdrant".
	QdrantHost string `koanf:"qdrant_host"`
	QdrantPort int    `koanf:"qdrant_port"`
}

// SearchConfig holds hybrid search engine tunables.
type SearchConfig struct {
	// DefaultHybridWeight seeds the lexical share of the two-way fallback
	// weighting (dense gets the remainder).
	DefaultHybridWeight float64 `koanf:"default_hybrid_weight"`

	// RetrievalTimeout bounds each parallel retrieval leg.
	RetrievalTimeout Duration `koanf:"retrieval_timeout"`

	// RerankTimeout bounds the cross-encoder call.
	RerankTimeout Duration `koanf:"rerank_timeout"`
}

// GraphConfig holds knowledge graph edge formula weights.
// WeightVector + WeightTags + WeightClassification must sum to 1.
type GraphConfig struct {
	WeightVector         float64 `koanf:"weight_vector"`
	WeightTags           float64 `koanf:"weight_tags"`
	WeightClassification float64 `koanf:"weight_classification"`

	// MinEdgeThreshold drops edges scoring below it.
	MinEdgeThreshold float64 `koanf:"min_edge_threshold"`

	// VectorMinSimThreshold is the overview filter floor on the vector
	// component of an edge.
	VectorMinSimThreshold float64 `koanf:"vector_min_sim_threshold"`
}

// QualityConfig holds quality dimension weights. They must sum to 1.
type QualityConfig struct {
	WeightAccuracy     float64 `koanf:"weight_accuracy"`
	WeightCompleteness float64 `koanf:"weight_completeness"`
	WeightConsistency  float64 `koanf:"weight_consistency"`
	WeightTimeliness   float64 `koanf:"weight_timeliness"`
	WeightRelevance    float64 `koanf:"weight_relevance"`
}

// TaxonomyConfig holds classifier tunables.
type TaxonomyConfig struct {
	// RetrainThreshold is the number of manual examples that triggers
	// a fine-tuning task.
	RetrainThreshold int `koanf:"retrain_threshold"`
}

// QueueConfig holds task queue worker configuration.
type QueueConfig struct {
	Workers      int      `koanf:"workers"`
	PollInterval Duration `koanf:"poll_interval"`
}

// CacheConfig holds per-kind TTLs in addition to the global toggles.
// None of the TTLs may be negative.
type CacheConfig struct {
	EmbeddingTTL      Duration `koanf:"embedding_ttl"`
	QualityTTL        Duration `koanf:"quality_ttl"`
	SearchQueryTTL    Duration `koanf:"search_query_ttl"`
	ResourceTTL       Duration `koanf:"resource_ttl"`
	GraphNeighborsTTL Duration `koanf:"graph_neighbors_ttl"`
	UserProfileTTL    Duration `koanf:"user_profile_ttl"`
	ClassificationTTL Duration `koanf:"classification_ttl"`
}

// TelemetryConfig holds the optional OTLP export configuration. When
// Enabled is false the otel globals stay no-op; prometheus metrics are
// unaffected either way.
type TelemetryConfig struct {
	Enabled        bool   `koanf:"enabled"`
	ServiceName    string `koanf:"service_name"`
	ServiceVersion string `koanf:"service_version"`

	// Endpoint is the OTLP collector address (host:port).
	Endpoint string `koanf:"endpoint"`

	// Protocol is "grpc" or "http/protobuf".
	Protocol string `koanf:"protocol"`

	Insecure bool `koanf:"insecure"`

	// SamplingRate is the trace sampling ratio in [0,1].
	SamplingRate float64 `koanf:"sampling_rate"`

	// MetricsInterval is the periodic export interval.
	MetricsInterval Duration `koanf:"metrics_interval"`
}

// Validate checks telemetry constraints.
func (t TelemetryConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	if t.Endpoint == "" {
		return fmt.Errorf("%w: telemetry endpoint is required when enabled", ErrInvalidConfig)
	}
	switch t.Protocol {
	case "", "grpc", "http/protobuf":
	default:
		return fmt.Errorf("%w: unsupported telemetry protocol %q", ErrInvalidConfig, t.Protocol)
	}
	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		return fmt.Errorf("%w: telemetry sampling rate must be in [0,1]", ErrInvalidConfig)
	}
	return nil
}

// IngestConfig holds ingestion pipeline configuration.
type IngestConfig struct {
	FetchTimeout Duration `koanf:"fetch_timeout"`
	MaxAttempts  int      `koanf:"max_attempts"`

	// RatePerHost limits fetches per second against a single host.
	RatePerHost float64 `koanf:"rate_per_host"`
}

// NewDefaultConfig returns config with production-ready defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            DefaultHTTPPort,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Database: DatabaseConfig{URL: DefaultDatabaseURL},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		NATS:     NATSConfig{SubjectPrefix: "alexandria.events"},
		Embedding: EmbeddingConfig{
			Provider:        "hash",
			ModelName:       DefaultEmbeddingModel,
			SparseModelName: DefaultSparseModel,
			Dimension:       DefaultVectorSize,
			CacheSize:       10000,
		},
		Dense: DenseConfig{
			Provider:   "chromem",
			Collection: "resources",
			QdrantHost: "localhost",
			QdrantPort: 6334,
		},
		Search: SearchConfig{
			DefaultHybridWeight: 0.5,
			RetrievalTimeout:    Duration(500 * time.Millisecond),
			RerankTimeout:       Duration(time.Second),
		},
		Graph: GraphConfig{
			WeightVector:          0.6,
			WeightTags:            0.3,
			WeightClassification:  0.1,
			MinEdgeThreshold:      0.20,
			VectorMinSimThreshold: 0.85,
		},
		Quality: QualityConfig{
			WeightAccuracy:     0.30,
			WeightCompleteness: 0.25,
			WeightConsistency:  0.20,
			WeightTimeliness:   0.15,
			WeightRelevance:    0.10,
		},
		Taxonomy: TaxonomyConfig{RetrainThreshold: 100},
		Queue: QueueConfig{
			Workers:      4,
			PollInterval: Duration(250 * time.Millisecond),
		},
		Cache: CacheConfig{
			EmbeddingTTL:      Duration(3600 * time.Second),
			QualityTTL:        Duration(1800 * time.Second),
			SearchQueryTTL:    Duration(300 * time.Second),
			ResourceTTL:       Duration(600 * time.Second),
			GraphNeighborsTTL: Duration(1800 * time.Second),
			UserProfileTTL:    Duration(600 * time.Second),
			ClassificationTTL: Duration(3600 * time.Second),
		},
		Ingest: IngestConfig{
			FetchTimeout: Duration(30 * time.Second),
			MaxAttempts:  3,
			RatePerHost:  1,
		},
		Telemetry: TelemetryConfig{
			ServiceName:     "alexandria",
			ServiceVersion:  "dev",
			Endpoint:        "localhost:4317",
			Protocol:        "grpc",
			SamplingRate:    1.0,
			MetricsInterval: Duration(30 * time.Second),
		},
	}
}

// ErrInvalidConfig indicates a configuration constraint violation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks configuration constraints.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("%w: database url is required", ErrInvalidConfig)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("%w: embedding dimension must be positive", ErrInvalidConfig)
	}
	if sum := c.Graph.WeightVector + c.Graph.WeightTags + c.Graph.WeightClassification; math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("%w: graph weights sum to %.4f, want 1.0", ErrInvalidConfig, sum)
	}
	qsum := c.Quality.WeightAccuracy + c.Quality.WeightCompleteness + c.Quality.WeightConsistency +
		c.Quality.WeightTimeliness + c.Quality.WeightRelevance
	if math.Abs(qsum-1.0) > 1e-6 {
		return fmt.Errorf("%w: quality weights sum to %.4f, want 1.0", ErrInvalidConfig, qsum)
	}
	if c.Search.DefaultHybridWeight < 0 || c.Search.DefaultHybridWeight > 1 {
		return fmt.Errorf("%w: default hybrid weight must be in [0,1]", ErrInvalidConfig)
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("%w: queue workers must be >= 1", ErrInvalidConfig)
	}
	switch c.Dense.Provider {
	case "chromem", "qdrant", "":
	default:
		return fmt.Errorf("%w: unsupported dense provider %q", ErrInvalidConfig, c.Dense.Provider)
	}
	for name, ttl := range map[string]Duration{
		"embedding_ttl":       c.Cache.EmbeddingTTL,
		"quality_ttl":         c.Cache.QualityTTL,
		"search_query_ttl":    c.Cache.SearchQueryTTL,
		"resource_ttl":        c.Cache.ResourceTTL,
		"graph_neighbors_ttl": c.Cache.GraphNeighborsTTL,
		"user_profile_ttl":    c.Cache.UserProfileTTL,
		"classification_ttl":  c.Cache.ClassificationTTL,
	} {
		if ttl < 0 {
			return fmt.Errorf("%w: cache %s may not be negative", ErrInvalidConfig, name)
		}
	}
	return c.Telemetry.Validate()
}
