// internal/config/loader.go
package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// envAliases maps well-known flat environment variable names to config keys.
// These are the names operators already know; everything else goes through
// the SECTION_FIELD transformer.
var envAliases = map[string]string{
	"DATABASE_URL":                   "database.url",
	"EMBEDDING_MODEL_NAME":           "embedding.model_name",
	"EMBEDDING_CACHE_SIZE":           "embedding.cache_size",
	"DEFAULT_HYBRID_SEARCH_WEIGHT":   "search.default_hybrid_weight",
	"GRAPH_WEIGHT_VECTOR":            "graph.weight_vector",
	"GRAPH_WEIGHT_TAGS":              "graph.weight_tags",
	"GRAPH_WEIGHT_CLASSIFICATION":    "graph.weight_classification",
	"GRAPH_VECTOR_MIN_SIM_THRESHOLD": "graph.vector_min_sim_threshold",
	"NATS_URL":                       "nats.url",
}

// Load loads configuration from the optional YAML file at configPath, then
// overrides with environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (DATABASE_URL, SERVER_PORT, CACHE_RESOURCE_TTL, ...)
//  2. YAML config file
//  3. Defaults from NewDefaultConfig
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			f, err := os.Open(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to open config file: %w", err)
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return nil, fmt.Errorf("failed to stat config file: %w", err)
			}
			if info.Size() > maxConfigFileSize {
				return nil, fmt.Errorf("config file %s exceeds %d bytes", configPath, maxConfigFileSize)
			}

			content, err := io.ReadAll(f)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	// Environment variables use underscore separator and are uppercased.
	// SERVER_PORT -> server.port, CACHE_RESOURCE_TTL -> cache.resource_ttl.
	if err := k.Load(env.Provider("", ".", transformEnv), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := NewDefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// transformEnv maps an environment variable name to a config key.
// Aliases win; otherwise the first underscore splits section from field
// and unknown sections are dropped.
func transformEnv(s string) string {
	if key, ok := envAliases[s]; ok {
		return key
	}
	parts := strings.SplitN(strings.ToLower(s), "_", 2)
	if len(parts) != 2 {
		return ""
	}
	switch parts[0] {
	case "server", "database", "logging", "nats", "embedding", "dense",
		"search", "graph", "quality", "taxonomy", "queue", "cache", "ingest":
		return parts[0] + "." + parts[1]
	}
	return ""
}
