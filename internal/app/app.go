// Package app is the composition root. It builds every service from
// configuration, registers task handlers and event subscribers, and owns
// the start and shutdown order.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/neo-alexandria/alexandria/internal/annotations"
	"github.com/neo-alexandria/alexandria/internal/cache"
	"github.com/neo-alexandria/alexandria/internal/citations"
	"github.com/neo-alexandria/alexandria/internal/collections"
	"github.com/neo-alexandria/alexandria/internal/config"
	"github.com/neo-alexandria/alexandria/internal/embeddings"
	"github.com/neo-alexandria/alexandria/internal/eventbus"
	"github.com/neo-alexandria/alexandria/internal/graph"
	"github.com/neo-alexandria/alexandria/internal/httpapi"
	"github.com/neo-alexandria/alexandria/internal/index/dense"
	"github.com/neo-alexandria/alexandria/internal/index/lexical"
	"github.com/neo-alexandria/alexandria/internal/index/sparse"
	"github.com/neo-alexandria/alexandria/internal/ingest"
	"github.com/neo-alexandria/alexandria/internal/kernel"
	"github.com/neo-alexandria/alexandria/internal/logging"
	"github.com/neo-alexandria/alexandria/internal/quality"
	"github.com/neo-alexandria/alexandria/internal/recommend"
	"github.com/neo-alexandria/alexandria/internal/reranker"
	"github.com/neo-alexandria/alexandria/internal/resource"
	"github.com/neo-alexandria/alexandria/internal/search"
	"github.com/neo-alexandria/alexandria/internal/taskqueue"
	"github.com/neo-alexandria/alexandria/internal/taxonomy"
	"github.com/neo-alexandria/alexandria/internal/telemetry"
)

// App holds the wired system.
type App struct {
	Config *config.Config
	Logger *logging.Logger

	DB    *kernel.DB
	Cache *cache.Cache
	Bus   *eventbus.Bus
	Queue *taskqueue.Queue
	Pool  *taskqueue.Pool

	Embedder embeddings.Provider
	Encoder  embeddings.SparseEncoder
	Lexical  *lexical.Index
	Sparse   *sparse.Index
	Vectors  dense.Index

	Resources   *resource.Service
	Search      *search.Engine
	Graph       *graph.Service
	Citations   *citations.Service
	Taxonomy    *taxonomy.Service
	Quality     *quality.Service
	Recommend   *recommend.Service
	Annotations *annotations.Service
	Collections *collections.Service
	Ingest      *ingest.Pipeline

	Server *httpapi.Server

	mirror    *eventbus.NATSMirror
	telemetry *telemetry.Telemetry
}

// New builds the full application from configuration. Nothing is started;
// call Start to spin up workers and the HTTP listener.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := kernel.Open(cfg.Database.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &App{Config: cfg, Logger: logger, DB: db}

	a.telemetry, err = telemetry.New(context.Background(), cfg.Telemetry)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	a.Cache = cache.New(cache.Config{TTLs: cacheTTLs(cfg.Cache)})

	busOpts := []eventbus.Option{}
	if cfg.NATS.URL != "" {
		mirror, err := eventbus.NewNATSMirror(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("connect event mirror: %w", err)
		}
		a.mirror = mirror
		busOpts = append(busOpts, eventbus.WithMirror(mirror))
	}
	a.Bus = eventbus.New(logger, busOpts...)

	a.Queue = taskqueue.New(db)
	a.Pool = taskqueue.NewPool(a.Queue, logger,
		cfg.Queue.Workers, cfg.Queue.PollInterval.Duration())

	a.Embedder, err = embeddings.NewProvider(embeddings.Config{
		Provider:  cfg.Embedding.Provider,
		Model:     cfg.Embedding.ModelName,
		CacheDir:  cfg.Embedding.CacheDir,
		Dimension: cfg.Embedding.Dimension,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create embedding provider: %w", err)
	}
	a.Encoder = embeddings.NewLogTFEncoder(cfg.Embedding.SparseModelName)

	a.Lexical = lexical.New(db, logger)
	a.Sparse = sparse.New(db, logger)
	a.Vectors, err = dense.NewIndex(cfg.Dense, a.Embedder.Dimension(), logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create dense index: %w", err)
	}

	repo := resource.NewRepository(db)
	a.Resources = resource.NewService(db, repo, a.Bus, a.Queue, logger)
	a.Search = search.NewEngine(repo, a.Lexical, a.Vectors, a.Sparse,
		a.Embedder, a.Encoder, reranker.NewOverlapReranker(),
		a.Cache, a.Bus, cfg.Search, logger)
	a.Graph = graph.NewService(db, repo, a.Cache, cfg.Graph, logger)
	a.Citations = citations.NewService(db, repo, logger)

	taxStore := taxonomy.NewStore(db)
	nodes, err := taxStore.All(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load taxonomy: %w", err)
	}
	classifier := taxonomy.NewKeywordClassifier("keyword-v1", nodes)
	a.Taxonomy = taxonomy.NewService(db, taxStore, repo, classifier,
		taxonomy.NewKeywordTrainer(taxStore), a.Queue, a.Bus, a.Cache,
		cfg.Taxonomy, logger)

	a.Quality = quality.NewService(db, repo, a.Embedder, a.Cache, a.Bus,
		cfg.Quality, logger)
	a.Recommend = recommend.NewService(db, repo, a.Cache, a.Bus, a.Queue, logger)
	a.Annotations = annotations.NewService(db, repo, a.Embedder, a.Cache, a.Bus, logger)
	a.Collections = collections.NewService(db, repo, a.Cache, a.Bus, a.Queue, logger)

	fetcher := ingest.NewHTTPFetcher(cfg.Ingest.FetchTimeout.Duration(), cfg.Ingest.RatePerHost)
	a.Ingest = ingest.NewPipeline(db, repo, fetcher, a.Embedder, a.Encoder,
		a.Lexical, a.Vectors, a.Queue, a.Bus, cfg.Ingest, logger)

	a.Server = httpapi.NewServer(httpapi.Services{
		Resources:   a.Resources,
		Search:      a.Search,
		Graph:       a.Graph,
		Citations:   a.Citations,
		Taxonomy:    a.Taxonomy,
		Quality:     a.Quality,
		Recommend:   a.Recommend,
		Annotations: a.Annotations,
		Collections: a.Collections,
		Ingest:      a.Ingest,
		Queue:       a.Queue,
		Bus:         a.Bus,
		Cache:       a.Cache,
	}, cfg.Server, logger)

	a.registerTaskHandlers()
	a.subscribeEvents()
	return a, nil
}

// Start runs the worker pool and the HTTP listener. It blocks until the
// listener stops.
func (a *App) Start(ctx context.Context) error {
	a.Pool.Start(ctx)
	return a.Server.Start()
}

// Shutdown stops the listener, drains workers, and releases resources.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.Server.Shutdown(ctx)
	a.Pool.Stop()
	if a.mirror != nil {
		a.mirror.Close()
	}
	if cerr := a.Vectors.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := a.Embedder.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := a.telemetry.Shutdown(ctx); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := a.DB.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// cacheTTLs maps the config's named TTLs onto cache key kinds.
func cacheTTLs(cfg config.CacheConfig) map[string]time.Duration {
	ttls := map[string]time.Duration{}
	set := func(kind string, d config.Duration) {
		if d.Duration() > 0 {
			ttls[kind] = d.Duration()
		}
	}
	set("embedding", cfg.EmbeddingTTL)
	set("quality", cfg.QualityTTL)
	set("search_query", cfg.SearchQueryTTL)
	set("resource", cfg.ResourceTTL)
	set("graph", cfg.GraphNeighborsTTL)
	set("user", cfg.UserProfileTTL)
	set("classification", cfg.ClassificationTTL)
	return ttls
}
