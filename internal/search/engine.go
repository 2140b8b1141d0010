// Package search implements the three-way hybrid retrieval engine: lexical,
// dense, and sparse retrieval in parallel, weighted Reciprocal Rank Fusion,
// an optional cross-encoder rerank, then post-retrieval filtering, facets,
// and snippets.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/neo-alexandria/alexandria/internal/cache"
	"github.com/neo-alexandria/alexandria/internal/config"
	"github.com/neo-alexandria/alexandria/internal/embeddings"
	"github.com/neo-alexandria/alexandria/internal/eventbus"
	"github.com/neo-alexandria/alexandria/internal/index/dense"
	"github.com/neo-alexandria/alexandria/internal/index/lexical"
	"github.com/neo-alexandria/alexandria/internal/index/sparse"
	"github.com/neo-alexandria/alexandria/internal/logging"
	"github.com/neo-alexandria/alexandria/internal/reranker"
	"github.com/neo-alexandria/alexandria/internal/resource"
)

// Limits on the candidate pools per phase.
const (
	maxLimit        = 100
	retrieveFloor   = 200
	rerankCeiling   = 100
	subjectFacetCap = 1000
	rerankBodyChars = 512
)

// Request is one hybrid search invocation.
type Request struct {
	Query           string
	Limit           int
	Offset          int
	Filters         resource.Filters
	EnableReranking bool
	AdaptiveWeights bool
}

// Result is one search hit with its resource and presentation fields.
type Result struct {
	Resource     *resource.Resource `json:"resource"`
	Score        float64            `json:"score"`
	Snippet      string             `json:"snippet"`
	MethodScores map[string]float64 `json:"method_scores,omitempty"`
}

// Facets are value counts over the filtered result pool.
type Facets struct {
	Classification map[string]int `json:"classification_code"`
	Type           map[string]int `json:"type"`
	Language       map[string]int `json:"language"`
	ReadStatus     map[string]int `json:"read_status"`
	Subject        map[string]int `json:"subject"`
}

// Diagnostics report per-phase timings and degradations.
type Diagnostics struct {
	RetrievalMillis     int64              `json:"retrieval_ms"`
	FusionMillis        int64              `json:"fusion_ms"`
	RerankMillis        int64              `json:"rerank_ms"`
	Weights             map[string]float64 `json:"weights"`
	RetrieversFailed    []string           `json:"retrievers_failed,omitempty"`
	AllRetrieversFailed bool               `json:"all_retrievers_failed,omitempty"`
	SparseSkipped       bool               `json:"sparse_skipped,omitempty"`
	Reranked            bool               `json:"reranked,omitempty"`
	RerankFailed        bool               `json:"rerank_failed,omitempty"`
	FacetError          bool               `json:"facet_error,omitempty"`
	CacheHit            bool               `json:"cache_hit,omitempty"`
}

// Response is the full search result.
type Response struct {
	Results     []Result    `json:"results"`
	Total       int         `json:"total"`
	Facets      Facets      `json:"facets"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// Engine runs the hybrid pipeline.
type Engine struct {
	repo     *resource.Repository
	lexical  *lexical.Index
	dense    dense.Index
	sparse   *sparse.Index
	embedder embeddings.Provider
	encoder  embeddings.SparseEncoder
	reranker reranker.Reranker
	cache    *cache.Cache
	bus      *eventbus.Bus
	cfg      config.SearchConfig
	logger   *logging.Logger
	metrics  *metrics
}

// NewEngine wires the search engine.
func NewEngine(repo *resource.Repository, lex *lexical.Index, den dense.Index, spa *sparse.Index,
	embedder embeddings.Provider, encoder embeddings.SparseEncoder, rr reranker.Reranker,
	c *cache.Cache, bus *eventbus.Bus, cfg config.SearchConfig, logger *logging.Logger) *Engine {
	return &Engine{
		repo:     repo,
		lexical:  lex,
		dense:    den,
		sparse:   spa,
		embedder: embedder,
		encoder:  encoder,
		reranker: rr,
		cache:    c,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.Named("search"),
		metrics:  newMetrics(),
	}
}

// Search runs the full pipeline.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	if req.Limit > maxLimit {
		req.Limit = maxLimit
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	cacheKey := e.cacheKey(req)
	if e.cache != nil {
		if cached, ok := e.cache.Get(cacheKey); ok {
			if resp, ok := cached.(*Response); ok {
				e.metrics.cacheHits.Inc()
				out := *resp
				out.Diagnostics.CacheHit = true
				return &out, nil
			}
		}
	}

	resp, _, err := e.pipeline(ctx, req)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		e.cache.Set(cacheKey, resp)
	}
	return resp, nil
}

// pipeline runs retrieval, fusion, rerank, filter, facets, and snippets,
// returning the response plus the full fused id order (for evaluation).
func (e *Engine) pipeline(ctx context.Context, req Request) (*Response, []string, error) {
	diag := Diagnostics{}
	kRetrieve := retrieveFloor
	if k := 5 * req.Limit; k > kRetrieve {
		kRetrieve = k
	}

	// Sparse is skipped entirely when stored vectors predate the current
	// encoder; fusing ranks from two different models is worse than the
	// two-way fallback.
	available := map[string]bool{MethodLexical: true, MethodDense: true, MethodSparse: true}
	if stale, err := e.sparse.StaleCount(ctx, e.encoder.ModelVersion()); err == nil && stale > 0 {
		available[MethodSparse] = false
		diag.SparseSkipped = true
		e.bus.Emit(ctx, eventbus.SparseModelMismatch, map[string]any{
			"encoder_version": e.encoder.ModelVersion(),
			"stale_count":     stale,
		})
	}

	var weights map[string]float64
	switch {
	case req.AdaptiveWeights:
		weights = analyzeWeights(ctx, req.Query, e.lexical)
	case !available[MethodSparse]:
		// Two-way fallback seeded by the configured lexical share.
		weights = map[string]float64{
			MethodLexical: e.cfg.DefaultHybridWeight,
			MethodDense:   1 - e.cfg.DefaultHybridWeight,
		}
	default:
		weights = uniformWeights()
	}

	// Phase R: the three retrievals fan out concurrently, each under its
	// own timeout. A failed leg logs, drops out, and fusion renormalizes.
	retrievalStart := time.Now()
	lists, failed := e.retrieve(ctx, req.Query, kRetrieve, available)
	diag.RetrievalMillis = time.Since(retrievalStart).Milliseconds()
	diag.RetrieversFailed = failed

	for _, m := range failed {
		available[m] = false
	}
	weights = renormalize(weights, available)
	diag.Weights = weights

	if len(weights) == 0 {
		diag.AllRetrieversFailed = true
		e.metrics.degraded.Inc()
		return &Response{Results: []Result{}, Facets: emptyFacets(), Diagnostics: diag}, nil, nil
	}

	// Phase F: weighted RRF.
	fusionStart := time.Now()
	fusedList := fuse(lists, weights)
	diag.FusionMillis = time.Since(fusionStart).Milliseconds()

	// Phase X: optional cross-encoder pass over the head of the fused list.
	if req.EnableReranking && len(fusedList) > 0 {
		rerankStart := time.Now()
		reranked, err := e.rerank(ctx, req.Query, fusedList, req.Limit)
		diag.RerankMillis = time.Since(rerankStart).Milliseconds()
		if err != nil {
			diag.RerankFailed = true
			e.logger.Warn(ctx, "rerank failed, keeping fused order", zap.Error(err))
		} else {
			fusedList = reranked
			diag.Reranked = true
		}
	}

	fusedIDs := make([]string, len(fusedList))
	for i, f := range fusedList {
		fusedIDs[i] = f.id
	}

	// Filter post-retrieval, preserving rank order.
	loaded, err := e.repo.GetMany(ctx, fusedIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load candidates: %w", err)
	}
	type candidate struct {
		fused
		res *resource.Resource
	}
	filtered := make([]candidate, 0, len(fusedList))
	for _, f := range fusedList {
		res, ok := loaded[f.id]
		if !ok {
			continue
		}
		if !req.Filters.Matches(res) {
			continue
		}
		filtered = append(filtered, candidate{fused: f, res: res})
	}
	total := len(filtered)

	// Facets count the whole filtered pool; the subject facet is capped.
	facets := Facets{
		Classification: map[string]int{},
		Type:           map[string]int{},
		Language:       map[string]int{},
		ReadStatus:     map[string]int{},
		Subject:        map[string]int{},
	}
	for i, c := range filtered {
		countFacet(facets.Classification, c.res.ClassificationCode)
		countFacet(facets.Type, c.res.Type)
		countFacet(facets.Language, c.res.Language)
		countFacet(facets.ReadStatus, c.res.ReadStatus)
		if i < subjectFacetCap {
			for _, s := range c.res.Subjects {
				countFacet(facets.Subject, s)
			}
		}
	}

	// Paginate.
	start := req.Offset
	if start > total {
		start = total
	}
	end := start + req.Limit
	if end > total {
		end = total
	}
	page := filtered[start:end]

	results := make([]Result, 0, len(page))
	for _, c := range page {
		body, err := e.repo.ArchiveText(ctx, c.res.ID)
		if err != nil {
			body = ""
		}
		results = append(results, Result{
			Resource:     c.res,
			Score:        c.score,
			Snippet:      makeSnippet(c.res.Title, c.res.Description, body, req.Query),
			MethodScores: c.methods,
		})
	}

	e.metrics.searches.Inc()
	e.logger.Debug(ctx, "hybrid search",
		zap.String("query", req.Query),
		zap.Int("total", total),
		zap.Int64("retrieval_ms", diag.RetrievalMillis))
	return &Response{Results: results, Total: total, Facets: facets, Diagnostics: diag}, fusedIDs, nil
}

// retrieve fans out to the available retrievers and collects their ranked
// lists. Errors and timeouts degrade that method to an empty list.
func (e *Engine) retrieve(ctx context.Context, query string, k int, available map[string]bool) ([]rankedList, []string) {
	timeout := time.Duration(e.cfg.RetrievalTimeout)
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}

	results := make([]rankedList, 3)
	errs := make([]error, 3)
	g, gctx := errgroup.WithContext(ctx)

	if available[MethodLexical] {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			hits, err := e.lexical.Search(cctx, query, k)
			if err != nil {
				errs[0] = err
				return nil
			}
			list := rankedList{method: MethodLexical, scores: make(map[string]float64, len(hits))}
			for _, h := range hits {
				list.ids = append(list.ids, h.ResourceID)
				list.scores[h.ResourceID] = h.Score
			}
			results[0] = list
			return nil
		})
	}

	if available[MethodDense] {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			vec, err := e.embedder.EmbedQuery(cctx, query)
			if err != nil {
				errs[1] = err
				return nil
			}
			hits, err := e.dense.Search(cctx, vec, k)
			if err != nil {
				errs[1] = err
				return nil
			}
			list := rankedList{method: MethodDense, scores: make(map[string]float64, len(hits))}
			for _, h := range hits {
				list.ids = append(list.ids, h.ResourceID)
				list.scores[h.ResourceID] = float64(h.Similarity)
			}
			results[1] = list
			return nil
		})
	}

	if available[MethodSparse] {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			qvec, err := e.encoder.EncodeQuery(cctx, query)
			if err != nil {
				errs[2] = err
				return nil
			}
			hits, err := e.sparse.Search(cctx, qvec, k)
			if err != nil {
				errs[2] = err
				return nil
			}
			list := rankedList{method: MethodSparse, scores: make(map[string]float64, len(hits))}
			for _, h := range hits {
				list.ids = append(list.ids, h.ResourceID)
				list.scores[h.ResourceID] = h.Score
			}
			results[2] = list
			return nil
		})
	}
	_ = g.Wait()

	var lists []rankedList
	var failed []string
	names := []string{MethodLexical, MethodDense, MethodSparse}
	for i, name := range names {
		if !available[name] {
			continue
		}
		if errs[i] != nil {
			failed = append(failed, name)
			e.metrics.retrieverFailures.WithLabelValues(name).Inc()
			e.logger.Warn(ctx, "retriever failed",
				zap.String("method", name), zap.Error(errs[i]))
			continue
		}
		lists = append(lists, results[i])
	}
	return lists, failed
}

// rerank runs the cross-encoder over the head of the fused list and splices
// the reranked head back in front of the untouched tail.
func (e *Engine) rerank(ctx context.Context, query string, fusedList []fused, limit int) ([]fused, error) {
	kRerank := 5 * limit
	if kRerank > rerankCeiling {
		kRerank = rerankCeiling
	}
	if kRerank > len(fusedList) {
		kRerank = len(fusedList)
	}
	head := fusedList[:kRerank]

	ids := make([]string, len(head))
	for i, f := range head {
		ids[i] = f.id
	}
	loaded, err := e.repo.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	docs := make([]reranker.Document, 0, len(head))
	byID := make(map[string]fused, len(head))
	for _, f := range head {
		byID[f.id] = f
		res, ok := loaded[f.id]
		if !ok {
			continue
		}
		body, err := e.repo.ArchiveText(ctx, f.id)
		if err != nil {
			body = ""
		}
		if len(body) > rerankBodyChars {
			body = body[:rerankBodyChars]
		}
		docs = append(docs, reranker.Document{
			ID:      f.id,
			Content: strings.Join(nonEmpty(res.Title, res.Description, body), " "),
			Score:   float32(f.score),
		})
	}

	timeout := time.Duration(e.cfg.RerankTimeout)
	if timeout <= 0 {
		timeout = time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	scored, err := e.reranker.Rerank(cctx, query, docs, len(docs))
	if err != nil {
		return nil, err
	}

	out := make([]fused, 0, len(fusedList))
	seen := make(map[string]bool, len(scored))
	for _, s := range scored {
		f := byID[s.ID]
		f.score = float64(s.RerankerScore)
		out = append(out, f)
		seen[s.ID] = true
	}
	// Head ids the reranker could not score keep their fused position
	// relative to each other, after the scored ones.
	for _, f := range head {
		if !seen[f.id] {
			out = append(out, f)
		}
	}
	out = append(out, fusedList[kRerank:]...)
	return out, nil
}

// Evaluate runs retrieval and fusion for the query and scores the ranking
// against graded relevance judgments at cutoff k.
func (e *Engine) Evaluate(ctx context.Context, query string, judgments map[string]float64, k int) (*EvalMetrics, error) {
	if len(judgments) == 0 {
		return nil, fmt.Errorf("relevance judgments are required")
	}
	if k <= 0 {
		k = 10
	}
	limit := k
	if limit > maxLimit {
		limit = maxLimit
	}
	_, fusedIDs, err := e.pipeline(ctx, Request{Query: query, Limit: limit})
	if err != nil {
		return nil, err
	}
	m := evaluateRanking(fusedIDs, judgments, k)
	return &m, nil
}

func (e *Engine) cacheKey(req Request) string {
	h := fnv.New64a()
	filters, _ := json.Marshal(req.Filters)
	fmt.Fprintf(h, "%s|%d|%d|%v|%v|%s",
		req.Query, req.Limit, req.Offset, req.EnableReranking, req.AdaptiveWeights, filters)
	return fmt.Sprintf("search_query:%x", h.Sum64())
}

func countFacet(m map[string]int, value string) {
	if value != "" {
		m[value]++
	}
}

func emptyFacets() Facets {
	return Facets{
		Classification: map[string]int{},
		Type:           map[string]int{},
		Language:       map[string]int{},
		ReadStatus:     map[string]int{},
		Subject:        map[string]int{},
	}
}
