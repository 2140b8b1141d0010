// Package recommend implements personalized resource recommendations:
// an append-only interaction log, derived user profiles, four scoring
// strategies, MMR diversification, and novelty-aware tie-breaking.
package recommend

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neo-alexandria/alexandria/internal/cache"
	"github.com/neo-alexandria/alexandria/internal/embeddings"
	"github.com/neo-alexandria/alexandria/internal/eventbus"
	"github.com/neo-alexandria/alexandria/internal/kernel"
	"github.com/neo-alexandria/alexandria/internal/logging"
	"github.com/neo-alexandria/alexandria/internal/resource"
	"github.com/neo-alexandria/alexandria/internal/taskqueue"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Interaction kinds.
const (
	KindView          = "view"
	KindAnnotation    = "annotation"
	KindCollectionAdd = "collection_add"
	KindExport        = "export"
	KindRating        = "rating"
)

var validKinds = map[string]bool{
	KindView: true, KindAnnotation: true, KindCollectionAdd: true,
	KindExport: true, KindRating: true,
}

// positiveStrength is the floor above which an interaction counts as a
// positive signal for profiles and filtering.
const positiveStrength = 0.5

// collaborativeMinPositive disables the collaborative strategy for users
// with fewer positive interactions.
const collaborativeMinPositive = 5

// Strategy names.
const (
	StrategyContent       = "content"
	StrategyGraph         = "graph"
	StrategyCollaborative = "collaborative"
	StrategyHybrid        = "hybrid"
)

// Hybrid strategy weights; cold-start weights apply below
// collaborativeMinPositive interactions.
const (
	hybridCollaborative = 0.35
	hybridContent       = 0.30
	hybridGraph         = 0.20
	hybridQuality       = 0.10
	hybridRecency       = 0.05

	coldContent = 0.60
	coldGraph   = 0.30
	coldQuality = 0.10
)

// Behavior tunables.
const (
	defaultLimit    = 10
	candidateCap    = 500
	defaultLambda   = 0.7  // MMR lambda when no diversity preference given
	noveltyTieEps   = 1e-6 // score ties resolved by novelty
	graphHalfLife   = 30 * 24 * time.Hour
	recencyHorizon  = 365 * 24 * time.Hour
)

// Interaction is one logged user action.
type Interaction struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ResourceID string    `json:"resource_id"`
	Kind       string    `json:"kind"`
	Strength   float64   `json:"strength"`
	CreatedAt  time.Time `json:"created_at"`
}

// Request asks for recommendations.
type Request struct {
	UserID     string   `json:"user_id"`
	Limit      int      `json:"limit"`
	Strategy   string   `json:"strategy"`
	Diversity  *float64 `json:"diversity"` // 0..1, lambda = 1 - diversity
	MinQuality *float64 `json:"min_quality"`
}

// Item is one recommended resource.
type Item struct {
	Resource     *resource.Resource `json:"resource"`
	Score        float64            `json:"score"`
	NoveltyScore float64            `json:"novelty_score"`
}

// Response carries the ranked items plus strategy metadata.
type Response struct {
	Items      []Item  `json:"items"`
	Strategy   string  `json:"strategy"`
	ColdStart  bool    `json:"cold_start"`
	Candidates int     `json:"candidates"`
	Lambda     float64 `json:"lambda"`
}

// Service is the recommendation engine.
type Service struct {
	db     *kernel.DB
	repo   *resource.Repository
	cache  *cache.Cache
	bus    *eventbus.Bus
	queue  *taskqueue.Queue
	logger *logging.Logger
}

// NewService wires the engine.
func NewService(db *kernel.DB, repo *resource.Repository, c *cache.Cache,
	bus *eventbus.Bus, queue *taskqueue.Queue, logger *logging.Logger) *Service {
	return &Service{db: db, repo: repo, cache: c, bus: bus, queue: queue,
		logger: logger.Named("recommend")}
}

// RecordInteraction appends to the log and schedules a profile refresh.
func (s *Service) RecordInteraction(ctx context.Context, userID, resourceID, kind string, strength float64) error {
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", resource.ErrValidation)
	}
	if !validKinds[kind] {
		return fmt.Errorf("%w: unknown interaction kind %q", resource.ErrValidation, kind)
	}
	if strength < 0 || strength > 1 {
		return fmt.Errorf("%w: strength must be in [0,1]", resource.ErrValidation)
	}
	if _, err := s.repo.Get(ctx, resourceID); err != nil {
		return err
	}
	return s.db.InTx(ctx, func(tx *kernel.Tx) error {
		now := s.now()
		if _, err := tx.ExecContext(ctx, `INSERT INTO interactions
			(id, user_id, resource_id, kind, strength, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), userID, resourceID, kind, strength,
			now.Format(timeLayout)); err != nil {
			return err
		}
		if err := s.queue.EnqueueTx(ctx, tx, taskqueue.TypeRefreshUserProfile,
			map[string]any{"user_id": userID}); err != nil {
			return err
		}
		tx.OnCommit(func() {
			s.cache.Invalidate("user:" + userID + ":*")
		})
		return nil
	})
}

// Interactions returns a user's log, newest first.
func (s *Service) Interactions(ctx context.Context, userID string, limit int) ([]Interaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, resource_id, kind, strength, created_at
		FROM interactions WHERE user_id = ?
		ORDER BY created_at DESC, id LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Interaction
	for rows.Next() {
		var in Interaction
		var created string
		if err := rows.Scan(&in.ID, &in.UserID, &in.ResourceID, &in.Kind,
			&in.Strength, &created); err != nil {
			return nil, err
		}
		in.CreatedAt, _ = time.Parse(timeLayout, created)
		out = append(out, in)
	}
	return out, rows.Err()
}

// Recommend ranks candidate resources for a user.
func (s *Service) Recommend(ctx context.Context, req Request) (*Response, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", resource.ErrValidation)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategyHybrid
	}

	interactions, err := s.Interactions(ctx, req.UserID, 0)
	if err != nil {
		return nil, err
	}
	positives := map[string]Interaction{}
	for _, in := range interactions {
		if in.Strength >= positiveStrength {
			if prev, ok := positives[in.ResourceID]; !ok || in.CreatedAt.After(prev.CreatedAt) {
				positives[in.ResourceID] = in
			}
		}
	}
	coldStart := len(interactions) < collaborativeMinPositive

	candidates, vectors, err := s.candidates(ctx, positives)
	if err != nil {
		return nil, err
	}

	profile, err := s.Profile(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	scores, err := s.score(ctx, strategy, candidates, vectors, profile, positives, coldStart)
	if err != nil {
		return nil, err
	}

	views, maxViews, err := s.viewCounts(ctx)
	if err != nil {
		return nil, err
	}

	// Filter, then rank by score with novelty tie-breaking.
	type scored struct {
		res     *resource.Resource
		score   float64
		novelty float64
	}
	var pool []scored
	for _, res := range candidates {
		sc, ok := scores[res.ID]
		if !ok {
			continue
		}
		if req.MinQuality != nil {
			if res.QualityOverall == nil || *res.QualityOverall < *req.MinQuality {
				continue
			}
		}
		pool = append(pool, scored{res: res, score: sc, novelty: noveltyScore(views[res.ID], maxViews)})
	}
	sort.Slice(pool, func(i, j int) bool {
		if math.Abs(pool[i].score-pool[j].score) <= noveltyTieEps {
			if pool[i].novelty != pool[j].novelty {
				return pool[i].novelty > pool[j].novelty
			}
			return pool[i].res.ID < pool[j].res.ID
		}
		return pool[i].score > pool[j].score
	})

	lambda := defaultLambda
	if req.Diversity != nil {
		lambda = 1 - *req.Diversity
	}

	// MMR diversification over the ranked pool.
	ids := make([]string, len(pool))
	baseScores := make(map[string]float64, len(pool))
	for i, p := range pool {
		ids[i] = p.res.ID
		baseScores[p.res.ID] = p.score
	}
	selected := mmrSelect(ids, baseScores, vectors, lambda, limit)

	byID := map[string]scored{}
	for _, p := range pool {
		byID[p.res.ID] = p
	}
	items := make([]Item, 0, len(selected))
	for _, id := range selected {
		p := byID[id]
		items = append(items, Item{Resource: p.res, Score: p.score, NoveltyScore: p.novelty})
	}

	s.logger.Debug(ctx, "recommendations served",
		zap.String("user_id", req.UserID),
		zap.String("strategy", strategy),
		zap.Bool("cold_start", coldStart),
		zap.Int("candidates", len(pool)),
		zap.Int("returned", len(items)))
	return &Response{
		Items: items, Strategy: strategy, ColdStart: coldStart,
		Candidates: len(pool), Lambda: lambda,
	}, nil
}

// candidates loads completed resources the user has not positively
// interacted with, along with their dense vectors.
func (s *Service) candidates(ctx context.Context, positives map[string]Interaction) ([]*resource.Resource, map[string][]float32, error) {
	ids, err := s.repo.CompletedIDs(ctx)
	if err != nil {
		return nil, nil, err
	}
	var keep []string
	for _, id := range ids {
		if _, seen := positives[id]; !seen {
			keep = append(keep, id)
		}
		if len(keep) >= candidateCap {
			break
		}
	}
	resources, err := s.repo.GetMany(ctx, keep)
	if err != nil {
		return nil, nil, err
	}
	// Vectors for every resource: MMR and the content strategy also
	// need the already-interacted ones.
	sidecars, err := s.repo.DenseVectors(ctx)
	if err != nil {
		return nil, nil, err
	}
	vectors := make(map[string][]float32, len(sidecars))
	for _, v := range sidecars {
		vectors[v.ResourceID] = v.Vector
	}
	out := make([]*resource.Resource, 0, len(keep))
	for _, id := range keep {
		if res, ok := resources[id]; ok {
			out = append(out, res)
		}
	}
	return out, vectors, nil
}

func (s *Service) score(ctx context.Context, strategy string,
	candidates []*resource.Resource, vectors map[string][]float32,
	profile *Profile, positives map[string]Interaction, coldStart bool) (map[string]float64, error) {

	switch strategy {
	case StrategyContent:
		return s.contentScores(candidates, vectors, profile), nil
	case StrategyGraph:
		return s.graphScores(ctx, candidates, positives)
	case StrategyCollaborative:
		if len(positives) < collaborativeMinPositive {
			return nil, fmt.Errorf("%w: collaborative filtering needs at least %d positive interactions",
				resource.ErrValidation, collaborativeMinPositive)
		}
		return s.collaborativeScores(ctx, candidates, positives)
	case StrategyHybrid:
		return s.hybridScores(ctx, candidates, vectors, profile, positives, coldStart)
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", resource.ErrValidation, strategy)
	}
}

func (s *Service) hybridScores(ctx context.Context,
	candidates []*resource.Resource, vectors map[string][]float32,
	profile *Profile, positives map[string]Interaction, coldStart bool) (map[string]float64, error) {

	content := s.contentScores(candidates, vectors, profile)
	graph, err := s.graphScores(ctx, candidates, positives)
	if err != nil {
		return nil, err
	}

	type component struct {
		weight float64
		scores map[string]float64
	}
	var parts []component
	if coldStart {
		parts = []component{
			{coldContent, content},
			{coldGraph, graph},
			{coldQuality, s.qualityScores(candidates)},
		}
	} else {
		parts = []component{
			{hybridContent, content},
			{hybridGraph, graph},
			{hybridQuality, s.qualityScores(candidates)},
			{hybridRecency, s.recencyScores(candidates)},
		}
		// Collaborative needs enough positive signal even when the raw
		// interaction count is past the cold-start threshold. When it
		// is skipped its weight falls out of the renormalization below.
		if len(positives) >= collaborativeMinPositive {
			coll, err := s.collaborativeScores(ctx, candidates, positives)
			if err != nil {
				return nil, err
			}
			parts = append(parts, component{hybridCollaborative, coll})
		}
	}

	// Drop empty components and renormalize the remaining weights.
	total := 0.0
	for _, p := range parts {
		if len(p.scores) > 0 {
			total += p.weight
		}
	}
	if total == 0 {
		return map[string]float64{}, nil
	}

	out := make(map[string]float64, len(candidates))
	for _, res := range candidates {
		sum := 0.0
		for _, p := range parts {
			if len(p.scores) == 0 {
				continue
			}
			sum += (p.weight / total) * p.scores[res.ID]
		}
		out[res.ID] = sum
	}
	return out, nil
}

// contentScores: cosine between the profile vector and each resource.
func (s *Service) contentScores(candidates []*resource.Resource, vectors map[string][]float32, profile *Profile) map[string]float64 {
	if profile == nil || len(profile.Vector) == 0 {
		return map[string]float64{}
	}
	out := make(map[string]float64, len(candidates))
	for _, res := range candidates {
		vec, ok := vectors[res.ID]
		if !ok {
			continue
		}
		out[res.ID] = clamp01((embeddings.Cosine(profile.Vector, vec) + 1) / 2)
	}
	return out
}

// graphScores: sum of edge scores from positively interacted resources,
// discounted by interaction age with a 30-day half life.
func (s *Service) graphScores(ctx context.Context, candidates []*resource.Resource, positives map[string]Interaction) (map[string]float64, error) {
	if len(positives) == 0 {
		return map[string]float64{}, nil
	}
	now := s.now()
	out := map[string]float64{}
	for seedID, in := range positives {
		age := now.Sub(in.CreatedAt)
		discount := math.Pow(0.5, age.Hours()/graphHalfLife.Hours())
		rows, err := s.db.QueryContext(ctx, `
			SELECT a_id, b_id, score FROM graph_edges WHERE a_id = ? OR b_id = ?`,
			seedID, seedID)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var a, b string
			var score float64
			if err := rows.Scan(&a, &b, &score); err != nil {
				rows.Close()
				return nil, err
			}
			other := a
			if a == seedID {
				other = b
			}
			out[other] += score * discount
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	// Normalize to [0,1] so strategies compose.
	max := 0.0
	for _, v := range out {
		if v > max {
			max = v
		}
	}
	if max > 0 {
		for id := range out {
			out[id] /= max
		}
	}
	return out, nil
}

// collaborativeScores: item-item co-occurrence over all users' positive
// interactions, cosine-normalized by item popularity.
func (s *Service) collaborativeScores(ctx context.Context, candidates []*resource.Resource, positives map[string]Interaction) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, resource_id FROM interactions
		WHERE strength >= ? GROUP BY user_id, resource_id`, positiveStrength)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	usersByItem := map[string]map[string]bool{}
	for rows.Next() {
		var userID, resourceID string
		if err := rows.Scan(&userID, &resourceID); err != nil {
			return nil, err
		}
		if usersByItem[resourceID] == nil {
			usersByItem[resourceID] = map[string]bool{}
		}
		usersByItem[resourceID][userID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := map[string]float64{}
	for _, res := range candidates {
		candUsers := usersByItem[res.ID]
		if len(candUsers) == 0 {
			continue
		}
		sum := 0.0
		for seedID := range positives {
			seedUsers := usersByItem[seedID]
			if len(seedUsers) == 0 {
				continue
			}
			shared := 0
			for u := range candUsers {
				if seedUsers[u] {
					shared++
				}
			}
			if shared > 0 {
				sum += float64(shared) / math.Sqrt(float64(len(candUsers))*float64(len(seedUsers)))
			}
		}
		if sum > 0 {
			out[res.ID] = sum
		}
	}
	max := 0.0
	for _, v := range out {
		if v > max {
			max = v
		}
	}
	if max > 0 {
		for id := range out {
			out[id] /= max
		}
	}
	return out, nil
}

func (s *Service) qualityScores(candidates []*resource.Resource) map[string]float64 {
	out := map[string]float64{}
	for _, res := range candidates {
		if res.QualityOverall != nil {
			out[res.ID] = *res.QualityOverall
		}
	}
	return out
}

// recencyScores: linear decay of resource age over one year.
func (s *Service) recencyScores(candidates []*resource.Resource) map[string]float64 {
	now := s.now()
	out := make(map[string]float64, len(candidates))
	for _, res := range candidates {
		age := now.Sub(res.CreatedAt)
		out[res.ID] = clamp01(1 - age.Hours()/recencyHorizon.Hours())
	}
	return out
}

func (s *Service) viewCounts(ctx context.Context) (map[string]int, int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_id, COUNT(*) FROM interactions
		WHERE kind = ? GROUP BY resource_id`, KindView)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	views := map[string]int{}
	max := 0
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, 0, err
		}
		views[id] = n
		if n > max {
			max = n
		}
	}
	return views, max, rows.Err()
}

// noveltyScore maps popularity to [0,1]; unseen resources score 1.
func noveltyScore(views, maxViews int) float64 {
	if maxViews == 0 || views == 0 {
		return 1
	}
	return 1 - math.Log(1+float64(views))/math.Log(1+float64(maxViews))
}

// mmrSelect greedily picks ids maximizing lambda*score - (1-lambda)*max
// similarity to the already-selected set.
func mmrSelect(ranked []string, scores map[string]float64, vectors map[string][]float32, lambda float64, limit int) []string {
	if limit >= len(ranked) && lambda >= 1 {
		if len(ranked) > limit {
			return ranked[:limit]
		}
		return ranked
	}
	var selected []string
	remaining := append([]string(nil), ranked...)
	for len(selected) < limit && len(remaining) > 0 {
		bestIdx := -1
		bestVal := math.Inf(-1)
		for i, id := range remaining {
			penalty := 0.0
			if v, ok := vectors[id]; ok {
				for _, sel := range selected {
					if sv, ok := vectors[sel]; ok {
						if sim := embeddings.Cosine(v, sv); sim > penalty {
							penalty = sim
						}
					}
				}
			}
			val := lambda*scores[id] - (1-lambda)*penalty
			if val > bestVal {
				bestVal = val
				bestIdx = i
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

func (s *Service) now() time.Time { return s.db.Clock().Now().UTC() }

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
