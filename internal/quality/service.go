// internal/quality/service.go
package quality

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/neo-alexandria/alexandria/internal/cache"
	"github.com/neo-alexandria/alexandria/internal/config"
	"github.com/neo-alexandria/alexandria/internal/embeddings"
	"github.com/neo-alexandria/alexandria/internal/eventbus"
	"github.com/neo-alexandria/alexandria/internal/kernel"
	"github.com/neo-alexandria/alexandria/internal/logging"
	"github.com/neo-alexandria/alexandria/internal/resource"
)

// reviewFloor: overall scores below this flag the resource for review at
// compute time, independent of the batch outlier run.
const reviewFloor = 0.40

// Outlier detection parameters.
const (
	contamination       = 0.10
	anomalyCutoff       = 0.5 // forest decision score below -0.5
	dimensionPercentile = 0.05
)

// degradation monitoring parameters.
const (
	degradationLookback = 30 * 24 * time.Hour
	degradationDrop     = 0.20
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Outlier is one flagged resource with the dimensions that triggered it.
type Outlier struct {
	ResourceID string   `json:"resource_id"`
	Score      float64  `json:"score"` // forest decision score, negative is anomalous
	Reasons    []string `json:"reasons"`
}

// Degradation is a resource whose overall score dropped past the
// threshold inside the lookback window.
type Degradation struct {
	ResourceID string  `json:"resource_id"`
	From       float64 `json:"from"`
	To         float64 `json:"to"`
	DropPct    float64 `json:"drop_pct"`
}

// Service computes and monitors quality scores.
type Service struct {
	db       *kernel.DB
	repo     *resource.Repository
	provider embeddings.Provider
	cache    *cache.Cache
	bus      *eventbus.Bus
	cfg      config.QualityConfig
	logger   *logging.Logger
}

// NewService wires the quality engine.
func NewService(db *kernel.DB, repo *resource.Repository, provider embeddings.Provider,
	c *cache.Cache, bus *eventbus.Bus, cfg config.QualityConfig, logger *logging.Logger) *Service {
	return &Service{
		db: db, repo: repo, provider: provider, cache: c, bus: bus,
		cfg: cfg, logger: logger.Named("quality"),
	}
}

// DefaultWeights returns the configured dimension weights.
func (s *Service) DefaultWeights() Weights {
	return Weights{
		Accuracy:     s.cfg.WeightAccuracy,
		Completeness: s.cfg.WeightCompleteness,
		Consistency:  s.cfg.WeightConsistency,
		Timeliness:   s.cfg.WeightTimeliness,
		Relevance:    s.cfg.WeightRelevance,
	}
}

// ComputeFor scores one resource, persists the assessment with a history
// row, and emits resource.quality_computed after commit. Passing nil
// weights uses the configured defaults.
func (s *Service) ComputeFor(ctx context.Context, resourceID string, weights *Weights) (*Score, error) {
	w := s.DefaultWeights()
	if weights != nil {
		w = *weights
	}
	if !w.Valid() {
		return nil, fmt.Errorf("%w: quality weights must sum to 1", resource.ErrValidation)
	}

	res, err := s.repo.Get(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	validCitations, totalCitations, inbound, err := s.citationStats(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	maxConf, err := s.maxClassificationConfidence(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	cos, err := s.titleDescriptionCosine(ctx, res)
	if err != nil {
		return nil, err
	}

	now := s.db.Clock().Now().UTC()
	score := Score{
		ResourceID:   resourceID,
		Accuracy:     accuracy(res, validCitations, totalCitations),
		Completeness: completeness(res),
		Consistency:  consistency(cos, res),
		Timeliness:   timeliness(res, now),
		Relevance:    relevance(maxConf, inbound),
	}
	score.Overall = w.Overall(score)
	score.NeedsReview = score.Overall < reviewFloor

	err = s.db.InTx(ctx, func(tx *kernel.Tx) error {
		if err := s.repo.SetQualityTx(ctx, tx, resourceID,
			score.Overall, score.Accuracy, score.Completeness,
			score.Consistency, score.Timeliness, score.Relevance,
			score.NeedsReview); err != nil {
			return err
		}
		tx.OnCommit(func() {
			s.cache.Invalidate("quality:" + resourceID + "*")
			s.cache.Set("quality:"+resourceID, &score)
			s.bus.Emit(ctx, eventbus.ResourceQualityScored, map[string]any{
				"resource_id": resourceID,
				"overall":     score.Overall,
			})
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &score, nil
}

// For returns the stored assessment of one resource.
func (s *Service) For(ctx context.Context, resourceID string) (*Score, error) {
	if v, ok := s.cache.Get("quality:" + resourceID); ok {
		return v.(*Score), nil
	}
	res, err := s.repo.Get(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if res.QualityOverall == nil {
		return nil, fmt.Errorf("%w: quality not computed for %s", resource.ErrNotFound, resourceID)
	}
	score := &Score{
		ResourceID:   resourceID,
		Overall:      *res.QualityOverall,
		Accuracy:     *res.QualityAccuracy,
		Completeness: *res.QualityCompleteness,
		Consistency:  *res.QualityConsistency,
		Timeliness:   *res.QualityTimeliness,
		Relevance:    *res.QualityRelevance,
		NeedsReview:  res.NeedsQualityReview,
	}
	s.cache.Set("quality:"+resourceID, score)
	return score, nil
}

// Outliers runs isolation-forest detection over every scored resource and
// flags the hits for review. Reasons name the offending dimensions.
func (s *Service) Outliers(ctx context.Context) ([]Outlier, error) {
	ids, features, err := s.scoredFeatures(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) < 2 {
		return nil, nil
	}

	forest := newIsolationForest(features)
	anomalies := make([]float64, len(ids))
	for i, f := range features {
		anomalies[i] = forest.anomalyScore(f)
	}

	// The forest may flag at most the contamination fraction, worst first.
	forestBudget := int(math.Ceil(contamination * float64(len(ids))))
	byAnomaly := make([]int, len(ids))
	for i := range byAnomaly {
		byAnomaly[i] = i
	}
	sort.Slice(byAnomaly, func(a, b int) bool {
		return anomalies[byAnomaly[a]] > anomalies[byAnomaly[b]]
	})
	forestFlagged := map[int]bool{}
	for _, idx := range byAnomaly {
		if len(forestFlagged) >= forestBudget || anomalies[idx] <= anomalyCutoff {
			break
		}
		forestFlagged[idx] = true
	}

	cutoffs := dimensionCutoffs(features)
	dimNames := []string{"accuracy", "completeness", "consistency", "timeliness", "relevance"}

	var out []Outlier
	for i, id := range ids {
		var reasons []string
		for d, name := range dimNames {
			if features[i][d] < cutoffs[d] {
				reasons = append(reasons, "low_"+name)
			}
		}
		if forestFlagged[i] {
			reasons = append(reasons, "isolation_forest")
		}
		if len(reasons) == 0 {
			continue
		}
		out = append(out, Outlier{
			ResourceID: id,
			Score:      -anomalies[i],
			Reasons:    reasons,
		})
	}
	if len(out) == 0 {
		return nil, nil
	}

	err = s.db.InTx(ctx, func(tx *kernel.Tx) error {
		now := s.db.Clock().Now().UTC().Format(timeLayout)
		for _, o := range out {
			if _, err := tx.ExecContext(ctx, `UPDATE resources
				SET needs_quality_review = 1, updated_at = ? WHERE id = ?`,
				now, o.ResourceID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "outlier detection finished",
		zap.Int("scored", len(ids)), zap.Int("flagged", len(out)))
	return out, nil
}

// Degraded reports resources whose overall score fell by more than the
// threshold between their first and last assessment in the lookback
// window.
func (s *Service) Degraded(ctx context.Context) ([]Degradation, error) {
	cutoff := s.db.Clock().Now().UTC().Add(-degradationLookback).Format(timeLayout)
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_id, overall FROM quality_history
		WHERE computed_at >= ? ORDER BY resource_id, computed_at`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type span struct{ first, last float64 }
	spans := map[string]*span{}
	var order []string
	for rows.Next() {
		var id string
		var overall float64
		if err := rows.Scan(&id, &overall); err != nil {
			return nil, err
		}
		if sp, ok := spans[id]; ok {
			sp.last = overall
		} else {
			spans[id] = &span{first: overall, last: overall}
			order = append(order, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []Degradation
	for _, id := range order {
		sp := spans[id]
		if sp.first <= 0 {
			continue
		}
		drop := (sp.first - sp.last) / sp.first
		if drop > degradationDrop {
			out = append(out, Degradation{
				ResourceID: id, From: sp.first, To: sp.last, DropPct: drop,
			})
		}
	}
	return out, nil
}

func (s *Service) citationStats(ctx context.Context, resourceID string) (valid, total, inbound int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(target_resource_id IS NOT NULL), 0)
		FROM citations WHERE source_resource_id = ?`, resourceID).Scan(&total, &valid)
	if err != nil {
		return 0, 0, 0, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM citations WHERE target_resource_id = ?`, resourceID).Scan(&inbound)
	return valid, total, inbound, err
}

func (s *Service) maxClassificationConfidence(ctx context.Context, resourceID string) (float64, error) {
	var maxConf float64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(confidence), 0)
		FROM taxonomy_assignments WHERE resource_id = ?`, resourceID).Scan(&maxConf)
	return maxConf, err
}

// titleDescriptionCosine embeds both fields and compares them. Either
// field missing yields cosine 0, which renormalizes to a neutral 0.5.
func (s *Service) titleDescriptionCosine(ctx context.Context, res *resource.Resource) (float64, error) {
	if res.Title == "" || res.Description == "" {
		return 0, nil
	}
	vecs, err := s.provider.EmbedDocuments(ctx, []string{res.Title, res.Description})
	if err != nil {
		s.logger.Warn(ctx, "consistency embedding failed, using neutral cosine",
			zap.String("resource_id", res.ID), zap.Error(err))
		return 0, nil
	}
	return embeddings.Cosine(vecs[0], vecs[1]), nil
}

func (s *Service) scoredFeatures(ctx context.Context) ([]string, [][]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, quality_accuracy, quality_completeness, quality_consistency,
			quality_timeliness, quality_relevance
		FROM resources WHERE quality_overall IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var ids []string
	var features [][]float64
	for rows.Next() {
		var id string
		f := make([]float64, 5)
		if err := rows.Scan(&id, &f[0], &f[1], &f[2], &f[3], &f[4]); err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
		features = append(features, f)
	}
	return ids, features, rows.Err()
}

// dimensionCutoffs returns the 5th-percentile value per dimension.
func dimensionCutoffs(features [][]float64) [5]float64 {
	var cutoffs [5]float64
	n := len(features)
	for d := 0; d < 5; d++ {
		col := make([]float64, n)
		for i, f := range features {
			col[i] = f[d]
		}
		sort.Float64s(col)
		idx := int(dimensionPercentile * float64(n))
		if idx >= n {
			idx = n - 1
		}
		cutoffs[d] = col[idx]
	}
	return cutoffs
}
