// internal/taxonomy/service.go
package taxonomy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neo-alexandria/alexandria/internal/cache"
	"github.com/neo-alexandria/alexandria/internal/config"
	"github.com/neo-alexandria/alexandria/internal/eventbus"
	"github.com/neo-alexandria/alexandria/internal/kernel"
	"github.com/neo-alexandria/alexandria/internal/logging"
	"github.com/neo-alexandria/alexandria/internal/resource"
	"github.com/neo-alexandria/alexandria/internal/taskqueue"
)

// classifyBodyChars bounds how much archived text feeds the classifier.
const classifyBodyChars = 2048

// f1Tolerance: a new model may not undercut the previous F1 by more
// than this and still go active.
const f1Tolerance = 0.02

// Assignment is a stored resource-to-node link.
type Assignment struct {
	NodeID       string  `json:"node_id"`
	Path         string  `json:"path"`
	Name         string  `json:"name"`
	Confidence   float64 `json:"confidence"`
	Source       string  `json:"source"`
	ModelVersion string  `json:"model_version,omitempty"`
}

// Assignment sources. Only manual rows are training ground truth.
const (
	SourcePredicted = "predicted"
	SourceManual    = "manual"
)

// ClassificationResult is what a classify run returns.
type ClassificationResult struct {
	ResourceID   string       `json:"resource_id"`
	Predictions  []Prediction `json:"predictions"`
	NeedsReview  bool         `json:"needs_review"`
	ModelVersion string       `json:"model_version"`
}

// UncertainResource is one active-learning review candidate.
type UncertainResource struct {
	ResourceID  string       `json:"resource_id"`
	Uncertainty float64      `json:"uncertainty"`
	Predictions []Prediction `json:"predictions"`
}

// TrainReport summarizes a training run.
type TrainReport struct {
	Version   string       `json:"version"`
	Metrics   ModelMetrics `json:"metrics"`
	Activated bool         `json:"activated"`
	Examples  int          `json:"examples"`
}

// Reloadable classifiers can hot-swap to a new version in place.
type Reloadable interface {
	Reload(version string, nodes []*Node)
}

// Service ties the tree, the classifier, and the feedback loop together.
type Service struct {
	db         *kernel.DB
	store      *Store
	repo       *resource.Repository
	classifier Classifier
	trainer    Trainer
	queue      *taskqueue.Queue
	bus        *eventbus.Bus
	cache      *cache.Cache
	cfg        config.TaxonomyConfig
	logger     *logging.Logger
}

// NewService wires the taxonomy service.
func NewService(db *kernel.DB, store *Store, repo *resource.Repository,
	classifier Classifier, trainer Trainer, queue *taskqueue.Queue,
	bus *eventbus.Bus, c *cache.Cache, cfg config.TaxonomyConfig,
	logger *logging.Logger) *Service {
	return &Service{
		db: db, store: store, repo: repo, classifier: classifier,
		trainer: trainer, queue: queue, bus: bus, cache: c, cfg: cfg,
		logger: logger.Named("taxonomy"),
	}
}

// Store exposes the tree store for the HTTP layer.
func (s *Service) Store() *Store { return s.store }

// ClassifyResource predicts nodes for a resource, stores the surviving
// predictions, and stamps the dominant classification code. Manual
// assignments are never overwritten.
func (s *Service) ClassifyResource(ctx context.Context, resourceID string) (*ClassificationResult, error) {
	res, err := s.repo.Get(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	body, err := s.repo.ArchiveText(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if len(body) > classifyBodyChars {
		body = body[:classifyBodyChars]
	}
	text := res.Title + " " + res.Description + " " + body

	raw, err := s.classifier.Predict(ctx, text, 5)
	if err != nil {
		return nil, fmt.Errorf("classifier predict: %w", err)
	}
	version := s.classifier.Version()

	var kept []Prediction
	needsReview := false
	for _, p := range raw {
		if p.Confidence < DropThreshold {
			continue
		}
		if p.Confidence < ReviewThreshold {
			needsReview = true
		}
		kept = append(kept, p)
	}

	err = s.db.InTx(ctx, func(tx *kernel.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM taxonomy_assignments
			WHERE resource_id = ? AND source = ?`, resourceID, SourcePredicted); err != nil {
			return err
		}
		now := s.store.now().Format(timeLayout)
		for _, p := range kept {
			// A manual row for the same node wins; the predicted insert yields.
			if _, err := tx.ExecContext(ctx, `INSERT INTO taxonomy_assignments
				(resource_id, node_id, confidence, source, model_version, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(resource_id, node_id) DO NOTHING`,
				resourceID, p.NodeID, p.Confidence, SourcePredicted, version, now); err != nil {
				return err
			}
		}
		if len(kept) > 0 {
			top, err := s.store.getTx(ctx, tx, kept[0].NodeID)
			if err != nil {
				return err
			}
			if err := s.repo.SetClassificationTx(ctx, tx, resourceID, top.Slug, version); err != nil {
				return err
			}
		}
		tx.OnCommit(func() {
			s.cache.Invalidate("classification:" + resourceID + "*")
			s.bus.Emit(ctx, eventbus.ResourceClassified, map[string]any{
				"resource_id":   resourceID,
				"model_version": version,
				"predictions":   len(kept),
				"needs_review":  needsReview,
			})
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ClassificationResult{
		ResourceID:   resourceID,
		Predictions:  kept,
		NeedsReview:  needsReview,
		ModelVersion: version,
	}, nil
}

// Assignments returns a resource's current node links, manual first.
func (s *Service) Assignments(ctx context.Context, resourceID string) ([]Assignment, error) {
	if _, err := s.repo.Get(ctx, resourceID); err != nil {
		return nil, err
	}
	key := "classification:" + resourceID
	if v, ok := s.cache.Get(key); ok {
		return v.([]Assignment), nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.node_id, n.path, n.name, a.confidence, a.source, a.model_version
		FROM taxonomy_assignments a
		JOIN taxonomy_nodes n ON n.id = a.node_id
		WHERE a.resource_id = ?
		ORDER BY a.source, a.confidence DESC, a.node_id`, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Assignment{}
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.NodeID, &a.Path, &a.Name, &a.Confidence,
			&a.Source, &a.ModelVersion); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.cache.Set(key, out)
	return out, nil
}

// Uncertain ranks resources with predicted assignments by composite
// uncertainty, highest first, for human review.
func (s *Service) Uncertain(ctx context.Context, limit int) ([]UncertainResource, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_id, node_id, confidence FROM taxonomy_assignments
		WHERE source = ? ORDER BY resource_id, confidence DESC, node_id`, SourcePredicted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byResource := map[string][]Prediction{}
	var order []string
	for rows.Next() {
		var resourceID string
		var p Prediction
		if err := rows.Scan(&resourceID, &p.NodeID, &p.Confidence); err != nil {
			return nil, err
		}
		if _, seen := byResource[resourceID]; !seen {
			order = append(order, resourceID)
		}
		byResource[resourceID] = append(byResource[resourceID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]UncertainResource, 0, len(order))
	for _, id := range order {
		preds := byResource[id]
		confs := make([]float64, len(preds))
		for i, p := range preds {
			confs[i] = p.Confidence
		}
		out = append(out, UncertainResource{
			ResourceID:  id,
			Uncertainty: Uncertainty(confs),
			Predictions: preds,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Uncertainty != out[j].Uncertainty {
			return out[i].Uncertainty > out[j].Uncertainty
		}
		return out[i].ResourceID < out[j].ResourceID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SubmitFeedback replaces a resource's assignments with manual ground
// truth, logs a training example, and schedules a retrain once enough
// examples have accumulated.
func (s *Service) SubmitFeedback(ctx context.Context, resourceID string, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return fmt.Errorf("%w: at least one node is required", resource.ErrValidation)
	}
	if _, err := s.repo.Get(ctx, resourceID); err != nil {
		return err
	}
	var firstSlug string
	for i, nodeID := range nodeIDs {
		n, err := s.store.Get(ctx, nodeID)
		if err != nil {
			return err
		}
		if !n.AllowResources {
			return fmt.Errorf("%w: node %s does not accept resources", resource.ErrValidation, n.Path)
		}
		if i == 0 {
			firstSlug = n.Slug
		}
	}

	return s.db.InTx(ctx, func(tx *kernel.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM taxonomy_assignments WHERE resource_id = ?`, resourceID); err != nil {
			return err
		}
		now := s.store.now().Format(timeLayout)
		for _, nodeID := range nodeIDs {
			if _, err := tx.ExecContext(ctx, `INSERT INTO taxonomy_assignments
				(resource_id, node_id, confidence, source, model_version, created_at)
				VALUES (?, ?, 1.0, ?, '', ?)`,
				resourceID, nodeID, SourceManual, now); err != nil {
				return err
			}
		}
		nodeJSON, _ := json.Marshal(nodeIDs)
		if _, err := tx.ExecContext(ctx, `INSERT INTO training_examples
			(id, resource_id, node_ids, created_at) VALUES (?, ?, ?, ?)`,
			uuid.NewString(), resourceID, string(nodeJSON), now); err != nil {
			return err
		}
		if err := s.repo.SetClassificationTx(ctx, tx, resourceID, firstSlug, SourceManual); err != nil {
			return err
		}

		var pending int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM training_examples WHERE consumed = 0`).Scan(&pending); err != nil {
			return err
		}
		if pending >= s.cfg.RetrainThreshold {
			if err := s.queue.EnqueueTx(ctx, tx, taskqueue.TypeClassifierTrain, nil); err != nil {
				return err
			}
			s.logger.Info(ctx, "retrain threshold reached",
				zap.Int("pending_examples", pending))
		}
		tx.OnCommit(func() {
			s.cache.Invalidate("classification:" + resourceID + "*")
			s.bus.Emit(ctx, eventbus.ResourceClassified, map[string]any{
				"resource_id": resourceID,
				"source":      SourceManual,
				"nodes":       len(nodeIDs),
			})
		})
		return nil
	})
}

// Train runs a fine-tune over the unconsumed manual examples. The new
// model goes active only if its F1 stays within tolerance of the previous
// one; either way the run is recorded.
func (s *Service) Train(ctx context.Context) (*TrainReport, error) {
	examples, err := s.pendingExamples(ctx)
	if err != nil {
		return nil, err
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("%w: no training examples pending", resource.ErrValidation)
	}

	version, metrics, err := s.trainer.Train(ctx, examples)
	if err != nil {
		return nil, fmt.Errorf("training failed: %w", err)
	}

	prevF1, err := s.activeF1(ctx)
	if err != nil {
		return nil, err
	}
	activated := metrics.F1 >= prevF1-f1Tolerance

	metricsJSON, _ := json.Marshal(metrics)
	err = s.db.InTx(ctx, func(tx *kernel.Tx) error {
		if activated {
			if _, err := tx.ExecContext(ctx,
				`UPDATE classifier_models SET active = 0 WHERE active = 1`); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE training_examples SET consumed = 1 WHERE consumed = 0`); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO classifier_models
			(version, metrics, active, created_at) VALUES (?, ?, ?, ?)`,
			version, string(metricsJSON), boolInt(activated),
			s.store.now().Format(timeLayout)); err != nil {
			return err
		}
		if activated {
			tx.OnCommit(func() {
				if r, ok := s.classifier.(Reloadable); ok {
					if nodes, err := s.store.All(ctx); err == nil {
						r.Reload(version, nodes)
					}
				}
				s.bus.Emit(ctx, eventbus.ClassifierSwapped, map[string]any{
					"version": version,
					"f1":      metrics.F1,
				})
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !activated {
		s.logger.Warn(ctx, "new classifier rejected by F1 guard",
			zap.String("version", version),
			zap.Float64("f1", metrics.F1),
			zap.Float64("previous_f1", prevF1))
	}
	return &TrainReport{
		Version: version, Metrics: metrics,
		Activated: activated, Examples: len(examples),
	}, nil
}

func (s *Service) pendingExamples(ctx context.Context) ([]TrainingExample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.resource_id, e.node_ids,
			r.title || ' ' || r.description || ' ' || SUBSTR(r.archive_text, 1, ?)
		FROM training_examples e
		JOIN resources r ON r.id = e.resource_id
		WHERE e.consumed = 0 ORDER BY e.created_at`, classifyBodyChars)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TrainingExample
	for rows.Next() {
		var ex TrainingExample
		var nodeJSON string
		if err := rows.Scan(&ex.ID, &ex.ResourceID, &nodeJSON, &ex.Text); err != nil {
			return nil, err
		}
		ex.NodeIDs = unmarshalStrings(nodeJSON)
		out = append(out, ex)
	}
	return out, rows.Err()
}

func (s *Service) activeF1(ctx context.Context) (float64, error) {
	var metricsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT metrics FROM classifier_models WHERE active = 1`).Scan(&metricsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		// No active model yet: any F1 passes.
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var m ModelMetrics
	if err := json.Unmarshal([]byte(metricsJSON), &m); err != nil {
		return 0, err
	}
	return m.F1, nil
}
