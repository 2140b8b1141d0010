// internal/taxonomy/trainer.go
package taxonomy

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// KeywordTrainer "fine-tunes" the keyword classifier: it rebuilds a
// candidate snapshot from the current tree and validates it against the
// manual examples with micro-averaged F1. A real fine-tuning backend
// plugs in behind the same Trainer interface.
type KeywordTrainer struct {
	store *Store
}

// NewKeywordTrainer wires the default trainer.
func NewKeywordTrainer(store *Store) *KeywordTrainer {
	return &KeywordTrainer{store: store}
}

// Train builds a candidate model and reports its validation metrics.
func (t *KeywordTrainer) Train(ctx context.Context, examples []TrainingExample) (string, ModelMetrics, error) {
	nodes, err := t.store.All(ctx)
	if err != nil {
		return "", ModelMetrics{}, err
	}
	version := "keyword-" + uuid.NewString()[:8]
	candidate := NewKeywordClassifier(version, nodes)

	var tp, fp, fn float64
	for _, ex := range examples {
		preds, err := candidate.Predict(ctx, ex.Text, 10)
		if err != nil {
			return "", ModelMetrics{}, fmt.Errorf("validation predict: %w", err)
		}
		predicted := map[string]bool{}
		for _, p := range preds {
			if p.Confidence >= DropThreshold {
				predicted[p.NodeID] = true
			}
		}
		truth := map[string]bool{}
		for _, id := range ex.NodeIDs {
			truth[id] = true
		}
		for id := range predicted {
			if truth[id] {
				tp++
			} else {
				fp++
			}
		}
		for id := range truth {
			if !predicted[id] {
				fn++
			}
		}
	}

	m := ModelMetrics{Examples: len(examples)}
	if tp+fp > 0 {
		m.Precision = tp / (tp + fp)
	}
	if tp+fn > 0 {
		m.Recall = tp / (tp + fn)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return version, m, nil
}
