// internal/taxonomy/classifier.go
package taxonomy

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Prediction pairs a taxonomy node with a calibrated confidence in [0,1].
type Prediction struct {
	NodeID     string  `json:"node_id"`
	Confidence float64 `json:"confidence"`
}

// Confidence thresholds. Predictions under DropThreshold are discarded;
// predictions inside [DropThreshold, ReviewThreshold) flag the resource
// for human review.
const (
	DropThreshold   = 0.30
	ReviewThreshold = 0.70
)

// Classifier predicts taxonomy nodes for free text.
type Classifier interface {
	Predict(ctx context.Context, text string, topK int) ([]Prediction, error)
	Version() string
}

// ModelMetrics is what a training run reports.
type ModelMetrics struct {
	F1        float64 `json:"f1"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	Examples  int     `json:"examples"`
}

// TrainingExample is one manual-feedback ground-truth row.
type TrainingExample struct {
	ID         string
	ResourceID string
	NodeIDs    []string
	Text       string
}

// Trainer fine-tunes a classifier on manual examples and reports a new
// model version with its validation metrics.
type Trainer interface {
	Train(ctx context.Context, examples []TrainingExample) (version string, metrics ModelMetrics, err error)
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// KeywordClassifier is the default deterministic classifier: per-node
// keyword hits pushed through a sigmoid. It stands in for the fine-tuned
// model wherever no external classifier is configured, and its versioned
// snapshots make the hot-swap path testable.
type KeywordClassifier struct {
	mu       sync.RWMutex
	version  string
	keywords map[string][]string // node id -> lowercased keywords
}

// NewKeywordClassifier builds a classifier over the given nodes. Nodes
// without keywords fall back to their name tokens.
func NewKeywordClassifier(version string, nodes []*Node) *KeywordClassifier {
	kc := &KeywordClassifier{version: version, keywords: map[string][]string{}}
	kc.Reload(version, nodes)
	return kc
}

// Reload swaps in a new keyword snapshot under a new version.
func (kc *KeywordClassifier) Reload(version string, nodes []*Node) {
	kw := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		if !n.AllowResources {
			continue
		}
		words := n.Keywords
		if len(words) == 0 {
			words = tokenPattern.FindAllString(strings.ToLower(n.Name), -1)
		}
		lowered := make([]string, 0, len(words))
		for _, w := range words {
			lowered = append(lowered, strings.ToLower(w))
		}
		if len(lowered) > 0 {
			kw[n.ID] = lowered
		}
	}
	kc.mu.Lock()
	kc.version = version
	kc.keywords = kw
	kc.mu.Unlock()
}

// Version returns the active model version.
func (kc *KeywordClassifier) Version() string {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	return kc.version
}

// Predict scores every node by keyword hits in the text. Confidence is
// sigmoid(2·hits − 2.5): one hit lands at ~0.38 (inside the review band),
// two at ~0.82, zero at ~0.08 and is dropped by the caller's threshold.
func (kc *KeywordClassifier) Predict(ctx context.Context, text string, topK int) ([]Prediction, error) {
	if topK <= 0 {
		topK = 5
	}
	tokens := map[string]bool{}
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		tokens[tok] = true
	}

	kc.mu.RLock()
	defer kc.mu.RUnlock()
	var out []Prediction
	for nodeID, words := range kc.keywords {
		hits := 0
		for _, w := range words {
			if tokens[w] {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		out = append(out, Prediction{
			NodeID:     nodeID,
			Confidence: sigmoid(2*float64(hits) - 2.5),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].NodeID < out[j].NodeID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

// Uncertainty is the composite active-learning score in [0,1]:
// the mean of normalized entropy, 1 − max confidence, and 1 − top-2
// margin over a resource's predicted confidences.
func Uncertainty(confidences []float64) float64 {
	if len(confidences) == 0 {
		return 0
	}
	sorted := append([]float64(nil), confidences...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))

	sum := 0.0
	for _, c := range sorted {
		sum += c
	}
	entropy := 0.0
	if sum > 0 && len(sorted) > 1 {
		h := 0.0
		for _, c := range sorted {
			p := c / sum
			if p > 0 {
				h -= p * math.Log(p)
			}
		}
		entropy = h / math.Log(float64(len(sorted)))
	}

	maxProb := sorted[0]
	margin := sorted[0]
	if len(sorted) > 1 {
		margin = sorted[0] - sorted[1]
	}
	return (entropy + (1 - maxProb) + (1 - margin)) / 3
}
