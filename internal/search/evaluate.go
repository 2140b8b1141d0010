// internal/search/evaluate.go
package search

import (
	"math"
	"sort"
)

// EvalMetrics holds ranking quality metrics for one query at cutoff K.
type EvalMetrics struct {
	K         int     `json:"k"`
	NDCG      float64 `json:"ndcg"`
	Recall    float64 `json:"recall"`
	Precision float64 `json:"precision"`
	MRR       float64 `json:"mrr"`
}

// evaluateRanking scores a ranked id list against graded relevance
// judgments. A judgment > 0 counts as relevant for recall, precision, and
// MRR; nDCG uses the graded values directly.
func evaluateRanking(ranked []string, judgments map[string]float64, k int) EvalMetrics {
	if k <= 0 || k > len(ranked) {
		k = len(ranked)
	}
	m := EvalMetrics{K: k}

	totalRelevant := 0
	for _, rel := range judgments {
		if rel > 0 {
			totalRelevant++
		}
	}

	dcg := 0.0
	hits := 0
	for i := 0; i < k; i++ {
		rel := judgments[ranked[i]]
		dcg += rel / math.Log2(float64(i)+2)
		if rel > 0 {
			hits++
			if m.MRR == 0 {
				m.MRR = 1 / float64(i+1)
			}
		}
	}

	ideal := make([]float64, 0, len(judgments))
	for _, rel := range judgments {
		if rel > 0 {
			ideal = append(ideal, rel)
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(ideal)))
	idcg := 0.0
	for i := 0; i < len(ideal) && i < k; i++ {
		idcg += ideal[i] / math.Log2(float64(i)+2)
	}

	if idcg > 0 {
		m.NDCG = dcg / idcg
	}
	if totalRelevant > 0 {
		m.Recall = float64(hits) / float64(totalRelevant)
	}
	if k > 0 {
		m.Precision = float64(hits) / float64(k)
	}
	return m
}
