// internal/search/fusion.go
package search

import "sort"

// rrfK is the Reciprocal Rank Fusion constant. 60 flattens the rank curve
// enough that a document ranked well by two methods beats one ranked first
// by a single method.
const rrfK = 60.0

// rankedList is one retriever's output in rank order with raw scores.
type rankedList struct {
	method string
	ids    []string
	scores map[string]float64
}

// fused is one document after fusion.
type fused struct {
	id      string
	score   float64
	methods map[string]float64 // raw per-method scores, for diagnostics
}

// fuse combines ranked lists with weighted RRF:
//
//	score(id) = sum over methods of w_m / (k + rank_m(id))
//
// Ranks are 1-based. An id absent from a list contributes nothing for that
// method. Output is sorted by fused score descending, ties by id ascending
// so pagination is stable.
func fuse(lists []rankedList, weights map[string]float64) []fused {
	byID := make(map[string]*fused)
	for _, list := range lists {
		w := weights[list.method]
		if w == 0 {
			continue
		}
		for rank, id := range list.ids {
			f, ok := byID[id]
			if !ok {
				f = &fused{id: id, methods: make(map[string]float64, len(lists))}
				byID[id] = f
			}
			f.score += w / (rrfK + float64(rank+1))
			f.methods[list.method] = list.scores[id]
		}
	}

	out := make([]fused, 0, len(byID))
	for _, f := range byID {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	return out
}
