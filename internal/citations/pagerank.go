// internal/citations/pagerank.go
package citations

// PageRank parameters.
const (
	damping       = 0.85
	maxIterations = 100
	epsilon       = 1e-6
)

// pagerank computes PageRank over a directed graph given as adjacency
// (source -> targets). Dangling nodes distribute their mass uniformly.
// The result is normalized so the highest-ranked node scores 1.0.
func pagerank(edges map[string][]string) map[string]float64 {
	nodes := map[string]bool{}
	for src, targets := range edges {
		nodes[src] = true
		for _, t := range targets {
			nodes[t] = true
		}
	}
	n := len(nodes)
	if n == 0 {
		return map[string]float64{}
	}

	rank := make(map[string]float64, n)
	for id := range nodes {
		rank[id] = 1.0 / float64(n)
	}

	for iter := 0; iter < maxIterations; iter++ {
		next := make(map[string]float64, n)
		dangling := 0.0
		for id := range nodes {
			if len(edges[id]) == 0 {
				dangling += rank[id]
			}
		}
		base := (1-damping)/float64(n) + damping*dangling/float64(n)
		for id := range nodes {
			next[id] = base
		}
		for src, targets := range edges {
			if len(targets) == 0 {
				// Dangling; its mass is already in the base term.
				continue
			}
			share := damping * rank[src] / float64(len(targets))
			for _, t := range targets {
				next[t] += share
			}
		}

		delta := 0.0
		for id := range nodes {
			d := next[id] - rank[id]
			if d < 0 {
				d = -d
			}
			delta += d
		}
		rank = next
		if delta < epsilon {
			break
		}
	}

	max := 0.0
	for _, r := range rank {
		if r > max {
			max = r
		}
	}
	if max > 0 {
		for id := range rank {
			rank[id] /= max
		}
	}
	return rank
}
