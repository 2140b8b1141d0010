// internal/quality/isoforest.go
package quality

import (
	"math"
	"math/rand"
)

// Isolation forest defaults. The seed is fixed so outlier runs are
// reproducible for a given data set.
const (
	forestTrees      = 100
	forestSampleSize = 256
	forestSeed       = 1
)

// isoTree is one isolation tree node.
type isoTree struct {
	left, right *isoTree
	splitDim    int
	splitValue  float64
	size        int
}

// isolationForest isolates anomalies by random axis-aligned splits:
// points that separate in few splits are unusual.
type isolationForest struct {
	trees      []*isoTree
	sampleSize int
}

// newIsolationForest fits a forest over the given points.
func newIsolationForest(points [][]float64) *isolationForest {
	f := &isolationForest{sampleSize: forestSampleSize}
	if len(points) < f.sampleSize {
		f.sampleSize = len(points)
	}
	if f.sampleSize < 2 {
		return f
	}
	rng := rand.New(rand.NewSource(forestSeed))
	maxDepth := int(math.Ceil(math.Log2(float64(f.sampleSize))))

	for i := 0; i < forestTrees; i++ {
		sample := make([][]float64, f.sampleSize)
		for j := range sample {
			sample[j] = points[rng.Intn(len(points))]
		}
		f.trees = append(f.trees, buildIsoTree(sample, 0, maxDepth, rng))
	}
	return f
}

func buildIsoTree(points [][]float64, depth, maxDepth int, rng *rand.Rand) *isoTree {
	if len(points) <= 1 || depth >= maxDepth {
		return &isoTree{size: len(points)}
	}
	dims := len(points[0])
	dim := rng.Intn(dims)

	lo, hi := points[0][dim], points[0][dim]
	for _, p := range points[1:] {
		if p[dim] < lo {
			lo = p[dim]
		}
		if p[dim] > hi {
			hi = p[dim]
		}
	}
	if lo == hi {
		return &isoTree{size: len(points)}
	}
	split := lo + rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, p := range points {
		if p[dim] < split {
			left = append(left, p)
		} else {
			right = append(right, p)
		}
	}
	return &isoTree{
		splitDim:   dim,
		splitValue: split,
		size:       len(points),
		left:       buildIsoTree(left, depth+1, maxDepth, rng),
		right:      buildIsoTree(right, depth+1, maxDepth, rng),
	}
}

// anomalyScore returns s(x) = 2^(−E[h(x)]/c(ψ)) in (0,1]; values near 1
// are anomalous, values near 0.5 and below are ordinary.
func (f *isolationForest) anomalyScore(p []float64) float64 {
	if len(f.trees) == 0 {
		return 0
	}
	total := 0.0
	for _, t := range f.trees {
		total += pathLength(t, p, 0)
	}
	mean := total / float64(len(f.trees))
	return math.Pow(2, -mean/avgPathLength(f.sampleSize))
}

func pathLength(t *isoTree, p []float64, depth float64) float64 {
	if t.left == nil {
		return depth + avgPathLength(t.size)
	}
	if p[t.splitDim] < t.splitValue {
		return pathLength(t.left, p, depth+1)
	}
	return pathLength(t.right, p, depth+1)
}

// avgPathLength is c(n), the expected path length of an unsuccessful BST
// search over n points.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+0.5772156649) - 2*(fn-1)/fn
}
