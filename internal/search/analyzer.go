// internal/search/analyzer.go
package search

import (
	"context"
	"strings"
	"unicode"
)

// Retrieval method names, used as weight keys and diagnostics labels.
const (
	MethodLexical = "lexical"
	MethodDense   = "dense"
	MethodSparse  = "sparse"
)

// stopwords is the small closed set the analyzer checks ratio against.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "how": true, "in": true,
	"is": true, "it": true, "of": true, "on": true, "or": true, "that": true,
	"the": true, "to": true, "was": true, "what": true, "when": true,
	"where": true, "which": true, "who": true, "why": true, "with": true,
}

// termCounter reports how many documents contain an exact term.
type termCounter interface {
	MatchCount(ctx context.Context, term string) (int, error)
}

// analyzeWeights picks fusion weights from deterministic query features:
//
//   - a single ASCII token that is an exact term in at least 5 documents is
//     a lookup, so lexical leads (0.5 / 0.25 / 0.25);
//   - a short keyword query (2-3 tokens, stopword ratio < 0.5) splits
//     nearly evenly (0.35 / 0.35 / 0.30);
//   - anything longer or stopword-heavy reads like natural language, so
//     dense leads (0.25 / 0.45 / 0.30).
func analyzeWeights(ctx context.Context, query string, counter termCounter) map[string]float64 {
	tokens := strings.Fields(strings.ToLower(query))

	if len(tokens) == 1 && isASCII(tokens[0]) && counter != nil {
		if n, err := counter.MatchCount(ctx, tokens[0]); err == nil && n >= 5 {
			return map[string]float64{MethodLexical: 0.5, MethodDense: 0.25, MethodSparse: 0.25}
		}
	}

	stop := 0
	for _, tok := range tokens {
		if stopwords[tok] {
			stop++
		}
	}
	ratio := 0.0
	if len(tokens) > 0 {
		ratio = float64(stop) / float64(len(tokens))
	}

	if len(tokens) >= 2 && len(tokens) <= 3 && ratio < 0.5 {
		return map[string]float64{MethodLexical: 0.35, MethodDense: 0.35, MethodSparse: 0.30}
	}
	return map[string]float64{MethodLexical: 0.25, MethodDense: 0.45, MethodSparse: 0.30}
}

// uniformWeights gives every method an equal share.
func uniformWeights() map[string]float64 {
	third := 1.0 / 3.0
	return map[string]float64{MethodLexical: third, MethodDense: third, MethodSparse: third}
}

// renormalize drops the weights of unavailable methods and rescales the
// rest to sum to 1. With every method gone it returns an empty map.
func renormalize(weights map[string]float64, available map[string]bool) map[string]float64 {
	out := make(map[string]float64, len(weights))
	sum := 0.0
	for m, w := range weights {
		if available[m] {
			out[m] = w
			sum += w
		}
	}
	if sum == 0 {
		return map[string]float64{}
	}
	for m := range out {
		out[m] /= sum
	}
	return out
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}
