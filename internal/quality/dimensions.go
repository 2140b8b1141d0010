// Package quality scores resources along five dimensions, detects outliers
// with an isolation forest, and monitors score degradation over time.
package quality

import (
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/neo-alexandria/alexandria/internal/resource"
)

// Score is one computed assessment.
type Score struct {
	ResourceID   string  `json:"resource_id"`
	Overall      float64 `json:"overall"`
	Accuracy     float64 `json:"accuracy"`
	Completeness float64 `json:"completeness"`
	Consistency  float64 `json:"consistency"`
	Timeliness   float64 `json:"timeliness"`
	Relevance    float64 `json:"relevance"`
	NeedsReview  bool    `json:"needs_review"`
}

// Weights combine the five dimensions into the overall score. They must
// sum to 1 within weightEpsilon.
type Weights struct {
	Accuracy     float64 `json:"accuracy"`
	Completeness float64 `json:"completeness"`
	Consistency  float64 `json:"consistency"`
	Timeliness   float64 `json:"timeliness"`
	Relevance    float64 `json:"relevance"`
}

const weightEpsilon = 1e-6

// Valid reports whether the weights sum to 1.
func (w Weights) Valid() bool {
	sum := w.Accuracy + w.Completeness + w.Consistency + w.Timeliness + w.Relevance
	return math.Abs(sum-1) <= weightEpsilon
}

// Overall applies the weights to the five dimension values.
func (w Weights) Overall(s Score) float64 {
	return w.Accuracy*s.Accuracy +
		w.Completeness*s.Completeness +
		w.Consistency*s.Consistency +
		w.Timeliness*s.Timeliness +
		w.Relevance*s.Relevance
}

// credibleDomains are hosts whose content gets the accuracy domain bonus.
var credibleDomains = []string{
	"arxiv.org", "doi.org", "acm.org", "ieee.org", "nature.com",
	"sciencedirect.com", "springer.com", "wikipedia.org",
	".edu", ".gov",
}

// accuracy: 0.5 baseline, plus citation validity, domain credibility,
// academic identifier, and author presence bonuses.
func accuracy(r *resource.Resource, validCitations, totalCitations int) float64 {
	score := 0.5
	if totalCitations > 0 {
		score += 0.20 * float64(validCitations) / float64(totalCitations)
	}
	if credibleDomain(r.URL) {
		score += 0.15
	}
	if hasAcademicIdentifier(r) {
		score += 0.15
	}
	if len(r.Authors) > 0 {
		score += 0.10
	}
	return clamp01(score)
}

func credibleDomain(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for _, d := range credibleDomains {
		if strings.HasPrefix(d, ".") {
			if strings.HasSuffix(host, d) {
				return true
			}
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func hasAcademicIdentifier(r *resource.Resource) bool {
	if r.DOI != "" {
		return true
	}
	lower := strings.ToLower(r.URL)
	return strings.Contains(lower, "arxiv.org/abs/") || strings.Contains(lower, "doi.org/")
}

// completeness: weighted fraction of filled field groups.
func completeness(r *resource.Resource) float64 {
	required := fieldFraction(
		r.Title != "", r.Description != "", len(r.Subjects) > 0)
	important := fieldFraction(
		r.Creator != "", r.Publisher != "", r.Language != "", r.Type != "")
	scholarly := fieldFraction(
		r.DOI != "", r.Description != "", len(r.Authors) > 0, r.PublicationDate != nil)
	multimodal := fieldFraction(r.HasEquations, r.HasTables, r.HasFigures)

	return clamp01(0.30*required + 0.30*important + 0.20*scholarly + 0.20*multimodal)
}

func fieldFraction(filled ...bool) float64 {
	n := 0
	for _, f := range filled {
		if f {
			n++
		}
	}
	return float64(n) / float64(len(filled))
}

// classificationConflictPenalty is subtracted from consistency when the
// classification code shares no token with any subject.
const classificationConflictPenalty = 0.15

// consistency: title/description embedding cosine renormalized to [0,1],
// minus a penalty when the classification contradicts the subjects.
func consistency(titleDescCosine float64, r *resource.Resource) float64 {
	score := (titleDescCosine + 1) / 2
	if classificationConflicts(r.ClassificationCode, r.Subjects) {
		score -= classificationConflictPenalty
	}
	return clamp01(score)
}

func classificationConflicts(code string, subjects []string) bool {
	if code == "" || len(subjects) == 0 {
		return false
	}
	codeTokens := tokenize(code)
	for _, subject := range subjects {
		for _, st := range tokenize(subject) {
			for _, ct := range codeTokens {
				if st == ct {
					return false
				}
			}
		}
	}
	return true
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}

// timeliness decay horizon and recent-ingest bonus window.
const (
	timelinessHorizonYears = 20.0
	recentIngestWindow     = 30 * 24 * time.Hour
	recentIngestBonus      = 0.10
)

// timeliness: linear decay over twenty years from the publication date,
// plus a bonus for recently ingested resources. Without a publication
// date the decay term is neutral (0.5).
func timeliness(r *resource.Resource, now time.Time) float64 {
	score := 0.5
	if r.PublicationDate != nil {
		ageYears := now.Sub(*r.PublicationDate).Hours() / (24 * 365.25)
		score = math.Max(0, 1-ageYears/timelinessHorizonYears)
	}
	if now.Sub(r.CreatedAt) <= recentIngestWindow {
		score += recentIngestBonus
	}
	return clamp01(score)
}

// relevanceInboundCap normalizes the inbound citation count.
const relevanceInboundCap = 10

// relevance: classification confidence blended with citation in-degree.
func relevance(maxClassificationConfidence float64, inboundCitations int) float64 {
	normalized := math.Min(1, float64(inboundCitations)/relevanceInboundCap)
	return clamp01(0.7*maxClassificationConfidence + 0.3*normalized)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
