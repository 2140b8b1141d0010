// Package citations extracts outbound references from archived resource
// text, resolves them to library resources by normalized URL, and ranks
// resources by PageRank over the resolved citation graph.
package citations

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Citation types, classified from the target URL.
const (
	TypeReference = "reference" // DOI, arxiv, scholar
	TypeCode      = "code"      // github, gitlab, bitbucket
	TypeDataset   = "dataset"   // data files and data portals
	TypeGeneral   = "general"
)

// contextRadius is the number of characters kept on each side of a match.
const contextRadius = 120

var (
	urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]}]+`)
	doiPattern = regexp.MustCompile(`\b10\.\d{4,9}/[-._;()/:A-Za-z0-9]+`)
)

// codeHosts and referenceHosts drive type classification.
var (
	codeHosts      = []string{"github.com", "gitlab.com", "bitbucket.org"}
	referenceHosts = []string{"doi.org", "arxiv.org", "scholar.google.com"}
	datasetHosts   = []string{"data.gov", "kaggle.com", "zenodo.org", "figshare.com"}
	datasetExts    = []string{".csv", ".json", ".xml", ".xlsx"}
)

// Candidate is one extracted citation before persistence.
type Candidate struct {
	TargetURL     string
	NormalizedURL string
	Type          string
	Context       string
	Position      int
}

// Extract scans text for citation candidates: URLs and bare DOIs, each
// with a context snippet and sequential position. Duplicate targets keep
// their first occurrence.
func Extract(text string) []Candidate {
	type match struct {
		start, end int
		target     string
	}
	var matches []match

	for _, loc := range urlPattern.FindAllStringIndex(text, -1) {
		target := strings.TrimRight(text[loc[0]:loc[1]], ".,;:")
		matches = append(matches, match{start: loc[0], end: loc[1], target: target})
	}
	for _, loc := range doiPattern.FindAllStringIndex(text, -1) {
		// Skip DOIs that are part of an already-captured URL.
		inside := false
		for _, m := range matches {
			if loc[0] >= m.start && loc[1] <= m.end {
				inside = true
				break
			}
		}
		if inside {
			continue
		}
		doi := strings.TrimRight(text[loc[0]:loc[1]], ".,;:")
		matches = append(matches, match{start: loc[0], end: loc[1], target: "https://doi.org/" + doi})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].start < matches[j].start })

	seen := map[string]bool{}
	var out []Candidate
	for _, m := range matches {
		normalized := NormalizeURL(m.target)
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true
		out = append(out, Candidate{
			TargetURL:     m.target,
			NormalizedURL: normalized,
			Type:          Classify(m.target),
			Context:       contextAround(text, m.start, m.end),
			Position:      len(out),
		})
	}
	return out
}

// Classify assigns a citation type from the URL's host and extension.
func Classify(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return TypeGeneral
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	path := strings.ToLower(u.Path)

	for _, h := range referenceHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return TypeReference
		}
	}
	for _, h := range codeHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return TypeCode
		}
	}
	for _, h := range datasetHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return TypeDataset
		}
	}
	for _, ext := range datasetExts {
		if strings.HasSuffix(path, ext) {
			return TypeDataset
		}
	}
	return TypeGeneral
}

// NormalizeURL canonicalizes a URL for matching: lowercase scheme and
// host, fragment dropped, tracking parameters stripped, trailing slash
// trimmed. Returns "" for unparseable input.
func NormalizeURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	q := u.Query()
	for key := range q {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "utm_") || lower == "fbclid" || lower == "gclid" || lower == "ref" {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

func contextAround(text string, start, end int) string {
	from := start - contextRadius
	if from < 0 {
		from = 0
	}
	to := end + contextRadius
	if to > len(text) {
		to = len(text)
	}
	return strings.TrimSpace(text[from:to])
}
