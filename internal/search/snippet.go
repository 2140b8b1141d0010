// internal/search/snippet.go
package search

import (
	"strings"
	"unicode/utf8"
)

// snippetMax is the snippet length cap in characters.
const snippetMax = 280

// makeSnippet builds a result snippet from the resource text, centered on
// the first occurrence of any query term. Falls back to the leading text
// when no term matches.
func makeSnippet(title, description, body, query string) string {
	text := strings.TrimSpace(strings.Join(nonEmpty(title, description, body), " "))
	if text == "" {
		return ""
	}

	lower := strings.ToLower(text)
	pos := -1
	for _, term := range strings.Fields(strings.ToLower(query)) {
		if i := strings.Index(lower, term); i >= 0 && (pos == -1 || i < pos) {
			pos = i
		}
	}

	runes := []rune(text)
	if utf8.RuneCountInString(text) <= snippetMax {
		return text
	}
	if pos <= 0 {
		return string(runes[:snippetMax-1]) + "…"
	}

	// Center the window on the match, in rune space.
	center := utf8.RuneCountInString(text[:pos])
	start := center - snippetMax/2
	if start < 0 {
		start = 0
	}
	end := start + snippetMax
	if end > len(runes) {
		end = len(runes)
		start = end - snippetMax
		if start < 0 {
			start = 0
		}
	}

	out := string(runes[start:end])
	if start > 0 {
		// The ellipsis replaces the first rune of the window so the
		// tail survives intact when the window ends at the text end.
		out = "…" + string(runes[start+1:end])
	}
	if end < len(runes) {
		r := []rune(out)
		out = string(r[:len(r)-1]) + "…"
	}
	return out
}

func nonEmpty(parts ...string) []string {
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}
