// internal/ingest/extract.go
package ingest

import (
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/neo-alexandria/alexandria/internal/resource"
)

var doiPattern = regexp.MustCompile(`\b10\.\d{4,9}/[-._;()/:a-zA-Z0-9]+`)

// publication date layouts seen in citation_* meta tags.
var dateLayouts = []string{"2006-01-02", "2006/01/02", "2006-01", "2006"}

// Document is the extraction result: archive text plus derived metadata.
type Document struct {
	Text string
	Meta resource.Extracted
}

// ExtractDocument turns a fetched page into archive text and metadata.
// Non-HTML content types are archived verbatim with no derived metadata.
func ExtractDocument(page *Page) (*Document, error) {
	if !strings.Contains(page.ContentType, "html") {
		return &Document{Text: string(page.Body)}, nil
	}
	root, err := html.Parse(strings.NewReader(string(page.Body)))
	if err != nil {
		return nil, &PermanentError{Reason: "unparseable html: " + err.Error()}
	}

	doc := &Document{}
	var text strings.Builder
	walk(root, doc, &text)
	doc.Text = collapseWhitespace(text.String())

	if doc.Meta.DOI == "" {
		if m := doiPattern.FindString(doc.Text); m != "" {
			doc.Meta.DOI = strings.TrimRight(m, ".,;:")
		}
	}
	if !doc.Meta.HasEquations {
		doc.Meta.HasEquations = strings.Contains(doc.Text, "$$") ||
			strings.Contains(doc.Text, `\begin{equation}`)
	}
	if doc.Meta.Type == "" {
		doc.Meta.Type = "article"
	}
	return doc, nil
}

func walk(n *html.Node, doc *Document, text *strings.Builder) {
	switch n.Type {
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "nav", "header", "footer", "aside":
			return
		case "title":
			if doc.Meta.Title == "" {
				doc.Meta.Title = strings.TrimSpace(textContent(n))
			}
			return
		case "meta":
			readMeta(n, doc)
			return
		case "html":
			if lang := attr(n, "lang"); lang != "" && doc.Meta.Language == "" {
				// "en-US" -> "en"
				doc.Meta.Language = strings.SplitN(lang, "-", 2)[0]
			}
		case "table":
			doc.Meta.HasTables = true
		case "figure", "img":
			doc.Meta.HasFigures = true
		case "math":
			doc.Meta.HasEquations = true
		case "p", "div", "br", "li", "h1", "h2", "h3", "h4", "h5", "h6", "tr":
			text.WriteByte('\n')
		}
	case html.TextNode:
		text.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, doc, text)
	}
}

// readMeta folds one <meta> tag into the metadata. Scholarly citation_*
// tags beat the generic ones where both appear.
func readMeta(n *html.Node, doc *Document) {
	name := attr(n, "name")
	if name == "" {
		name = attr(n, "property")
	}
	content := strings.TrimSpace(attr(n, "content"))
	if name == "" || content == "" {
		return
	}
	switch strings.ToLower(name) {
	case "description", "og:description":
		if doc.Meta.Description == "" {
			doc.Meta.Description = content
		}
	case "og:title":
		if doc.Meta.Title == "" {
			doc.Meta.Title = content
		}
	case "author":
		if doc.Meta.Creator == "" {
			doc.Meta.Creator = content
		}
	case "citation_author":
		doc.Meta.Authors = append(doc.Meta.Authors, content)
		if doc.Meta.Creator == "" {
			doc.Meta.Creator = content
		}
	case "citation_doi", "dc.identifier.doi":
		doc.Meta.DOI = content
	case "citation_publication_date", "citation_date", "article:published_time":
		if doc.Meta.PublicationDate == nil {
			if t, ok := parseDate(content); ok {
				doc.Meta.PublicationDate = &t
			}
		}
	case "og:site_name", "citation_journal_title", "publisher":
		if doc.Meta.Publisher == "" {
			doc.Meta.Publisher = content
		}
	case "og:type":
		doc.Meta.Type = content
	case "keywords":
		if len(doc.Meta.Subjects) == 0 {
			for _, kw := range strings.Split(content, ",") {
				if kw = strings.TrimSpace(kw); kw != "" {
					doc.Meta.Subjects = append(doc.Meta.Subjects, kw)
				}
			}
		}
	case "og:locale", "dc.language":
		if doc.Meta.Language == "" {
			doc.Meta.Language = strings.SplitN(content, "_", 2)[0]
		}
	}
}

func parseDate(s string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// collapseWhitespace squeezes runs of spaces and blank lines so offsets
// into the archive stay stable across re-extraction of identical content.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
