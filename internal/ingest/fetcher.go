// Package ingest owns the URL-to-resource pipeline: fetch, extract,
// archive, enrich, and the status transitions around them. Fetching is an
// opaque gateway so tests and offline deployments can substitute their own.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxBodyBytes bounds a fetched document. Larger bodies are truncated,
// not rejected; the archive keeps what fit.
const maxBodyBytes = 10 << 20

// PermanentError marks a fetch failure that retrying cannot fix. The
// pipeline fails the resource immediately instead of burning attempts.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string { return e.Reason }

// Permanent reports whether err is beyond retry.
func Permanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Page is the raw fetched document.
type Page struct {
	FinalURL    string
	ContentType string
	Body        []byte
}

// Fetcher retrieves a URL. Implementations honor the context deadline.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Page, error)
}

// HTTPFetcher fetches over HTTP with a per-host rate limit so ingesting a
// batch of links from one site does not hammer it.
type HTTPFetcher struct {
	client      *http.Client
	ratePerHost float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPFetcher creates a fetcher. ratePerHost is requests per second
// against a single host; zero or negative disables limiting.
func NewHTTPFetcher(timeout time.Duration, ratePerHost float64) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{
		client:      &http.Client{Timeout: timeout},
		ratePerHost: ratePerHost,
		limiters:    make(map[string]*rate.Limiter),
	}
}

func (f *HTTPFetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(f.ratePerHost), 1)
		f.limiters[host] = lim
	}
	return lim
}

// Fetch retrieves the URL. 4xx statuses are permanent; network errors,
// 429 and 5xx are transient and left to the task queue's backoff.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, &PermanentError{Reason: fmt.Sprintf("unfetchable url %q", rawURL)}
	}
	if f.ratePerHost > 0 {
		if err := f.limiter(parsed.Host).Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &PermanentError{Reason: err.Error()}
	}
	req.Header.Set("User-Agent", "alexandria/1.0 (+https://github.com/neo-alexandria/alexandria)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", parsed.Host, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("fetch %s: upstream status %d", parsed.Host, resp.StatusCode)
	default:
		return nil, &PermanentError{Reason: fmt.Sprintf("fetch %s: status %d", parsed.Host, resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", parsed.Host, err)
	}
	contentType := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &Page{
		FinalURL:    finalURL,
		ContentType: strings.TrimSpace(strings.ToLower(contentType)),
		Body:        body,
	}, nil
}
