package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo-alexandria/alexandria/internal/config"
	"github.com/neo-alexandria/alexandria/internal/embeddings"
	"github.com/neo-alexandria/alexandria/internal/eventbus"
	"github.com/neo-alexandria/alexandria/internal/index/dense"
	"github.com/neo-alexandria/alexandria/internal/index/lexical"
	"github.com/neo-alexandria/alexandria/internal/kernel"
	"github.com/neo-alexandria/alexandria/internal/logging"
	"github.com/neo-alexandria/alexandria/internal/resource"
	"github.com/neo-alexandria/alexandria/internal/taskqueue"
)

type stubFetcher struct {
	pages map[string]*Page
	err   error
}

func (s *stubFetcher) Fetch(_ context.Context, rawURL string) (*Page, error) {
	if s.err != nil {
		return nil, s.err
	}
	page, ok := s.pages[rawURL]
	if !ok {
		return nil, &PermanentError{Reason: "no such page"}
	}
	return page, nil
}

type fixture struct {
	db       *kernel.DB
	repo     *resource.Repository
	queue    *taskqueue.Queue
	bus      *eventbus.Bus
	fetcher  *stubFetcher
	pipeline *Pipeline
	events   *[]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := kernel.NewFakeClock(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	db, err := kernel.Open(":memory:", clock)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logging.NewNop()
	repo := resource.NewRepository(db)
	queue := taskqueue.New(db)
	bus := eventbus.New(logger)
	provider, err := embeddings.NewHashProvider("hash-test", 32)
	require.NoError(t, err)
	vectors, err := dense.NewChromemIndex("", "resources", 32, logger)
	require.NoError(t, err)
	t.Cleanup(func() { vectors.Close() })

	var events []string
	for _, typ := range []string{eventbus.ResourceContentChanged,
		eventbus.IngestionCompleted, eventbus.IngestionFailed} {
		typ := typ
		bus.Subscribe(typ, "test", func(context.Context, eventbus.Event) error {
			events = append(events, typ)
			return nil
		})
	}

	fetcher := &stubFetcher{pages: map[string]*Page{}}
	pipeline := NewPipeline(db, repo, fetcher, provider,
		embeddings.NewLogTFEncoder("logtf-test"), lexical.New(db, logger),
		vectors, queue, bus, config.IngestConfig{MaxAttempts: 3}, logger)
	return &fixture{db: db, repo: repo, queue: queue, bus: bus,
		fetcher: fetcher, pipeline: pipeline, events: &events}
}

func (f *fixture) addPending(t *testing.T, id, url string, overrides resource.Overrides) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.db.InTx(ctx, func(tx *kernel.Tx) error {
		return f.repo.CreateTx(ctx, tx, &resource.Resource{
			ID: id, URL: url,
			Title:       overrides.Title,
			Description: overrides.Description,
			Subjects:    overrides.Subjects,
		})
	}))
}

func ingestTask(id string, attempts int) *taskqueue.Task {
	return &taskqueue.Task{
		Type:        taskqueue.TypeIngestProcess,
		Payload:     map[string]any{"resource_id": id},
		Attempts:    attempts,
		MaxAttempts: 3,
	}
}

const samplePage = `<!DOCTYPE html>
<html lang="en-GB">
<head>
<title>Attention Is All You Need</title>
<meta name="description" content="Transformer architecture paper.">
<meta name="citation_author" content="Vaswani, Ashish">
<meta name="citation_author" content="Shazeer, Noam">
<meta name="citation_doi" content="10.5555/3295222">
<meta name="citation_publication_date" content="2017-06-12">
<meta name="keywords" content="attention, transformers">
<script>trackEverything();</script>
</head>
<body>
<p>The dominant sequence transduction models use recurrence.</p>
<table><tr><td>BLEU</td></tr></table>
<figure><img src="arch.png"></figure>
</body>
</html>`

func TestPipelineCompletesResource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fetcher.pages["https://example.org/paper"] = &Page{
		FinalURL:    "https://example.org/paper",
		ContentType: "text/html",
		Body:        []byte(samplePage),
	}
	f.addPending(t, "r1", "https://example.org/paper", resource.Overrides{})

	require.NoError(t, f.pipeline.Process(ctx, ingestTask("r1", 0)))

	res, err := f.repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, resource.StatusCompleted, res.IngestionStatus)
	assert.Equal(t, "Attention Is All You Need", res.Title)
	assert.Equal(t, "Transformer architecture paper.", res.Description)
	assert.Equal(t, "en", res.Language)
	assert.Equal(t, "10.5555/3295222", res.DOI)
	assert.Equal(t, []string{"Vaswani, Ashish", "Shazeer, Noam"}, res.Authors)
	assert.Equal(t, []string{"attention", "transformers"}, res.Subjects)
	require.NotNil(t, res.PublicationDate)
	assert.True(t, res.HasTables)
	assert.True(t, res.HasFigures)
	assert.NotNil(t, res.StartedAt)
	assert.NotNil(t, res.CompletedAt)

	archive, err := f.repo.ArchiveText(ctx, "r1")
	require.NoError(t, err)
	assert.Contains(t, archive, "sequence transduction")
	assert.NotContains(t, archive, "trackEverything")

	vec, err := f.repo.DenseVectorFor(ctx, "r1")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, embeddings.Norm(vec.Vector), 1e-6)
	_, err = f.repo.SparseVectorFor(ctx, "r1")
	require.NoError(t, err)

	hits, err := f.pipeline.lexical.Search(ctx, "transduction", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "r1", hits[0].ResourceID)

	depth, err := f.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, depth, "classify, quality, citations, graph scheduled")

	assert.Equal(t, []string{eventbus.ResourceContentChanged, eventbus.IngestionCompleted}, *f.events)
}

func TestPipelineKeepsOverrides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fetcher.pages["https://example.org/paper"] = &Page{
		ContentType: "text/html", Body: []byte(samplePage)}
	f.addPending(t, "r1", "https://example.org/paper", resource.Overrides{
		Title:    "My Reading Copy",
		Subjects: []string{"nlp"},
	})

	require.NoError(t, f.pipeline.Process(ctx, ingestTask("r1", 0)))

	res, err := f.repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "My Reading Copy", res.Title)
	assert.Equal(t, []string{"nlp"}, res.Subjects)
	assert.Equal(t, "Transformer architecture paper.", res.Description,
		"blank fields still fill from extraction")
}

func TestPipelinePermanentFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPending(t, "r1", "https://example.org/gone", resource.Overrides{})

	require.NoError(t, f.pipeline.Process(ctx, ingestTask("r1", 0)),
		"permanent failures settle the task")

	res, err := f.repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, resource.StatusFailed, res.IngestionStatus)
	assert.Contains(t, res.IngestionError, "no such page")
	assert.Equal(t, []string{eventbus.IngestionFailed}, *f.events)
}

func TestPipelineTransientRetryThenExhaustion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fetcher.err = errors.New("connection reset")
	f.addPending(t, "r1", "https://example.org/flaky", resource.Overrides{})

	err := f.pipeline.Process(ctx, ingestTask("r1", 0))
	require.Error(t, err, "transient failure propagates for backoff")
	res, err2 := f.repo.Get(ctx, "r1")
	require.NoError(t, err2)
	assert.Equal(t, resource.StatusPending, res.IngestionStatus)

	require.NoError(t, f.pipeline.Process(ctx, ingestTask("r1", 2)),
		"last attempt settles")
	res, err = f.repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, resource.StatusFailed, res.IngestionStatus)
	assert.Contains(t, res.IngestionError, "connection reset")
}

func TestPipelineIgnoresSettledAndDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.pipeline.Process(ctx, ingestTask("ghost", 0)))

	f.addPending(t, "r1", "https://example.org/x", resource.Overrides{})
	require.NoError(t, f.db.InTx(ctx, func(tx *kernel.Tx) error {
		if err := f.repo.MarkProcessing(ctx, tx, "r1"); err != nil {
			return err
		}
		return f.repo.MarkFailed(ctx, tx, "r1", "earlier attempt")
	}))
	require.NoError(t, f.pipeline.Process(ctx, ingestTask("r1", 1)))
	res, err := f.repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "earlier attempt", res.IngestionError)
}

func TestReindexReplaysCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fetcher.pages["https://example.org/paper"] = &Page{
		ContentType: "text/html", Body: []byte(samplePage)}
	f.addPending(t, "r1", "https://example.org/paper", resource.Overrides{})
	require.NoError(t, f.pipeline.Process(ctx, ingestTask("r1", 0)))

	count, err := f.pipeline.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestExtractDocumentNonHTML(t *testing.T) {
	doc, err := ExtractDocument(&Page{ContentType: "text/plain", Body: []byte("plain notes")})
	require.NoError(t, err)
	assert.Equal(t, "plain notes", doc.Text)
	assert.Empty(t, doc.Meta.Title)
}

func TestExtractDocumentFindsDOIInBody(t *testing.T) {
	page := &Page{ContentType: "text/html",
		Body: []byte(`<html><body><p>See doi 10.1000/xyz123 for details. Also $$E=mc^2$$.</p></body></html>`)}
	doc, err := ExtractDocument(page)
	require.NoError(t, err)
	assert.Equal(t, "10.1000/xyz123", doc.Meta.DOI)
	assert.True(t, doc.Meta.HasEquations)
}

func TestHTTPFetcherStatusClassification(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte("<html><body>hi</body></html>"))
		case "/gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	fetcher := NewHTTPFetcher(5*time.Second, 0)

	page, err := fetcher.Fetch(ctx, server.URL+"/ok")
	require.NoError(t, err)
	assert.Equal(t, "text/html", page.ContentType)
	assert.True(t, strings.Contains(string(page.Body), "hi"))

	_, err = fetcher.Fetch(ctx, server.URL+"/gone")
	assert.True(t, Permanent(err), "4xx is permanent")

	_, err = fetcher.Fetch(ctx, server.URL+"/boom")
	require.Error(t, err)
	assert.False(t, Permanent(err), "5xx is transient")

	_, err = fetcher.Fetch(ctx, "ftp://example.org/file")
	assert.True(t, Permanent(err), "unsupported scheme is permanent")
}

func TestEmbedTextTruncatesBody(t *testing.T) {
	long := strings.Repeat("a", embedBodyChars+100)
	got := embedText("t", "d", long)
	assert.Len(t, got, len("t d ")+embedBodyChars)
}
