package citations

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo-alexandria/alexandria/internal/kernel"
	"github.com/neo-alexandria/alexandria/internal/logging"
	"github.com/neo-alexandria/alexandria/internal/resource"
)

type fixture struct {
	db   *kernel.DB
	repo *resource.Repository
	svc  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := kernel.NewFakeClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	db, err := kernel.Open(":memory:", clock)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := resource.NewRepository(db)
	return &fixture{db: db, repo: repo, svc: NewService(db, repo, logging.NewNop())}
}

func (f *fixture) addResource(t *testing.T, id, url, body string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.db.InTx(ctx, func(tx *kernel.Tx) error {
		res := &resource.Resource{ID: id, URL: url, Title: id,
			IngestionStatus: resource.StatusCompleted}
		if err := f.repo.CreateTx(ctx, tx, res); err != nil {
			return err
		}
		return f.repo.SetArchiveTx(ctx, tx, id, body)
	}))
}

func TestExtractURLsAndDOIs(t *testing.T) {
	text := "See https://example.com/paper for details. " +
		"The DOI is 10.1234/abcd.5678, cited often. " +
		"Code at https://github.com/acme/tool."
	got := Extract(text)
	require.Len(t, got, 3)

	assert.Equal(t, "https://example.com/paper", got[0].TargetURL)
	assert.Equal(t, TypeGeneral, got[0].Type)
	assert.Equal(t, "https://doi.org/10.1234/abcd.5678", got[1].TargetURL)
	assert.Equal(t, TypeReference, got[1].Type)
	assert.Equal(t, "https://github.com/acme/tool", got[2].TargetURL)
	assert.Equal(t, TypeCode, got[2].Type)

	for i, c := range got {
		assert.Equal(t, i, c.Position)
		assert.Contains(t, c.Context, "DOI")
	}
}

func TestExtractSkipsDOIInsideURL(t *testing.T) {
	got := Extract("read https://doi.org/10.1234/xyz now")
	require.Len(t, got, 1)
	assert.Equal(t, "https://doi.org/10.1234/xyz", got[0].TargetURL)
}

func TestExtractDeduplicatesByNormalizedURL(t *testing.T) {
	got := Extract("https://Example.com/a?utm_source=x and https://example.com/a/ again")
	require.Len(t, got, 1)
	assert.Equal(t, "https://example.com/a", got[0].NormalizedURL)
}

func TestClassify(t *testing.T) {
	cases := map[string]string{
		"https://arxiv.org/abs/1706.03762":   TypeReference,
		"https://www.github.com/a/b":         TypeCode,
		"https://gitlab.com/a/b":             TypeCode,
		"https://zenodo.org/record/1":        TypeDataset,
		"https://files.example.com/data.csv": TypeDataset,
		"https://example.com/blog":           TypeGeneral,
		"not a url":                          TypeGeneral,
	}
	for raw, want := range cases {
		assert.Equal(t, want, Classify(raw), raw)
	}
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "https://example.com/a?page=2",
		NormalizeURL("HTTPS://Example.COM/a/?utm_campaign=x&page=2&fbclid=y#frag"))
	assert.Equal(t, "", NormalizeURL("nonsense"))
	assert.Equal(t, "", NormalizeURL("/relative/path"))
}

func TestContextIsBounded(t *testing.T) {
	var long string
	for i := 0; i < 50; i++ {
		long += "padding padding "
	}
	text := long + "https://example.com/x" + long
	got := Extract(text)
	require.Len(t, got, 1)
	assert.LessOrEqual(t, len(got[0].Context), 2*contextRadius+len("https://example.com/x"))
}

func TestExtractForReplacesRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addResource(t, "r1", "https://library.test/r1",
		"cites https://example.com/a and https://example.com/b")

	n, err := f.svc.ExtractFor(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Re-extraction after content change drops stale rows.
	require.NoError(t, f.db.InTx(ctx, func(tx *kernel.Tx) error {
		return f.repo.SetArchiveTx(ctx, tx, "r1", "only https://example.com/a now")
	}))
	n, err = f.svc.ExtractFor(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	links, err := f.svc.ForResource(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, links.Outbound, 1)
	assert.Equal(t, "https://example.com/a", links.Outbound[0].TargetURL)
}

func TestExtractForUnknownResource(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ExtractFor(context.Background(), "ghost")
	assert.ErrorIs(t, err, resource.ErrNotFound)
}

func TestResolveLinksByNormalizedURL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addResource(t, "src", "https://library.test/src",
		"see https://Example.com/paper/?utm_source=feed")
	f.addResource(t, "dst", "https://example.com/paper", "no links here")

	_, err := f.svc.ExtractFor(ctx, "src")
	require.NoError(t, err)

	linked, err := f.svc.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, linked)

	// Second pass finds nothing new.
	linked, err = f.svc.Resolve(ctx)
	require.NoError(t, err)
	assert.Zero(t, linked)

	links, err := f.svc.ForResource(ctx, "dst")
	require.NoError(t, err)
	assert.Equal(t, 1, links.InboundCount)
	assert.Equal(t, "src", links.Inbound[0].SourceResourceID)
}

func TestResolveSkipsSelfCitation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addResource(t, "self", "https://example.com/self",
		"this page links to itself: https://example.com/self")
	_, err := f.svc.ExtractFor(ctx, "self")
	require.NoError(t, err)

	linked, err := f.svc.Resolve(ctx)
	require.NoError(t, err)
	assert.Zero(t, linked)
}

func TestPageRankChainAndNormalization(t *testing.T) {
	// a -> b -> c: rank grows down the chain, max normalized to 1.
	ranks := pagerank(map[string][]string{
		"a": {"b"},
		"b": {"c"},
	})
	require.Len(t, ranks, 3)
	assert.Equal(t, 1.0, ranks["c"])
	assert.Greater(t, ranks["c"], ranks["b"])
	assert.Greater(t, ranks["b"], ranks["a"])
}

func TestPageRankEmptyGraph(t *testing.T) {
	assert.Empty(t, pagerank(nil))
}

func TestPageRankExplicitDanglingSource(t *testing.T) {
	// "b" is listed as a source with no targets. Its mass flows through
	// the dangling term and every rank stays finite.
	ranks := pagerank(map[string][]string{
		"a": {"b"},
		"b": {},
	})
	require.Len(t, ranks, 2)
	assert.Equal(t, 1.0, ranks["b"])
	for id, r := range ranks {
		assert.False(t, math.IsNaN(r) || math.IsInf(r, 0), "rank of %s", id)
		assert.Greater(t, r, 0.0)
	}
}

func TestComputePageRankStampsImportance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	urls := map[string]string{
		"a": "https://example.com/a",
		"b": "https://example.com/b",
		"c": "https://example.com/c",
	}
	f.addResource(t, "a", urls["a"], fmt.Sprintf("link %s", urls["b"]))
	f.addResource(t, "b", urls["b"], fmt.Sprintf("link %s", urls["c"]))
	f.addResource(t, "c", urls["c"], "terminal")

	for _, id := range []string{"a", "b", "c"} {
		_, err := f.svc.ExtractFor(ctx, id)
		require.NoError(t, err)
	}
	_, err := f.svc.Resolve(ctx)
	require.NoError(t, err)

	ranks, err := f.svc.ComputePageRank(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, ranks["c"])

	links, err := f.svc.ForResource(ctx, "b")
	require.NoError(t, err)
	require.Len(t, links.Outbound, 1)
	require.NotNil(t, links.Outbound[0].Importance)
	assert.Equal(t, 1.0, *links.Outbound[0].Importance)

	counts, err := f.svc.InboundCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"b": 1, "c": 1}, counts)
}

func TestSubgraphDepthBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Chain a -> b -> c -> d; from a, depth 2 reaches c but not d.
	urls := map[string]string{}
	for _, id := range []string{"a", "b", "c", "d"} {
		urls[id] = "https://example.com/" + id
	}
	f.addResource(t, "a", urls["a"], "link "+urls["b"])
	f.addResource(t, "b", urls["b"], "link "+urls["c"])
	f.addResource(t, "c", urls["c"], "link "+urls["d"])
	f.addResource(t, "d", urls["d"], "terminal")

	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := f.svc.ExtractFor(ctx, id)
		require.NoError(t, err)
	}
	_, err := f.svc.Resolve(ctx)
	require.NoError(t, err)

	sub, err := f.svc.SubgraphFor(ctx, "a")
	require.NoError(t, err)
	require.Len(t, sub.Nodes, 3)
	assert.Equal(t, "a", sub.Nodes[0].ResourceID)
	assert.Equal(t, 0, sub.Nodes[0].Depth)
	assert.Equal(t, 2, sub.Nodes[2].Depth)
	// c -> d crosses the boundary and is excluded.
	require.Len(t, sub.Edges, 2)
}

func TestSubgraphUnknownResource(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SubgraphFor(context.Background(), "ghost")
	assert.ErrorIs(t, err, resource.ErrNotFound)
}
