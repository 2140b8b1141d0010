package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo-alexandria/alexandria/internal/cache"
	"github.com/neo-alexandria/alexandria/internal/config"
	"github.com/neo-alexandria/alexandria/internal/kernel"
	"github.com/neo-alexandria/alexandria/internal/logging"
	"github.com/neo-alexandria/alexandria/internal/resource"
)

func testConfig() config.GraphConfig {
	return config.GraphConfig{
		WeightVector:          0.6,
		WeightTags:            0.3,
		WeightClassification:  0.1,
		MinEdgeThreshold:      0.20,
		VectorMinSimThreshold: 0.85,
	}
}

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
	c := cache.New(cache.Config{Clock: clock.Now})
	return &fixture{db: db, repo: repo,
		svc: NewService(db, repo, c, testConfig(), logging.NewNop())}
}

func (f *fixture) addResource(t *testing.T, id string, vec []float32, subjects []string, class string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.db.InTx(ctx, func(tx *kernel.Tx) error {
		res := &resource.Resource{ID: id, URL: "https://x.org/" + id,
			Subjects: subjects, ClassificationCode: class,
			IngestionStatus: resource.StatusCompleted}
		if err := f.repo.CreateTx(ctx, tx, res); err != nil {
			return err
		}
		return f.repo.SaveDenseVectorTx(ctx, tx, resource.DenseVector{
			ResourceID: id, Vector: vec, ModelVersion: "v1"})
	}))
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 0.0, jaccard(nil, []string{"a"}))
	assert.Equal(t, 1.0, jaccard([]string{"a", "b"}, []string{"b", "a"}))
	assert.InDelta(t, 1.0/3.0, jaccard([]string{"a", "b"}, []string{"b", "c"}), 1e-9)
}

func TestEdgeScoreFormula(t *testing.T) {
	f := newFixture(t)
	a := &resource.Resource{Subjects: []string{"ml", "nlp"}, ClassificationCode: "004"}
	b := &resource.Resource{Subjects: []string{"ml"}, ClassificationCode: "004"}

	score, vecSim, subjSim, classMatch := f.svc.edgeScore(
		[]float32{1, 0}, []float32{1, 0}, a, b)
	assert.InDelta(t, 1.0, vecSim, 1e-6)
	assert.InDelta(t, 0.5, subjSim, 1e-9)
	assert.True(t, classMatch)
	assert.InDelta(t, 0.6*1.0+0.3*0.5+0.1, score, 1e-6)

	// Empty classification never counts as a match.
	a.ClassificationCode, b.ClassificationCode = "", ""
	_, _, _, classMatch = f.svc.edgeScore([]float32{1, 0}, []float32{1, 0}, a, b)
	assert.False(t, classMatch)
}

func TestRebuildForStoresAndThresholds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addResource(t, "center", []float32{1, 0}, []string{"ml"}, "004")
	f.addResource(t, "close", []float32{0.95, 0.3122}, []string{"ml"}, "004")
	f.addResource(t, "far", []float32{0, 1}, nil, "")

	require.NoError(t, f.svc.RebuildFor(ctx, "center"))

	ns, err := f.svc.Neighbors(ctx, "center", 10)
	require.NoError(t, err)
	require.Len(t, ns, 1, "orthogonal no-overlap edge drops below 0.20")
	assert.Equal(t, "close", ns[0].Resource.ID)
	assert.True(t, ns[0].ClassMatch)
	assert.Greater(t, ns[0].Score, 0.9)
}

func TestNeighborsOrderAndTieBreak(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addResource(t, "hub", []float32{1, 0}, []string{"ml"}, "")
	f.addResource(t, "zz", []float32{1, 0}, []string{"ml"}, "")
	f.addResource(t, "aa", []float32{1, 0}, []string{"ml"}, "")
	require.NoError(t, f.svc.RebuildFor(ctx, "hub"))

	ns, err := f.svc.Neighbors(ctx, "hub", 10)
	require.NoError(t, err)
	require.Len(t, ns, 2)
	assert.Equal(t, "aa", ns[0].Resource.ID, "equal score and sim break by id")
	assert.Equal(t, "zz", ns[1].Resource.ID)

	limited, err := f.svc.Neighbors(ctx, "hub", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestNeighborsUnknownResource(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Neighbors(context.Background(), "ghost", 5)
	assert.ErrorIs(t, err, resource.ErrNotFound)
}

func TestRebuildForDeletedResourceClearsEdges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addResource(t, "a", []float32{1, 0}, []string{"ml"}, "")
	f.addResource(t, "b", []float32{1, 0}, []string{"ml"}, "")
	require.NoError(t, f.svc.RebuildFor(ctx, "a"))

	_, err := f.db.SQL().Exec(`DELETE FROM resources WHERE id = 'a'`)
	require.NoError(t, err)
	require.NoError(t, f.svc.RebuildFor(ctx, "a"))

	var n int
	require.NoError(t, f.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM graph_edges`).Scan(&n))
	assert.Zero(t, n)
}

func TestGlobalOverviewThresholdAndCaps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Tight cluster with high vector similarity plus one weak-vector pair
	// held together by subjects.
	f.addResource(t, "c1", []float32{1, 0}, []string{"ml"}, "004")
	f.addResource(t, "c2", []float32{1, 0}, []string{"ml"}, "004")
	f.addResource(t, "s1", []float32{0.5, 0.866}, []string{"db", "sql", "storage"}, "005")
	f.addResource(t, "s2", []float32{0.7071, 0.7071}, []string{"db", "sql", "storage"}, "005")
	require.NoError(t, f.svc.RebuildAll(ctx))

	ov, err := f.svc.GlobalOverview(ctx, 50, 0.9)
	require.NoError(t, err)
	require.Len(t, ov.Edges, 2, "c1-c2 and s1-s2 pass 0.9 vector similarity")
	for _, e := range ov.Edges {
		assert.GreaterOrEqual(t, e.VectorSim, 0.9)
	}
	assert.Len(t, ov.Nodes, 4)

	one, err := f.svc.GlobalOverview(ctx, 1, 0.9)
	require.NoError(t, err)
	assert.Len(t, one.Edges, 1, "edge limit respected")
}

func TestNeighborsCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addResource(t, "a", []float32{1, 0}, []string{"ml"}, "")
	f.addResource(t, "b", []float32{1, 0}, []string{"ml"}, "")
	require.NoError(t, f.svc.RebuildFor(ctx, "a"))

	first, err := f.svc.Neighbors(ctx, "a", 5)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A direct edge wipe is invisible until invalidation.
	_, err = f.db.SQL().Exec(`DELETE FROM graph_edges`)
	require.NoError(t, err)

	cached, err := f.svc.Neighbors(ctx, "a", 5)
	require.NoError(t, err)
	assert.Len(t, cached, 1, "served from cache")

	require.NoError(t, f.svc.RebuildFor(ctx, "a"))
	fresh, err := f.svc.Neighbors(ctx, "a", 5)
	require.NoError(t, err)
	assert.Len(t, fresh, 1, "rebuild recreated the edge and invalidated")
}
