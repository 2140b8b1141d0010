package taxonomy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo-alexandria/alexandria/internal/cache"
	"github.com/neo-alexandria/alexandria/internal/config"
	"github.com/neo-alexandria/alexandria/internal/eventbus"
	"github.com/neo-alexandria/alexandria/internal/kernel"
	"github.com/neo-alexandria/alexandria/internal/logging"
	"github.com/neo-alexandria/alexandria/internal/resource"
	"github.com/neo-alexandria/alexandria/internal/taskqueue"
)

type fixture struct {
	db         *kernel.DB
	store      *Store
	repo       *resource.Repository
	bus        *eventbus.Bus
	queue      *taskqueue.Queue
	classifier *KeywordClassifier
	trainer    *stubTrainer
	svc        *Service
}

type stubTrainer struct {
	version string
	metrics ModelMetrics
	calls   int
}

func (st *stubTrainer) Train(ctx context.Context, examples []TrainingExample) (string, ModelMetrics, error) {
	st.calls++
	st.metrics.Examples = len(examples)
	return st.version, st.metrics, nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := kernel.NewFakeClock(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	db, err := kernel.Open(":memory:", clock)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logging.NewNop()
	store := NewStore(db)
	repo := resource.NewRepository(db)
	bus := eventbus.New(logger)
	queue := taskqueue.New(db)
	classifier := NewKeywordClassifier("keyword-v1", nil)
	trainer := &stubTrainer{version: "keyword-v2", metrics: ModelMetrics{F1: 0.9}}
	svc := NewService(db, store, repo, classifier, trainer, queue, bus,
		cache.New(cache.Config{Clock: clock.Now}),
		config.TaxonomyConfig{RetrainThreshold: 3}, logger)
	return &fixture{db: db, store: store, repo: repo, bus: bus, queue: queue,
		classifier: classifier, trainer: trainer, svc: svc}
}

func (f *fixture) addNode(t *testing.T, name, parentID string, keywords ...string) *Node {
	t.Helper()
	n, err := f.store.CreateNode(context.Background(), NodeInput{
		Name: name, ParentID: parentID, Keywords: keywords})
	require.NoError(t, err)
	return n
}

func (f *fixture) addResource(t *testing.T, id, title, body string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.db.InTx(ctx, func(tx *kernel.Tx) error {
		res := &resource.Resource{ID: id, URL: "https://x.org/" + id, Title: title,
			IngestionStatus: resource.StatusCompleted}
		if err := f.repo.CreateTx(ctx, tx, res); err != nil {
			return err
		}
		return f.repo.SetArchiveTx(ctx, tx, id, body)
	}))
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "machine-learning", Slugify("Machine Learning"))
	assert.Equal(t, "c-17", Slugify("  C++ 17! "))
	assert.Equal(t, "", Slugify("***"))
}

func TestCreateNodePathsAndLevels(t *testing.T) {
	f := newFixture(t)
	cs := f.addNode(t, "Computer Science", "")
	ml := f.addNode(t, "Machine Learning", cs.ID)

	assert.Equal(t, "/computer-science", cs.Path)
	assert.Equal(t, 0, cs.Level)
	assert.Equal(t, "/computer-science/machine-learning", ml.Path)
	assert.Equal(t, 1, ml.Level)
}

func TestCreateNodeDuplicateSiblingSlug(t *testing.T) {
	f := newFixture(t)
	cs := f.addNode(t, "CS", "")
	f.addNode(t, "ML", cs.ID)
	_, err := f.store.CreateNode(context.Background(), NodeInput{Name: "ML", ParentID: cs.ID})
	assert.ErrorIs(t, err, resource.ErrConflict)

	// Same slug under a different parent is fine.
	other := f.addNode(t, "Math", "")
	_, err = f.store.CreateNode(context.Background(), NodeInput{Name: "ML", ParentID: other.ID})
	assert.NoError(t, err)
}

func TestMoveRewritesDescendantPaths(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cs := f.addNode(t, "cs", "")
	ml := f.addNode(t, "ml", cs.ID)
	dl := f.addNode(t, "dl", ml.ID)
	nets := f.addNode(t, "nets", dl.ID)
	ai := f.addNode(t, "ai", "")

	moved, err := f.store.MoveNode(ctx, dl.ID, ai.ID)
	require.NoError(t, err)
	assert.Equal(t, "/ai/dl", moved.Path)
	assert.Equal(t, 1, moved.Level)

	got, err := f.store.Get(ctx, nets.ID)
	require.NoError(t, err)
	assert.Equal(t, "/ai/dl/nets", got.Path)
	assert.Equal(t, 2, got.Level)

	ancestors, err := f.store.Ancestors(ctx, nets.ID)
	require.NoError(t, err)
	require.Len(t, ancestors, 2)
	assert.Equal(t, ai.ID, ancestors[0].ID)
	assert.Equal(t, dl.ID, ancestors[1].ID)
}

func TestMoveToRootAndCycleRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cs := f.addNode(t, "cs", "")
	ml := f.addNode(t, "ml", cs.ID)

	_, err := f.store.MoveNode(ctx, cs.ID, ml.ID)
	assert.ErrorIs(t, err, resource.ErrConflict, "moving under own descendant")
	_, err = f.store.MoveNode(ctx, cs.ID, cs.ID)
	assert.ErrorIs(t, err, resource.ErrConflict)

	moved, err := f.store.MoveNode(ctx, ml.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "/ml", moved.Path)
	assert.Equal(t, 0, moved.Level)
}

func TestUpdateSlugRewritesSubtree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cs := f.addNode(t, "cs", "")
	ml := f.addNode(t, "ml", cs.ID)

	slug := "compsci"
	_, err := f.store.UpdateNode(ctx, cs.ID, NodeUpdate{Slug: &slug})
	require.NoError(t, err)

	got, err := f.store.Get(ctx, ml.ID)
	require.NoError(t, err)
	assert.Equal(t, "/compsci/ml", got.Path)
}

func TestDeleteReparentsChildren(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cs := f.addNode(t, "cs", "")
	ml := f.addNode(t, "ml", cs.ID)
	dl := f.addNode(t, "dl", ml.ID)

	require.NoError(t, f.store.DeleteNode(ctx, ml.ID, false))

	got, err := f.store.Get(ctx, dl.ID)
	require.NoError(t, err)
	assert.Equal(t, "/cs/dl", got.Path)
	assert.Equal(t, cs.ID, got.ParentID)
	assert.Equal(t, 1, got.Level)

	_, err = f.store.Get(ctx, ml.ID)
	assert.ErrorIs(t, err, resource.ErrNotFound)
}

func TestDeleteReparentsChildSharingSlug(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	outer := f.addNode(t, "docs", "")
	inner := f.addNode(t, "docs", outer.ID)

	// The dying node still occupies the slug at this level; it must not
	// block its own child from taking over.
	require.NoError(t, f.store.DeleteNode(ctx, outer.ID, false))

	got, err := f.store.Get(ctx, inner.ID)
	require.NoError(t, err)
	assert.Equal(t, "/docs", got.Path)
	assert.Equal(t, "", got.ParentID)
	assert.Equal(t, 0, got.Level)
}

func TestDeleteCascadeRemovesSubtree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cs := f.addNode(t, "cs", "")
	ml := f.addNode(t, "ml", cs.ID)
	f.addNode(t, "dl", ml.ID)

	require.NoError(t, f.store.DeleteNode(ctx, ml.ID, true))
	rest, err := f.store.All(ctx)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, cs.ID, rest[0].ID)
}

func TestDeleteBlockedByAssignments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cs := f.addNode(t, "cs", "")
	ml := f.addNode(t, "ml", cs.ID, "learning")
	f.addResource(t, "r1", "paper", "about learning")
	require.NoError(t, f.svc.SubmitFeedback(ctx, "r1", []string{ml.ID}))

	err := f.store.DeleteNode(ctx, ml.ID, false)
	assert.ErrorIs(t, err, resource.ErrConflict)
	err = f.store.DeleteNode(ctx, cs.ID, true)
	assert.ErrorIs(t, err, resource.ErrConflict, "cascade sees subtree assignments")
}

func TestTreeNesting(t *testing.T) {
	f := newFixture(t)
	cs := f.addNode(t, "cs", "")
	f.addNode(t, "ml", cs.ID)
	f.addNode(t, "math", "")

	tree, err := f.store.Tree(context.Background())
	require.NoError(t, err)
	require.Len(t, tree, 2)
	assert.Equal(t, "cs", tree[0].Name)
	require.Len(t, tree[0].Children, 1)
	assert.Equal(t, "ml", tree[0].Children[0].Name)
	assert.Empty(t, tree[1].Children)
}

func TestKeywordClassifierPredict(t *testing.T) {
	nodes := []*Node{
		{ID: "ml", Keywords: []string{"learning", "neural", "gradient"}, AllowResources: true},
		{ID: "db", Keywords: []string{"sql", "index"}, AllowResources: true},
		{ID: "closed", Keywords: []string{"learning"}, AllowResources: false},
	}
	kc := NewKeywordClassifier("v1", nodes)

	preds, err := kc.Predict(context.Background(), "Neural networks use gradient learning", 5)
	require.NoError(t, err)
	require.Len(t, preds, 1, "db has no hits, closed node excluded")
	assert.Equal(t, "ml", preds[0].NodeID)
	assert.Greater(t, preds[0].Confidence, ReviewThreshold, "three hits is confident")
}

func TestUncertaintyComposite(t *testing.T) {
	// Single confident prediction: low uncertainty.
	low := Uncertainty([]float64{0.95})
	// Two predictions in a dead heat: high uncertainty.
	high := Uncertainty([]float64{0.5, 0.5})
	assert.Less(t, low, 0.05)
	assert.Greater(t, high, 0.6)
	assert.Greater(t, high, low)
	assert.Zero(t, Uncertainty(nil))
}

func TestClassifyResourceStoresPredictions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cs := f.addNode(t, "cs", "")
	ml := f.addNode(t, "Machine Learning", cs.ID, "learning", "neural", "gradient")
	f.addNode(t, "Databases", cs.ID, "sql", "index")
	f.classifier.Reload("keyword-v1", mustAll(t, f.store))

	f.addResource(t, "r1", "Neural nets", "gradient learning with neural layers")

	var events []eventbus.Event
	f.bus.Subscribe(eventbus.ResourceClassified, "test", func(_ context.Context, ev eventbus.Event) error {
		events = append(events, ev)
		return nil
	})

	result, err := f.svc.ClassifyResource(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, result.Predictions, 1)
	assert.Equal(t, ml.ID, result.Predictions[0].NodeID)
	assert.False(t, result.NeedsReview)
	assert.Equal(t, "keyword-v1", result.ModelVersion)

	got, err := f.repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "machine-learning", got.ClassificationCode)

	require.Len(t, events, 1)
	assert.Equal(t, "r1", events[0].Payload["resource_id"])

	assigns, err := f.svc.Assignments(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, assigns, 1)
	assert.Equal(t, SourcePredicted, assigns[0].Source)
}

func TestClassifyFlagsReviewBand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, "ml", "", "learning", "neural", "gradient")
	f.classifier.Reload("keyword-v1", mustAll(t, f.store))

	// A single keyword hit scores ~0.38: kept, but flagged for review.
	f.addResource(t, "r1", "intro", "a gentle learning overview")
	result, err := f.svc.ClassifyResource(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, result.Predictions, 1)
	assert.Less(t, result.Predictions[0].Confidence, ReviewThreshold)
	assert.GreaterOrEqual(t, result.Predictions[0].Confidence, DropThreshold)
	assert.True(t, result.NeedsReview)
}

func TestClassifyKeepsManualAssignments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ml := f.addNode(t, "ml", "", "learning")
	f.classifier.Reload("keyword-v1", mustAll(t, f.store))
	f.addResource(t, "r1", "paper", "deep learning")

	require.NoError(t, f.svc.SubmitFeedback(ctx, "r1", []string{ml.ID}))
	_, err := f.svc.ClassifyResource(ctx, "r1")
	require.NoError(t, err)

	assigns, err := f.svc.Assignments(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, assigns, 1)
	assert.Equal(t, SourceManual, assigns[0].Source, "manual row survives reclassification")
	assert.Equal(t, 1.0, assigns[0].Confidence)
}

func TestUncertainRanking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addNode(t, "a", "", "alpha")
	b := f.addNode(t, "b", "", "beta")
	_ = a
	_ = b
	f.classifier.Reload("keyword-v1", mustAll(t, f.store))

	// sure: one strong signal. torn: both nodes hit equally.
	f.addResource(t, "sure", "alpha", "alpha alpha alpha")
	f.addResource(t, "torn", "both", "alpha beta")
	_, err := f.svc.ClassifyResource(ctx, "sure")
	require.NoError(t, err)
	_, err = f.svc.ClassifyResource(ctx, "torn")
	require.NoError(t, err)

	ranked, err := f.svc.Uncertain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "torn", ranked[0].ResourceID)
	assert.Greater(t, ranked[0].Uncertainty, ranked[1].Uncertainty)
}

func TestFeedbackTriggersRetrainAtThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ml := f.addNode(t, "ml", "", "learning")

	for i, id := range []string{"r1", "r2", "r3"} {
		f.addResource(t, id, "paper", "learning")
		require.NoError(t, f.svc.SubmitFeedback(ctx, id, []string{ml.ID}))
		depth, err := f.queue.Depth(ctx)
		require.NoError(t, err)
		if i < 2 {
			assert.Zero(t, depth, "below threshold")
		} else {
			assert.Equal(t, 1, depth, "threshold reached enqueues train task")
		}
	}
}

func TestFeedbackValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	falseV := false
	closed, err := f.store.CreateNode(ctx, NodeInput{Name: "closed", AllowResources: &falseV})
	require.NoError(t, err)
	f.addResource(t, "r1", "x", "y")

	assert.ErrorIs(t, f.svc.SubmitFeedback(ctx, "r1", nil), resource.ErrValidation)
	assert.ErrorIs(t, f.svc.SubmitFeedback(ctx, "r1", []string{closed.ID}), resource.ErrValidation)
	assert.ErrorIs(t, f.svc.SubmitFeedback(ctx, "ghost", []string{closed.ID}), resource.ErrNotFound)
}

func TestTrainActivatesAndSwaps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ml := f.addNode(t, "ml", "", "learning")
	f.addResource(t, "r1", "paper", "learning")
	require.NoError(t, f.svc.SubmitFeedback(ctx, "r1", []string{ml.ID}))

	var swapped []eventbus.Event
	f.bus.Subscribe(eventbus.ClassifierSwapped, "test", func(_ context.Context, ev eventbus.Event) error {
		swapped = append(swapped, ev)
		return nil
	})

	report, err := f.svc.Train(ctx)
	require.NoError(t, err)
	assert.True(t, report.Activated)
	assert.Equal(t, "keyword-v2", report.Version)
	assert.Equal(t, 1, report.Examples)
	assert.Equal(t, "keyword-v2", f.classifier.Version(), "hot-swapped")
	require.Len(t, swapped, 1)

	// Examples consumed: a second run has nothing to train on.
	_, err = f.svc.Train(ctx)
	assert.ErrorIs(t, err, resource.ErrValidation)
}

func TestTrainF1GuardRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ml := f.addNode(t, "ml", "", "learning")
	f.addResource(t, "r1", "paper", "learning")
	require.NoError(t, f.svc.SubmitFeedback(ctx, "r1", []string{ml.ID}))

	report, err := f.svc.Train(ctx)
	require.NoError(t, err)
	require.True(t, report.Activated)

	// A second model far below the active F1 is recorded but not activated.
	f.addResource(t, "r2", "paper", "learning")
	require.NoError(t, f.svc.SubmitFeedback(ctx, "r2", []string{ml.ID}))
	f.trainer.version = "keyword-v3"
	f.trainer.metrics = ModelMetrics{F1: 0.5}

	report, err = f.svc.Train(ctx)
	require.NoError(t, err)
	assert.False(t, report.Activated)
	assert.Equal(t, "keyword-v2", f.classifier.Version(), "active model unchanged")

	var active string
	require.NoError(t, f.db.QueryRowContext(ctx,
		`SELECT version FROM classifier_models WHERE active = 1`).Scan(&active))
	assert.Equal(t, "keyword-v2", active)
}

func TestKeywordTrainerMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ml := f.addNode(t, "ml", "", "learning", "neural")
	f.addNode(t, "db", "", "sql")

	trainer := NewKeywordTrainer(f.store)
	version, m, err := trainer.Train(ctx, []TrainingExample{
		{ResourceID: "r1", NodeIDs: []string{ml.ID}, Text: "neural learning paper"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, version)
	assert.Equal(t, 1.0, m.F1, "perfect match on the single example")
	assert.Equal(t, 1, m.Examples)
}

func mustAll(t *testing.T, s *Store) []*Node {
	t.Helper()
	nodes, err := s.All(context.Background())
	require.NoError(t, err)
	return nodes
}
