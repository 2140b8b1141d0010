package annotations

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo-alexandria/alexandria/internal/cache"
	"github.com/neo-alexandria/alexandria/internal/embeddings"
	"github.com/neo-alexandria/alexandria/internal/eventbus"
	"github.com/neo-alexandria/alexandria/internal/kernel"
	"github.com/neo-alexandria/alexandria/internal/logging"
	"github.com/neo-alexandria/alexandria/internal/resource"
)

type fixture struct {
	db    *kernel.DB
	clock *kernel.FakeClock
	repo  *resource.Repository
	bus   *eventbus.Bus
	svc   *Service
}

func newFixture(t *testing.T, provider embeddings.Provider) *fixture {
	t.Helper()
	clock := kernel.NewFakeClock(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	db, err := kernel.Open(":memory:", clock)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logging.NewNop()
	repo := resource.NewRepository(db)
	bus := eventbus.New(logger)
	svc := NewService(db, repo, provider, cache.New(cache.Config{Clock: clock.Now}), bus, logger)
	return &fixture{db: db, clock: clock, repo: repo, bus: bus, svc: svc}
}

func (f *fixture) addResource(t *testing.T, id, archive string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.db.InTx(ctx, func(tx *kernel.Tx) error {
		res := &resource.Resource{ID: id, URL: "https://x.org/" + id, Title: id,
			IngestionStatus: resource.StatusCompleted}
		if err := f.repo.CreateTx(ctx, tx, res); err != nil {
			return err
		}
		return f.repo.SetArchiveTx(ctx, tx, id, archive)
	}))
}

func TestCreateFreezesHighlightedSlice(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.addResource(t, "r1", "The quick brown fox jumps over the lazy dog.")

	var got []eventbus.Event
	f.bus.Subscribe(eventbus.AnnotationCreated, "test", func(_ context.Context, ev eventbus.Event) error {
		got = append(got, ev)
		return nil
	})

	ann, err := f.svc.Create(ctx, CreateRequest{
		ResourceID:  "r1",
		StartOffset: 4,
		EndOffset:   19,
		Note:        "color words",
		Tags:        []string{"vocab"},
		Owner:       "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, "quick brown fox", ann.HighlightedText)
	assert.Equal(t, []string{"vocab"}, ann.Tags)

	require.Len(t, got, 1)
	assert.Equal(t, ann.ID, got[0].Payload["annotation_id"])

	loaded, err := f.svc.Get(ctx, ann.ID)
	require.NoError(t, err)
	assert.Equal(t, "quick brown fox", loaded.HighlightedText)
	assert.Equal(t, "u1", loaded.Owner)
}

func TestCreateValidatesOffsets(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.addResource(t, "r1", "short text")

	cases := []struct{ start, end int }{
		{-1, 3},
		{3, 3},
		{5, 2},
		{0, 11},
	}
	for _, c := range cases {
		_, err := f.svc.Create(ctx, CreateRequest{
			ResourceID: "r1", StartOffset: c.start, EndOffset: c.end, Owner: "u1"})
		assert.ErrorIs(t, err, resource.ErrValidation, "offsets [%d, %d)", c.start, c.end)
	}

	_, err := f.svc.Create(ctx, CreateRequest{
		ResourceID: "r1", StartOffset: 0, EndOffset: 5})
	assert.ErrorIs(t, err, resource.ErrValidation, "missing owner")

	_, err = f.svc.Create(ctx, CreateRequest{
		ResourceID: "ghost", StartOffset: 0, EndOffset: 5, Owner: "u1"})
	assert.ErrorIs(t, err, resource.ErrNotFound)
}

func TestOffsetsUseRunes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.addResource(t, "r1", "naïve Bayes")

	ann, err := f.svc.Create(ctx, CreateRequest{
		ResourceID: "r1", StartOffset: 0, EndOffset: 5, Owner: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "naïve", ann.HighlightedText)
}

func TestApplyKeepsOffsetsFrozen(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.addResource(t, "r1", "The quick brown fox jumps over the lazy dog.")

	ann, err := f.svc.Create(ctx, CreateRequest{
		ResourceID: "r1", StartOffset: 4, EndOffset: 9, Owner: "u1"})
	require.NoError(t, err)

	note := "speed"
	shared := true
	updated, err := f.svc.Apply(ctx, ann.ID, Update{Note: &note, Shared: &shared})
	require.NoError(t, err)
	assert.Equal(t, "speed", updated.Note)
	assert.True(t, updated.Shared)
	assert.Equal(t, 4, updated.StartOffset)
	assert.Equal(t, 9, updated.EndOffset)
	assert.Equal(t, "quick", updated.HighlightedText)

	_, err = f.svc.Apply(ctx, "ghost", Update{Note: &note})
	assert.ErrorIs(t, err, resource.ErrNotFound)
}

func TestForResourceDocumentOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.addResource(t, "r1", "The quick brown fox jumps over the lazy dog.")

	for _, span := range [][2]int{{35, 39}, {4, 9}, {10, 15}} {
		_, err := f.svc.Create(ctx, CreateRequest{
			ResourceID: "r1", StartOffset: span[0], EndOffset: span[1], Owner: "u1"})
		require.NoError(t, err)
	}

	anns, err := f.svc.ForResource(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, anns, 3)
	assert.Equal(t, "quick", anns[0].HighlightedText)
	assert.Equal(t, "brown", anns[1].HighlightedText)
	assert.Equal(t, "lazy", anns[2].HighlightedText)

	_, err = f.svc.ForResource(ctx, "ghost")
	assert.ErrorIs(t, err, resource.ErrNotFound)
}

func TestDeleteRemovesAnnotation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.addResource(t, "r1", "The quick brown fox jumps over the lazy dog.")

	ann, err := f.svc.Create(ctx, CreateRequest{
		ResourceID: "r1", StartOffset: 0, EndOffset: 3, Owner: "u1"})
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, ann.ID))
	_, err = f.svc.Get(ctx, ann.ID)
	assert.ErrorIs(t, err, resource.ErrNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, ann.ID), resource.ErrNotFound)
}

func TestCascadeDeleteWithResource(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.addResource(t, "r1", "The quick brown fox jumps over the lazy dog.")

	ann, err := f.svc.Create(ctx, CreateRequest{
		ResourceID: "r1", StartOffset: 0, EndOffset: 3, Owner: "u1"})
	require.NoError(t, err)

	require.NoError(t, f.db.InTx(ctx, func(tx *kernel.Tx) error {
		return f.repo.DeleteTx(ctx, tx, "r1")
	}))

	_, err = f.svc.Get(ctx, ann.ID)
	assert.ErrorIs(t, err, resource.ErrNotFound)
}

func TestSearchNotesByEmbedding(t *testing.T) {
	provider, err := embeddings.NewHashProvider("test-model", 64)
	require.NoError(t, err)
	f := newFixture(t, provider)
	ctx := context.Background()
	f.addResource(t, "r1", "The quick brown fox jumps over the lazy dog.")

	mk := func(note string, start int) {
		_, err := f.svc.Create(ctx, CreateRequest{
			ResourceID: "r1", StartOffset: start, EndOffset: start + 3,
			Note: note, Owner: "u1"})
		require.NoError(t, err)
	}
	mk("neural network training procedure", 0)
	mk("gardening tips for spring tulips", 4)

	hits, err := f.svc.SearchNotes(ctx, "neural network training", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "neural network training procedure", hits[0].Annotation.Note)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestSearchNotesSubstringFallback(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.addResource(t, "r1", "The quick brown fox jumps over the lazy dog.")

	_, err := f.svc.Create(ctx, CreateRequest{
		ResourceID: "r1", StartOffset: 0, EndOffset: 3,
		Note: "Check the PageRank paper", Owner: "u1"})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, CreateRequest{
		ResourceID: "r1", StartOffset: 4, EndOffset: 9,
		Note: "unrelated", Owner: "u1"})
	require.NoError(t, err)

	hits, err := f.svc.SearchNotes(ctx, "pagerank", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Check the PageRank paper", hits[0].Annotation.Note)

	_, err = f.svc.SearchNotes(ctx, "   ", 10)
	assert.ErrorIs(t, err, resource.ErrValidation)
}
