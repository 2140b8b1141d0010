package collections

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo-alexandria/alexandria/internal/cache"
	"github.com/neo-alexandria/alexandria/internal/eventbus"
	"github.com/neo-alexandria/alexandria/internal/kernel"
	"github.com/neo-alexandria/alexandria/internal/logging"
	"github.com/neo-alexandria/alexandria/internal/resource"
	"github.com/neo-alexandria/alexandria/internal/taskqueue"
)

type fixture struct {
	db    *kernel.DB
	clock *kernel.FakeClock
	repo  *resource.Repository
	queue *taskqueue.Queue
	bus   *eventbus.Bus
	svc   *Service
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
	svc := NewService(db, repo, cache.New(cache.Config{Clock: clock.Now}), bus, queue, logger)
	return &fixture{db: db, clock: clock, repo: repo, queue: queue, bus: bus, svc: svc}
}

func (f *fixture) addResource(t *testing.T, id string, vec []float32) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.db.InTx(ctx, func(tx *kernel.Tx) error {
		res := &resource.Resource{ID: id, URL: "https://x.org/" + id, Title: id,
			IngestionStatus: resource.StatusCompleted}
		if err := f.repo.CreateTx(ctx, tx, res); err != nil {
			return err
		}
		if vec == nil {
			return nil
		}
		return f.repo.SaveDenseVectorTx(ctx, tx, resource.DenseVector{
			ResourceID: id, Vector: vec, ModelVersion: "v1"})
	}))
}

func TestCreateAndGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	col, err := f.svc.Create(ctx, "Reading list", "papers", "", "", "u1")
	require.NoError(t, err)
	assert.Equal(t, VisibilityPrivate, col.Visibility)

	loaded, err := f.svc.Get(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, "Reading list", loaded.Name)
	assert.Equal(t, 0, loaded.MemberCount)

	_, err = f.svc.Create(ctx, "", "", "", "", "u1")
	assert.ErrorIs(t, err, resource.ErrValidation)
	_, err = f.svc.Create(ctx, "x", "", "everyone", "", "u1")
	assert.ErrorIs(t, err, resource.ErrValidation)
	_, err = f.svc.Create(ctx, "x", "", "", "ghost", "u1")
	assert.ErrorIs(t, err, resource.ErrNotFound)
	_, err = f.svc.Get(ctx, "ghost")
	assert.ErrorIs(t, err, resource.ErrNotFound)
}

func TestMembershipSchedulesAggregate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addResource(t, "r1", nil)

	var events int
	f.bus.Subscribe(eventbus.CollectionChanged, "test", func(context.Context, eventbus.Event) error {
		events++
		return nil
	})

	col, err := f.svc.Create(ctx, "c", "", "", "", "u1")
	require.NoError(t, err)

	require.NoError(t, f.svc.AddMember(ctx, col.ID, "r1"))
	require.NoError(t, f.svc.AddMember(ctx, col.ID, "r1")) // idempotent

	members, err := f.svc.Members(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, members)

	loaded, err := f.svc.Get(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.MemberCount)

	depth, err := f.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth, "one recompute task per membership call")
	assert.Equal(t, 2, events)

	require.NoError(t, f.svc.RemoveMember(ctx, col.ID, "r1"))
	members, err = f.svc.Members(ctx, col.ID)
	require.NoError(t, err)
	assert.Empty(t, members)

	assert.ErrorIs(t, f.svc.AddMember(ctx, col.ID, "ghost"), resource.ErrNotFound)
	assert.ErrorIs(t, f.svc.AddMember(ctx, "ghost", "r1"), resource.ErrNotFound)
}

func TestAggregateIsNormalizedMean(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addResource(t, "a", []float32{1, 0})
	f.addResource(t, "b", []float32{0, 1})

	col, err := f.svc.Create(ctx, "c", "", "", "", "u1")
	require.NoError(t, err)
	require.NoError(t, f.svc.AddMember(ctx, col.ID, "a"))
	require.NoError(t, f.svc.AddMember(ctx, col.ID, "b"))

	require.NoError(t, f.svc.RecomputeAggregate(ctx, col.ID))
	agg, err := f.svc.Aggregate(ctx, col.ID)
	require.NoError(t, err)
	require.Len(t, agg, 2)
	inv := float32(1 / math.Sqrt2)
	assert.InDelta(t, inv, agg[0], 1e-6)
	assert.InDelta(t, inv, agg[1], 1e-6)

	require.NoError(t, f.svc.RemoveMember(ctx, col.ID, "a"))
	require.NoError(t, f.svc.RemoveMember(ctx, col.ID, "b"))
	require.NoError(t, f.svc.RecomputeAggregate(ctx, col.ID))
	agg, err = f.svc.Aggregate(ctx, col.ID)
	require.NoError(t, err)
	assert.Nil(t, agg, "empty collection has no aggregate")
}

func TestSimilarRanksNonMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addResource(t, "member", []float32{1, 0})
	f.addResource(t, "close", []float32{0.95, 0.3})
	f.addResource(t, "far", []float32{0, 1})

	col, err := f.svc.Create(ctx, "c", "", "", "", "u1")
	require.NoError(t, err)
	require.NoError(t, f.svc.AddMember(ctx, col.ID, "member"))
	require.NoError(t, f.svc.RecomputeAggregate(ctx, col.ID))

	similar, err := f.svc.Similar(ctx, col.ID, 10)
	require.NoError(t, err)
	require.Len(t, similar, 2)
	assert.Equal(t, "close", similar[0].Resource.ID)
	assert.Equal(t, "far", similar[1].Resource.ID)
	assert.Greater(t, similar[0].Similarity, similar[1].Similarity)

	empty, err := f.svc.Create(ctx, "empty", "", "", "", "u1")
	require.NoError(t, err)
	sims, err := f.svc.Similar(ctx, empty.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, sims, "no aggregate, no ranking")
}

func TestHierarchyRejectsCycles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.svc.Create(ctx, "root", "", "", "", "u1")
	require.NoError(t, err)
	child, err := f.svc.Create(ctx, "child", "", "", root.ID, "u1")
	require.NoError(t, err)

	_, err = f.svc.Apply(ctx, root.ID, Update{ParentID: &child.ID})
	assert.ErrorIs(t, err, resource.ErrConflict)

	self := root.ID
	_, err = f.svc.Apply(ctx, root.ID, Update{ParentID: &self})
	assert.ErrorIs(t, err, resource.ErrConflict)
}

func TestDeleteReparentsChildren(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.svc.Create(ctx, "root", "", "", "", "u1")
	require.NoError(t, err)
	mid, err := f.svc.Create(ctx, "mid", "", "", root.ID, "u1")
	require.NoError(t, err)
	leaf, err := f.svc.Create(ctx, "leaf", "", "", mid.ID, "u1")
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, mid.ID))

	loaded, err := f.svc.Get(ctx, leaf.ID)
	require.NoError(t, err)
	assert.Equal(t, root.ID, loaded.ParentID)

	_, err = f.svc.Get(ctx, mid.ID)
	assert.ErrorIs(t, err, resource.ErrNotFound)
}

func TestResourceDeleteCascadesMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addResource(t, "r1", nil)

	col, err := f.svc.Create(ctx, "c", "", "", "", "u1")
	require.NoError(t, err)
	require.NoError(t, f.svc.AddMember(ctx, col.ID, "r1"))

	require.NoError(t, f.db.InTx(ctx, func(tx *kernel.Tx) error {
		return f.repo.DeleteTx(ctx, tx, "r1")
	}))

	members, err := f.svc.Members(ctx, col.ID)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestListByOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, "mine", "", "", "", "u1")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.svc.Create(ctx, "newer", "", "", "", "u1")
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, "theirs", "", "", "", "u2")
	require.NoError(t, err)

	cols, err := f.svc.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, cols, 2)
	assert.Equal(t, "newer", cols[0].Name)
	assert.Equal(t, "mine", cols[1].Name)
}
