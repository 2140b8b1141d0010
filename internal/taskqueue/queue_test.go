package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo-alexandria/alexandria/internal/kernel"
	"github.com/neo-alexandria/alexandria/internal/logging"
)

func newTestQueue(t *testing.T) (*Queue, *kernel.FakeClock) {
	t.Helper()
	clock := kernel.NewFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	db, err := kernel.Open(":memory:", clock)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), clock
}

func TestBackoffFor(t *testing.T) {
	assert.Equal(t, 10*time.Second, backoffFor(1))
	assert.Equal(t, 20*time.Second, backoffFor(2))
	assert.Equal(t, 40*time.Second, backoffFor(3))
	assert.Equal(t, 10*time.Minute, backoffFor(8), "capped at 10 minutes")
	assert.Equal(t, 10*time.Minute, backoffFor(20))
}

func TestRouteForKnownTypes(t *testing.T) {
	r := routeFor(TypeLexicalUpdate)
	assert.Equal(t, QueueUrgent, r.queue)
	assert.Equal(t, 9, r.priority)
	assert.Equal(t, time.Second, r.countdown)

	r = routeFor("custom.thing")
	assert.Equal(t, QueueDefault, r.queue)
	assert.Equal(t, 5, r.priority)
}

func TestClaimOrderPriorityThenFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, TypeQualityRecompute, map[string]any{"n": 1}, WithCountdown(0)))
	require.NoError(t, q.Enqueue(ctx, TypeQualityRecompute, map[string]any{"n": 2}, WithCountdown(0)))
	require.NoError(t, q.Enqueue(ctx, TypeLexicalUpdate, map[string]any{"n": 3}, WithCountdown(0)))

	first, err := q.claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, TypeLexicalUpdate, first.Type, "priority 9 beats priority 5")

	second, err := q.claim(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, second.Payload["n"], "FIFO within equal priority")

	third, err := q.claim(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, third.Payload["n"])

	_, err = q.claim(ctx)
	assert.ErrorIs(t, err, ErrNoTask)
}

func TestCountdownDefersTask(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, TypeGraphUpdateEdges, nil)) // 30s countdown

	_, err := q.claim(ctx)
	assert.ErrorIs(t, err, ErrNoTask)

	clock.Advance(31 * time.Second)
	task, err := q.claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, TypeGraphUpdateEdges, task.Type)
}

func TestFailureReschedulesWithBackoffThenDeadLetters(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, TypeQualityRecompute, nil, WithCountdown(0)))

	boom := errors.New("transient")
	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		task, err := q.claim(ctx)
		require.NoError(t, err, "attempt %d", attempt)
		require.NoError(t, q.settle(ctx, task, boom))
		clock.Advance(backoffFor(attempt) + time.Second)
	}

	_, err := q.claim(ctx)
	assert.ErrorIs(t, err, ErrNoTask, "dead tasks are not claimable")

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "transient", dead[0].LastError)
	assert.Equal(t, DefaultMaxAttempts, dead[0].Attempts)
}

func TestEnqueueTxNotVisibleOnRollback(t *testing.T) {
	clock := kernel.NewFakeClock(time.Now())
	db, err := kernel.Open(":memory:", clock)
	require.NoError(t, err)
	defer db.Close()
	q := New(db)
	ctx := context.Background()

	rollback := errors.New("abort")
	err = db.InTx(ctx, func(tx *kernel.Tx) error {
		require.NoError(t, q.EnqueueTx(ctx, tx, TypeCacheInvalidate, map[string]any{"pattern": "resource:*"}))
		return rollback
	})
	require.ErrorIs(t, err, rollback)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "aborted transaction schedules nothing")
}

func TestPoolProcessesAndSettles(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	var got []any
	pool := NewPool(q, logging.NewNop(), 1, 10*time.Millisecond)
	pool.Register(TypeCacheInvalidate, func(ctx context.Context, task *Task) error {
		got = append(got, task.Payload["pattern"])
		return nil
	})

	require.NoError(t, q.Enqueue(ctx, TypeCacheInvalidate, map[string]any{"pattern": "search_query:*"}))
	require.NoError(t, pool.DrainOnce(ctx))

	assert.Equal(t, []any{"search_query:*"}, got)
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestPoolUnknownTypeDeadLetters(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()
	pool := NewPool(q, logging.NewNop(), 1, 10*time.Millisecond)

	require.NoError(t, q.Enqueue(ctx, "nobody.home", nil))
	for i := 0; i < DefaultMaxAttempts; i++ {
		require.NoError(t, pool.DrainOnce(ctx))
		clock.Advance(backoffCap + time.Second)
	}

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, "no handler registered")
}

func TestPoolRecoversHandlerPanic(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	pool := NewPool(q, logging.NewNop(), 1, 10*time.Millisecond)
	pool.Register(TypeQualityRecompute, func(ctx context.Context, task *Task) error {
		panic("quality crashed")
	})

	require.NoError(t, q.Enqueue(ctx, TypeQualityRecompute, nil, WithCountdown(0)))
	require.NoError(t, pool.DrainOnce(ctx))

	var lastErr string
	require.NoError(t, q.db.QueryRowContext(ctx, `SELECT last_error FROM tasks LIMIT 1`).Scan(&lastErr))
	assert.Contains(t, lastErr, "quality crashed")
}
