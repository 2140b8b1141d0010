package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo-alexandria/alexandria/internal/logging"
)

func newTestBus() *Bus {
	return New(logging.NewNop(), WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	}))
}

func TestEmitDeliversInRegistrationOrder(t *testing.T) {
	bus := newTestBus()

	var order []string
	bus.Subscribe(ResourceCreated, "a", func(ctx context.Context, ev Event) error {
		order = append(order, "a")
		return nil
	})
	bus.Subscribe(ResourceCreated, "b", func(ctx context.Context, ev Event) error {
		order = append(order, "b")
		return nil
	})

	bus.Emit(context.Background(), ResourceCreated, map[string]any{"resource_id": "r1"})
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestEmitDeliversOncePerSubscriber(t *testing.T) {
	bus := newTestBus()
	calls := 0
	bus.Subscribe(ResourceDeleted, "counter", func(ctx context.Context, ev Event) error {
		calls++
		return nil
	})

	bus.Emit(context.Background(), ResourceDeleted, nil)
	bus.Emit(context.Background(), ResourceDeleted, nil)
	assert.Equal(t, 2, calls)
}

func TestHandlerErrorDoesNotBreakOthers(t *testing.T) {
	bus := newTestBus()

	reached := false
	bus.Subscribe(ResourceUpdated, "failing", func(ctx context.Context, ev Event) error {
		return errors.New("boom")
	})
	bus.Subscribe(ResourceUpdated, "panicking", func(ctx context.Context, ev Event) error {
		panic("worse")
	})
	bus.Subscribe(ResourceUpdated, "ok", func(ctx context.Context, ev Event) error {
		reached = true
		return nil
	})

	bus.Emit(context.Background(), ResourceUpdated, nil)
	assert.True(t, reached)
}

func TestEmitWithNoSubscribersIsSafe(t *testing.T) {
	bus := newTestBus()
	bus.Emit(context.Background(), "no.such.type", nil)
	assert.Zero(t, bus.SubscriberCount("no.such.type"))
}

func TestEventTimestampAndPayload(t *testing.T) {
	bus := newTestBus()

	var got Event
	bus.Subscribe(IngestionCompleted, "capture", func(ctx context.Context, ev Event) error {
		got = ev
		return nil
	})
	bus.Emit(context.Background(), IngestionCompleted, map[string]any{"resource_id": "r7"})

	require.Equal(t, IngestionCompleted, got.Type)
	assert.Equal(t, "r7", got.Payload["resource_id"])
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), got.Timestamp)
}

func TestHistoryNewestFirst(t *testing.T) {
	bus := newTestBus()
	bus.Emit(context.Background(), "first", nil)
	bus.Emit(context.Background(), "second", nil)
	bus.Emit(context.Background(), "third", nil)

	recs := bus.History(2)
	require.Len(t, recs, 2)
	assert.Equal(t, "third", recs[0].Event.Type)
	assert.Equal(t, "second", recs[1].Event.Type)
}

func TestHistoryRingWraps(t *testing.T) {
	ring := newHistoryRing(3)
	for _, typ := range []string{"a", "b", "c", "d"} {
		ring.add(Record{Event: Event{Type: typ}})
	}
	recs := ring.recent(0)
	require.Len(t, recs, 3)
	assert.Equal(t, "d", recs[0].Event.Type)
	assert.Equal(t, "b", recs[2].Event.Type)
}
