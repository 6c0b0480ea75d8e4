package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openquant/helix/pkg/types"
)

func TestQueuePriorityThenFIFO(t *testing.T) {
	q := newEventQueue(10)

	low1 := types.NewEvent(types.EventCandleUpdate, "low1")
	low2 := types.NewEvent(types.EventCandleUpdate, "low2")
	high := types.NewEvent(types.EventCandleUpdate, "high")

	require.True(t, q.push(low1, 0))
	require.True(t, q.push(low2, 0))
	require.True(t, q.push(high, 5))

	ctx := context.Background()
	assert.Equal(t, high, q.popWait(ctx, time.Second))
	assert.Equal(t, low1, q.popWait(ctx, time.Second))
	assert.Equal(t, low2, q.popWait(ctx, time.Second))
}

func TestQueueBounded(t *testing.T) {
	q := newEventQueue(1)
	require.True(t, q.push(types.NewEvent(types.EventCandleUpdate, nil), 0))
	assert.False(t, q.push(types.NewEvent(types.EventCandleUpdate, nil), 0))
	assert.Equal(t, 1, q.size())
}

func TestQueuePopWaitTimesOut(t *testing.T) {
	q := newEventQueue(1)
	start := time.Now()
	ev := q.popWait(context.Background(), 20*time.Millisecond)
	assert.Nil(t, ev)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestQueuePopWaitCancel(t *testing.T) {
	q := newEventQueue(1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan *types.Event, 1)
	go func() { done <- q.popWait(ctx, time.Minute) }()
	cancel()

	select {
	case ev := <-done:
		assert.Nil(t, ev)
	case <-time.After(time.Second):
		t.Fatal("popWait did not observe cancellation")
	}
}

func TestQueuePopWaitWakesOnPush(t *testing.T) {
	q := newEventQueue(1)
	ev := types.NewEvent(types.EventCandleUpdate, nil)

	done := make(chan *types.Event, 1)
	go func() { done <- q.popWait(context.Background(), time.Minute) }()

	time.Sleep(10 * time.Millisecond)
	require.True(t, q.push(ev, 0))

	select {
	case got := <-done:
		assert.Equal(t, ev, got)
	case <-time.After(time.Second):
		t.Fatal("popWait did not wake on push")
	}
}

func TestDeadLetterQueueStampsMetadata(t *testing.T) {
	d := newDeadLetterQueue(2, testLogger())
	ev := types.NewEvent(types.EventCandleUpdate, nil)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, d.add(ev, "handler exploded", now))
	assert.Equal(t, "handler exploded", ev.Metadata[types.MetaDeadLetterReason])
	assert.NotEmpty(t, ev.Metadata[types.MetaDeadLetterTimestamp])

	// Readback does not mutate
	assert.Len(t, d.list(10), 1)
	assert.Len(t, d.list(10), 1)
	assert.Equal(t, 1, d.size())
}

func TestDeadLetterQueueOverflowDropsNewest(t *testing.T) {
	d := newDeadLetterQueue(1, testLogger())
	now := time.Now()

	first := types.NewEvent(types.EventCandleUpdate, "first")
	second := types.NewEvent(types.EventCandleUpdate, "second")

	require.True(t, d.add(first, "r1", now))
	assert.False(t, d.add(second, "r2", now))

	entries := d.list(10)
	require.Len(t, entries, 1)
	assert.Equal(t, first.EventID, entries[0].EventID)
}

func TestDeadLetterQueueLimit(t *testing.T) {
	d := newDeadLetterQueue(5, testLogger())
	now := time.Now()
	for i := 0; i < 4; i++ {
		d.add(types.NewEvent(types.EventCandleUpdate, i), "r", now)
	}
	assert.Len(t, d.list(2), 2)
	assert.Len(t, d.list(0), 4)
}
