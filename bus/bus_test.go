package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/gamesync/broker"
)

func waitEvent(t *testing.T, ch <-chan GameEvent) GameEvent {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return GameEvent{}
	}
}

func TestBroadcastReachesLocalHandler(t *testing.T) {
	ctx := context.Background()
	mb := broker.NewMemoryBroker()
	defer mb.Close()

	b := New(mb, "inst-a")
	defer b.Close()

	received := make(chan GameEvent, 1)
	sub, err := b.On("g1", func(event GameEvent) { received <- event })
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, b.Broadcast(ctx, "g1", GameEvent{Type: "move", UserID: "u1"}))

	event := waitEvent(t, received)
	assert.Equal(t, "move", event.Type)
	assert.Equal(t, "u1", event.UserID)
	assert.Equal(t, "g1", event.GameID)
	assert.Equal(t, "inst-a", event.OriginInstanceID, "self-originated events are delivered too")
	assert.False(t, event.Timestamp.IsZero())
}

func TestBroadcastReachesOtherInstances(t *testing.T) {
	ctx := context.Background()
	mb := broker.NewMemoryBroker()
	defer mb.Close()

	a := New(mb, "inst-a")
	defer a.Close()
	b := New(mb, "inst-b")
	defer b.Close()

	received := make(chan GameEvent, 1)
	sub, err := b.On("g1", func(event GameEvent) { received <- event })
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, a.Broadcast(ctx, "g1", GameEvent{Type: "move"}))

	event := waitEvent(t, received)
	assert.Equal(t, "inst-a", event.OriginInstanceID)
}

func TestPerOriginOrderPreserved(t *testing.T) {
	ctx := context.Background()
	mb := broker.NewMemoryBroker()
	defer mb.Close()

	b := New(mb, "inst-a")
	defer b.Close()

	received := make(chan GameEvent, 16)
	sub, err := b.On("g1", func(event GameEvent) { received <- event })
	require.NoError(t, err)
	defer sub.Cancel()

	for i := 0; i < 10; i++ {
		data, _ := json.Marshal(i)
		require.NoError(t, b.Broadcast(ctx, "g1", GameEvent{Type: "move", Data: data}))
	}

	for i := 0; i < 10; i++ {
		event := waitEvent(t, received)
		var n int
		require.NoError(t, json.Unmarshal(event.Data, &n))
		assert.Equal(t, i, n, "events must arrive in publish order")
	}
}

func TestEventsScopedToRoomChannel(t *testing.T) {
	ctx := context.Background()
	mb := broker.NewMemoryBroker()
	defer mb.Close()

	b := New(mb, "inst-a")
	defer b.Close()

	g1 := make(chan GameEvent, 1)
	sub1, err := b.On("g1", func(event GameEvent) { g1 <- event })
	require.NoError(t, err)
	defer sub1.Cancel()
	g2 := make(chan GameEvent, 1)
	sub2, err := b.On("g2", func(event GameEvent) { g2 <- event })
	require.NoError(t, err)
	defer sub2.Cancel()

	require.NoError(t, b.Broadcast(ctx, "g2", GameEvent{Type: "move"}))

	event := waitEvent(t, g2)
	assert.Equal(t, "g2", event.GameID)
	select {
	case <-g1:
		t.Fatal("handler for g1 received an event for g2")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelDetachesHandler(t *testing.T) {
	ctx := context.Background()
	mb := broker.NewMemoryBroker()
	defer mb.Close()

	b := New(mb, "inst-a")
	defer b.Close()

	received := make(chan GameEvent, 1)
	sub, err := b.On("g1", func(event GameEvent) { received <- event })
	require.NoError(t, err)

	sub.Cancel()
	sub.Cancel() // idempotent
	assert.False(t, b.Subscribed("g1"), "last handler gone, channel torn down")

	require.NoError(t, b.Broadcast(ctx, "g1", GameEvent{Type: "move"}))
	select {
	case <-received:
		t.Fatal("cancelled handler still invoked")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPinKeepsChannelSubscribed(t *testing.T) {
	mb := broker.NewMemoryBroker()
	defer mb.Close()

	b := New(mb, "inst-a")
	defer b.Close()

	require.NoError(t, b.Pin("g1"))
	sub, err := b.On("g1", func(GameEvent) {})
	require.NoError(t, err)

	sub.Cancel()
	assert.True(t, b.Subscribed("g1"), "pin holds the subscription open")

	b.Unpin("g1")
	assert.False(t, b.Subscribed("g1"))
}

func TestMalformedPayloadDropped(t *testing.T) {
	ctx := context.Background()
	mb := broker.NewMemoryBroker()
	defer mb.Close()

	b := New(mb, "inst-a")
	defer b.Close()

	received := make(chan GameEvent, 1)
	sub, err := b.On("g1", func(event GameEvent) { received <- event })
	require.NoError(t, err)
	defer sub.Cancel()

	// Garbage straight onto the wire; the dispatch loop must survive it.
	require.NoError(t, mb.Publish(ctx, ChannelFor("g1"), []byte("{not json")))
	require.NoError(t, b.Broadcast(ctx, "g1", GameEvent{Type: "move"}))

	event := waitEvent(t, received)
	assert.Equal(t, "move", event.Type)
}
