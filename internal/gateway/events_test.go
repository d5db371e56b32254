// ABOUTME: Tests for event sink fan-out, method filtering and overflow dropping.
// ABOUTME: The publisher must never block on a slow subscriber.

package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-node/internal/protocol"
)

func event(t *testing.T, method string) protocol.Frame {
	t.Helper()
	f, err := protocol.NewEvent(method, map[string]int{"n": 1})
	require.NoError(t, err)
	return f
}

func TestEventSink(t *testing.T) {
	t.Run("filters by method", func(t *testing.T) {
		sink := NewEventSink(4, quietLogger(), nil)
		ticks := sink.Subscribe(protocol.EventTick)
		all := sink.Subscribe()

		sink.Publish(event(t, protocol.EventTick))
		sink.Publish(event(t, protocol.EventPairRequested))

		assert.Len(t, ticks.C, 1)
		assert.Len(t, all.C, 2)
	})

	t.Run("full subscriber drops without blocking", func(t *testing.T) {
		sink := NewEventSink(1, quietLogger(), nil)
		slow := sink.Subscribe()

		done := make(chan struct{})
		go func() {
			for i := 0; i < 10; i++ {
				sink.Publish(event(t, protocol.EventTick))
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("publish blocked on a full subscriber")
		}
		assert.Equal(t, int64(9), slow.Dropped())
	})

	t.Run("queue hands overflow to its handler", func(t *testing.T) {
		sink := NewEventSink(1, quietLogger(), nil)
		var overflowed []protocol.Frame
		queue := sink.SubscribeQueue(func(f protocol.Frame) { overflowed = append(overflowed, f) }, protocol.EventTick)
		plain := sink.Subscribe(protocol.EventTick)

		sink.Publish(event(t, protocol.EventTick))
		sink.Publish(event(t, protocol.EventTick))
		sink.Publish(event(t, protocol.EventTick))

		assert.Len(t, overflowed, 2)
		assert.Equal(t, int64(2), queue.Dropped())
		assert.Equal(t, int64(2), plain.Dropped())
		assert.Len(t, queue.C, 1)
	})

	t.Run("close ends subscriptions", func(t *testing.T) {
		sink := NewEventSink(1, quietLogger(), nil)
		sub := sink.Subscribe()
		sink.Close()

		_, ok := <-sub.C
		assert.False(t, ok)
		assert.Equal(t, 0, sink.Publish(event(t, protocol.EventTick)))

		late := sink.Subscribe()
		_, ok = <-late.C
		assert.False(t, ok)
		sub.Close()
	})

	t.Run("subscription close is idempotent", func(t *testing.T) {
		sink := NewEventSink(1, quietLogger(), nil)
		sub := sink.Subscribe()
		sub.Close()
		sub.Close()
		assert.Equal(t, 0, sink.Publish(event(t, protocol.EventTick)))
	})
}
