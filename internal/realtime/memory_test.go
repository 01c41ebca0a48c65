// ABOUTME: Tests for the in-memory fan-out bus
// ABOUTME: Covers fan-out, channel isolation, slow subscribers, unsubscribe, close

package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus_PublishToSubscriber(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	ch, subID, err := bus.Subscribe(t.Context(), "inbox:alice")
	require.NoError(t, err)
	require.NotEmpty(t, subID)

	err = bus.Publish(t.Context(), "inbox:alice", []byte("hello"))
	require.NoError(t, err)

	select {
	case payload := <-ch:
		assert.Equal(t, "hello", string(payload))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for payload")
	}
}

func TestMemoryBus_FanOut(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	const n = 5
	chans := make([]<-chan []byte, n)
	for i := range n {
		ch, _, err := bus.Subscribe(t.Context(), "presence")
		require.NoError(t, err)
		chans[i] = ch
	}

	require.NoError(t, bus.Publish(t.Context(), "presence", []byte("ping")))

	for i, ch := range chans {
		select {
		case payload := <-ch:
			assert.Equal(t, "ping", string(payload), "subscriber %d", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received payload", i)
		}
	}
}

func TestMemoryBus_ChannelIsolation(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	alice, _, err := bus.Subscribe(t.Context(), "inbox:alice")
	require.NoError(t, err)
	bob, _, err := bus.Subscribe(t.Context(), "inbox:bob")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(t.Context(), "inbox:alice", []byte("for alice")))

	select {
	case payload := <-alice:
		assert.Equal(t, "for alice", string(payload))
	case <-time.After(time.Second):
		t.Fatal("alice never received payload")
	}

	select {
	case payload := <-bob:
		t.Fatalf("bob received a payload meant for alice: %s", payload)
	case <-time.After(50 * time.Millisecond):
		// correct: nothing crosses channels
	}
}

func TestMemoryBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	// Never read from this subscription; fill its buffer past capacity.
	_, _, err := bus.Subscribe(t.Context(), "typing:bob")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range subscriberBufferSize + 10 {
			_ = bus.Publish(t.Context(), "typing:bob", []byte("x"))
		}
	}()

	select {
	case <-done:
		// publisher never blocked
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	ch, subID, err := bus.Subscribe(t.Context(), "presence")
	require.NoError(t, err)

	bus.Unsubscribe("presence", subID)

	// Channel is closed and no longer receives.
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("channel was not closed")
	}

	require.NoError(t, bus.Publish(t.Context(), "presence", []byte("after")))
}

func TestMemoryBus_ContextCancelUnsubscribes(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(t.Context())
	ch, _, err := bus.Subscribe(ctx, "presence")
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after cancel")
	case <-time.After(time.Second):
		t.Fatal("channel was not closed after context cancel")
	}
}

func TestMemoryBus_Close(t *testing.T) {
	bus := NewMemoryBus(nil)

	ch, _, err := bus.Subscribe(t.Context(), "presence")
	require.NoError(t, err)

	require.NoError(t, bus.Close())

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "subscriber channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed on bus close")
	}

	assert.ErrorIs(t, bus.Publish(t.Context(), "presence", []byte("x")), ErrClosed)
	_, _, err = bus.Subscribe(t.Context(), "presence")
	assert.ErrorIs(t, err, ErrClosed)

	// Idempotent.
	require.NoError(t, bus.Close())
}
