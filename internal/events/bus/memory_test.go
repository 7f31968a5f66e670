package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowrealm/shadow/internal/events"
)

func recvChunk(t *testing.T, sub *Subscription) *events.StreamChunk {
	t.Helper()
	select {
	case c, ok := <-sub.Chunks():
		require.True(t, ok, "subscription closed unexpectedly")
		return c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for chunk")
		return nil
	}
}

func TestMemoryBusFanOut(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	sub1, _ := b.Subscribe("task-1")
	sub2, _ := b.Subscribe("task-1")
	other, _ := b.Subscribe("task-2")
	defer sub1.Close()
	defer sub2.Close()
	defer other.Close()

	b.Publish(context.Background(), events.NewContent("task-1", "hello"))

	assert.Equal(t, "hello", recvChunk(t, sub1).Content)
	assert.Equal(t, "hello", recvChunk(t, sub2).Content)

	select {
	case c := <-other.Chunks():
		t.Fatalf("subscriber of another task received chunk: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusBuffersContentDuringStream(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()
	ctx := context.Background()

	b.StartStream("task-1")
	b.Publish(ctx, events.NewContent("task-1", "Hello, "))
	b.Publish(ctx, events.NewContent("task-1", "world"))

	state := b.State("task-1")
	assert.Equal(t, "Hello, world", state.Content)
	assert.True(t, state.IsStreaming)
	assert.Equal(t, len("Hello, world"), state.BufferPosition)

	// Non-content chunks must not grow the buffer.
	b.Publish(ctx, events.NewToolCall("task-1", "call-1", "read_file", nil))
	assert.Equal(t, "Hello, world", b.State("task-1").Content)

	b.EndStream("task-1")
	state = b.State("task-1")
	assert.False(t, state.IsStreaming)
	assert.Equal(t, "Hello, world", state.Content, "buffer survives end of stream")
}

func TestMemoryBusLateSubscriberSnapshot(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()
	ctx := context.Background()

	b.StartStream("task-1")
	b.Publish(ctx, events.NewContent("task-1", "partial out"))

	sub, state := b.Subscribe("task-1")
	defer sub.Close()

	assert.Equal(t, "partial out", state.Content)
	assert.True(t, state.IsStreaming)

	// Live chunks continue after the snapshot.
	b.Publish(ctx, events.NewContent("task-1", "put"))
	assert.Equal(t, "put", recvChunk(t, sub).Content)
	assert.Equal(t, "partial output", b.State("task-1").Content)
}

func TestMemoryBusReplayFrom(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()
	ctx := context.Background()

	b.StartStream("task-1")
	b.Publish(ctx, events.NewContent("task-1", "0123456789"))

	got, ok := b.ReplayFrom("task-1", 4)
	require.True(t, ok)
	assert.Equal(t, "456789", got)

	got, ok = b.ReplayFrom("task-1", 0)
	require.True(t, ok)
	assert.Equal(t, "0123456789", got)

	got, ok = b.ReplayFrom("task-1", 10)
	require.True(t, ok)
	assert.Equal(t, "", got)

	_, ok = b.ReplayFrom("task-1", 11)
	assert.False(t, ok, "position beyond buffer must not replay")

	_, ok = b.ReplayFrom("unknown-task", 5)
	assert.False(t, ok)
}

func TestMemoryBusStartStreamResetsBuffer(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()
	ctx := context.Background()

	b.StartStream("task-1")
	b.Publish(ctx, events.NewContent("task-1", "first turn"))
	b.EndStream("task-1")

	b.StartStream("task-1")
	state := b.State("task-1")
	assert.Equal(t, "", state.Content)
	assert.Zero(t, state.BufferPosition)
	assert.True(t, state.IsStreaming)
}

func TestMemoryBusDropTaskClosesSubscribers(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	sub, _ := b.Subscribe("task-1")
	b.DropTask("task-1")

	select {
	case _, ok := <-sub.Chunks():
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after DropTask")
	}

	state := b.State("task-1")
	assert.Equal(t, events.StreamStatePayload{}, state)
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	sub, _ := b.Subscribe("task-1")
	sub.Close()
	sub.Close() // idempotent

	b.Publish(context.Background(), events.NewContent("task-1", "after close"))

	_, ok := <-sub.Chunks()
	assert.False(t, ok)
}

func TestMemoryBusConcurrentPublish(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()
	ctx := context.Background()

	b.StartStream("task-1")
	sub, _ := b.Subscribe("task-1")
	defer sub.Close()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Publish(ctx, events.NewContent("task-1", fmt.Sprintf("[%d]", i)))
		}(i)
	}
	wg.Wait()

	state := b.State("task-1")
	assert.Equal(t, len(state.Content), state.BufferPosition)

	received := 0
	for {
		select {
		case <-sub.Chunks():
			received++
		case <-time.After(100 * time.Millisecond):
			assert.Equal(t, n, received)
			return
		}
	}
}
