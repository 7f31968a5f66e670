// Package bus implements per-task fan-out of stream chunks.
//
// Every task has an independent stream. While an assistant turn is
// streaming, content chunks are appended to a per-task buffer so that
// clients connecting mid-stream can be handed a snapshot and replay the
// portion they missed.
package bus

import (
	"context"

	"github.com/shadowrealm/shadow/internal/events"
)

// Bus fans stream chunks out to per-task subscribers.
type Bus interface {
	// Publish delivers a chunk to all subscribers of chunk.TaskID.
	// Content chunks are appended to the task's stream buffer.
	// Delivery is best-effort; slow subscribers drop chunks rather
	// than block the publisher.
	Publish(ctx context.Context, chunk *events.StreamChunk)

	// Subscribe registers a new subscriber for a task and returns the
	// subscription together with the current stream-state snapshot,
	// so late joiners can render buffered content before live chunks.
	Subscribe(taskID string) (*Subscription, events.StreamStatePayload)

	// StartStream resets the task's buffer and marks it streaming.
	StartStream(taskID string)

	// EndStream marks the task no longer streaming. The buffer is kept
	// so reconnecting clients can still replay the final content.
	EndStream(taskID string)

	// State returns the task's current stream-state snapshot.
	State(taskID string) events.StreamStatePayload

	// ReplayFrom returns buffered content from the given byte position.
	// ok is false when the position is beyond the buffer.
	ReplayFrom(taskID string, position int) (content string, ok bool)

	// DropTask releases all stream state for a task and closes its
	// subscribers. Used on task cleanup.
	DropTask(taskID string)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription is one subscriber's view of a task stream.
type Subscription struct {
	id     uint64
	taskID string
	ch     chan *events.StreamChunk
	cancel func()
}

// Chunks returns the channel of live chunks for this subscription.
// The channel is closed when the subscription or the bus is closed.
func (s *Subscription) Chunks() <-chan *events.StreamChunk {
	return s.ch
}

// TaskID returns the task this subscription follows.
func (s *Subscription) TaskID() string {
	return s.taskID
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.cancel()
}
