package bus

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/shadowrealm/shadow/internal/common/logger"
	"github.com/shadowrealm/shadow/internal/events"
)

// subscriber channel capacity. Publishing never blocks; a full channel
// drops the chunk for that subscriber.
const subscriberBuffer = 256

// taskStream holds all per-task fan-out state.
type taskStream struct {
	mu        sync.Mutex
	buf       strings.Builder
	streaming bool
	subs      map[uint64]*Subscription
}

// MemoryBus is the in-process Bus implementation.
type MemoryBus struct {
	mu      sync.RWMutex
	streams map[string]*taskStream
	nextID  uint64
	closed  bool
	log     *logger.Logger
}

// NewMemoryBus creates an in-memory stream bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryBus{
		streams: make(map[string]*taskStream),
		log:     log.WithFields(zap.String("component", "stream-bus")),
	}
}

func (b *MemoryBus) stream(taskID string, create bool) *taskStream {
	b.mu.RLock()
	ts := b.streams[taskID]
	b.mu.RUnlock()
	if ts != nil || !create {
		return ts
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	if ts = b.streams[taskID]; ts == nil {
		ts = &taskStream{subs: make(map[uint64]*Subscription)}
		b.streams[taskID] = ts
	}
	return ts
}

// Publish implements Bus.
func (b *MemoryBus) Publish(_ context.Context, chunk *events.StreamChunk) {
	if chunk == nil || chunk.TaskID == "" {
		return
	}
	ts := b.stream(chunk.TaskID, true)
	if ts == nil {
		return
	}

	ts.mu.Lock()
	if chunk.Type == events.ChunkContent {
		ts.buf.WriteString(chunk.Content)
	}
	subs := make([]*Subscription, 0, len(ts.subs))
	for _, s := range ts.subs {
		subs = append(subs, s)
	}
	ts.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- chunk:
		default:
			b.log.Warn("dropping chunk for slow subscriber",
				zap.String("task_id", chunk.TaskID),
				zap.String("chunk_type", string(chunk.Type)))
		}
	}
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(taskID string) (*Subscription, events.StreamStatePayload) {
	ts := b.stream(taskID, true)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	sub := &Subscription{
		id:     id,
		taskID: taskID,
		ch:     make(chan *events.StreamChunk, subscriberBuffer),
	}
	var once sync.Once
	sub.cancel = func() {
		once.Do(func() {
			if ts != nil {
				ts.mu.Lock()
				delete(ts.subs, id)
				ts.mu.Unlock()
			}
			close(sub.ch)
		})
	}

	var state events.StreamStatePayload
	if ts != nil {
		ts.mu.Lock()
		ts.subs[id] = sub
		state = streamStateLocked(ts)
		ts.mu.Unlock()
	}
	return sub, state
}

// StartStream implements Bus.
func (b *MemoryBus) StartStream(taskID string) {
	ts := b.stream(taskID, true)
	if ts == nil {
		return
	}
	ts.mu.Lock()
	ts.buf.Reset()
	ts.streaming = true
	ts.mu.Unlock()
}

// EndStream implements Bus.
func (b *MemoryBus) EndStream(taskID string) {
	ts := b.stream(taskID, false)
	if ts == nil {
		return
	}
	ts.mu.Lock()
	ts.streaming = false
	ts.mu.Unlock()
}

// State implements Bus.
func (b *MemoryBus) State(taskID string) events.StreamStatePayload {
	ts := b.stream(taskID, false)
	if ts == nil {
		return events.StreamStatePayload{}
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return streamStateLocked(ts)
}

func streamStateLocked(ts *taskStream) events.StreamStatePayload {
	content := ts.buf.String()
	return events.StreamStatePayload{
		Content:        content,
		IsStreaming:    ts.streaming,
		BufferPosition: len(content),
	}
}

// ReplayFrom implements Bus.
func (b *MemoryBus) ReplayFrom(taskID string, position int) (string, bool) {
	if position < 0 {
		position = 0
	}
	ts := b.stream(taskID, false)
	if ts == nil {
		if position == 0 {
			return "", true
		}
		return "", false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	content := ts.buf.String()
	if position > len(content) {
		return "", false
	}
	return content[position:], true
}

// DropTask implements Bus.
func (b *MemoryBus) DropTask(taskID string) {
	b.mu.Lock()
	ts := b.streams[taskID]
	delete(b.streams, taskID)
	b.mu.Unlock()
	if ts == nil {
		return
	}

	ts.mu.Lock()
	subs := make([]*Subscription, 0, len(ts.subs))
	for _, s := range ts.subs {
		subs = append(subs, s)
	}
	ts.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

// Close implements Bus.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	streams := b.streams
	b.streams = make(map[string]*taskStream)
	b.mu.Unlock()

	for _, ts := range streams {
		ts.mu.Lock()
		subs := make([]*Subscription, 0, len(ts.subs))
		for _, s := range ts.subs {
			subs = append(subs, s)
		}
		ts.mu.Unlock()
		for _, s := range subs {
			s.Close()
		}
	}
	return nil
}
