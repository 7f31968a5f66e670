package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/shadowrealm/shadow/internal/common/config"
	"github.com/shadowrealm/shadow/internal/common/logger"
	"github.com/shadowrealm/shadow/internal/events"
)

const streamSubjectPrefix = "shadow.stream."

// envelope wraps a chunk on the wire so instances can skip their own
// publications when they arrive back over NATS.
type envelope struct {
	Origin string              `json:"origin"`
	Chunk  *events.StreamChunk `json:"chunk"`
}

// NATSBus mirrors a MemoryBus across instances over NATS. Each instance
// keeps its own buffers; chunks published anywhere are delivered
// everywhere.
type NATSBus struct {
	mem      *MemoryBus
	nc       *nats.Conn
	sub      *nats.Subscription
	instance string
	log      *logger.Logger
}

// NewNATSBus connects to NATS and starts mirroring the task streams.
func NewNATSBus(cfg config.NATSConfig, log *logger.Logger) (*NATSBus, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "nats-bus"))

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	b := &NATSBus{
		mem:      NewMemoryBus(log),
		nc:       nc,
		instance: uuid.NewString(),
		log:      log,
	}

	b.sub, err = nc.Subscribe(streamSubjectPrefix+">", b.handleRemote)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to stream subjects: %w", err)
	}

	log.Info("connected to nats", zap.String("url", nc.ConnectedUrl()))
	return b, nil
}

func (b *NATSBus) handleRemote(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.log.Warn("dropping malformed stream envelope", zap.Error(err))
		return
	}
	if env.Origin == b.instance || env.Chunk == nil {
		return
	}
	b.mem.Publish(context.Background(), env.Chunk)
}

// Publish implements Bus. The chunk is delivered locally and broadcast
// to peer instances.
func (b *NATSBus) Publish(ctx context.Context, chunk *events.StreamChunk) {
	if chunk == nil || chunk.TaskID == "" {
		return
	}
	b.mem.Publish(ctx, chunk)

	data, err := json.Marshal(envelope{Origin: b.instance, Chunk: chunk})
	if err != nil {
		b.log.Error("failed to marshal stream envelope", zap.Error(err))
		return
	}
	if err := b.nc.Publish(streamSubjectPrefix+chunk.TaskID, data); err != nil {
		b.log.Error("failed to publish stream chunk",
			zap.String("task_id", chunk.TaskID), zap.Error(err))
	}
}

// Subscribe implements Bus.
func (b *NATSBus) Subscribe(taskID string) (*Subscription, events.StreamStatePayload) {
	return b.mem.Subscribe(taskID)
}

// StartStream implements Bus.
func (b *NATSBus) StartStream(taskID string) { b.mem.StartStream(taskID) }

// EndStream implements Bus.
func (b *NATSBus) EndStream(taskID string) { b.mem.EndStream(taskID) }

// State implements Bus.
func (b *NATSBus) State(taskID string) events.StreamStatePayload {
	return b.mem.State(taskID)
}

// ReplayFrom implements Bus.
func (b *NATSBus) ReplayFrom(taskID string, position int) (string, bool) {
	return b.mem.ReplayFrom(taskID, position)
}

// DropTask implements Bus.
func (b *NATSBus) DropTask(taskID string) { b.mem.DropTask(taskID) }

// Close implements Bus.
func (b *NATSBus) Close() error {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.nc != nil {
		b.nc.Close()
	}
	return b.mem.Close()
}

// New builds the configured Bus: NATS-backed when a URL is set,
// otherwise in-memory.
func New(cfg config.NATSConfig, log *logger.Logger) (Bus, error) {
	if cfg.URL == "" {
		return NewMemoryBus(log), nil
	}
	return NewNATSBus(cfg, log)
}
