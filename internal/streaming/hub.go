// Package streaming serves the per-task WebSocket endpoint. Each
// connection is subscribed to the task's stream on the bus; inbound
// client messages drive the chat engine and terminal.
package streaming

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shadowrealm/shadow/internal/chat"
	"github.com/shadowrealm/shadow/internal/common/logger"
	"github.com/shadowrealm/shadow/internal/events"
	"github.com/shadowrealm/shadow/internal/events/bus"
	"github.com/shadowrealm/shadow/internal/task/models"
	"github.com/shadowrealm/shadow/internal/task/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ChatEngine is the chat surface the transport drives.
type ChatEngine interface {
	ProcessUserMessage(ctx context.Context, input chat.ProcessInput) error
	EditUserMessage(ctx context.Context, taskID, messageID, newContent, model string) error
	Stop(taskID string)
}

// Initializer rebuilds task infrastructure when a follow-up arrives
// after the workspace was cleaned up or the sandbox died.
type Initializer interface {
	Reinitialize(ctx context.Context, taskID string) error
	EnsureReady(ctx context.Context, taskID string) error
}

// Terminal is the sidecar terminal view for one task.
type Terminal interface {
	TerminalHistory(ctx context.Context, sinceID int64) ([]models.TerminalEntry, error)
	ClearTerminal(ctx context.Context) error
}

// TerminalProvider returns the terminal for a task, or nil when the
// task has none (local mode, or the sandbox is gone).
type TerminalProvider func(taskID string) Terminal

// Hub accepts WebSocket connections and bridges them to the stream bus.
type Hub struct {
	stores      *store.Stores
	streamBus   bus.Bus
	engine      ChatEngine
	initializer Initializer
	terminal    TerminalProvider
	log         *logger.Logger
}

// NewHub creates a streaming hub. initializer and terminal may be nil.
func NewHub(stores *store.Stores, streamBus bus.Bus, engine ChatEngine, initializer Initializer, terminal TerminalProvider, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		stores:      stores,
		streamBus:   streamBus,
		engine:      engine,
		initializer: initializer,
		terminal:    terminal,
		log:         log.WithFields(zap.String("component", "streaming")),
	}
}

// HandleWebSocket upgrades the request and serves the task stream until
// the client disconnects.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	taskID := c.Param("taskId")
	if _, err := h.stores.Tasks.Get(c.Request.Context(), taskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := newClient(uuid.New().String(), taskID, conn, h, h.log)
	sub, state := h.streamBus.Subscribe(taskID)
	defer func() {
		sub.Close()
		client.close()
	}()

	h.log.Debug("websocket connected",
		zap.String("client_id", client.id),
		zap.String("task_id", taskID))

	go client.writePump()
	go client.forward(sub)

	// Greeting first, then the snapshot so the client can render
	// buffered content before live chunks arrive.
	client.sendChunk(events.NewConnectionInfo(taskID, client.id))
	client.sendChunk(events.NewStreamState(taskID, state))

	client.readPump(c.Request.Context())
}

// processMessage runs a user message through the engine. A dead sandbox
// is rebuilt before processing; a cleaned-up workspace is rebuilt and
// the message retried.
func (h *Hub) processMessage(input chat.ProcessInput) {
	ctx := context.Background()
	log := h.log.WithTaskID(input.TaskID)

	if h.initializer != nil {
		if err := h.initializer.EnsureReady(ctx, input.TaskID); err != nil {
			log.Error("workspace readiness check failed", zap.Error(err))
			return
		}
	}

	err := h.engine.ProcessUserMessage(ctx, input)
	if errors.Is(err, chat.ErrNeedsInit) && h.initializer != nil {
		if initErr := h.initializer.Reinitialize(ctx, input.TaskID); initErr != nil {
			log.Error("re-initialization failed", zap.Error(initErr))
			return
		}
		err = h.engine.ProcessUserMessage(ctx, input)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("message processing failed", zap.Error(err))
	}
}

func (h *Hub) editMessage(taskID, messageID, content, model string) {
	if err := h.engine.EditUserMessage(context.Background(), taskID, messageID, content, model); err != nil {
		h.log.WithTaskID(taskID).Error("message edit failed", zap.Error(err))
	}
}
