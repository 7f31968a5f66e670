package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shadowrealm/shadow/internal/chat"
	"github.com/shadowrealm/shadow/internal/common/logger"
	"github.com/shadowrealm/shadow/internal/events"
	"github.com/shadowrealm/shadow/internal/events/bus"
	"github.com/shadowrealm/shadow/internal/task/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// clientMessage is the inbound envelope. Type selects the action; the
// remaining fields are per-action payload.
type clientMessage struct {
	Type         string `json:"type"`
	Content      string `json:"content,omitempty"`
	Model        string `json:"model,omitempty"`
	Queue        bool   `json:"queue,omitempty"`
	MessageID    string `json:"message_id,omitempty"`
	FromPosition int    `json:"from_position,omitempty"`
	SinceID      int64  `json:"since_id,omitempty"`
}

// serverMessage carries request responses that are not stream chunks.
// Stream chunks are written to the socket as-is; both shapes share the
// top-level "type" discriminator.
type serverMessage struct {
	Type         string                 `json:"type"`
	Messages     []*models.ChatMessage  `json:"messages,omitempty"`
	Entries      []models.TerminalEntry `json:"entries,omitempty"`
	Content      string                 `json:"content,omitempty"`
	FromPosition *int                   `json:"from_position,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

type client struct {
	id     string
	taskID string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte

	closeOnce sync.Once
	done      chan struct{}

	log *logger.Logger
}

func newClient(id, taskID string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *client {
	return &client{
		id:     id,
		taskID: taskID,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		log:    log.WithFields(zap.String("client_id", id), zap.String("task_id", taskID)),
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// enqueue hands data to the write pump. Slow clients drop messages
// rather than block the stream.
func (c *client) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.log.Warn("client send buffer full, dropping message")
	}
}

func (c *client) sendChunk(chunk *events.StreamChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		c.log.Error("failed to marshal chunk", zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (c *client) sendMessage(msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (c *client) sendError(msg string) {
	c.sendMessage(serverMessage{Type: "error", Error: msg})
}

// forward pumps live chunks from the bus subscription to the client.
// The subscription channel closes when the task is dropped, which ends
// the connection.
func (c *client) forward(sub *bus.Subscription) {
	for chunk := range sub.Chunks() {
		c.sendChunk(chunk)
	}
	c.close()
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump(ctx context.Context) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket read error", zap.Error(err))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message format")
			continue
		}
		c.handleMessage(ctx, msg)
	}
}

func (c *client) handleMessage(ctx context.Context, msg clientMessage) {
	switch msg.Type {
	case "user-message":
		if msg.Content == "" {
			c.sendError("content is required")
			return
		}
		go c.hub.processMessage(chat.ProcessInput{
			TaskID:      c.taskID,
			Message:     msg.Content,
			Model:       msg.Model,
			EnableTools: true,
			Queue:       msg.Queue,
		})

	case "edit-message":
		if msg.MessageID == "" || msg.Content == "" {
			c.sendError("message_id and content are required")
			return
		}
		go c.hub.editMessage(c.taskID, msg.MessageID, msg.Content, msg.Model)

	case "stop-stream":
		c.hub.engine.Stop(c.taskID)

	case "get-chat-history":
		history, err := c.hub.stores.Messages.History(ctx, c.taskID)
		if err != nil {
			c.sendError("failed to load chat history")
			return
		}
		c.sendMessage(serverMessage{Type: "chat-history", Messages: history})

	case "request-history":
		content, ok := c.hub.streamBus.ReplayFrom(c.taskID, msg.FromPosition)
		if !ok {
			c.sendError("position beyond stream buffer")
			return
		}
		from := msg.FromPosition
		c.sendMessage(serverMessage{Type: "history-replay", Content: content, FromPosition: &from})

	case "get-terminal-history":
		c.sendTerminalHistory(ctx, msg.SinceID)

	case "clear-terminal":
		c.clearTerminal(ctx)

	case "heartbeat":
		c.sendMessage(serverMessage{Type: "heartbeat-ack"})

	default:
		c.sendError("unknown message type: " + msg.Type)
	}
}

func (c *client) terminal() Terminal {
	if c.hub.terminal == nil {
		return nil
	}
	return c.hub.terminal(c.taskID)
}

func (c *client) sendTerminalHistory(ctx context.Context, sinceID int64) {
	term := c.terminal()
	if term == nil {
		c.sendMessage(serverMessage{Type: "terminal-history", Entries: []models.TerminalEntry{}})
		return
	}
	entries, err := term.TerminalHistory(ctx, sinceID)
	if err != nil {
		c.sendError("failed to load terminal history")
		return
	}
	if entries == nil {
		entries = []models.TerminalEntry{}
	}
	c.sendMessage(serverMessage{Type: "terminal-history", Entries: entries})
}

func (c *client) clearTerminal(ctx context.Context) {
	if term := c.terminal(); term != nil {
		if err := term.ClearTerminal(ctx); err != nil {
			c.sendError("failed to clear terminal")
			return
		}
	}
	c.sendMessage(serverMessage{Type: "terminal-cleared"})
}
