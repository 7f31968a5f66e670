// Package events defines the typed stream chunks published for each task.
//
// Chunks form a closed union: every variant has an explicit constructor and
// exactly one populated payload field. Consumers switch on Type.
package events

import (
	"time"

	"github.com/shadowrealm/shadow/internal/task/models"
)

// ChunkType discriminates StreamChunk variants.
type ChunkType string

const (
	ChunkContent        ChunkType = "content"
	ChunkToolCall       ChunkType = "tool-call"
	ChunkToolResult     ChunkType = "tool-result"
	ChunkUsage          ChunkType = "usage"
	ChunkComplete       ChunkType = "complete"
	ChunkError          ChunkType = "error"
	ChunkInitProgress   ChunkType = "init-progress"
	ChunkTodoUpdate     ChunkType = "todo-update"
	ChunkFSChange       ChunkType = "fs-change"
	ChunkFSOverride     ChunkType = "fs-override"
	ChunkTerminalOutput ChunkType = "terminal-output"
	ChunkStreamState    ChunkType = "stream-state"
	ChunkConnectionInfo ChunkType = "connection-info"
)

// InitPhase classifies init-progress chunks.
type InitPhase string

const (
	InitPhaseStart     InitPhase = "start"
	InitPhaseStepStart InitPhase = "step-start"
	InitPhaseError     InitPhase = "error"
	InitPhaseComplete  InitPhase = "complete"
)

// ToolCallPayload carries an LLM tool invocation.
type ToolCallPayload struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResultPayload carries the result of an earlier tool call.
type ToolResultPayload struct {
	ID       string `json:"id"`
	ToolName string `json:"tool_name,omitempty"`
	Result   any    `json:"result"`
}

// InitProgressPayload reports initialization progress.
type InitProgressPayload struct {
	Phase InitPhase         `json:"phase"`
	Step  models.InitStatus `json:"step,omitempty"`
	Error string            `json:"error,omitempty"`
}

// TodoTotals summarizes a todo list.
type TodoTotals struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
}

// TodoUpdatePayload carries the full todo list after a mutation.
type TodoUpdatePayload struct {
	Todos  []models.Todo `json:"todos"`
	Action string        `json:"action"` // "replaced" or "updated"
	Totals TodoTotals    `json:"totals"`
}

// FSChangePayload reports a single debounced filesystem change.
type FSChangePayload struct {
	Operation   string    `json:"operation"`
	FilePath    string    `json:"file_path"`
	Timestamp   time.Time `json:"timestamp"`
	IsDirectory bool      `json:"is_directory"`
}

// FSOverridePayload is the authoritative post-restore file view.
type FSOverridePayload struct {
	FileChanges  []models.FileChange `json:"file_changes"`
	DiffStats    models.DiffStats    `json:"diff_stats"`
	CodebaseTree []*models.TreeNode  `json:"codebase_tree,omitempty"`
	Message      string              `json:"message,omitempty"`
}

// StreamStatePayload is the snapshot handed to late subscribers.
type StreamStatePayload struct {
	Content        string `json:"content"`
	IsStreaming    bool   `json:"is_streaming"`
	BufferPosition int    `json:"buffer_position"`
}

// ConnectionInfoPayload greets a newly connected transport client.
type ConnectionInfoPayload struct {
	ClientID    string    `json:"client_id"`
	TaskID      string    `json:"task_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// StreamChunk is one typed event on a task's stream.
type StreamChunk struct {
	Type      ChunkType `json:"type"`
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`

	Content        string                 `json:"content,omitempty"`
	ToolCall       *ToolCallPayload       `json:"tool_call,omitempty"`
	ToolResult     *ToolResultPayload     `json:"tool_result,omitempty"`
	Usage          *models.Usage          `json:"usage,omitempty"`
	FinishReason   string                 `json:"finish_reason,omitempty"`
	Error          string                 `json:"error,omitempty"`
	InitProgress   *InitProgressPayload   `json:"init_progress,omitempty"`
	TodoUpdate     *TodoUpdatePayload     `json:"todo_update,omitempty"`
	FSChange       *FSChangePayload       `json:"fs_change,omitempty"`
	FSOverride     *FSOverridePayload     `json:"fs_override,omitempty"`
	Terminal       *models.TerminalEntry  `json:"terminal,omitempty"`
	StreamState    *StreamStatePayload    `json:"stream_state,omitempty"`
	ConnectionInfo *ConnectionInfoPayload `json:"connection_info,omitempty"`
}

func newChunk(chunkType ChunkType, taskID string) *StreamChunk {
	return &StreamChunk{
		Type:      chunkType,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
	}
}

// NewContent creates a content chunk.
func NewContent(taskID, content string) *StreamChunk {
	c := newChunk(ChunkContent, taskID)
	c.Content = content
	return c
}

// NewToolCall creates a tool-call chunk.
func NewToolCall(taskID, id, name string, args map[string]any) *StreamChunk {
	c := newChunk(ChunkToolCall, taskID)
	c.ToolCall = &ToolCallPayload{ID: id, Name: name, Args: args}
	return c
}

// NewToolResult creates a tool-result chunk.
func NewToolResult(taskID, id, toolName string, result any) *StreamChunk {
	c := newChunk(ChunkToolResult, taskID)
	c.ToolResult = &ToolResultPayload{ID: id, ToolName: toolName, Result: result}
	return c
}

// NewUsage creates a usage chunk.
func NewUsage(taskID string, usage models.Usage) *StreamChunk {
	c := newChunk(ChunkUsage, taskID)
	c.Usage = &usage
	return c
}

// NewComplete creates a complete chunk.
func NewComplete(taskID, finishReason string) *StreamChunk {
	c := newChunk(ChunkComplete, taskID)
	c.FinishReason = finishReason
	return c
}

// NewError creates an error chunk.
func NewError(taskID, errMsg, finishReason string) *StreamChunk {
	c := newChunk(ChunkError, taskID)
	c.Error = errMsg
	c.FinishReason = finishReason
	return c
}

// NewInitProgress creates an init-progress chunk.
func NewInitProgress(taskID string, phase InitPhase, step models.InitStatus, errMsg string) *StreamChunk {
	c := newChunk(ChunkInitProgress, taskID)
	c.InitProgress = &InitProgressPayload{Phase: phase, Step: step, Error: errMsg}
	return c
}

// NewTodoUpdate creates a todo-update chunk.
func NewTodoUpdate(taskID string, todos []models.Todo, action string) *StreamChunk {
	totals := TodoTotals{Total: len(todos)}
	for _, t := range todos {
		if t.Status == models.TodoStatusCompleted {
			totals.Completed++
		}
	}
	c := newChunk(ChunkTodoUpdate, taskID)
	c.TodoUpdate = &TodoUpdatePayload{Todos: todos, Action: action, Totals: totals}
	return c
}

// NewFSChange creates an fs-change chunk.
func NewFSChange(taskID, operation, filePath string, isDir bool) *StreamChunk {
	c := newChunk(ChunkFSChange, taskID)
	c.FSChange = &FSChangePayload{
		Operation:   operation,
		FilePath:    filePath,
		Timestamp:   c.Timestamp,
		IsDirectory: isDir,
	}
	return c
}

// NewFSOverride creates an fs-override chunk.
func NewFSOverride(taskID string, payload FSOverridePayload) *StreamChunk {
	c := newChunk(ChunkFSOverride, taskID)
	c.FSOverride = &payload
	return c
}

// NewTerminalOutput creates a terminal-output chunk.
func NewTerminalOutput(taskID string, entry models.TerminalEntry) *StreamChunk {
	c := newChunk(ChunkTerminalOutput, taskID)
	c.Terminal = &entry
	return c
}

// NewStreamState creates a stream-state snapshot chunk.
func NewStreamState(taskID string, state StreamStatePayload) *StreamChunk {
	c := newChunk(ChunkStreamState, taskID)
	c.StreamState = &state
	return c
}

// NewConnectionInfo creates a connection-info chunk.
func NewConnectionInfo(taskID, clientID string) *StreamChunk {
	c := newChunk(ChunkConnectionInfo, taskID)
	c.ConnectionInfo = &ConnectionInfoPayload{
		ClientID:    clientID,
		TaskID:      taskID,
		ConnectedAt: c.Timestamp,
	}
	return c
}
