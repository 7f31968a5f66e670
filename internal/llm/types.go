// Package llm defines the model-provider boundary: a streaming client
// interface plus the request and event types the engine consumes.
package llm

import (
	"github.com/shadowrealm/shadow/internal/task/models"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Message is one turn of provider-facing conversation history.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolDef describes a tool offered to the model. Parameters is a JSON
// schema object.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is one streaming completion request.
type Request struct {
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Tools     []ToolDef `json:"tools,omitempty"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// EventType discriminates StreamEvent variants.
type EventType string

const (
	EventTextDelta EventType = "text-delta"
	EventToolCall  EventType = "tool-call"
	EventUsage     EventType = "usage"
	EventFinish    EventType = "finish"
	EventError     EventType = "error"
)

// Finish reasons reported on EventFinish.
const (
	FinishReasonStop    = "stop"
	FinishReasonToolUse = "tool_use"
	FinishReasonLength  = "max_tokens"
	FinishReasonAborted = "aborted"
	FinishReasonErrored = "error"
)

// StreamEvent is one element of a model response stream. The channel is
// closed after the terminal EventFinish or EventError.
type StreamEvent struct {
	Type         EventType
	TextDelta    string
	ToolCall     *ToolCall
	Usage        *models.Usage
	FinishReason string
	Err          error
}
