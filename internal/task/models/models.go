// Package models defines the persistent entities of the Shadow orchestrator.
package models

import (
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusInitializing TaskStatus = "INITIALIZING"
	TaskStatusRunning      TaskStatus = "RUNNING"
	TaskStatusCompleted    TaskStatus = "COMPLETED"
	TaskStatusStopped      TaskStatus = "STOPPED"
	TaskStatusFailed       TaskStatus = "FAILED"
	// TaskStatusArchived is terminal; archived tasks reject new messages.
	TaskStatusArchived TaskStatus = "ARCHIVED"
)

// InitStatus tracks progress through the initialization state machine.
type InitStatus string

const (
	InitStatusInactive                InitStatus = "INACTIVE"
	InitStatusPrepareWorkspace        InitStatus = "PREPARE_WORKSPACE"
	InitStatusCreateVM                InitStatus = "CREATE_VM"
	InitStatusWaitVMReady             InitStatus = "WAIT_VM_READY"
	InitStatusVerifyVMWorkspace       InitStatus = "VERIFY_VM_WORKSPACE"
	InitStatusStartBackgroundServices InitStatus = "START_BACKGROUND_SERVICES"
	InitStatusInstallDependencies     InitStatus = "INSTALL_DEPENDENCIES"
	InitStatusCompleteShadowWiki      InitStatus = "COMPLETE_SHADOW_WIKI"
	InitStatusActive                  InitStatus = "ACTIVE"
)

// Task is the long-lived unit of work: one development request thread
// against one repository.
type Task struct {
	ID                      string     `json:"id" db:"id"`
	UserID                  string     `json:"user_id" db:"user_id"`
	Title                   string     `json:"title" db:"title"`
	RepoFullName            string     `json:"repo_full_name" db:"repo_full_name"`
	RepoURL                 string     `json:"repo_url" db:"repo_url"`
	BaseBranch              string     `json:"base_branch" db:"base_branch"`
	ShadowBranch            string     `json:"shadow_branch" db:"shadow_branch"`
	BaseCommitSHA           string     `json:"base_commit_sha" db:"base_commit_sha"`
	WorkspacePath           string     `json:"workspace_path" db:"workspace_path"`
	Status                  TaskStatus `json:"status" db:"status"`
	InitStatus              InitStatus `json:"init_status" db:"init_status"`
	InitializationError     *string    `json:"initialization_error,omitempty" db:"initialization_error"`
	ScheduledCleanupAt      *time.Time `json:"scheduled_cleanup_at,omitempty" db:"scheduled_cleanup_at"`
	WorkspaceCleanedUp      bool       `json:"workspace_cleaned_up" db:"workspace_cleaned_up"`
	CodebaseUnderstandingID *string    `json:"codebase_understanding_id,omitempty" db:"codebase_understanding_id"`
	LastActivityAt          time.Time  `json:"last_activity_at" db:"last_activity_at"`
	CreatedAt               time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at" db:"updated_at"`
}

// ShadowBranchName returns the agent branch name for a task.
func ShadowBranchName(taskID string) string {
	return fmt.Sprintf("shadow/task-%s", taskID)
}

// MessageRole identifies who authored a chat message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "USER"
	MessageRoleAssistant MessageRole = "ASSISTANT"
	MessageRoleTool      MessageRole = "TOOL"
)

// PartType identifies a streaming part within an assistant message.
type PartType string

const (
	PartTypeText       PartType = "text"
	PartTypeToolCall   PartType = "tool-call"
	PartTypeToolResult PartType = "tool-result"
	PartTypeError      PartType = "error"
)

// MessagePart is one ordered element of an assistant message's stream.
type MessagePart struct {
	Type       PartType       `json:"type"`
	Text       string         `json:"text,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Usage carries token accounting for an assistant turn.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolStatus tracks execution state of a TOOL message.
type ToolStatus string

const (
	ToolStatusRunning   ToolStatus = "RUNNING"
	ToolStatusCompleted ToolStatus = "COMPLETED"
)

// ToolMeta is attached to TOOL messages.
type ToolMeta struct {
	Name       string         `json:"name"`
	ToolCallID string         `json:"tool_call_id"`
	Args       map[string]any `json:"args,omitempty"`
	Status     ToolStatus     `json:"status"`
}

// Checkpoint is an immutable snapshot of git + todo state taken after a
// successful assistant turn. Created only when the workspace is clean.
type Checkpoint struct {
	CommitSHA      string    `json:"commit_sha"`
	TodoSnapshot   []Todo    `json:"todo_snapshot"`
	CreatedAt      time.Time `json:"created_at"`
	WorkspaceState string    `json:"workspace_state"` // always "clean"
}

// MessageMetadata is the structured payload stored alongside a chat message.
type MessageMetadata struct {
	Parts        []MessagePart `json:"parts,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`
	FinishReason string        `json:"finish_reason,omitempty"`
	IsStreaming  bool          `json:"is_streaming"`
	Checkpoint   *Checkpoint   `json:"checkpoint,omitempty"`
	Tool         *ToolMeta     `json:"tool,omitempty"`
}

// ChatMessage is one ordered record of a task's conversation.
// Sequence is monotonic per task across all roles, starting at 1.
type ChatMessage struct {
	ID        string          `json:"id" db:"id"`
	TaskID    string          `json:"task_id" db:"task_id"`
	Role      MessageRole     `json:"role" db:"role"`
	Sequence  int64           `json:"sequence" db:"sequence"`
	Content   string          `json:"content" db:"content"`
	LLMModel  string          `json:"llm_model" db:"llm_model"`
	Metadata  MessageMetadata `json:"metadata"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	EditedAt  *time.Time      `json:"edited_at,omitempty" db:"edited_at"`
}

// TodoStatus represents the state of a todo item.
type TodoStatus string

const (
	TodoStatusPending    TodoStatus = "PENDING"
	TodoStatusInProgress TodoStatus = "IN_PROGRESS"
	TodoStatusCompleted  TodoStatus = "COMPLETED"
	TodoStatusCancelled  TodoStatus = "CANCELLED"
)

// Todo is a structured checklist item maintained by the todo_write tool.
type Todo struct {
	ID       string     `json:"id" db:"id"`
	TaskID   string     `json:"task_id" db:"task_id"`
	Content  string     `json:"content" db:"content"`
	Status   TodoStatus `json:"status" db:"status"`
	Sequence int        `json:"sequence" db:"sequence"`
}

// TaskSession records a live remote sandbox bound to a task.
// At most one session per task is active.
type TaskSession struct {
	ID           string     `json:"id" db:"id"`
	TaskID       string     `json:"task_id" db:"task_id"`
	PodName      string     `json:"pod_name" db:"pod_name"`
	PodNamespace string     `json:"pod_namespace" db:"pod_namespace"`
	IsActive     bool       `json:"is_active" db:"is_active"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}

// CodebaseUnderstanding is an opaque JSON summary of a repository,
// shared across tasks on the same repo.
type CodebaseUnderstanding struct {
	ID           string    `json:"id" db:"id"`
	RepoFullName string    `json:"repo_full_name" db:"repo_full_name"`
	Content      string    `json:"content" db:"content"` // JSON document
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// UserSettings holds per-user preferences consulted by the engine.
type UserSettings struct {
	UserID           string `json:"user_id" db:"user_id"`
	AutoPullRequest  bool   `json:"auto_pull_request" db:"auto_pull_request"`
	EnableShadowWiki bool   `json:"enable_shadow_wiki" db:"enable_shadow_wiki"`
	EnableIndexing   bool   `json:"enable_indexing" db:"enable_indexing"`
	SelectedModel    string `json:"selected_model" db:"selected_model"`
}

// DefaultUserSettings returns the defaults applied when a user has no
// settings row.
func DefaultUserSettings(userID string) *UserSettings {
	return &UserSettings{
		UserID:           userID,
		AutoPullRequest:  false,
		EnableShadowWiki: true,
		EnableIndexing:   false,
	}
}

// IsTerminal reports whether a task status accepts no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusArchived
}

// CanAcceptMessages reports whether a task in this status may receive a
// new user message (possibly after follow-up reconciliation).
func (s TaskStatus) CanAcceptMessages() bool {
	return s != TaskStatusArchived
}
