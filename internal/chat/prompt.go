package chat

import (
	"fmt"
	"strings"

	"github.com/shadowrealm/shadow/internal/llm"
	"github.com/shadowrealm/shadow/internal/task/models"
)

const basePrompt = `You are Shadow, a coding agent working inside a checked-out
repository. You make changes by calling tools; never describe edits without
applying them. Keep changes minimal and consistent with the surrounding code.
Use todo_write to maintain a plan for multi-step work, and keep it current as
steps complete. When the work is done, summarize what changed.`

// buildSystemPrompt assembles the per-task system prompt from the base
// instructions, repository coordinates and the shared codebase
// understanding when one exists.
func buildSystemPrompt(task *models.Task, understanding *models.CodebaseUnderstanding) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "Repository: %s\nBase branch: %s\nWorking branch: %s\n",
		task.RepoFullName, task.BaseBranch, task.ShadowBranch)
	if task.WorkspacePath != "" {
		fmt.Fprintf(&sb, "Workspace root: %s\n", task.WorkspacePath)
	}
	if understanding != nil && understanding.Content != "" {
		sb.WriteString("\nCodebase overview:\n")
		sb.WriteString(understanding.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// buildHistory converts persisted chat history into provider messages.
// Tool outputs live as parts on assistant messages, so only user and
// assistant rows are included. The trailing user message is appended by
// the caller, so it is dropped from the prefix here.
func buildHistory(msgs []*models.ChatMessage, currentUserMessageID string) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == currentUserMessageID {
			continue
		}
		switch m.Role {
		case models.MessageRoleUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case models.MessageRoleAssistant:
			if m.Content != "" {
				out = append(out, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
			}
		}
	}
	return out
}
