package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shadowrealm/shadow/internal/events"
	"github.com/shadowrealm/shadow/internal/events/bus"
	"github.com/shadowrealm/shadow/internal/executor"
	"github.com/shadowrealm/shadow/internal/llm"
	"github.com/shadowrealm/shadow/internal/task/models"
	"github.com/shadowrealm/shadow/internal/task/store"
)

const toolCommandTimeout = 30 * time.Second

func toolDefs() []llm.ToolDef {
	return []llm.ToolDef{
		{
			Name:        "read_file",
			Description: "Read a file from the workspace, optionally restricted to a 1-based inclusive line range.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":       map[string]any{"type": "string"},
					"start_line": map[string]any{"type": "integer"},
					"end_line":   map[string]any{"type": "integer"},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        "write_file",
			Description: "Create or overwrite a file with the given content. Parent directories are created as needed.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				"required": []string{"path", "content"},
			},
		},
		{
			Name:        "search_replace",
			Description: "Replace one exact occurrence of old_string with new_string in a file. Fails when the string is missing or matches more than once.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":       map[string]any{"type": "string"},
					"old_string": map[string]any{"type": "string"},
					"new_string": map[string]any{"type": "string"},
				},
				"required": []string{"path", "old_string", "new_string"},
			},
		},
		{
			Name:        "delete_file",
			Description: "Delete a file or directory from the workspace.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string"},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        "list_dir",
			Description: "List the entries of a workspace directory.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string"},
				},
			},
		},
		{
			Name:        "file_search",
			Description: "Fuzzy-search workspace file paths by name.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "grep_search",
			Description: "Search file contents with a regular expression. Case-insensitive unless case_sensitive is set.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern":        map[string]any{"type": "string"},
					"include_glob":   map[string]any{"type": "string"},
					"exclude_glob":   map[string]any{"type": "string"},
					"case_sensitive": map[string]any{"type": "boolean"},
				},
				"required": []string{"pattern"},
			},
		},
		{
			Name:        "codebase_search",
			Description: "Search the codebase for snippets relevant to a natural-language query.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "run_terminal_cmd",
			Description: "Run a shell command in the workspace root. Output is returned once the command exits; background commands return immediately.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command":         map[string]any{"type": "string"},
					"background":      map[string]any{"type": "boolean"},
					"network_allowed": map[string]any{"type": "boolean"},
				},
				"required": []string{"command"},
			},
		},
		{
			Name:        "todo_write",
			Description: "Replace the task's todo list. Each item has content and a status of PENDING, IN_PROGRESS, COMPLETED or CANCELLED.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"todos": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"content": map[string]any{"type": "string"},
								"status":  map[string]any{"type": "string"},
							},
							"required": []string{"content"},
						},
					},
				},
				"required": []string{"todos"},
			},
		},
	}
}

// toolRunner dispatches model tool calls into the executor and stores.
type toolRunner struct {
	exec      executor.Executor
	todos     *store.TodoStore
	streamBus bus.Bus
}

// run executes one tool call. Tool misuse comes back inside the result;
// a returned error means infrastructure failed and the turn cannot
// continue.
func (r *toolRunner) run(ctx context.Context, taskID string, call llm.ToolCall) (any, error) {
	switch call.Name {
	case "read_file":
		return r.exec.ReadFile(ctx, strArg(call.Args, "path"), executor.ReadOptions{
			StartLine: intArg(call.Args, "start_line"),
			EndLine:   intArg(call.Args, "end_line"),
		})
	case "write_file":
		return r.exec.WriteFile(ctx, strArg(call.Args, "path"), strArg(call.Args, "content"))
	case "search_replace":
		return r.exec.SearchReplace(ctx, strArg(call.Args, "path"), strArg(call.Args, "old_string"), strArg(call.Args, "new_string"))
	case "delete_file":
		return r.exec.DeleteFile(ctx, strArg(call.Args, "path"))
	case "list_dir":
		return r.exec.ListDirectory(ctx, strArg(call.Args, "path"))
	case "file_search":
		return r.exec.SearchFiles(ctx, strArg(call.Args, "query"))
	case "grep_search":
		return r.exec.GrepSearch(ctx, strArg(call.Args, "pattern"), executor.GrepOptions{
			IncludeGlob:   strArg(call.Args, "include_glob"),
			ExcludeGlob:   strArg(call.Args, "exclude_glob"),
			CaseSensitive: boolArg(call.Args, "case_sensitive"),
		})
	case "codebase_search":
		return r.exec.CodebaseSearch(ctx, strArg(call.Args, "query"))
	case "run_terminal_cmd":
		return r.exec.ExecuteCommand(ctx, strArg(call.Args, "command"), executor.CommandOptions{
			Timeout:        toolCommandTimeout,
			Background:     boolArg(call.Args, "background"),
			NetworkAllowed: boolArg(call.Args, "network_allowed"),
		})
	case "todo_write":
		return r.writeTodos(ctx, taskID, call.Args)
	default:
		return map[string]any{
			"success": false,
			"message": fmt.Sprintf("unknown tool %q", call.Name),
		}, nil
	}
}

func (r *toolRunner) writeTodos(ctx context.Context, taskID string, args map[string]any) (any, error) {
	raw, _ := args["todos"].([]any)
	todos := make([]models.Todo, 0, len(raw))
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		todos = append(todos, models.Todo{
			Content: strArg(obj, "content"),
			Status:  models.TodoStatus(strArg(obj, "status")),
		})
	}

	stored, err := r.todos.Replace(ctx, taskID, todos)
	if err != nil {
		return nil, err
	}
	r.streamBus.Publish(ctx, events.NewTodoUpdate(taskID, stored, "replaced"))
	return map[string]any{
		"success": true,
		"count":   len(stored),
	}, nil
}

func encodeToolResult(result any) string {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"message":%q}`, err.Error())
	}
	return string(data)
}

func strArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
