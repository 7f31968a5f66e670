package chat

import (
	"context"

	"github.com/shadowrealm/shadow/internal/llm"
	"github.com/shadowrealm/shadow/internal/task/models"
)

// maxToolRounds bounds how many times a single turn may go back to the
// model with tool results.
const maxToolRounds = 25

type turnEventType string

const (
	turnContent    turnEventType = "content"
	turnToolCall   turnEventType = "tool-call"
	turnToolResult turnEventType = "tool-result"
	turnUsage      turnEventType = "usage"
	turnFinish     turnEventType = "finish"
	turnError      turnEventType = "error"
)

// turnEvent is one element of a fully-driven assistant turn: model text
// and tool calls interleaved with the results of executing them.
type turnEvent struct {
	Type         turnEventType
	Text         string
	ToolCall     *llm.ToolCall
	ToolCallID   string
	ToolName     string
	ToolResult   any
	Usage        *models.Usage
	FinishReason string
	Err          error
}

// runTurn drives one assistant turn to completion: it streams the model,
// executes requested tools, feeds results back, and repeats until the
// model stops asking for tools. The returned channel is closed after a
// terminal finish or error event.
func runTurn(ctx context.Context, client llm.Client, runner *toolRunner, taskID string, req llm.Request) <-chan turnEvent {
	out := make(chan turnEvent, 16)
	go func() {
		defer close(out)

		messages := append([]llm.Message(nil), req.Messages...)
		for round := 0; round < maxToolRounds; round++ {
			roundReq := req
			roundReq.Messages = messages

			stream, err := client.Stream(ctx, roundReq)
			if err != nil {
				out <- turnEvent{Type: turnError, Err: err}
				return
			}

			var text string
			var toolCalls []llm.ToolCall
			finishReason := llm.FinishReasonStop

			for ev := range stream {
				switch ev.Type {
				case llm.EventTextDelta:
					text += ev.TextDelta
					out <- turnEvent{Type: turnContent, Text: ev.TextDelta}
				case llm.EventToolCall:
					toolCalls = append(toolCalls, *ev.ToolCall)
					out <- turnEvent{Type: turnToolCall, ToolCall: ev.ToolCall}
				case llm.EventUsage:
					out <- turnEvent{Type: turnUsage, Usage: ev.Usage}
				case llm.EventFinish:
					finishReason = ev.FinishReason
				case llm.EventError:
					out <- turnEvent{Type: turnError, Err: ev.Err}
					return
				}
			}

			if finishReason != llm.FinishReasonToolUse || len(toolCalls) == 0 {
				out <- turnEvent{Type: turnFinish, FinishReason: finishReason}
				return
			}

			messages = append(messages, llm.Message{
				Role:      llm.RoleAssistant,
				Content:   text,
				ToolCalls: toolCalls,
			})
			for _, call := range toolCalls {
				result, err := runner.run(ctx, taskID, call)
				if err != nil {
					out <- turnEvent{Type: turnError, Err: err}
					return
				}
				out <- turnEvent{
					Type:       turnToolResult,
					ToolCallID: call.ID,
					ToolName:   call.Name,
					ToolResult: result,
				}
				messages = append(messages, llm.Message{
					Role:       llm.RoleTool,
					Content:    encodeToolResult(result),
					ToolCallID: call.ID,
				})
			}
		}

		out <- turnEvent{Type: turnFinish, FinishReason: llm.FinishReasonStop}
	}()
	return out
}
