// Package chat drives the per-task LLM loop: it assembles context,
// streams model output, executes tool calls, persists messages as the
// stream grows, and enforces the one-stream-per-task rule with queue,
// interrupt and edit-rewind semantics.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shadowrealm/shadow/internal/checkpoint"
	"github.com/shadowrealm/shadow/internal/common/logger"
	"github.com/shadowrealm/shadow/internal/events"
	"github.com/shadowrealm/shadow/internal/events/bus"
	"github.com/shadowrealm/shadow/internal/executor"
	"github.com/shadowrealm/shadow/internal/fswatch"
	"github.com/shadowrealm/shadow/internal/llm"
	"github.com/shadowrealm/shadow/internal/task/models"
	"github.com/shadowrealm/shadow/internal/task/store"
)

// ErrNeedsInit is returned when a follow-up message arrives for a task
// whose workspace was torn down; the caller must re-run initialization
// before the message can be processed.
var ErrNeedsInit = errors.New("task requires re-initialization")

// ErrTaskArchived is returned for messages to archived tasks.
var ErrTaskArchived = errors.New("task is archived")

const (
	// interruptSettleDelay separates an interrupted stream's teardown
	// from the replacement stream's startup.
	interruptSettleDelay = 100 * time.Millisecond
	// substantialDiffBytes is the diff size above which commit messages
	// are delegated to the model.
	substantialDiffBytes = 400
	commitPromptDiffCap  = 3000
)

// GitOps is the slice of the git service the engine needs. It is a
// superset of what checkpoint restore requires.
type GitOps interface {
	HasChanges(ctx context.Context) (bool, error)
	CurrentCommitSHA(ctx context.Context) (string, error)
	CommitAll(ctx context.Context, message string) (sha string, committed bool, err error)
	Push(ctx context.Context, branch string) error
	SafeCheckoutCommit(ctx context.Context, sha string) (restored bool, err error)
	Diff(ctx context.Context, baseRef string) (string, error)
	FileChanges(ctx context.Context, baseRef string) ([]models.FileChange, models.DiffStats, error)
}

// Workspace provides the per-task collaborators the engine drives.
type Workspace interface {
	Executor(task *models.Task) executor.Executor
	Git(task *models.Task) GitOps
	WatcherControl(task *models.Task) fswatch.Control
}

// PROpener opens a pull request for a completed turn. Implementations
// decide whether one is needed.
type PROpener interface {
	MaybeOpenPR(ctx context.Context, task *models.Task, completed bool)
}

// ProcessInput is one user message to drive through the engine.
type ProcessInput struct {
	TaskID              string
	Message             string
	Model               string
	EnableTools         bool
	SkipUserMessageSave bool
	Queue               bool
}

// taskState is the per-task concurrency registry entry.
type taskState struct {
	ctx           context.Context
	cancel        context.CancelFunc
	done          chan struct{}
	stopRequested bool
	queued        *ProcessInput
}

// Engine is the chat engine.
type Engine struct {
	stores      *store.Stores
	streamBus   bus.Bus
	client      llm.Client
	ws          Workspace
	checkpoints *checkpoint.Service
	pr          PROpener

	defaultModel string
	cleanupDelay time.Duration
	log          *logger.Logger

	mu     sync.Mutex
	states map[string]*taskState
}

// NewEngine creates a chat engine. pr may be nil when pull requests are
// not configured.
func NewEngine(stores *store.Stores, streamBus bus.Bus, client llm.Client, ws Workspace, checkpoints *checkpoint.Service, pr PROpener, defaultModel string, cleanupDelay time.Duration, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	if cleanupDelay <= 0 {
		cleanupDelay = 10 * time.Minute
	}
	return &Engine{
		stores:       stores,
		streamBus:    streamBus,
		client:       client,
		ws:           ws,
		checkpoints:  checkpoints,
		pr:           pr,
		defaultModel: defaultModel,
		cleanupDelay: cleanupDelay,
		log:          log.WithFields(zap.String("component", "chat")),
		states:       make(map[string]*taskState),
	}
}

// ProcessUserMessage runs one user message through the full loop. It is
// synchronous; transports run it in a goroutine per message.
func (e *Engine) ProcessUserMessage(ctx context.Context, input ProcessInput) error {
	task, err := e.stores.Tasks.Get(ctx, input.TaskID)
	if err != nil {
		return err
	}
	log := e.log.WithTaskID(task.ID)

	// Follow-up reconciliation for finished tasks.
	switch task.Status {
	case models.TaskStatusArchived:
		return ErrTaskArchived
	case models.TaskStatusCompleted, models.TaskStatusStopped:
		if task.ScheduledCleanupAt != nil {
			if _, err := e.stores.Tasks.ClearScheduledCleanup(ctx, task.ID); err != nil {
				return err
			}
			if err := e.stores.Tasks.UpdateStatus(ctx, task.ID, models.TaskStatusRunning); err != nil {
				return err
			}
			task.Status = models.TaskStatusRunning
		} else {
			// Workspace is gone; hand the task back to the initializer.
			if err := e.stores.Tasks.UpdateStatus(ctx, task.ID, models.TaskStatusInitializing); err != nil {
				return err
			}
			if err := e.stores.Tasks.UpdateInitStatus(ctx, task.ID, models.InitStatusInactive, nil); err != nil {
				return err
			}
			return ErrNeedsInit
		}
	}

	state := e.reserveStream(ctx, task.ID, input)
	if state == nil {
		log.Debug("message queued behind active stream")
		return nil
	}
	return e.runStream(ctx, task, input, state)
}

// reserveStream claims the task's single stream slot. The check and the
// registration happen under one lock acquisition, so two concurrent
// sends can never both start streaming. A nil return means the message
// was queued behind the active stream; otherwise the returned state is
// already registered and must be released by runStream.
func (e *Engine) reserveStream(ctx context.Context, taskID string, input ProcessInput) *taskState {
	for {
		e.mu.Lock()
		active := e.states[taskID]
		if active == nil || active.cancel == nil {
			streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			state := &taskState{ctx: streamCtx, cancel: cancel, done: make(chan struct{})}
			if active != nil {
				state.queued = active.queued
			}
			e.states[taskID] = state
			e.mu.Unlock()
			return state
		}
		if input.Queue {
			queued := input
			active.queued = &queued
			e.mu.Unlock()
			return nil
		}
		active.stopRequested = true
		active.cancel()
		active.queued = nil
		done := active.done
		e.mu.Unlock()
		<-done
		time.Sleep(interruptSettleDelay)
	}
}

// releaseState clears the stream slot and unblocks waiters. It returns
// any message queued while the stream ran.
func (e *Engine) releaseState(state *taskState) *ProcessInput {
	e.mu.Lock()
	queued := state.queued
	state.queued = nil
	state.cancel = nil
	e.mu.Unlock()
	close(state.done)
	return queued
}

// runStream persists the user message and drives one assistant turn
// through the pre-reserved stream slot.
func (e *Engine) runStream(ctx context.Context, task *models.Task, input ProcessInput, state *taskState) error {
	log := e.log.WithTaskID(task.ID)
	release := func() {
		state.cancel()
		e.releaseState(state)
	}

	if !input.SkipUserMessageSave {
		if _, err := e.stores.Messages.Append(ctx, &models.ChatMessage{
			TaskID:   task.ID,
			Role:     models.MessageRoleUser,
			Content:  input.Message,
			LLMModel: input.Model,
		}); err != nil {
			release()
			return err
		}
		if err := e.stores.Tasks.TouchActivity(ctx, task.ID); err != nil {
			release()
			return err
		}
	}

	req, err := e.buildRequest(ctx, task, input)
	if err != nil {
		release()
		return err
	}

	if err := e.stores.Tasks.UpdateStatus(ctx, task.ID, models.TaskStatusRunning); err != nil {
		release()
		return err
	}
	e.streamBus.StartStream(task.ID)

	runner := &toolRunner{
		exec:      e.ws.Executor(task),
		todos:     e.stores.Todos,
		streamBus: e.streamBus,
	}
	turn := runTurn(state.ctx, e.client, runner, task.ID, req)
	outcome := e.consumeTurn(state.ctx, task, input.Model, turn, state)

	e.streamBus.EndStream(task.ID)
	state.cancel()

	// Final status must be durable before the done channel releases a
	// waiting interrupter, or its RUNNING write could be overwritten.
	switch outcome {
	case turnOutcomeStopped:
		if err := e.finishTask(ctx, task, models.TaskStatusStopped); err != nil {
			log.Error("failed to finalize stopped task", zap.Error(err))
		}
	case turnOutcomeCompleted:
		if err := e.finishTask(ctx, task, models.TaskStatusCompleted); err != nil {
			log.Error("failed to finalize completed task", zap.Error(err))
		}
	}

	queued := e.releaseState(state)

	if outcome == turnOutcomeErrored {
		// Task already marked FAILED; a queued message is discarded.
		queued = nil
	}

	if queued != nil {
		next := *queued
		next.Queue = false
		next.SkipUserMessageSave = false
		log.Debug("processing queued message")
		return e.ProcessUserMessage(ctx, next)
	}
	return nil
}

type turnOutcome int

const (
	turnOutcomeCompleted turnOutcome = iota
	turnOutcomeStopped
	turnOutcomeErrored
)

// consumeTurn applies turn events to the bus and the store. The
// assistant row is created on the first content or tool-call event and
// updated in place as the stream grows; each tool call also gets its own
// TOOL row so history shows execution state.
func (e *Engine) consumeTurn(ctx context.Context, task *models.Task, model string, turn <-chan turnEvent, state *taskState) turnOutcome {
	log := e.log.WithTaskID(task.ID)
	// Store writes must survive stream cancellation.
	storeCtx := context.WithoutCancel(ctx)

	var (
		assistant    *models.ChatMessage
		parts        []models.MessagePart
		contentBuf   strings.Builder
		usage        models.Usage
		finishReason = llm.FinishReasonStop
		toolMsgs     = map[string]*models.ChatMessage{}
		toolNames    = map[string]string{}
	)

	ensureAssistant := func() bool {
		if assistant != nil {
			return true
		}
		msg, err := e.stores.Messages.Append(storeCtx, &models.ChatMessage{
			TaskID:   task.ID,
			Role:     models.MessageRoleAssistant,
			LLMModel: model,
			Metadata: models.MessageMetadata{IsStreaming: true},
		})
		if err != nil {
			log.Error("failed to create assistant message", zap.Error(err))
			return false
		}
		assistant = msg
		return true
	}
	updateAssistant := func() {
		if assistant == nil {
			return
		}
		err := e.stores.Messages.Finalize(storeCtx, assistant.ID, contentBuf.String(), models.MessageMetadata{
			Parts:       parts,
			IsStreaming: true,
		})
		if err != nil {
			log.Error("failed to update assistant message", zap.Error(err))
		}
	}

	stopped := func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return state.stopRequested
	}

	for ev := range turn {
		if stopped() {
			finishReason = llm.FinishReasonAborted
			break
		}
		switch ev.Type {
		case turnContent:
			e.streamBus.Publish(ctx, events.NewContent(task.ID, ev.Text))
			contentBuf.WriteString(ev.Text)
			if n := len(parts); n > 0 && parts[n-1].Type == models.PartTypeText {
				parts[n-1].Text += ev.Text
			} else {
				parts = append(parts, models.MessagePart{Type: models.PartTypeText, Text: ev.Text})
			}
			if !ensureAssistant() {
				return turnOutcomeErrored
			}
			updateAssistant()

		case turnToolCall:
			e.streamBus.Publish(ctx, events.NewToolCall(task.ID, ev.ToolCall.ID, ev.ToolCall.Name, ev.ToolCall.Args))
			parts = append(parts, models.MessagePart{
				Type:       models.PartTypeToolCall,
				ToolCallID: ev.ToolCall.ID,
				ToolName:   ev.ToolCall.Name,
				Args:       ev.ToolCall.Args,
			})
			toolNames[ev.ToolCall.ID] = ev.ToolCall.Name
			if !ensureAssistant() {
				return turnOutcomeErrored
			}
			updateAssistant()

			toolMsg, err := e.stores.Messages.Append(storeCtx, &models.ChatMessage{
				TaskID:  task.ID,
				Role:    models.MessageRoleTool,
				Content: "Running...",
				Metadata: models.MessageMetadata{
					IsStreaming: true,
					Tool: &models.ToolMeta{
						Name:       ev.ToolCall.Name,
						ToolCallID: ev.ToolCall.ID,
						Args:       ev.ToolCall.Args,
						Status:     models.ToolStatusRunning,
					},
				},
			})
			if err != nil {
				log.Error("failed to persist tool message", zap.Error(err))
				return turnOutcomeErrored
			}
			toolMsgs[ev.ToolCall.ID] = toolMsg

		case turnToolResult:
			e.streamBus.Publish(ctx, events.NewToolResult(task.ID, ev.ToolCallID, ev.ToolName, ev.ToolResult))
			parts = append(parts, models.MessagePart{
				Type:       models.PartTypeToolResult,
				ToolCallID: ev.ToolCallID,
				ToolName:   toolNames[ev.ToolCallID],
				Result:     ev.ToolResult,
			})
			updateAssistant()

			if toolMsg, ok := toolMsgs[ev.ToolCallID]; ok {
				err := e.stores.Messages.Finalize(storeCtx, toolMsg.ID, encodeToolResult(ev.ToolResult), models.MessageMetadata{
					Tool: &models.ToolMeta{
						Name:       toolNames[ev.ToolCallID],
						ToolCallID: ev.ToolCallID,
						Args:       toolMsg.Metadata.Tool.Args,
						Status:     models.ToolStatusCompleted,
					},
				})
				if err != nil {
					log.Error("failed to finalize tool message", zap.Error(err))
				}
			}

		case turnUsage:
			if ev.Usage != nil {
				usage.PromptTokens += ev.Usage.PromptTokens
				usage.CompletionTokens += ev.Usage.CompletionTokens
				usage.TotalTokens += ev.Usage.TotalTokens
				e.streamBus.Publish(ctx, events.NewUsage(task.ID, usage))
			}

		case turnFinish:
			finishReason = ev.FinishReason

		case turnError:
			errMsg := "stream failed"
			if ev.Err != nil {
				errMsg = ev.Err.Error()
			}
			log.Error("assistant turn failed", zap.Error(ev.Err))
			e.streamBus.Publish(ctx, events.NewError(task.ID, errMsg, llm.FinishReasonErrored))
			parts = append(parts, models.MessagePart{Type: models.PartTypeError, Error: errMsg})
			if assistant != nil {
				if err := e.stores.Messages.Finalize(storeCtx, assistant.ID, contentBuf.String(), models.MessageMetadata{
					Parts:        parts,
					FinishReason: llm.FinishReasonErrored,
				}); err != nil {
					log.Error("failed to finalize errored message", zap.Error(err))
				}
			}
			if err := e.stores.Tasks.UpdateStatus(storeCtx, task.ID, models.TaskStatusFailed); err != nil {
				log.Error("failed to mark task failed", zap.Error(err))
			}
			return turnOutcomeErrored
		}
	}

	if finishReason == llm.FinishReasonAborted || stopped() {
		if assistant != nil {
			if err := e.stores.Messages.Finalize(storeCtx, assistant.ID, contentBuf.String(), models.MessageMetadata{
				Parts:        parts,
				Usage:        usageOrNil(usage),
				FinishReason: llm.FinishReasonAborted,
			}); err != nil {
				log.Error("failed to finalize stopped message", zap.Error(err))
			}
		}
		e.streamBus.Publish(ctx, events.NewComplete(task.ID, llm.FinishReasonAborted))
		return turnOutcomeStopped
	}

	// Commit whatever the turn changed, then checkpoint the clean tree
	// onto the assistant message.
	e.commitChangesIfAny(storeCtx, task, contentBuf.String())

	meta := models.MessageMetadata{
		Parts:        parts,
		Usage:        usageOrNil(usage),
		FinishReason: finishReason,
	}
	if assistant != nil {
		if cp, err := e.checkpoints.Create(storeCtx, task, e.ws.Git(task)); err != nil {
			log.Warn("checkpoint creation failed", zap.Error(err))
		} else {
			meta.Checkpoint = cp
		}
		if err := e.stores.Messages.Finalize(storeCtx, assistant.ID, contentBuf.String(), meta); err != nil {
			log.Error("failed to finalize assistant message", zap.Error(err))
		}
	}
	e.streamBus.Publish(ctx, events.NewComplete(task.ID, finishReason))
	return turnOutcomeCompleted
}

// finishTask records the final status, bumps activity and schedules
// idle cleanup. Completed turns may also open a pull request.
func (e *Engine) finishTask(ctx context.Context, task *models.Task, status models.TaskStatus) error {
	ctx = context.WithoutCancel(ctx)
	if err := e.stores.Tasks.UpdateStatus(ctx, task.ID, status); err != nil {
		return err
	}
	if err := e.stores.Tasks.TouchActivity(ctx, task.ID); err != nil {
		return err
	}
	if err := e.stores.Tasks.ScheduleCleanup(ctx, task.ID, time.Now().UTC().Add(e.cleanupDelay)); err != nil {
		return err
	}
	if status == models.TaskStatusCompleted && e.pr != nil {
		e.pr.MaybeOpenPR(ctx, task, true)
	}
	return nil
}

// commitChangesIfAny commits and pushes outstanding changes on the
// shadow branch. Failures are logged, never surfaced to the chat flow.
func (e *Engine) commitChangesIfAny(ctx context.Context, task *models.Task, turnSummary string) {
	log := e.log.WithTaskID(task.ID)
	git := e.ws.Git(task)

	dirty, err := git.HasChanges(ctx)
	if err != nil {
		log.Warn("failed to check workspace changes", zap.Error(err))
		return
	}
	if !dirty {
		return
	}

	message := e.commitMessage(ctx, task, turnSummary)
	sha, committed, err := git.CommitAll(ctx, message)
	if err != nil {
		log.Warn("commit failed", zap.Error(err))
		return
	}
	if !committed {
		return
	}
	log.Info("changes committed", zap.String("commit_sha", sha))

	if err := git.Push(ctx, task.ShadowBranch); err != nil {
		log.Warn("push failed", zap.Error(err))
	}
}

// commitMessage synthesizes a commit message; substantial diffs are
// summarized by the model.
func (e *Engine) commitMessage(ctx context.Context, task *models.Task, turnSummary string) string {
	const fallback = "Update code via agent"

	git := e.ws.Git(task)
	diff, err := git.Diff(ctx, task.BaseBranch)
	if err != nil || len(diff) < substantialDiffBytes {
		return fallback
	}
	if len(diff) > commitPromptDiffCap {
		diff = diff[:commitPromptDiffCap]
	}

	content, err := e.client.Complete(ctx, llm.Request{
		Model: e.defaultModel,
		System: "Write a one-line git commit message in the imperative mood " +
			"for the following change. Answer with the message only.",
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf("Task: %s\n\nSummary: %s\n\nDiff:\n%s", task.Title, truncate(turnSummary, 500), diff),
		}},
		MaxTokens: 100,
	})
	if err != nil || strings.TrimSpace(content) == "" {
		return fallback
	}
	line := strings.TrimSpace(strings.SplitN(content, "\n", 2)[0])
	if line == "" {
		return fallback
	}
	return line
}

// Stop cancels a task's active stream, if any. The loop finalizes the
// task as STOPPED at the next event boundary.
func (e *Engine) Stop(taskID string) {
	e.mu.Lock()
	state := e.states[taskID]
	if state != nil && state.cancel != nil {
		state.stopRequested = true
		state.cancel()
	}
	e.mu.Unlock()
}

// EditUserMessage rewrites a user message, rewinds everything after it,
// restores the workspace to the checkpoint preceding it and re-drives
// the conversation from the edited message.
func (e *Engine) EditUserMessage(ctx context.Context, taskID, messageID, newContent, model string) error {
	task, err := e.stores.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}

	// Stop any active stream and drop the queue before rewinding.
	e.mu.Lock()
	state := e.states[taskID]
	var done chan struct{}
	if state != nil && state.cancel != nil {
		state.stopRequested = true
		state.cancel()
		state.queued = nil
		done = state.done
	}
	e.mu.Unlock()
	if done != nil {
		<-done
		time.Sleep(interruptSettleDelay)
	}

	edited, err := e.stores.Messages.Edit(ctx, messageID, newContent, model)
	if err != nil {
		return err
	}

	cp, err := e.checkpoints.Before(ctx, task, edited.Sequence)
	if err != nil {
		return err
	}
	git := e.ws.Git(task)
	if err := e.checkpoints.Restore(ctx, task, git, e.ws.Executor(task), e.ws.WatcherControl(task), cp); err != nil {
		return err
	}

	return e.ProcessUserMessage(ctx, ProcessInput{
		TaskID:              taskID,
		Message:             newContent,
		Model:               model,
		EnableTools:         true,
		SkipUserMessageSave: true,
	})
}

// CleanupTask drops all in-memory state for a task. Durable state is
// untouched.
func (e *Engine) CleanupTask(taskID string) {
	e.mu.Lock()
	state := e.states[taskID]
	if state != nil && state.cancel != nil {
		state.cancel()
	}
	delete(e.states, taskID)
	e.mu.Unlock()
}

// HasActiveStream reports whether a stream is currently running for the
// task.
func (e *Engine) HasActiveStream(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	state := e.states[taskID]
	return state != nil && state.cancel != nil
}

func (e *Engine) buildRequest(ctx context.Context, task *models.Task, input ProcessInput) (llm.Request, error) {
	history, err := e.stores.Messages.History(ctx, task.ID)
	if err != nil {
		return llm.Request{}, err
	}

	// The just-persisted user message is the last user row; drop it from
	// the prefix and append the live content instead.
	currentID := ""
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.MessageRoleUser {
			currentID = history[i].ID
			break
		}
	}

	var understanding *models.CodebaseUnderstanding
	if task.CodebaseUnderstandingID != nil {
		if u, err := e.stores.Understandings.GetByRepo(ctx, task.RepoFullName); err == nil {
			understanding = u
		}
	}

	model := input.Model
	if model == "" {
		model = e.defaultModel
	}

	messages := buildHistory(history, currentID)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: input.Message})

	req := llm.Request{
		Model:    model,
		System:   buildSystemPrompt(task, understanding),
		Messages: messages,
	}
	if input.EnableTools {
		req.Tools = toolDefs()
	}
	return req, nil
}

func usageOrNil(u models.Usage) *models.Usage {
	if u.TotalTokens == 0 && u.PromptTokens == 0 && u.CompletionTokens == 0 {
		return nil
	}
	return &u
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
