// Package taskinit drives a task from INACTIVE to ACTIVE through the
// mode-specific step list, streaming progress as init-progress chunks.
package taskinit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shadowrealm/shadow/internal/bgservices"
	"github.com/shadowrealm/shadow/internal/common/config"
	"github.com/shadowrealm/shadow/internal/common/logger"
	"github.com/shadowrealm/shadow/internal/events"
	"github.com/shadowrealm/shadow/internal/events/bus"
	"github.com/shadowrealm/shadow/internal/executor"
	"github.com/shadowrealm/shadow/internal/sandbox"
	"github.com/shadowrealm/shadow/internal/task/models"
	"github.com/shadowrealm/shadow/internal/task/store"
)

// ErrAlreadyInitializing is returned when a second initialization is
// requested while one is in flight for the same task.
var ErrAlreadyInitializing = errors.New("task is already initializing")

const (
	sandboxReadyTimeout = 5 * time.Minute
	installTimeout      = 5 * time.Minute
)

// WorkspaceOps is the slice of the workspace manager the engine needs.
type WorkspaceOps interface {
	Mode() config.AgentMode
	PrepareLocal(ctx context.Context, task *models.Task) (string, error)
	CreateSandbox(ctx context.Context, task *models.Task) (*sandbox.Instance, error)
	WaitSandboxReady(ctx context.Context, taskID string, timeout time.Duration) error
	VerifyRemote(ctx context.Context, task *models.Task) (string, error)
	Executor(task *models.Task) executor.Executor
	StartWatcher(task *models.Task) error
}

// ServiceRunner launches per-task background services and lets the
// engine await the blocking subset.
type ServiceRunner interface {
	Launch(ctx context.Context, task *models.Task, settings *models.UserSettings)
	WaitBlocking(ctx context.Context, taskID string) error
}

// Engine runs task initialization.
type Engine struct {
	ws        WorkspaceOps
	stores    *store.Stores
	streamBus bus.Bus
	services  ServiceRunner
	log       *logger.Logger

	mu      sync.Mutex
	running map[string]struct{}
}

// NewEngine creates an init engine.
func NewEngine(ws WorkspaceOps, stores *store.Stores, streamBus bus.Bus, services ServiceRunner, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		ws:        ws,
		stores:    stores,
		streamBus: streamBus,
		services:  services,
		log:       log.WithFields(zap.String("component", "taskinit")),
		running:   make(map[string]struct{}),
	}
}

// Steps returns the ordered step list for a mode. Remote tasks add the
// sandbox lifecycle steps local tasks never see.
func Steps(mode config.AgentMode) []models.InitStatus {
	if mode == config.ModeRemote {
		return []models.InitStatus{
			models.InitStatusCreateVM,
			models.InitStatusWaitVMReady,
			models.InitStatusVerifyVMWorkspace,
			models.InitStatusStartBackgroundServices,
			models.InitStatusInstallDependencies,
			models.InitStatusCompleteShadowWiki,
		}
	}
	return []models.InitStatus{
		models.InitStatusPrepareWorkspace,
		models.InitStatusStartBackgroundServices,
		models.InitStatusInstallDependencies,
		models.InitStatusCompleteShadowWiki,
	}
}

// ReinitSteps is the subset run when an ACTIVE task lost its
// infrastructure: the workspace is rebuilt and dependencies
// reinstalled, but background services are not relaunched. Their
// results (the wiki, the index) already exist.
func ReinitSteps(mode config.AgentMode) []models.InitStatus {
	if mode == config.ModeRemote {
		return []models.InitStatus{
			models.InitStatusCreateVM,
			models.InitStatusWaitVMReady,
			models.InitStatusVerifyVMWorkspace,
			models.InitStatusInstallDependencies,
		}
	}
	return []models.InitStatus{
		models.InitStatusPrepareWorkspace,
		models.InitStatusInstallDependencies,
	}
}

// NeedsInit reports whether a task must run (or re-run) initialization
// before accepting messages.
func NeedsInit(task *models.Task) bool {
	return task.InitStatus != models.InitStatusActive || task.WorkspaceCleanedUp
}

// Initialize runs the full step list for a task. It is synchronous;
// callers wanting fire-and-forget run it in a goroutine.
func (e *Engine) Initialize(ctx context.Context, taskID string) error {
	return e.run(ctx, taskID, Steps(e.ws.Mode()), false)
}

// Reinitialize rebuilds a task's lost infrastructure with the reduced
// step list.
func (e *Engine) Reinitialize(ctx context.Context, taskID string) error {
	return e.run(ctx, taskID, ReinitSteps(e.ws.Mode()), true)
}

// EnsureReady verifies that an ACTIVE remote task still has a live
// sandbox before a message is processed, probing the recorded session
// and the sidecar with a directory listing. A dead sandbox triggers
// re-initialization. Local tasks are always ready.
func (e *Engine) EnsureReady(ctx context.Context, taskID string) error {
	if e.ws.Mode() != config.ModeRemote {
		return nil
	}
	task, err := e.stores.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.InitStatus != models.InitStatusActive || task.WorkspaceCleanedUp {
		// Not initialized yet, or cleaned up; other paths handle those.
		return nil
	}

	if _, err := e.stores.Sessions.Active(ctx, taskID); err == nil {
		if res, probeErr := e.ws.Executor(task).ListDirectory(ctx, "."); probeErr == nil && res.Success {
			return nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	e.log.WithTaskID(taskID).Warn("sandbox unreachable, re-initializing")
	return e.Reinitialize(ctx, taskID)
}

func (e *Engine) run(ctx context.Context, taskID string, steps []models.InitStatus, reinit bool) error {
	e.mu.Lock()
	if _, ok := e.running[taskID]; ok {
		e.mu.Unlock()
		return ErrAlreadyInitializing
	}
	e.running[taskID] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, taskID)
		e.mu.Unlock()
	}()

	task, err := e.stores.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	log := e.log.WithTaskID(task.ID)

	settings, err := e.stores.Settings.Get(ctx, task.UserID)
	if err != nil {
		return err
	}

	e.streamBus.Publish(ctx, events.NewInitProgress(task.ID, events.InitPhaseStart, "", ""))

	for _, step := range steps {
		log.Info("init step", zap.String("step", string(step)))
		e.streamBus.Publish(ctx, events.NewInitProgress(task.ID, events.InitPhaseStepStart, step, ""))
		if err := e.stores.Tasks.UpdateInitStatus(ctx, task.ID, step, nil); err != nil {
			return err
		}

		if err := e.runStep(ctx, task, step, settings); err != nil {
			return e.fail(ctx, task, step, err)
		}
	}

	if reinit {
		// The step subset skips the services step that normally starts
		// the watcher.
		if err := e.ws.StartWatcher(task); err != nil {
			return e.fail(ctx, task, models.InitStatusActive, err)
		}
	}

	if err := e.stores.Tasks.UpdateInitStatus(ctx, task.ID, models.InitStatusActive, nil); err != nil {
		return err
	}
	if err := e.stores.Tasks.TouchActivity(ctx, task.ID); err != nil {
		return err
	}
	e.streamBus.Publish(ctx, events.NewInitProgress(task.ID, events.InitPhaseComplete, models.InitStatusActive, ""))
	log.Info("task initialized")
	return nil
}

func (e *Engine) fail(ctx context.Context, task *models.Task, step models.InitStatus, stepErr error) error {
	msg := stepErr.Error()
	if err := e.stores.Tasks.UpdateInitStatus(ctx, task.ID, step, &msg); err != nil {
		e.log.WithTaskID(task.ID).Error("failed to record init error", zap.Error(err))
	}
	if err := e.stores.Tasks.UpdateStatus(ctx, task.ID, models.TaskStatusFailed); err != nil {
		e.log.WithTaskID(task.ID).Error("failed to mark task failed", zap.Error(err))
	}
	e.streamBus.Publish(ctx, events.NewInitProgress(task.ID, events.InitPhaseError, step, msg))
	return fmt.Errorf("init step %s failed: %w", step, stepErr)
}

func (e *Engine) runStep(ctx context.Context, task *models.Task, step models.InitStatus, settings *models.UserSettings) error {
	switch step {
	case models.InitStatusPrepareWorkspace:
		return e.prepareWorkspace(ctx, task)
	case models.InitStatusCreateVM:
		return e.createSandbox(ctx, task)
	case models.InitStatusWaitVMReady:
		return e.ws.WaitSandboxReady(ctx, task.ID, sandboxReadyTimeout)
	case models.InitStatusVerifyVMWorkspace:
		return e.verifySandbox(ctx, task)
	case models.InitStatusStartBackgroundServices:
		e.services.Launch(ctx, task, settings)
		return e.ws.StartWatcher(task)
	case models.InitStatusInstallDependencies:
		return e.installDependencies(ctx, task)
	case models.InitStatusCompleteShadowWiki:
		// Waits for the blocking services launched earlier, in parallel
		// with the install step. A failed or slow service degrades the
		// task, it never fails initialization.
		return e.services.WaitBlocking(ctx, task.ID)
	default:
		return fmt.Errorf("unknown init step %s", step)
	}
}

func (e *Engine) prepareWorkspace(ctx context.Context, task *models.Task) error {
	baseSHA, err := e.ws.PrepareLocal(ctx, task)
	if err != nil {
		return err
	}
	return e.stores.Tasks.SetWorkspace(ctx, task.ID, e.ws.Executor(task).WorkspacePath(), baseSHA)
}

func (e *Engine) createSandbox(ctx context.Context, task *models.Task) error {
	inst, err := e.ws.CreateSandbox(ctx, task)
	if err != nil {
		return err
	}
	_, err = e.stores.Sessions.Start(ctx, task.ID, inst.Name, inst.Namespace)
	return err
}

func (e *Engine) verifySandbox(ctx context.Context, task *models.Task) error {
	baseSHA, err := e.ws.VerifyRemote(ctx, task)
	if err != nil {
		return err
	}
	return e.stores.Tasks.SetWorkspace(ctx, task.ID, executor.RemoteWorkspacePath, baseSHA)
}

type installCommand struct {
	marker  string
	command string
}

// Install candidates per toolchain, in precedence order; the first
// matching marker file within a group wins, and a package.json without
// a lockfile falls back to a plain npm install.
var (
	jsInstallCommands = []installCommand{
		{"bun.lockb", "bun install"},
		{"pnpm-lock.yaml", "pnpm install --frozen-lockfile"},
		{"yarn.lock", "yarn install --frozen-lockfile"},
		{"package.json", "npm install"},
	}
	pyInstallCommands = []installCommand{
		{"requirements.txt", "pip install -r requirements.txt"},
		{"pyproject.toml", "pip install -e ."},
	}
)

// installDependencies installs from each recognized toolchain. A
// failing install is logged but does not fail initialization; the
// agent can still inspect and edit code.
func (e *Engine) installDependencies(ctx context.Context, task *models.Task) error {
	exec := e.ws.Executor(task)
	log := e.log.WithTaskID(task.ID)

	installed := false
	for _, group := range [][]installCommand{jsInstallCommands, pyInstallCommands} {
		for _, candidate := range group {
			res, err := exec.ReadFile(ctx, candidate.marker, executor.ReadOptions{StartLine: 1, EndLine: 1})
			if err != nil {
				return err
			}
			if !res.Success {
				continue
			}

			log.Info("installing dependencies",
				zap.String("marker", candidate.marker),
				zap.String("command", candidate.command))
			cmdRes, err := exec.ExecuteCommand(ctx, candidate.command, executor.CommandOptions{
				Timeout:        installTimeout,
				NetworkAllowed: true,
			})
			if err != nil {
				return err
			}
			if cmdRes.FailureKind == executor.FailureTimeout || cmdRes.ExitCode != 0 {
				log.Warn("dependency install failed, continuing without",
					zap.String("command", candidate.command),
					zap.Int("exit_code", cmdRes.ExitCode),
					zap.String("stderr", truncate(cmdRes.Stderr, 500)))
			}
			installed = true
			break
		}
	}

	if !installed {
		log.Debug("no recognized manifest, skipping dependency install")
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

var _ ServiceRunner = (*bgservices.Manager)(nil)
