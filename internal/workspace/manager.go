// Package workspace manages where a task's repository lives and hands
// out the per-task executor, git service, and watcher control. Local
// mode works on a host checkout under the workspace root; remote mode
// works through a sandbox sidecar.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shadowrealm/shadow/internal/common/config"
	"github.com/shadowrealm/shadow/internal/common/logger"
	"github.com/shadowrealm/shadow/internal/events/bus"
	"github.com/shadowrealm/shadow/internal/executor"
	"github.com/shadowrealm/shadow/internal/fswatch"
	"github.com/shadowrealm/shadow/internal/gitops"
	"github.com/shadowrealm/shadow/internal/sandbox"
	"github.com/shadowrealm/shadow/internal/task/models"
)

// Manager owns task workspaces for one agent mode.
type Manager struct {
	cfg       *config.Config
	prov      sandbox.Provisioner
	streamBus bus.Bus
	log       *logger.Logger

	mu        sync.Mutex
	watchers  map[string]*fswatch.Watcher
	sandboxes map[string]*sandbox.Instance
	terminals map[string]*terminalRelay
}

// NewManager creates a workspace manager. prov may be nil in local
// mode.
func NewManager(cfg *config.Config, prov sandbox.Provisioner, streamBus bus.Bus, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		cfg:       cfg,
		prov:      prov,
		streamBus: streamBus,
		log:       log.WithFields(zap.String("component", "workspace")),
		watchers:  make(map[string]*fswatch.Watcher),
		sandboxes: make(map[string]*sandbox.Instance),
		terminals: make(map[string]*terminalRelay),
	}
}

// Mode returns the configured agent mode.
func (m *Manager) Mode() config.AgentMode {
	return m.cfg.Agent.AgentMode()
}

// expandHome resolves a leading ~ in a configured path.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
		}
	}
	return path
}

// LocalPath returns the host directory for a task's workspace.
func (m *Manager) LocalPath(taskID string) string {
	return filepath.Join(expandHome(m.cfg.Agent.WorkspaceRoot), taskID)
}

// PrepareLocal clones the task repository, checks out the base branch,
// creates the shadow branch, and configures the commit identity.
// Returns the base commit SHA. Local mode only.
func (m *Manager) PrepareLocal(ctx context.Context, task *models.Task) (string, error) {
	path := m.LocalPath(task.ID)
	log := m.log.WithTaskID(task.ID)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace root: %w", err)
	}

	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		log.Info("workspace already cloned, reusing", zap.String("path", path))
	} else {
		args := []string{"clone", "--branch", task.BaseBranch, task.RepoURL, path}
		cmd := exec.CommandContext(ctx, "git", args...)
		if out, err := cmd.CombinedOutput(); err != nil {
			return "", fmt.Errorf("git clone failed: %w: %s", err, strings.TrimSpace(string(out)))
		}
		log.Info("repository cloned",
			zap.String("repo", task.RepoFullName),
			zap.String("path", path))
	}

	git := gitops.NewService(executor.NewLocalExecutor(path, m.log), m.log)
	if err := git.ConfigureUser(ctx); err != nil {
		return "", err
	}
	baseSHA, err := git.CurrentCommitSHA(ctx)
	if err != nil {
		return "", err
	}
	if err := git.CreateBranch(ctx, task.ShadowBranch); err != nil {
		return "", err
	}
	return baseSHA, nil
}

// CreateSandbox provisions a sandbox for a remote task and remembers
// the instance.
func (m *Manager) CreateSandbox(ctx context.Context, task *models.Task) (*sandbox.Instance, error) {
	if m.prov == nil {
		return nil, fmt.Errorf("no sandbox provisioner configured")
	}
	inst, err := m.prov.Create(ctx, task)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sandboxes[task.ID] = inst
	m.mu.Unlock()
	return inst, nil
}

// AttachSandbox re-binds a recovered sandbox instance to its task.
func (m *Manager) AttachSandbox(inst *sandbox.Instance) {
	m.mu.Lock()
	m.sandboxes[inst.TaskID] = inst
	m.mu.Unlock()
}

// SandboxFor returns the task's sandbox instance, reconstructing the
// address from the deterministic name when the instance is not cached.
func (m *Manager) SandboxFor(taskID string) *sandbox.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.sandboxes[taskID]; ok {
		return inst
	}
	name := sandbox.SandboxName(taskID)
	inst := &sandbox.Instance{
		Name:      name,
		Namespace: m.cfg.Sandbox.Namespace,
		TaskID:    taskID,
		BaseURL:   executor.SidecarBaseURL(name, m.cfg.Sandbox.Namespace, m.cfg.Agent.SidecarPort),
	}
	m.sandboxes[taskID] = inst
	return inst
}

// WaitSandboxReady blocks until the task's sidecar answers health
// checks.
func (m *Manager) WaitSandboxReady(ctx context.Context, taskID string, timeout time.Duration) error {
	if m.prov == nil {
		return fmt.Errorf("no sandbox provisioner configured")
	}
	return m.prov.WaitReady(ctx, m.SandboxFor(taskID), timeout)
}

// VerifyRemote checks that the sandbox workspace holds the expected
// repository and returns its HEAD commit SHA.
func (m *Manager) VerifyRemote(ctx context.Context, task *models.Task) (string, error) {
	git := gitops.NewService(m.remoteExecutor(task.ID), m.log)
	sha, err := git.CurrentCommitSHA(ctx)
	if err != nil {
		return "", fmt.Errorf("sandbox workspace not usable: %w", err)
	}
	if err := git.ConfigureUser(ctx); err != nil {
		return "", err
	}
	if err := git.CreateBranch(ctx, task.ShadowBranch); err != nil {
		return "", err
	}
	return sha, nil
}

func (m *Manager) remoteExecutor(taskID string) *executor.RemoteExecutor {
	return executor.NewRemoteExecutor(m.SandboxFor(taskID).BaseURL, m.log)
}

// Executor returns the tool executor for a task.
func (m *Manager) Executor(task *models.Task) executor.Executor {
	if m.Mode() == config.ModeRemote {
		return m.remoteExecutor(task.ID)
	}
	return executor.NewLocalExecutor(m.LocalPath(task.ID), m.log)
}

// Git returns the git service for a task.
func (m *Manager) Git(task *models.Task) *gitops.Service {
	return gitops.NewService(m.Executor(task), m.log)
}

// WatcherControl returns the pause/resume control for a task's
// filesystem watcher.
func (m *Manager) WatcherControl(task *models.Task) fswatch.Control {
	if m.Mode() == config.ModeRemote {
		return fswatch.NewRemoteControl(m.remoteExecutor(task.ID))
	}
	m.mu.Lock()
	w := m.watchers[task.ID]
	m.mu.Unlock()
	if w == nil {
		// Not started yet; pausing an unstarted watcher is a no-op.
		return noopControl{}
	}
	return w
}

type noopControl struct{}

func (noopControl) Pause(context.Context) error  { return nil }
func (noopControl) Resume(context.Context) error { return nil }

// StartWatcher begins streaming filesystem changes for a local task.
// Remote tasks stream through the sidecar instead; they get the
// terminal relay here since both start once the workspace is live.
func (m *Manager) StartWatcher(task *models.Task) error {
	if m.Mode() == config.ModeRemote {
		m.StartTerminalRelay(task)
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watchers[task.ID]; ok {
		return nil
	}
	w := fswatch.NewWatcher(task.ID, m.LocalPath(task.ID), m.streamBus, m.log)
	if err := w.Start(); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	m.watchers[task.ID] = w
	return nil
}

// StopWatcher stops a local task's watcher if one is running.
func (m *Manager) StopWatcher(taskID string) {
	m.mu.Lock()
	w := m.watchers[taskID]
	delete(m.watchers, taskID)
	m.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

// Cleanup releases a task's runtime resources. Remote tasks destroy
// their sandbox; local tasks keep the checkout on disk and only stop
// the watcher and terminal relay.
func (m *Manager) Cleanup(ctx context.Context, task *models.Task) error {
	m.StopWatcher(task.ID)
	m.StopTerminalRelay(task.ID)

	if m.Mode() == config.ModeRemote {
		if m.prov == nil {
			return nil
		}
		if err := m.prov.Destroy(ctx, task.ID); err != nil {
			return err
		}
		m.mu.Lock()
		delete(m.sandboxes, task.ID)
		m.mu.Unlock()
		return nil
	}

	m.log.WithTaskID(task.ID).Info("local workspace retained", zap.String("path", m.LocalPath(task.ID)))
	return nil
}
