package taskinit

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowrealm/shadow/internal/bgservices"
	"github.com/shadowrealm/shadow/internal/common/config"
	"github.com/shadowrealm/shadow/internal/events"
	"github.com/shadowrealm/shadow/internal/events/bus"
	"github.com/shadowrealm/shadow/internal/executor"
	"github.com/shadowrealm/shadow/internal/sandbox"
	"github.com/shadowrealm/shadow/internal/task/models"
	"github.com/shadowrealm/shadow/internal/task/store"
)

// fakeWorkspace scripts the workspace manager surface.
type fakeWorkspace struct {
	mode       config.AgentMode
	exec       executor.Executor
	prepareErr error
	blockOn    chan struct{}

	mu       sync.Mutex
	prepared []string
	watched  []string
}

func (f *fakeWorkspace) Mode() config.AgentMode { return f.mode }

func (f *fakeWorkspace) PrepareLocal(_ context.Context, task *models.Task) (string, error) {
	if f.blockOn != nil {
		<-f.blockOn
	}
	if f.prepareErr != nil {
		return "", f.prepareErr
	}
	f.mu.Lock()
	f.prepared = append(f.prepared, task.ID)
	f.mu.Unlock()
	return "base-sha-1", nil
}

func (f *fakeWorkspace) CreateSandbox(_ context.Context, task *models.Task) (*sandbox.Instance, error) {
	return &sandbox.Instance{Name: sandbox.SandboxName(task.ID), Namespace: "shadow", TaskID: task.ID}, nil
}

func (f *fakeWorkspace) WaitSandboxReady(context.Context, string, time.Duration) error { return nil }

func (f *fakeWorkspace) VerifyRemote(context.Context, *models.Task) (string, error) {
	return "remote-sha-1", nil
}

func (f *fakeWorkspace) Executor(*models.Task) executor.Executor { return f.exec }

func (f *fakeWorkspace) StartWatcher(task *models.Task) error {
	f.mu.Lock()
	f.watched = append(f.watched, task.ID)
	f.mu.Unlock()
	return nil
}

// fakeServices records service phases.
type fakeServices struct {
	mu       sync.Mutex
	launched int
	waited   int
}

func (f *fakeServices) Launch(context.Context, *models.Task, *models.UserSettings) {
	f.mu.Lock()
	f.launched++
	f.mu.Unlock()
}

func (f *fakeServices) WaitBlocking(context.Context, string) error {
	f.mu.Lock()
	f.waited++
	f.mu.Unlock()
	return nil
}

// installExecutor pretends given lockfiles exist and records commands.
type installExecutor struct {
	executor.Executor
	lockfiles map[string]bool
	listFail  bool

	mu       sync.Mutex
	commands []string
	opts     []executor.CommandOptions
}

func (e *installExecutor) ReadFile(_ context.Context, path string, _ executor.ReadOptions) (executor.FileResult, error) {
	if e.lockfiles[path] {
		return executor.FileResult{Success: true, Path: path, Content: "x"}, nil
	}
	return executor.FileResult{FailureKind: executor.FailureNotFound, Path: path}, nil
}

func (e *installExecutor) ExecuteCommand(_ context.Context, command string, opts executor.CommandOptions) (executor.CommandResult, error) {
	e.mu.Lock()
	e.commands = append(e.commands, command)
	e.opts = append(e.opts, opts)
	e.mu.Unlock()
	return executor.CommandResult{Success: true, Command: command}, nil
}

func (e *installExecutor) ListDirectory(_ context.Context, path string) (executor.ListResult, error) {
	if e.listFail {
		return executor.ListResult{Path: path, FailureKind: executor.FailureNotFound}, nil
	}
	return executor.ListResult{Success: true, Path: path}, nil
}

func (e *installExecutor) WorkspacePath() string { return "/tmp/ws" }

func newTestStores(t *testing.T) *store.Stores {
	t.Helper()
	db, err := store.Open(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	stores := store.New(db)
	t.Cleanup(func() { stores.Close() })
	return stores
}

func seedTask(t *testing.T, stores *store.Stores, id string) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:           id,
		UserID:       "user-1",
		RepoFullName: "acme/webapp",
		RepoURL:      "https://github.com/acme/webapp.git",
		BaseBranch:   "main",
		ShadowBranch: models.ShadowBranchName(id),
		Status:       models.TaskStatusInitializing,
		InitStatus:   models.InitStatusInactive,
	}
	require.NoError(t, stores.Tasks.Create(context.Background(), task))
	return task
}

func TestStepsPerMode(t *testing.T) {
	local := Steps(config.ModeLocal)
	assert.NotContains(t, local, models.InitStatusCreateVM)
	assert.Equal(t, models.InitStatusPrepareWorkspace, local[0])
	assert.Equal(t, models.InitStatusCompleteShadowWiki, local[len(local)-1])

	remote := Steps(config.ModeRemote)
	assert.Equal(t, models.InitStatusCreateVM, remote[0], "the sandbox clones the repository itself")
	assert.NotContains(t, remote, models.InitStatusPrepareWorkspace)
	assert.Contains(t, remote, models.InitStatusWaitVMReady)
	assert.Contains(t, remote, models.InitStatusVerifyVMWorkspace)

	reinit := ReinitSteps(config.ModeRemote)
	assert.NotContains(t, reinit, models.InitStatusStartBackgroundServices)
	assert.NotContains(t, reinit, models.InitStatusCompleteShadowWiki)
	assert.Contains(t, reinit, models.InitStatusInstallDependencies)
}

func TestInitializeLocalHappyPath(t *testing.T) {
	stores := newTestStores(t)
	task := seedTask(t, stores, "task-1")
	b := bus.NewMemoryBus(nil)
	defer b.Close()
	sub, _ := b.Subscribe(task.ID)
	defer sub.Close()

	ws := &fakeWorkspace{
		mode: config.ModeLocal,
		exec: &installExecutor{lockfiles: map[string]bool{}},
	}
	services := &fakeServices{}
	engine := NewEngine(ws, stores, b, services, nil)

	require.NoError(t, engine.Initialize(context.Background(), task.ID))

	got, err := stores.Tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InitStatusActive, got.InitStatus)
	assert.Equal(t, "base-sha-1", got.BaseCommitSHA)
	assert.Nil(t, got.InitializationError)

	assert.Equal(t, []string{"task-1"}, ws.prepared)
	assert.Equal(t, []string{"task-1"}, ws.watched)
	assert.Equal(t, 1, services.launched)
	assert.Equal(t, 1, services.waited)

	var steps []models.InitStatus
	var sawComplete bool
	timeout := time.After(time.Second)
collect:
	for {
		select {
		case c := <-sub.Chunks():
			if c.Type != events.ChunkInitProgress {
				continue
			}
			switch c.InitProgress.Phase {
			case events.InitPhaseStepStart:
				steps = append(steps, c.InitProgress.Step)
			case events.InitPhaseComplete:
				sawComplete = true
				break collect
			}
		case <-timeout:
			break collect
		}
	}
	assert.True(t, sawComplete)
	assert.Equal(t, Steps(config.ModeLocal), steps)
}

func TestInitializeFailureMarksTaskFailed(t *testing.T) {
	stores := newTestStores(t)
	task := seedTask(t, stores, "task-1")
	b := bus.NewMemoryBus(nil)
	defer b.Close()
	sub, _ := b.Subscribe(task.ID)
	defer sub.Close()

	ws := &fakeWorkspace{
		mode:       config.ModeLocal,
		exec:       &installExecutor{lockfiles: map[string]bool{}},
		prepareErr: errors.New("clone failed: repository not found"),
	}
	engine := NewEngine(ws, stores, b, &fakeServices{}, nil)

	err := engine.Initialize(context.Background(), task.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PREPARE_WORKSPACE")

	got, err := stores.Tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	require.NotNil(t, got.InitializationError)
	assert.Contains(t, *got.InitializationError, "repository not found")

	var sawError bool
	timeout := time.After(time.Second)
	for !sawError {
		select {
		case c := <-sub.Chunks():
			if c.Type == events.ChunkInitProgress && c.InitProgress.Phase == events.InitPhaseError {
				sawError = true
			}
		case <-timeout:
			t.Fatal("no error chunk published")
		}
	}
}

func TestInitializeRemoteRecordsSessionAndWorkspace(t *testing.T) {
	stores := newTestStores(t)
	task := seedTask(t, stores, "task-1")
	b := bus.NewMemoryBus(nil)
	defer b.Close()

	ws := &fakeWorkspace{
		mode: config.ModeRemote,
		exec: &installExecutor{lockfiles: map[string]bool{}},
	}
	engine := NewEngine(ws, stores, b, &fakeServices{}, nil)
	require.NoError(t, engine.Initialize(context.Background(), task.ID))

	got, err := stores.Tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, executor.RemoteWorkspacePath, got.WorkspacePath)
	assert.Equal(t, "remote-sha-1", got.BaseCommitSHA)

	session, err := stores.Sessions.Active(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "shadow-vm-task-1", session.PodName)
	assert.Equal(t, "shadow", session.PodNamespace)
}

func TestInstallDependenciesPrecedence(t *testing.T) {
	stores := newTestStores(t)
	b := bus.NewMemoryBus(nil)
	defer b.Close()

	exec := &installExecutor{lockfiles: map[string]bool{
		"package.json":   true,
		"pnpm-lock.yaml": true,
		"bun.lockb":      true,
	}}
	ws := &fakeWorkspace{mode: config.ModeLocal, exec: exec}
	engine := NewEngine(ws, stores, b, &fakeServices{}, nil)

	task := seedTask(t, stores, "task-1")
	require.NoError(t, engine.installDependencies(context.Background(), task))

	require.Len(t, exec.commands, 1, "only the highest-precedence lockfile installs")
	assert.Equal(t, "bun install", exec.commands[0])
	assert.True(t, exec.opts[0].NetworkAllowed, "installs need the network even in a sandbox")
}

func TestInstallDependenciesRunsEachToolchain(t *testing.T) {
	stores := newTestStores(t)
	b := bus.NewMemoryBus(nil)
	defer b.Close()

	exec := &installExecutor{lockfiles: map[string]bool{
		"package.json":   true,
		"pyproject.toml": true,
	}}
	ws := &fakeWorkspace{mode: config.ModeLocal, exec: exec}
	engine := NewEngine(ws, stores, b, &fakeServices{}, nil)

	task := seedTask(t, stores, "task-1")
	require.NoError(t, engine.installDependencies(context.Background(), task))

	assert.Equal(t, []string{"npm install", "pip install -e ."}, exec.commands)
}

func TestInstallDependenciesNoLockfile(t *testing.T) {
	stores := newTestStores(t)
	b := bus.NewMemoryBus(nil)
	defer b.Close()

	exec := &installExecutor{lockfiles: map[string]bool{}}
	ws := &fakeWorkspace{mode: config.ModeLocal, exec: exec}
	engine := NewEngine(ws, stores, b, &fakeServices{}, nil)

	task := seedTask(t, stores, "task-1")
	require.NoError(t, engine.installDependencies(context.Background(), task))
	assert.Empty(t, exec.commands)
}

// failingWiki is a blocking service that always errors.
type failingWiki struct{}

func (failingWiki) Name() string                            { return "shadow-wiki" }
func (failingWiki) Blocking() bool                          { return true }
func (failingWiki) Enabled(*models.UserSettings) bool       { return true }
func (failingWiki) Run(context.Context, *models.Task) error { return errors.New("summary failed") }

func TestInitializeSucceedsWhenBlockingServiceFails(t *testing.T) {
	stores := newTestStores(t)
	task := seedTask(t, stores, "task-1")
	b := bus.NewMemoryBus(nil)
	defer b.Close()

	ws := &fakeWorkspace{
		mode: config.ModeLocal,
		exec: &installExecutor{lockfiles: map[string]bool{}},
	}
	services := bgservices.NewManager(nil, failingWiki{})
	engine := NewEngine(ws, stores, b, services, nil)

	require.NoError(t, engine.Initialize(context.Background(), task.ID),
		"a failed wiki degrades the task, it does not fail initialization")

	got, err := stores.Tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InitStatusActive, got.InitStatus)
	assert.NotEqual(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, []string{"shadow-wiki"}, services.Failures(task.ID))
}

func TestReinitializeSkipsBackgroundServices(t *testing.T) {
	stores := newTestStores(t)
	task := seedTask(t, stores, "task-1")
	b := bus.NewMemoryBus(nil)
	defer b.Close()

	ws := &fakeWorkspace{
		mode: config.ModeRemote,
		exec: &installExecutor{lockfiles: map[string]bool{}},
	}
	services := &fakeServices{}
	engine := NewEngine(ws, stores, b, services, nil)

	require.NoError(t, engine.Reinitialize(context.Background(), task.ID))

	got, err := stores.Tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InitStatusActive, got.InitStatus)
	assert.Equal(t, 0, services.launched, "re-init must not relaunch services")
	assert.Equal(t, 0, services.waited)
	assert.Equal(t, []string{"task-1"}, ws.watched)

	session, err := stores.Sessions.Active(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "shadow-vm-task-1", session.PodName)
}

func TestEnsureReadyReinitializesDeadSandbox(t *testing.T) {
	stores := newTestStores(t)
	task := seedTask(t, stores, "task-1")
	b := bus.NewMemoryBus(nil)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, stores.Tasks.UpdateInitStatus(ctx, task.ID, models.InitStatusActive, nil))

	ws := &fakeWorkspace{
		mode: config.ModeRemote,
		exec: &installExecutor{lockfiles: map[string]bool{}},
	}
	engine := NewEngine(ws, stores, b, &fakeServices{}, nil)

	// No recorded session: the sandbox is gone.
	require.NoError(t, engine.EnsureReady(ctx, task.ID))

	session, err := stores.Sessions.Active(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "shadow-vm-task-1", session.PodName)
	assert.Equal(t, []string{"task-1"}, ws.watched)
}

func TestEnsureReadyNoopWhenSandboxAnswers(t *testing.T) {
	stores := newTestStores(t)
	task := seedTask(t, stores, "task-1")
	b := bus.NewMemoryBus(nil)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, stores.Tasks.UpdateInitStatus(ctx, task.ID, models.InitStatusActive, nil))
	_, err := stores.Sessions.Start(ctx, task.ID, "shadow-vm-task-1", "shadow")
	require.NoError(t, err)

	ws := &fakeWorkspace{
		mode: config.ModeRemote,
		exec: &installExecutor{lockfiles: map[string]bool{}},
	}
	engine := NewEngine(ws, stores, b, &fakeServices{}, nil)

	require.NoError(t, engine.EnsureReady(ctx, task.ID))
	assert.Empty(t, ws.watched, "a healthy sandbox is left alone")
}

func TestInitializeRejectsConcurrentRuns(t *testing.T) {
	stores := newTestStores(t)
	task := seedTask(t, stores, "task-1")
	b := bus.NewMemoryBus(nil)
	defer b.Close()

	blockOn := make(chan struct{})
	ws := &fakeWorkspace{
		mode:    config.ModeLocal,
		exec:    &installExecutor{lockfiles: map[string]bool{}},
		blockOn: blockOn,
	}
	engine := NewEngine(ws, stores, b, &fakeServices{}, nil)

	done := make(chan error, 1)
	go func() { done <- engine.Initialize(context.Background(), task.ID) }()

	// Wait for the first run to reach the blocking prepare step.
	require.Eventually(t, func() bool {
		engine.mu.Lock()
		defer engine.mu.Unlock()
		_, ok := engine.running[task.ID]
		return ok
	}, time.Second, 5*time.Millisecond)

	err := engine.Initialize(context.Background(), task.ID)
	assert.ErrorIs(t, err, ErrAlreadyInitializing)

	close(blockOn)
	require.NoError(t, <-done)
}
