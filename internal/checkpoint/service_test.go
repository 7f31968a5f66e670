package checkpoint

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowrealm/shadow/internal/common/config"
	"github.com/shadowrealm/shadow/internal/events"
	"github.com/shadowrealm/shadow/internal/events/bus"
	"github.com/shadowrealm/shadow/internal/executor"
	"github.com/shadowrealm/shadow/internal/task/models"
	"github.com/shadowrealm/shadow/internal/task/store"
)

type fakeGit struct {
	dirty    bool
	headSHA  string
	resetErr error

	mu        sync.Mutex
	checkouts []string
}

func (g *fakeGit) HasChanges(context.Context) (bool, error) { return g.dirty, nil }

func (g *fakeGit) CurrentCommitSHA(context.Context) (string, error) { return g.headSHA, nil }

func (g *fakeGit) SafeCheckoutCommit(_ context.Context, sha string) (bool, error) {
	if g.resetErr != nil {
		return false, g.resetErr
	}
	if g.dirty {
		return false, nil
	}
	g.mu.Lock()
	g.checkouts = append(g.checkouts, sha)
	g.mu.Unlock()
	return true, nil
}

func (g *fakeGit) FileChanges(context.Context, string) ([]models.FileChange, models.DiffStats, error) {
	return []models.FileChange{{Path: "main.go", Operation: models.FileOpUpdate}},
		models.DiffStats{Additions: 3, Deletions: 1, TotalFiles: 1}, nil
}

type fakeControl struct {
	mu      sync.Mutex
	paused  int
	resumed int
}

func (c *fakeControl) Pause(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused++
	return nil
}

func (c *fakeControl) Resume(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumed++
	return nil
}

type treeExecutor struct {
	executor.Executor
}

func (treeExecutor) FileTree(context.Context) ([]*models.TreeNode, error) {
	return []*models.TreeNode{{Name: "main.go", Type: "file", RelativePath: "main.go"}}, nil
}

func newTestStores(t *testing.T) *store.Stores {
	t.Helper()
	db, err := store.Open(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	stores := store.New(db)
	t.Cleanup(func() { stores.Close() })
	return stores
}

func seedTask(t *testing.T, stores *store.Stores) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:            "task-1",
		UserID:        "user-1",
		RepoFullName:  "acme/webapp",
		RepoURL:       "https://github.com/acme/webapp.git",
		BaseBranch:    "main",
		ShadowBranch:  models.ShadowBranchName("task-1"),
		BaseCommitSHA: "base-sha",
		Status:        models.TaskStatusRunning,
		InitStatus:    models.InitStatusActive,
	}
	require.NoError(t, stores.Tasks.Create(context.Background(), task))
	return task
}

func TestCreateCapturesHeadAndTodos(t *testing.T) {
	stores := newTestStores(t)
	task := seedTask(t, stores)
	b := bus.NewMemoryBus(nil)
	defer b.Close()

	_, err := stores.Todos.Replace(context.Background(), task.ID, []models.Todo{
		{Content: "add handler", Status: models.TodoStatusCompleted},
		{Content: "write tests", Status: models.TodoStatusPending},
	})
	require.NoError(t, err)

	svc := NewService(stores, b, nil)
	cp, err := svc.Create(context.Background(), task, &fakeGit{headSHA: "head-sha"})
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "head-sha", cp.CommitSHA)
	assert.Equal(t, "clean", cp.WorkspaceState)
	assert.Len(t, cp.TodoSnapshot, 2)
}

func TestCreateSkipsDirtyTree(t *testing.T) {
	stores := newTestStores(t)
	task := seedTask(t, stores)
	b := bus.NewMemoryBus(nil)
	defer b.Close()

	svc := NewService(stores, b, nil)
	cp, err := svc.Create(context.Background(), task, &fakeGit{dirty: true})
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestBeforeFindsPriorCheckpoint(t *testing.T) {
	stores := newTestStores(t)
	task := seedTask(t, stores)
	b := bus.NewMemoryBus(nil)
	defer b.Close()
	ctx := context.Background()

	_, err := stores.Messages.Append(ctx, &models.ChatMessage{TaskID: task.ID, Role: models.MessageRoleUser, Content: "first"})
	require.NoError(t, err)
	_, err = stores.Messages.Append(ctx, &models.ChatMessage{
		TaskID: task.ID, Role: models.MessageRoleAssistant, Content: "done",
		Metadata: models.MessageMetadata{Checkpoint: &models.Checkpoint{CommitSHA: "cp-1"}},
	})
	require.NoError(t, err)
	target, err := stores.Messages.Append(ctx, &models.ChatMessage{TaskID: task.ID, Role: models.MessageRoleUser, Content: "second"})
	require.NoError(t, err)

	svc := NewService(stores, b, nil)
	cp, err := svc.Before(ctx, task, target.Sequence)
	require.NoError(t, err)
	assert.Equal(t, "cp-1", cp.CommitSHA)
}

func TestBeforeFallsBackToBaseCommit(t *testing.T) {
	stores := newTestStores(t)
	task := seedTask(t, stores)
	b := bus.NewMemoryBus(nil)
	defer b.Close()
	ctx := context.Background()

	target, err := stores.Messages.Append(ctx, &models.ChatMessage{TaskID: task.ID, Role: models.MessageRoleUser, Content: "first"})
	require.NoError(t, err)

	svc := NewService(stores, b, nil)
	cp, err := svc.Before(ctx, task, target.Sequence)
	require.NoError(t, err)
	assert.Equal(t, "base-sha", cp.CommitSHA)
	assert.Empty(t, cp.TodoSnapshot)
}

func TestRestoreResetsAndPublishesOverride(t *testing.T) {
	stores := newTestStores(t)
	task := seedTask(t, stores)
	b := bus.NewMemoryBus(nil)
	defer b.Close()
	sub, _ := b.Subscribe(task.ID)
	defer sub.Close()

	// Current todos differ from the snapshot being restored.
	_, err := stores.Todos.Replace(context.Background(), task.ID, []models.Todo{
		{Content: "newer work", Status: models.TodoStatusInProgress},
	})
	require.NoError(t, err)

	git := &fakeGit{}
	ctrl := &fakeControl{}
	svc := NewService(stores, b, nil)

	cp := &models.Checkpoint{
		CommitSHA: "checkpoint-sha",
		TodoSnapshot: []models.Todo{
			{Content: "original work", Status: models.TodoStatusCompleted},
		},
	}
	require.NoError(t, svc.Restore(context.Background(), task, git, treeExecutor{}, ctrl, cp))

	assert.Equal(t, []string{"checkpoint-sha"}, git.checkouts)
	assert.Equal(t, 1, ctrl.paused)
	assert.Equal(t, 1, ctrl.resumed)

	todos, err := stores.Todos.List(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, todos, 1)
	assert.Equal(t, "original work", todos[0].Content)

	var sawTodoUpdate, sawOverride bool
	timeout := time.After(time.Second)
	for !(sawTodoUpdate && sawOverride) {
		select {
		case c := <-sub.Chunks():
			switch c.Type {
			case events.ChunkTodoUpdate:
				sawTodoUpdate = true
			case events.ChunkFSOverride:
				sawOverride = true
				require.NotNil(t, c.FSOverride)
				assert.Len(t, c.FSOverride.FileChanges, 1)
				assert.Contains(t, c.FSOverride.Message, "checkpo")
			}
		case <-timeout:
			t.Fatalf("missing chunks: todo=%v override=%v", sawTodoUpdate, sawOverride)
		}
	}
}

func TestRestoreKeepsDirtyWorkspace(t *testing.T) {
	stores := newTestStores(t)
	task := seedTask(t, stores)
	b := bus.NewMemoryBus(nil)
	defer b.Close()

	git := &fakeGit{dirty: true}
	ctrl := &fakeControl{}
	svc := NewService(stores, b, nil)

	cp := &models.Checkpoint{CommitSHA: "checkpoint-sha"}
	require.NoError(t, svc.Restore(context.Background(), task, git, treeExecutor{}, ctrl, cp),
		"a dirty tree skips the reset but the restore still completes")

	assert.Empty(t, git.checkouts)
	assert.Equal(t, 1, ctrl.resumed)
}

func TestRestoreRejectsMissingCheckpoint(t *testing.T) {
	stores := newTestStores(t)
	task := seedTask(t, stores)
	b := bus.NewMemoryBus(nil)
	defer b.Close()

	svc := NewService(stores, b, nil)
	err := svc.Restore(context.Background(), task, &fakeGit{}, treeExecutor{}, &fakeControl{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no checkpoint")
}
