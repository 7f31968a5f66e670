package cleanup

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowrealm/shadow/internal/common/config"
	"github.com/shadowrealm/shadow/internal/events/bus"
	"github.com/shadowrealm/shadow/internal/task/models"
	"github.com/shadowrealm/shadow/internal/task/store"
)

type fakeCleaner struct {
	mu      sync.Mutex
	cleaned []string
	err     error
}

func (c *fakeCleaner) Cleanup(_ context.Context, task *models.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleaned = append(c.cleaned, task.ID)
	return c.err
}

type fakeEngine struct {
	mu      sync.Mutex
	dropped []string
}

func (e *fakeEngine) CleanupTask(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropped = append(e.dropped, taskID)
}

type fakeServices struct {
	mu        sync.Mutex
	forgotten []string
}

func (s *fakeServices) Forget(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgotten = append(s.forgotten, taskID)
}

func newTestStores(t *testing.T) *store.Stores {
	t.Helper()
	db, err := store.Open(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	stores := store.New(db)
	t.Cleanup(func() { stores.Close() })
	return stores
}

func seedTask(t *testing.T, stores *store.Stores, id string, status models.TaskStatus) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:           id,
		UserID:       "user-1",
		RepoFullName: "acme/webapp",
		RepoURL:      "https://github.com/acme/webapp.git",
		BaseBranch:   "main",
		ShadowBranch: models.ShadowBranchName(id),
		Status:       status,
		InitStatus:   models.InitStatusActive,
	}
	require.NoError(t, stores.Tasks.Create(context.Background(), task))
	return task
}

func TestSweepCleansDueTask(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()
	task := seedTask(t, stores, "task-1", models.TaskStatusCompleted)
	require.NoError(t, stores.Tasks.ScheduleCleanup(ctx, task.ID, time.Now().Add(-5*time.Second)))
	_, err := stores.Sessions.Start(ctx, task.ID, "shadow-vm-task-1", "shadow")
	require.NoError(t, err)

	b := bus.NewMemoryBus(nil)
	defer b.Close()
	cleaner := &fakeCleaner{}
	engine := &fakeEngine{}
	services := &fakeServices{}
	s := NewSweeper(stores, cleaner, engine, services, b, time.Minute, nil)

	s.Sweep(ctx)

	assert.Equal(t, []string{"task-1"}, cleaner.cleaned)
	assert.Equal(t, []string{"task-1"}, engine.dropped)
	assert.Equal(t, []string{"task-1"}, services.forgotten)

	got, err := stores.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ScheduledCleanupAt)
	assert.True(t, got.WorkspaceCleanedUp)
	assert.Equal(t, models.InitStatusInactive, got.InitStatus)
	// Status is untouched so the user can resume the thread.
	assert.Equal(t, models.TaskStatusCompleted, got.Status)

	_, err = stores.Sessions.Active(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepSkipsFutureAndReactivatedTasks(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()

	future := seedTask(t, stores, "task-future", models.TaskStatusCompleted)
	require.NoError(t, stores.Tasks.ScheduleCleanup(ctx, future.ID, time.Now().Add(time.Hour)))

	reactivated := seedTask(t, stores, "task-reactivated", models.TaskStatusCompleted)
	require.NoError(t, stores.Tasks.ScheduleCleanup(ctx, reactivated.ID, time.Now().Add(-time.Second)))
	// A follow-up message cancels the schedule before the sweep claims it.
	won, err := stores.Tasks.ClearScheduledCleanup(ctx, reactivated.ID)
	require.NoError(t, err)
	require.True(t, won)

	b := bus.NewMemoryBus(nil)
	defer b.Close()
	cleaner := &fakeCleaner{}
	s := NewSweeper(stores, cleaner, &fakeEngine{}, nil, b, time.Minute, nil)

	s.Sweep(ctx)
	assert.Empty(t, cleaner.cleaned)
}

func TestSweepClearsScheduleEvenWhenCleanupFails(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()
	task := seedTask(t, stores, "task-1", models.TaskStatusStopped)
	require.NoError(t, stores.Tasks.ScheduleCleanup(ctx, task.ID, time.Now().Add(-time.Second)))

	b := bus.NewMemoryBus(nil)
	defer b.Close()
	cleaner := &fakeCleaner{err: errors.New("volume busy")}
	s := NewSweeper(stores, cleaner, &fakeEngine{}, nil, b, time.Minute, nil)

	s.Sweep(ctx)

	got, err := stores.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ScheduledCleanupAt, "no retry storm: schedule stays cleared")
	assert.True(t, got.WorkspaceCleanedUp)
}

func TestSweepIsIdempotent(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()
	task := seedTask(t, stores, "task-1", models.TaskStatusCompleted)
	require.NoError(t, stores.Tasks.ScheduleCleanup(ctx, task.ID, time.Now().Add(-time.Second)))

	b := bus.NewMemoryBus(nil)
	defer b.Close()
	cleaner := &fakeCleaner{}
	s := NewSweeper(stores, cleaner, &fakeEngine{}, nil, b, time.Minute, nil)

	s.Sweep(ctx)
	s.Sweep(ctx)
	assert.Equal(t, []string{"task-1"}, cleaner.cleaned, "second sweep finds nothing to claim")
}
