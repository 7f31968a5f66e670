package bgservices

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowrealm/shadow/internal/task/models"
)

type stubService struct {
	name     string
	blocking bool
	enabled  bool
	err      error
	runs     atomic.Int32
}

func (s *stubService) Name() string                            { return s.name }
func (s *stubService) Blocking() bool                          { return s.blocking }
func (s *stubService) Enabled(*models.UserSettings) bool       { return s.enabled }
func (s *stubService) Run(context.Context, *models.Task) error { s.runs.Add(1); return s.err }

func TestWaitBlockingSwallowsServiceFailure(t *testing.T) {
	ok := &stubService{name: "ok", blocking: true, enabled: true}
	bad := &stubService{name: "bad", blocking: true, enabled: true, err: errors.New("boom")}

	m := NewManager(nil, ok, bad)
	m.Launch(context.Background(), &models.Task{ID: "task-1"}, nil)
	require.NoError(t, m.WaitBlocking(context.Background(), "task-1"),
		"a failed blocking service must not fail initialization")

	assert.Equal(t, int32(1), ok.runs.Load())
	assert.Equal(t, int32(1), bad.runs.Load())
	assert.Equal(t, []string{"bad"}, m.Failures("task-1"))
}

func TestLaunchRunsNonBlockingServicesWithoutGating(t *testing.T) {
	wiki := &stubService{name: "wiki", blocking: true, enabled: true}
	indexing := &stubService{name: "indexing", blocking: false, enabled: true}
	disabled := &stubService{name: "disabled", blocking: false, enabled: false}

	m := NewManager(nil, wiki, indexing, disabled)
	m.Launch(context.Background(), &models.Task{ID: "task-1"}, nil)
	require.NoError(t, m.WaitBlocking(context.Background(), "task-1"))

	done := make(chan struct{})
	go func() { m.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("launched services did not finish")
	}

	assert.Equal(t, int32(1), wiki.runs.Load())
	assert.Equal(t, int32(1), indexing.runs.Load())
	assert.Equal(t, int32(0), disabled.runs.Load())
}

func TestWaitBlockingWithoutLaunchReturnsImmediately(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.WaitBlocking(context.Background(), "never-launched"))
}

func TestForgetDropsFailureRecords(t *testing.T) {
	bad := &stubService{name: "bad", blocking: true, enabled: true, err: errors.New("boom")}
	m := NewManager(nil, bad)
	m.Launch(context.Background(), &models.Task{ID: "task-1"}, nil)
	require.NoError(t, m.WaitBlocking(context.Background(), "task-1"))

	m.Forget("task-1")
	assert.Empty(t, m.Failures("task-1"))
}
