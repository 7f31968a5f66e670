// Package bgservices runs per-task auxiliary services. Blocking
// services gate initialization (the wiki summary must exist before the
// first turn); non-blocking ones run best-effort in the background.
package bgservices

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shadowrealm/shadow/internal/common/logger"
	"github.com/shadowrealm/shadow/internal/task/models"
)

// blockingWaitTimeout bounds how long initialization waits for the
// blocking services before moving on without them.
const blockingWaitTimeout = 10 * time.Minute

// Service is one per-task background service.
type Service interface {
	Name() string
	// Blocking services are awaited before the task becomes ACTIVE.
	Blocking() bool
	// Enabled consults the user's settings.
	Enabled(settings *models.UserSettings) bool
	Run(ctx context.Context, task *models.Task) error
}

// taskStatus tracks the launched services of one task.
type taskStatus struct {
	blockingDone chan struct{}

	mu       sync.Mutex
	failures []string
}

func (s *taskStatus) recordFailure(name string) {
	s.mu.Lock()
	s.failures = append(s.failures, name)
	s.mu.Unlock()
}

func (s *taskStatus) failed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.failures...)
}

// Manager launches services for a task and lets initialization await
// the blocking subset.
type Manager struct {
	services []Service
	log      *logger.Logger
	wg       sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*taskStatus
}

// NewManager creates a manager over the given services.
func NewManager(log *logger.Logger, services ...Service) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		services: services,
		log:      log.WithFields(zap.String("component", "bgservices")),
		tasks:    make(map[string]*taskStatus),
	}
}

// Launch starts every enabled service for the task, blocking and
// non-blocking alike. Failures are recorded per service and logged,
// never fatal to the task. The services outlive the caller's context.
func (m *Manager) Launch(ctx context.Context, task *models.Task, settings *models.UserSettings) {
	ctx = context.WithoutCancel(ctx)

	status := &taskStatus{blockingDone: make(chan struct{})}
	m.mu.Lock()
	m.tasks[task.ID] = status
	m.mu.Unlock()

	var blocking errgroup.Group
	for _, svc := range m.services {
		if !svc.Enabled(settings) {
			continue
		}
		svc := svc
		run := func() error {
			log := m.log.WithTaskID(task.ID).WithFields(zap.String("service", svc.Name()))
			log.Info("background service started")
			if err := svc.Run(ctx, task); err != nil {
				status.recordFailure(svc.Name())
				log.Warn("background service failed", zap.Error(err))
				return err
			}
			log.Info("background service finished")
			return nil
		}
		if svc.Blocking() {
			blocking.Go(run)
		} else {
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				_ = run()
			}()
		}
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_ = blocking.Wait()
		close(status.blockingDone)
	}()
}

// WaitBlocking waits for the task's blocking services to settle, up to
// blockingWaitTimeout. Service failures and the timeout are logged but
// never returned: a missing wiki degrades the task, it does not fail
// initialization.
func (m *Manager) WaitBlocking(ctx context.Context, taskID string) error {
	m.mu.Lock()
	status := m.tasks[taskID]
	m.mu.Unlock()
	if status == nil {
		return nil
	}

	log := m.log.WithTaskID(taskID)
	select {
	case <-status.blockingDone:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(blockingWaitTimeout):
		log.Warn("blocking services still running after wait timeout, continuing")
		return nil
	}

	if failed := status.failed(); len(failed) > 0 {
		log.Warn("background services failed", zap.Strings("services", failed))
	}
	return nil
}

// Failures returns the names of the task's services that have failed so
// far.
func (m *Manager) Failures(taskID string) []string {
	m.mu.Lock()
	status := m.tasks[taskID]
	m.mu.Unlock()
	if status == nil {
		return nil
	}
	return status.failed()
}

// Forget drops the task's service records. Called on cleanup.
func (m *Manager) Forget(taskID string) {
	m.mu.Lock()
	delete(m.tasks, taskID)
	m.mu.Unlock()
}

// Wait blocks until all launched services return. Used on shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}
