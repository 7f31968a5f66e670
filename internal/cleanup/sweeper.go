// Package cleanup tears down idle task workspaces. A periodic sweep
// claims tasks whose scheduled cleanup time has passed; the claim is a
// guarded update, so a user message that reactivates the task in the
// same instant wins and the sweep skips it.
package cleanup

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/shadowrealm/shadow/internal/common/logger"
	"github.com/shadowrealm/shadow/internal/events/bus"
	"github.com/shadowrealm/shadow/internal/task/models"
	"github.com/shadowrealm/shadow/internal/task/store"
)

// WorkspaceCleaner removes a task's workspace. Implementations are
// idempotent: cleaning an already-removed workspace succeeds.
type WorkspaceCleaner interface {
	Cleanup(ctx context.Context, task *models.Task) error
}

// EngineCleaner drops a task's in-memory engine state.
type EngineCleaner interface {
	CleanupTask(taskID string)
}

// ServiceCleaner drops a task's background-service records.
type ServiceCleaner interface {
	Forget(taskID string)
}

// Sweeper is the periodic cleanup service.
type Sweeper struct {
	stores    *store.Stores
	ws        WorkspaceCleaner
	engine    EngineCleaner
	services  ServiceCleaner
	streamBus bus.Bus
	interval  time.Duration
	log       *logger.Logger
}

// NewSweeper creates a cleanup sweeper. engine and services may be nil.
func NewSweeper(stores *store.Stores, ws WorkspaceCleaner, engine EngineCleaner, services ServiceCleaner, streamBus bus.Bus, interval time.Duration, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		stores:    stores,
		ws:        ws,
		engine:    engine,
		services:  services,
		streamBus: streamBus,
		interval:  interval,
		log:       log.WithFields(zap.String("component", "cleanup")),
	}
}

// Run sweeps until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("cleanup sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("cleanup sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one cleanup pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.stores.Tasks.DueForCleanup(ctx, now)
	if err != nil {
		s.log.Error("failed to list due cleanups", zap.Error(err))
		return
	}

	for _, task := range due {
		claimed, err := s.stores.Tasks.ClaimForCleanup(ctx, task.ID, now)
		if err != nil {
			s.log.WithTaskID(task.ID).Error("failed to claim cleanup", zap.Error(err))
			continue
		}
		if !claimed {
			// A follow-up message reactivated the task first.
			continue
		}
		s.cleanupTask(ctx, task)
	}
}

// cleanupTask tears one task down. The claim already cleared the
// schedule, so a failing step is logged and not retried; the task can
// re-initialize on its next message either way.
func (s *Sweeper) cleanupTask(ctx context.Context, task *models.Task) {
	log := s.log.WithTaskID(task.ID)
	log.Info("cleaning up idle workspace")

	if s.engine != nil {
		s.engine.CleanupTask(task.ID)
	}
	if s.services != nil {
		s.services.Forget(task.ID)
	}

	if err := s.ws.Cleanup(ctx, task); err != nil {
		log.Error("workspace cleanup failed", zap.Error(err))
	}

	if err := s.stores.Sessions.EndAll(ctx, task.ID); err != nil {
		log.Error("failed to end task sessions", zap.Error(err))
	}

	if err := s.stores.Tasks.MarkWorkspaceCleaned(ctx, task.ID); err != nil {
		log.Error("failed to mark workspace cleaned", zap.Error(err))
	}

	s.streamBus.DropTask(task.ID)
	log.Info("workspace cleaned up")
}
