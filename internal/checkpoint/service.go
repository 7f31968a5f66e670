// Package checkpoint snapshots git and todo state after assistant turns
// and restores the workspace to an earlier snapshot on demand.
package checkpoint

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shadowrealm/shadow/internal/common/logger"
	"github.com/shadowrealm/shadow/internal/events"
	"github.com/shadowrealm/shadow/internal/events/bus"
	"github.com/shadowrealm/shadow/internal/executor"
	"github.com/shadowrealm/shadow/internal/fswatch"
	"github.com/shadowrealm/shadow/internal/task/models"
	"github.com/shadowrealm/shadow/internal/task/store"
)

const (
	// pauseSettleDelay lets in-flight watcher events drain before the
	// workspace is rewritten underneath it.
	pauseSettleDelay = 150 * time.Millisecond
	// resumeSettleDelay lets the filesystem quiesce after a reset so the
	// watcher does not report the restore itself as user edits.
	resumeSettleDelay = 200 * time.Millisecond
)

// GitOps is the slice of the git service the checkpoint flow needs.
type GitOps interface {
	HasChanges(ctx context.Context) (bool, error)
	CurrentCommitSHA(ctx context.Context) (string, error)
	SafeCheckoutCommit(ctx context.Context, sha string) (bool, error)
	FileChanges(ctx context.Context, baseRef string) ([]models.FileChange, models.DiffStats, error)
}

// Service creates and restores checkpoints.
type Service struct {
	stores    *store.Stores
	streamBus bus.Bus
	log       *logger.Logger
}

// NewService creates a checkpoint service.
func NewService(stores *store.Stores, streamBus bus.Bus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		stores:    stores,
		streamBus: streamBus,
		log:       log.WithFields(zap.String("component", "checkpoint")),
	}
}

// Create captures the current HEAD and todo list. Checkpoints are only
// taken from a clean tree; when uncommitted changes remain the turn is
// not checkpointable and nil is returned without error.
func (s *Service) Create(ctx context.Context, task *models.Task, git GitOps) (*models.Checkpoint, error) {
	dirty, err := git.HasChanges(ctx)
	if err != nil {
		return nil, err
	}
	if dirty {
		s.log.WithTaskID(task.ID).Debug("workspace dirty, skipping checkpoint")
		return nil, nil
	}

	sha, err := git.CurrentCommitSHA(ctx)
	if err != nil {
		return nil, err
	}
	todos, err := s.stores.Todos.List(ctx, task.ID)
	if err != nil {
		return nil, err
	}

	s.log.WithTaskID(task.ID).Debug("checkpoint created",
		zap.String("commit_sha", sha), zap.Int("todos", len(todos)))
	return &models.Checkpoint{
		CommitSHA:      sha,
		TodoSnapshot:   todos,
		CreatedAt:      time.Now().UTC(),
		WorkspaceState: "clean",
	}, nil
}

// Before returns the checkpoint recorded at the most recent assistant
// message with a sequence strictly below targetSequence. When no such
// message exists the base commit with an empty todo list is returned,
// rewinding the task to its starting state.
func (s *Service) Before(ctx context.Context, task *models.Task, targetSequence int64) (*models.Checkpoint, error) {
	msgs, err := s.stores.Messages.History(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Sequence >= targetSequence {
			continue
		}
		if m.Role == models.MessageRoleAssistant && m.Metadata.Checkpoint != nil {
			return m.Metadata.Checkpoint, nil
		}
	}
	return &models.Checkpoint{
		CommitSHA:      task.BaseCommitSHA,
		WorkspaceState: "clean",
	}, nil
}

// Restore rewinds the workspace to a checkpointed commit. The watcher is
// paused while the tree is rewritten and a single fs-override chunk
// replaces the burst of change events the reset would otherwise emit.
func (s *Service) Restore(ctx context.Context, task *models.Task, git GitOps, exec executor.Executor, watcher fswatch.Control, cp *models.Checkpoint) error {
	if cp == nil || cp.CommitSHA == "" {
		return fmt.Errorf("no checkpoint to restore")
	}
	log := s.log.WithTaskID(task.ID)

	if err := watcher.Pause(ctx); err != nil {
		return fmt.Errorf("failed to pause watcher: %w", err)
	}
	resumed := false
	defer func() {
		if !resumed {
			if err := watcher.Resume(ctx); err != nil {
				log.Error("failed to resume watcher after restore error", zap.Error(err))
			}
		}
	}()
	time.Sleep(pauseSettleDelay)

	restored, err := git.SafeCheckoutCommit(ctx, cp.CommitSHA)
	if err != nil {
		// The workspace keeps whatever state it had; the rest of the
		// restore still rewinds todos and republishes the file view.
		log.Warn("workspace reset failed, continuing restore",
			zap.String("commit_sha", cp.CommitSHA), zap.Error(err))
	} else if !restored {
		log.Warn("uncommitted changes present, workspace left untouched",
			zap.String("commit_sha", cp.CommitSHA))
	}

	todos, err := s.stores.Todos.Replace(ctx, task.ID, cp.TodoSnapshot)
	if err != nil {
		return fmt.Errorf("failed to restore todos: %w", err)
	}
	s.streamBus.Publish(ctx, events.NewTodoUpdate(task.ID, todos, "replaced"))

	changes, stats, err := git.FileChanges(ctx, task.BaseBranch)
	if err != nil {
		return fmt.Errorf("failed to diff restored workspace: %w", err)
	}
	tree, err := exec.FileTree(ctx)
	if err != nil {
		return fmt.Errorf("failed to read restored file tree: %w", err)
	}
	s.streamBus.Publish(ctx, events.NewFSOverride(task.ID, events.FSOverridePayload{
		FileChanges:  changes,
		DiffStats:    stats,
		CodebaseTree: tree,
		Message:      fmt.Sprintf("Restored workspace to checkpoint %s", shortSHA(cp.CommitSHA)),
	}))

	time.Sleep(resumeSettleDelay)
	if err := watcher.Resume(ctx); err != nil {
		return fmt.Errorf("failed to resume watcher: %w", err)
	}
	resumed = true

	log.Info("workspace restored", zap.String("commit_sha", cp.CommitSHA))
	return nil
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
