package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/shadowrealm/shadow/internal/task/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// TaskStore persists tasks.
type TaskStore struct {
	db *sqlx.DB
}

// NewTaskStore creates a task store.
func NewTaskStore(db *sqlx.DB) *TaskStore {
	return &TaskStore{db: db}
}

// Create inserts a new task.
func (s *TaskStore) Create(ctx context.Context, task *models.Task) error {
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.LastActivityAt = now

	query := s.db.Rebind(`
		INSERT INTO tasks (
			id, user_id, title, repo_full_name, repo_url, base_branch,
			shadow_branch, base_commit_sha, workspace_path, status,
			init_status, initialization_error, scheduled_cleanup_at,
			workspace_cleaned_up, codebase_understanding_id,
			last_activity_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		task.ID, task.UserID, task.Title, task.RepoFullName, task.RepoURL,
		task.BaseBranch, task.ShadowBranch, task.BaseCommitSHA,
		task.WorkspacePath, task.Status, task.InitStatus,
		task.InitializationError, task.ScheduledCleanupAt,
		task.WorkspaceCleanedUp, task.CodebaseUnderstandingID,
		task.LastActivityAt, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// Get returns a task by ID.
func (s *TaskStore) Get(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	query := s.db.Rebind(`SELECT * FROM tasks WHERE id = ?`)
	if err := s.db.GetContext(ctx, &task, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return &task, nil
}

// ListByUser returns a user's tasks, newest first.
func (s *TaskStore) ListByUser(ctx context.Context, userID string) ([]*models.Task, error) {
	var tasks []*models.Task
	query := s.db.Rebind(`SELECT * FROM tasks WHERE user_id = ? ORDER BY created_at DESC`)
	if err := s.db.SelectContext(ctx, &tasks, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// UpdateStatus sets a task's lifecycle status.
func (s *TaskStore) UpdateStatus(ctx context.Context, id string, status models.TaskStatus) error {
	query := s.db.Rebind(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`)
	return s.exec(ctx, query, status, time.Now().UTC(), id)
}

// UpdateInitStatus records init progress; errMsg clears or sets the
// initialization error.
func (s *TaskStore) UpdateInitStatus(ctx context.Context, id string, initStatus models.InitStatus, errMsg *string) error {
	query := s.db.Rebind(`
		UPDATE tasks SET init_status = ?, initialization_error = ?, updated_at = ?
		WHERE id = ?`)
	return s.exec(ctx, query, initStatus, errMsg, time.Now().UTC(), id)
}

// SetWorkspace records where the task workspace lives and the base
// commit it started from.
func (s *TaskStore) SetWorkspace(ctx context.Context, id, path, baseCommitSHA string) error {
	query := s.db.Rebind(`
		UPDATE tasks SET workspace_path = ?, base_commit_sha = ?,
			workspace_cleaned_up = FALSE, updated_at = ?
		WHERE id = ?`)
	return s.exec(ctx, query, path, baseCommitSHA, time.Now().UTC(), id)
}

// SetUnderstanding links the task to a codebase understanding row.
func (s *TaskStore) SetUnderstanding(ctx context.Context, id, understandingID string) error {
	query := s.db.Rebind(`UPDATE tasks SET codebase_understanding_id = ?, updated_at = ? WHERE id = ?`)
	return s.exec(ctx, query, understandingID, time.Now().UTC(), id)
}

// TouchActivity bumps last_activity_at.
func (s *TaskStore) TouchActivity(ctx context.Context, id string) error {
	now := time.Now().UTC()
	query := s.db.Rebind(`UPDATE tasks SET last_activity_at = ?, updated_at = ? WHERE id = ?`)
	return s.exec(ctx, query, now, now, id)
}

// ScheduleCleanup marks a task's workspace for removal at the given
// time.
func (s *TaskStore) ScheduleCleanup(ctx context.Context, id string, at time.Time) error {
	query := s.db.Rebind(`UPDATE tasks SET scheduled_cleanup_at = ?, updated_at = ? WHERE id = ?`)
	return s.exec(ctx, query, at.UTC(), time.Now().UTC(), id)
}

// ClearScheduledCleanup cancels a pending cleanup. It reports whether a
// cleanup was actually pending, so a racing sweeper and a reactivating
// task agree on exactly one winner.
func (s *TaskStore) ClearScheduledCleanup(ctx context.Context, id string) (bool, error) {
	query := s.db.Rebind(`
		UPDATE tasks SET scheduled_cleanup_at = NULL, updated_at = ?
		WHERE id = ? AND scheduled_cleanup_at IS NOT NULL`)
	res, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to clear scheduled cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClaimForCleanup atomically claims a due cleanup by clearing the
// schedule. Only the caller that claimed the row proceeds to remove
// the workspace.
func (s *TaskStore) ClaimForCleanup(ctx context.Context, id string, now time.Time) (bool, error) {
	query := s.db.Rebind(`
		UPDATE tasks SET scheduled_cleanup_at = NULL, updated_at = ?
		WHERE id = ? AND scheduled_cleanup_at IS NOT NULL AND scheduled_cleanup_at <= ?`)
	res, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id, now.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DueForCleanup lists tasks whose scheduled cleanup time has passed and
// whose workspace still exists.
func (s *TaskStore) DueForCleanup(ctx context.Context, now time.Time) ([]*models.Task, error) {
	var tasks []*models.Task
	query := s.db.Rebind(`
		SELECT * FROM tasks
		WHERE scheduled_cleanup_at IS NOT NULL
			AND scheduled_cleanup_at <= ?
			AND workspace_cleaned_up = FALSE`)
	if err := s.db.SelectContext(ctx, &tasks, query, now.UTC()); err != nil {
		return nil, fmt.Errorf("failed to list due cleanups: %w", err)
	}
	return tasks, nil
}

// MarkWorkspaceCleaned records that the workspace was removed and the
// task must re-initialize before accepting messages.
func (s *TaskStore) MarkWorkspaceCleaned(ctx context.Context, id string) error {
	query := s.db.Rebind(`
		UPDATE tasks SET workspace_cleaned_up = TRUE, init_status = ?, updated_at = ?
		WHERE id = ?`)
	return s.exec(ctx, query, models.InitStatusInactive, time.Now().UTC(), id)
}

func (s *TaskStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("task update failed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
