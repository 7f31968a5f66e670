package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/shadowrealm/shadow/internal/task/models"
)

// SessionStore tracks live remote sandboxes. At most one session per
// task is active at a time.
type SessionStore struct {
	db *sqlx.DB
}

// NewSessionStore creates a session store.
func NewSessionStore(db *sqlx.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Start ends any previous active session for the task and records a
// new one.
func (s *SessionStore) Start(ctx context.Context, taskID, podName, podNamespace string) (*models.TaskSession, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	end := tx.Rebind(`UPDATE task_sessions SET is_active = FALSE, ended_at = ? WHERE task_id = ? AND is_active = TRUE`)
	if _, err := tx.ExecContext(ctx, end, now, taskID); err != nil {
		return nil, fmt.Errorf("failed to end previous session: %w", err)
	}

	session := &models.TaskSession{
		ID:           uuid.NewString(),
		TaskID:       taskID,
		PodName:      podName,
		PodNamespace: podNamespace,
		IsActive:     true,
		CreatedAt:    now,
	}
	insert := tx.Rebind(`
		INSERT INTO task_sessions (id, task_id, pod_name, pod_namespace, is_active, created_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert,
		session.ID, session.TaskID, session.PodName, session.PodNamespace,
		session.IsActive, session.CreatedAt, session.EndedAt); err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session: %w", err)
	}
	return session, nil
}

// Active returns the task's active session, or ErrNotFound.
func (s *SessionStore) Active(ctx context.Context, taskID string) (*models.TaskSession, error) {
	var session models.TaskSession
	query := s.db.Rebind(`SELECT * FROM task_sessions WHERE task_id = ? AND is_active = TRUE`)
	if err := s.db.GetContext(ctx, &session, query, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return &session, nil
}

// EndAll deactivates every session for a task.
func (s *SessionStore) EndAll(ctx context.Context, taskID string) error {
	query := s.db.Rebind(`UPDATE task_sessions SET is_active = FALSE, ended_at = ? WHERE task_id = ? AND is_active = TRUE`)
	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), taskID); err != nil {
		return fmt.Errorf("failed to end sessions: %w", err)
	}
	return nil
}
