package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/shadowrealm/shadow/internal/task/models"
)

// TodoStore persists the agent-maintained checklist of a task.
type TodoStore struct {
	db *sqlx.DB
}

// NewTodoStore creates a todo store.
func NewTodoStore(db *sqlx.DB) *TodoStore {
	return &TodoStore{db: db}
}

// List returns a task's todos in sequence order.
func (s *TodoStore) List(ctx context.Context, taskID string) ([]models.Todo, error) {
	var todos []models.Todo
	query := s.db.Rebind(`SELECT * FROM todos WHERE task_id = ? ORDER BY sequence ASC`)
	if err := s.db.SelectContext(ctx, &todos, query, taskID); err != nil {
		return nil, fmt.Errorf("failed to list todos: %w", err)
	}
	return todos, nil
}

// Replace swaps a task's entire todo list in one transaction, the way
// the todo_write tool delivers it.
func (s *TodoStore) Replace(ctx context.Context, taskID string, todos []models.Todo) ([]models.Todo, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	del := tx.Rebind(`DELETE FROM todos WHERE task_id = ?`)
	if _, err := tx.ExecContext(ctx, del, taskID); err != nil {
		return nil, fmt.Errorf("failed to clear todos: %w", err)
	}

	insert := tx.Rebind(`INSERT INTO todos (id, task_id, content, status, sequence) VALUES (?, ?, ?, ?, ?)`)
	stored := make([]models.Todo, 0, len(todos))
	for i, todo := range todos {
		todo.TaskID = taskID
		todo.Sequence = i + 1
		if todo.ID == "" {
			todo.ID = uuid.NewString()
		}
		if todo.Status == "" {
			todo.Status = models.TodoStatusPending
		}
		if _, err := tx.ExecContext(ctx, insert,
			todo.ID, todo.TaskID, todo.Content, todo.Status, todo.Sequence); err != nil {
			return nil, fmt.Errorf("failed to insert todo: %w", err)
		}
		stored = append(stored, todo)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit todos: %w", err)
	}
	return stored, nil
}
