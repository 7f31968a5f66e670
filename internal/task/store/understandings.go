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

// UnderstandingStore persists codebase understandings, keyed by
// repository so tasks on the same repo share one document.
type UnderstandingStore struct {
	db *sqlx.DB
}

// NewUnderstandingStore creates an understanding store.
func NewUnderstandingStore(db *sqlx.DB) *UnderstandingStore {
	return &UnderstandingStore{db: db}
}

// GetByRepo returns the understanding for a repository, or ErrNotFound.
func (s *UnderstandingStore) GetByRepo(ctx context.Context, repoFullName string) (*models.CodebaseUnderstanding, error) {
	var u models.CodebaseUnderstanding
	query := s.db.Rebind(`SELECT * FROM codebase_understandings WHERE repo_full_name = ?`)
	if err := s.db.GetContext(ctx, &u, query, repoFullName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get understanding: %w", err)
	}
	return &u, nil
}

// Upsert writes the understanding for a repository, inserting or
// refreshing in place.
func (s *UnderstandingStore) Upsert(ctx context.Context, repoFullName, content string) (*models.CodebaseUnderstanding, error) {
	existing, err := s.GetByRepo(ctx, repoFullName)
	now := time.Now().UTC()

	switch {
	case err == nil:
		query := s.db.Rebind(`UPDATE codebase_understandings SET content = ?, updated_at = ? WHERE id = ?`)
		if _, err := s.db.ExecContext(ctx, query, content, now, existing.ID); err != nil {
			return nil, fmt.Errorf("failed to update understanding: %w", err)
		}
		existing.Content = content
		existing.UpdatedAt = now
		return existing, nil
	case errors.Is(err, ErrNotFound):
		u := &models.CodebaseUnderstanding{
			ID:           uuid.NewString(),
			RepoFullName: repoFullName,
			Content:      content,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		query := s.db.Rebind(`
			INSERT INTO codebase_understandings (id, repo_full_name, content, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`)
		if _, err := s.db.ExecContext(ctx, query, u.ID, u.RepoFullName, u.Content, u.CreatedAt, u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to insert understanding: %w", err)
		}
		return u, nil
	default:
		return nil, err
	}
}
