package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/shadowrealm/shadow/internal/task/models"
)

// SettingsStore persists per-user preferences.
type SettingsStore struct {
	db *sqlx.DB
}

// NewSettingsStore creates a settings store.
func NewSettingsStore(db *sqlx.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

// Get returns a user's settings, falling back to defaults when the
// user has no row.
func (s *SettingsStore) Get(ctx context.Context, userID string) (*models.UserSettings, error) {
	var settings models.UserSettings
	query := s.db.Rebind(`SELECT * FROM user_settings WHERE user_id = ?`)
	if err := s.db.GetContext(ctx, &settings, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DefaultUserSettings(userID), nil
		}
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	return &settings, nil
}

// Upsert writes a user's settings.
func (s *SettingsStore) Upsert(ctx context.Context, settings *models.UserSettings) error {
	del := s.db.Rebind(`DELETE FROM user_settings WHERE user_id = ?`)
	if _, err := s.db.ExecContext(ctx, del, settings.UserID); err != nil {
		return fmt.Errorf("failed to replace settings: %w", err)
	}
	insert := s.db.Rebind(`
		INSERT INTO user_settings (user_id, auto_pull_request, enable_shadow_wiki, enable_indexing, selected_model)
		VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, insert,
		settings.UserID, settings.AutoPullRequest, settings.EnableShadowWiki,
		settings.EnableIndexing, settings.SelectedModel); err != nil {
		return fmt.Errorf("failed to insert settings: %w", err)
	}
	return nil
}
