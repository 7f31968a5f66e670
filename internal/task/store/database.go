// Package store persists tasks, chat history, todos, sandbox sessions,
// codebase understandings, and user settings. SQLite is the default;
// a postgres DSN switches the same stores onto pgx.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/shadowrealm/shadow/internal/common/config"
)

// Open connects to the configured database and applies the schema.
func Open(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	if cfg.PostgresDSN != "" {
		db, err := sqlx.Connect("pgx", cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if err := initSchema(db); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	}

	path := cfg.Path
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sqlx.Connect("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// openTestDB is used by tests; an in-memory sqlite database with the
// schema applied.
func openTestDB() (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func initSchema(db *sqlx.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Schema is written in the dialect subset sqlite and postgres share.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		repo_full_name TEXT NOT NULL,
		repo_url TEXT NOT NULL,
		base_branch TEXT NOT NULL,
		shadow_branch TEXT NOT NULL,
		base_commit_sha TEXT NOT NULL DEFAULT '',
		workspace_path TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		init_status TEXT NOT NULL,
		initialization_error TEXT,
		scheduled_cleanup_at TIMESTAMP,
		workspace_cleaned_up BOOLEAN NOT NULL DEFAULT FALSE,
		codebase_understanding_id TEXT,
		last_activity_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_cleanup
		ON tasks (scheduled_cleanup_at) WHERE scheduled_cleanup_at IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		sequence BIGINT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		llm_model TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		edited_at TIMESTAMP,
		UNIQUE (task_id, sequence)
	)`,
	`CREATE TABLE IF NOT EXISTS todos (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		status TEXT NOT NULL,
		sequence INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_sessions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		pod_name TEXT NOT NULL,
		pod_namespace TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS codebase_understandings (
		id TEXT PRIMARY KEY,
		repo_full_name TEXT NOT NULL UNIQUE,
		content TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_settings (
		user_id TEXT PRIMARY KEY,
		auto_pull_request BOOLEAN NOT NULL DEFAULT FALSE,
		enable_shadow_wiki BOOLEAN NOT NULL DEFAULT TRUE,
		enable_indexing BOOLEAN NOT NULL DEFAULT FALSE,
		selected_model TEXT NOT NULL DEFAULT ''
	)`,
}
