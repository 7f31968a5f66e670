package store

import "github.com/jmoiron/sqlx"

// Stores bundles every store over one database handle.
type Stores struct {
	Tasks          *TaskStore
	Messages       *MessageStore
	Todos          *TodoStore
	Sessions       *SessionStore
	Understandings *UnderstandingStore
	Settings       *SettingsStore

	db *sqlx.DB
}

// New creates the store bundle.
func New(db *sqlx.DB) *Stores {
	return &Stores{
		Tasks:          NewTaskStore(db),
		Messages:       NewMessageStore(db),
		Todos:          NewTodoStore(db),
		Sessions:       NewSessionStore(db),
		Understandings: NewUnderstandingStore(db),
		Settings:       NewSettingsStore(db),
		db:             db,
	}
}

// Close closes the underlying database.
func (s *Stores) Close() error {
	return s.db.Close()
}
