package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/shadowrealm/shadow/internal/task/models"
)

// MessageStore persists chat messages. Sequence numbers are assigned
// here, inside a transaction, so they stay dense and monotonic per task
// no matter how many writers race.
type MessageStore struct {
	db *sqlx.DB
}

// NewMessageStore creates a message store.
func NewMessageStore(db *sqlx.DB) *MessageStore {
	return &MessageStore{db: db}
}

// messageRow is the raw DB shape; metadata is JSON text.
type messageRow struct {
	ID        string     `db:"id"`
	TaskID    string     `db:"task_id"`
	Role      string     `db:"role"`
	Sequence  int64      `db:"sequence"`
	Content   string     `db:"content"`
	LLMModel  string     `db:"llm_model"`
	Metadata  string     `db:"metadata"`
	CreatedAt time.Time  `db:"created_at"`
	EditedAt  *time.Time `db:"edited_at"`
}

func (r *messageRow) toModel() (*models.ChatMessage, error) {
	msg := &models.ChatMessage{
		ID:        r.ID,
		TaskID:    r.TaskID,
		Role:      models.MessageRole(r.Role),
		Sequence:  r.Sequence,
		Content:   r.Content,
		LLMModel:  r.LLMModel,
		CreatedAt: r.CreatedAt,
		EditedAt:  r.EditedAt,
	}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode message metadata: %w", err)
		}
	}
	return msg, nil
}

func marshalMetadata(meta models.MessageMetadata) (string, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to encode message metadata: %w", err)
	}
	return string(data), nil
}

// Append inserts a message with the next sequence number for the task
// and returns the stored message.
func (s *MessageStore) Append(ctx context.Context, msg *models.ChatMessage) (*models.ChatMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.CreatedAt = time.Now().UTC()

	meta, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int64
	seqQuery := tx.Rebind(`SELECT COALESCE(MAX(sequence), 0) + 1 FROM chat_messages WHERE task_id = ?`)
	if err := tx.GetContext(ctx, &next, seqQuery, msg.TaskID); err != nil {
		return nil, fmt.Errorf("failed to compute next sequence: %w", err)
	}
	msg.Sequence = next

	insert := tx.Rebind(`
		INSERT INTO chat_messages (id, task_id, role, sequence, content, llm_model, metadata, created_at, edited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert,
		msg.ID, msg.TaskID, msg.Role, msg.Sequence, msg.Content,
		msg.LLMModel, meta, msg.CreatedAt, msg.EditedAt); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return msg, nil
}

// Get returns one message by ID.
func (s *MessageStore) Get(ctx context.Context, id string) (*models.ChatMessage, error) {
	var row messageRow
	query := s.db.Rebind(`SELECT * FROM chat_messages WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return row.toModel()
}

// History returns a task's messages in sequence order.
func (s *MessageStore) History(ctx context.Context, taskID string) ([]*models.ChatMessage, error) {
	var rows []messageRow
	query := s.db.Rebind(`SELECT * FROM chat_messages WHERE task_id = ? ORDER BY sequence ASC`)
	if err := s.db.SelectContext(ctx, &rows, query, taskID); err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	msgs := make([]*models.ChatMessage, 0, len(rows))
	for i := range rows {
		msg, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// MaxSequence returns the highest sequence for a task, zero when the
// task has no messages.
func (s *MessageStore) MaxSequence(ctx context.Context, taskID string) (int64, error) {
	var max int64
	query := s.db.Rebind(`SELECT COALESCE(MAX(sequence), 0) FROM chat_messages WHERE task_id = ?`)
	if err := s.db.GetContext(ctx, &max, query, taskID); err != nil {
		return 0, fmt.Errorf("failed to get max sequence: %w", err)
	}
	return max, nil
}

// Finalize replaces a message's content and metadata after streaming
// completes.
func (s *MessageStore) Finalize(ctx context.Context, id, content string, meta models.MessageMetadata) error {
	encoded, err := marshalMetadata(meta)
	if err != nil {
		return err
	}
	query := s.db.Rebind(`UPDATE chat_messages SET content = ?, metadata = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, content, encoded, id)
	if err != nil {
		return fmt.Errorf("failed to finalize message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMetadata replaces only a message's metadata.
func (s *MessageStore) UpdateMetadata(ctx context.Context, id string, meta models.MessageMetadata) error {
	encoded, err := marshalMetadata(meta)
	if err != nil {
		return err
	}
	query := s.db.Rebind(`UPDATE chat_messages SET metadata = ? WHERE id = ?`)
	_, err = s.db.ExecContext(ctx, query, encoded, id)
	if err != nil {
		return fmt.Errorf("failed to update metadata: %w", err)
	}
	return nil
}

// Edit rewrites a user message in place and deletes every later
// message, rewinding the conversation to that point. A non-empty model
// replaces the message's recorded model, so the re-driven turn and the
// edited message agree on which model answers.
func (s *MessageStore) Edit(ctx context.Context, id, newContent, model string) (*models.ChatMessage, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var row messageRow
	get := tx.Rebind(`SELECT * FROM chat_messages WHERE id = ?`)
	if err := tx.GetContext(ctx, &row, get, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load message %s: %w", id, err)
	}
	if models.MessageRole(row.Role) != models.MessageRoleUser {
		return nil, fmt.Errorf("only user messages can be edited")
	}

	now := time.Now().UTC()
	if model == "" {
		model = row.LLMModel
	}
	update := tx.Rebind(`UPDATE chat_messages SET content = ?, llm_model = ?, edited_at = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, update, newContent, model, id); err != nil {
		return nil, fmt.Errorf("failed to edit message: %w", err)
	}

	del := tx.Rebind(`DELETE FROM chat_messages WHERE task_id = ? AND sequence > ?`)
	if _, err := tx.ExecContext(ctx, del, row.TaskID, row.Sequence); err != nil {
		return nil, fmt.Errorf("failed to rewind history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit edit: %w", err)
	}

	row.Content = newContent
	row.LLMModel = model
	row.EditedAt = &now
	return row.toModel()
}

// LatestAssistantWithCheckpoint returns the most recent assistant
// message carrying a checkpoint, or ErrNotFound.
func (s *MessageStore) LatestAssistantWithCheckpoint(ctx context.Context, taskID string) (*models.ChatMessage, error) {
	msgs, err := s.History(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.MessageRoleAssistant && msgs[i].Metadata.Checkpoint != nil {
			return msgs[i], nil
		}
	}
	return nil, ErrNotFound
}
