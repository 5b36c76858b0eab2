package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fluxtalk/fluxtalk/internal/models"
)

// Tx is one request's unit of work. It is not safe for concurrent use and
// must not outlive the WithTx callback that produced it.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
	now func() time.Time
}

func (t *Tx) CreateConversation(title string) (*models.Conversation, error) {
	if title == "" {
		title = models.DefaultTitle
	}
	conv := &models.Conversation{Title: title, CreatedAt: t.now()}

	res, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO conversations (title, created_at) VALUES (?, ?)`,
		conv.Title, conv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	if conv.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return conv, nil
}

// GetConversation returns the bare conversation row without messages.
func (t *Tx) GetConversation(id int64) (*models.Conversation, error) {
	var conv models.Conversation
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT id, title, created_at FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.Title, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %d: %w", id, err)
	}
	return &conv, nil
}

// LoadConversation returns the conversation together with its messages in
// creation order and its model source, if any.
func (t *Tx) LoadConversation(id int64) (*models.Conversation, error) {
	conv, err := t.GetConversation(id)
	if err != nil {
		return nil, err
	}

	if conv.Messages, err = t.GetMessages(id); err != nil {
		return nil, err
	}

	src, err := t.GetModelSource(id)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	default:
		conv.ModelSource = src
	}
	return conv, nil
}

func (t *Tx) ListConversations() ([]models.Conversation, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT id FROM conversations ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	conversations := make([]models.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := t.LoadConversation(id)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, *conv)
	}
	return conversations, nil
}

func (t *Tx) UpdateConversationTitle(id int64, title string) error {
	res, err := t.tx.ExecContext(t.ctx, `UPDATE conversations SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("failed to update conversation %d: %w", id, err)
	}
	return requireRow(res)
}

// DeleteConversation removes the conversation and everything it owns.
func (t *Tx) DeleteConversation(id int64) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}

	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM model_sources WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete model source: %w", err)
	}

	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return requireRow(res)
}

// SaveMessage inserts msg and fills in its id. A zero CreatedAt is set to now.
func (t *Tx) SaveMessage(msg *models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = t.now()
	}

	res, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		msg.ConvID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	msg.ID, err = res.LastInsertId()
	return err
}

func (t *Tx) GetMessages(conversationID int64) ([]models.Message, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
        SELECT id, conversation_id, role, content, created_at
        FROM messages
        WHERE conversation_id = ?
        ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ConvID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (t *Tx) GetModelSource(conversationID int64) (*models.ModelSource, error) {
	var (
		src                 models.ModelSource
		host, model, apiKey sql.NullString
	)
	err := t.tx.QueryRowContext(t.ctx, `
        SELECT id, conversation_id, name, host, model, api_key, is_local
        FROM model_sources WHERE conversation_id = ?`, conversationID).
		Scan(&src.ID, &src.ConvID, &src.Name, &host, &model, &apiKey, &src.IsLocal)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model source: %w", err)
	}
	src.Host, src.Model, src.APIKey = fromNull(host), fromNull(model), fromNull(apiKey)
	return &src, nil
}

func (t *Tx) CreateModelSource(src *models.ModelSource) error {
	res, err := t.tx.ExecContext(t.ctx, `
        INSERT INTO model_sources (conversation_id, name, host, model, api_key, is_local)
        VALUES (?, ?, ?, ?, ?, ?)`,
		src.ConvID, src.Name, toNull(src.Host), toNull(src.Model), toNull(src.APIKey), src.IsLocal)
	if err != nil {
		return fmt.Errorf("failed to create model source: %w", err)
	}
	src.ID, err = res.LastInsertId()
	return err
}

// UpdateModelSource overwrites every field of the stored row with src.
func (t *Tx) UpdateModelSource(src *models.ModelSource) error {
	res, err := t.tx.ExecContext(t.ctx, `
        UPDATE model_sources
        SET name = ?, host = ?, model = ?, api_key = ?, is_local = ?
        WHERE id = ?`,
		src.Name, toNull(src.Host), toNull(src.Model), toNull(src.APIKey), src.IsLocal, src.ID)
	if err != nil {
		return fmt.Errorf("failed to update model source: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func toNull(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
