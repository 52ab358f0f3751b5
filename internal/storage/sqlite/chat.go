package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/printcal/backend/internal/storage/models"
)

func (c *Client) CreateSession(ctx context.Context, session *models.ChatSession) error {
	now := time.Now()
	session.CreatedAt = now
	session.UpdatedAt = now

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		session.ID, encodeMetadata(session.Metadata), now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", session.ID, err)
	}
	return nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*models.ChatSession, error) {
	var (
		session              models.ChatSession
		metadata             string
		createdAt, updatedAt int64
	)

	err := c.db.QueryRowContext(ctx, `
		SELECT id, metadata, created_at, updated_at FROM chat_sessions WHERE id = ?`, id).
		Scan(&session.ID, &metadata, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}

	session.Metadata = decodeMetadata(metadata)
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	return &session, nil
}

func (c *Client) InsertMessage(ctx context.Context, msg *models.ChatMessage) error {
	now := time.Now()
	msg.CreatedAt = now

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO chat_messages (session_id, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		msg.SessionID, msg.Role, msg.Content, encodeMetadata(msg.Metadata), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	msg.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read message id: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		UPDATE chat_sessions SET updated_at = ? WHERE id = ?`, now.Unix(), msg.SessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session %s: %w", msg.SessionID, err)
	}
	return nil
}

// SessionMessages returns a session's messages oldest first, capped at limit.
func (c *Client) SessionMessages(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, metadata, created_at
		FROM chat_messages
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var messages []models.ChatMessage
	for rows.Next() {
		var (
			msg       models.ChatMessage
			metadata  string
			createdAt int64
		)
		err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &metadata, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.Metadata = decodeMetadata(metadata)
		msg.CreatedAt = time.Unix(createdAt, 0)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

// RecentMessages returns the newest limit messages of a session in
// chronological order, for use as a conversational context window.
func (c *Client) RecentMessages(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, metadata, created_at
		FROM chat_messages
		WHERE session_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent messages for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var messages []models.ChatMessage
	for rows.Next() {
		var (
			msg       models.ChatMessage
			metadata  string
			createdAt int64
		)
		err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &metadata, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.Metadata = decodeMetadata(metadata)
		msg.CreatedAt = time.Unix(createdAt, 0)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
