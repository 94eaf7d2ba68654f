package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/t77yq/promptcron/internal/model"
)

// AppendMessage stores one conversation message
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *model.ConversationMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_messages (id, session_id, role, content, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID,
		msg.SessionID,
		msg.Role,
		msg.Content,
		msg.CostUSD,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	return nil
}

// ListMessages returns a session's messages in chronological order
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*model.ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, cost_usd, created_at
		FROM conversation_messages
		WHERE session_id = ?
		ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*model.ConversationMessage
	for rows.Next() {
		msg := &model.ConversationMessage{}
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.CostUSD, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return msgs, nil
}

// UpsertSession adds to a session's message count and cumulative cost
func (s *SQLiteStore) UpsertSession(ctx context.Context, sessionID string, messages int, costUSD float64) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, message_count, total_cost_usd, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			message_count = message_count + excluded.message_count,
			total_cost_usd = total_cost_usd + excluded.total_cost_usd,
			updated_at = excluded.updated_at`,
		sessionID, messages, costUSD, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session's aggregate stats
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*model.SessionStats, error) {
	var stats model.SessionStats
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, message_count, total_cost_usd, created_at, updated_at
		FROM sessions WHERE session_id = ?`, sessionID).Scan(
		&stats.SessionID,
		&stats.MessageCount,
		&stats.TotalCostUSD,
		&stats.CreatedAt,
		&stats.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	stats.CreatedAt = stats.CreatedAt.UTC()
	stats.UpdatedAt = stats.UpdatedAt.UTC()
	return &stats, nil
}
