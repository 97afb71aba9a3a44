package store

import (
	"context"

	"github.com/soulseer/backend/internal/session"
)

// AppendChatMessage persists one chat line. The realtime gateway writes
// here before broadcasting so delivery failures never lose history.
func (s *Store) AppendChatMessage(ctx context.Context, msg *session.ChatMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_id, sender_id, body, sent_at)
		VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.SenderID, msg.Body, encodeTime(msg.SentAt))
	return err
}

// ListChatMessages returns up to limit messages for a session in send
// order. A limit of 0 returns everything.
func (s *Store) ListChatMessages(ctx context.Context, sessionID string, limit int) ([]*session.ChatMessage, error) {
	query := `
		SELECT id, session_id, sender_id, body, sent_at FROM chat_messages
		WHERE session_id = ? ORDER BY sent_at, id`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*session.ChatMessage
	for rows.Next() {
		var m session.ChatMessage
		var sentAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.Body, &sentAt); err != nil {
			return nil, err
		}
		if m.SentAt, err = decodeTime(sentAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
