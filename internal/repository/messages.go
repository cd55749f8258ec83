package repository

import (
	"context"
	"time"

	"github.com/amazinernest/counsellhelp/internal/domain"
	"github.com/amazinernest/counsellhelp/internal/feed"
)

// CreateMessage inserts a message. CreatedAt is stamped here, strictly after the
// previous message, so timestamp order equals commit order.
func (s *SQLiteStore) CreateMessage(ctx context.Context, m *domain.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	at := time.Now().UTC()
	if !at.After(s.lastMessageAt) {
		at = s.lastMessageAt.Add(time.Nanosecond)
	}
	m.CreatedAt = at
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, content, created_at, is_read) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.CreatedAt, m.IsRead)
	if err != nil {
		if isUniqueViolation(err) {
			return conflict("message "+m.ID, err)
		}
		return err
	}
	s.lastMessageAt = at
	s.publish(domain.CollectionMessages, feed.EventTypeInsert, m.ID, map[string]string{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
	}, m)
	return nil
}

// ListMessages returns a conversation's messages oldest first, ties in insertion order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, content, created_at, is_read
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt, &m.IsRead); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
