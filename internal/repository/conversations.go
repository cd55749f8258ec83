package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/amazinernest/counsellhelp/internal/domain"
	"github.com/amazinernest/counsellhelp/internal/feed"
)

const conversationColumns = `id, client_id, counselor_id, created_at, last_message_at`

func conversationKeys(c *domain.Conversation) map[string]string {
	return map[string]string{
		"id":           c.ID,
		"client_id":    c.ClientID,
		"counselor_id": c.CounselorID,
	}
}

func scanConversation(row scanner) (*domain.Conversation, error) {
	var c domain.Conversation
	var last sql.NullTime
	if err := row.Scan(&c.ID, &c.ClientID, &c.CounselorID, &c.CreatedAt, &last); err != nil {
		return nil, err
	}
	c.LastMessageAt = timePtr(last)
	return &c, nil
}

// CreateConversation inserts a conversation. A second row for the same pair fails with ErrConflict.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	c.CreatedAt = utc(c.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.ClientID, c.CounselorID, c.CreatedAt, nullTime(c.LastMessageAt))
	if err != nil {
		if isUniqueViolation(err) {
			return conflict("conversation "+c.ClientID+"/"+c.CounselorID, err)
		}
		return err
	}
	s.publish(domain.CollectionConversations, feed.EventTypeInsert, c.ID, conversationKeys(c), c)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// FindConversation retrieves the conversation of a client/counselor pair.
func (s *SQLiteStore) FindConversation(ctx context.Context, clientID, counselorID string) (*domain.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE client_id = ? AND counselor_id = ?`,
		clientID, counselorID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// ListConversations returns the conversations a user takes part in, most recently active first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE client_id = ? OR counselor_id = ?
		ORDER BY last_message_at IS NULL, last_message_at DESC, created_at DESC
		LIMIT ?`, userID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// TouchConversation advances last_message_at. It never moves the timestamp backwards
// and reports whether the row changed.
func (s *SQLiteStore) TouchConversation(ctx context.Context, id string, at time.Time) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	at = utc(at)
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ? WHERE id = ? AND (last_message_at IS NULL OR last_message_at < ?)`,
		at, id, at)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	if err != nil || n == 0 {
		return false, err
	}
	if c, err := s.GetConversation(ctx, id); err == nil && c != nil {
		s.publish(domain.CollectionConversations, feed.EventTypeUpdate, c.ID, conversationKeys(c), c)
	}
	return true, nil
}
