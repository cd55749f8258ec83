package repository

import (
	"context"
	"database/sql"

	"github.com/amazinernest/counsellhelp/internal/domain"
	"github.com/amazinernest/counsellhelp/internal/feed"
)

const notificationColumns = `id, user_id, type, title, body, data, is_read, dedupe_key, created_at`

func notificationKeys(n *domain.Notification) map[string]string {
	return map[string]string{"id": n.ID, "user_id": n.UserID}
}

func scanNotification(row scanner) (*domain.Notification, error) {
	var n domain.Notification
	var data, dedupe sql.NullString
	if err := row.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Body, &data, &n.IsRead, &dedupe, &n.CreatedAt); err != nil {
		return nil, err
	}
	if data.Valid {
		n.Data = []byte(data.String)
	}
	n.DedupeKey = dedupe.String
	return &n, nil
}

// CreateNotification inserts a notification. A repeated (user_id, dedupe_key) fails with ErrConflict.
func (s *SQLiteStore) CreateNotification(ctx context.Context, n *domain.Notification) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	n.CreatedAt = utc(n.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (`+notificationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.Type, n.Title, n.Body, nullString(string(n.Data)), n.IsRead, nullString(n.DedupeKey), n.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return conflict("notification "+n.DedupeKey, err)
		}
		return err
	}
	s.publish(domain.CollectionNotifications, feed.EventTypeInsert, n.ID, notificationKeys(n), n)
	return nil
}

// GetNotificationByDedupeKey retrieves a recipient's notification by dedupe key.
func (s *SQLiteStore) GetNotificationByDedupeKey(ctx context.Context, userID, dedupeKey string) (*domain.Notification, error) {
	n, err := scanNotification(s.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE user_id = ? AND dedupe_key = ?`,
		userID, dedupeKey))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return n, err
}

// ListNotifications returns a recipient's latest notifications, newest first.
func (s *SQLiteStore) ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// MarkNotificationRead flags one notification read, scoped to its recipient.
func (s *SQLiteStore) MarkNotificationRead(ctx context.Context, userID, id string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE id = ? AND user_id = ? AND is_read = 0`, id, userID)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	if err != nil || n == 0 {
		return false, err
	}
	row, err := scanNotification(s.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id))
	if err == nil {
		s.publish(domain.CollectionNotifications, feed.EventTypeUpdate, row.ID, notificationKeys(row), row)
	}
	return true, nil
}

// MarkAllNotificationsRead flags every unread notification of the recipient read.
func (s *SQLiteStore) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0`, userID)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}
