package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/amazinernest/counsellhelp/internal/domain"
	"github.com/amazinernest/counsellhelp/internal/feed"
)

const sessionColumns = `id, client_id, counselor_id, conversation_id, scheduled_at, status, amount, commission,
	counselor_payout, payment_reference, processor_reference, paid_at, completed_at, created_at`

func sessionKeys(ss *domain.Session) map[string]string {
	return map[string]string{
		"id":           ss.ID,
		"client_id":    ss.ClientID,
		"counselor_id": ss.CounselorID,
		"status":       string(ss.Status),
	}
}

func scanSession(row scanner) (*domain.Session, error) {
	var ss domain.Session
	var conversationID, processorRef sql.NullString
	var scheduledAt, paidAt, completedAt sql.NullTime
	err := row.Scan(&ss.ID, &ss.ClientID, &ss.CounselorID, &conversationID, &scheduledAt, &ss.Status,
		&ss.Amount, &ss.Commission, &ss.CounselorPayout, &ss.PaymentReference, &processorRef,
		&paidAt, &completedAt, &ss.CreatedAt)
	if err != nil {
		return nil, err
	}
	ss.ConversationID = conversationID.String
	ss.ProcessorReference = processorRef.String
	ss.ScheduledAt = timePtr(scheduledAt)
	ss.PaidAt = timePtr(paidAt)
	ss.CompletedAt = timePtr(completedAt)
	return &ss, nil
}

// CreateSession inserts a session. A repeated payment reference fails with ErrConflict.
func (s *SQLiteStore) CreateSession(ctx context.Context, ss *domain.Session) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ss.CreatedAt = utc(ss.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ss.ID, ss.ClientID, ss.CounselorID, nullString(ss.ConversationID), nullTime(ss.ScheduledAt), ss.Status,
		ss.Amount, ss.Commission, ss.CounselorPayout, ss.PaymentReference, nullString(ss.ProcessorReference),
		nullTime(ss.PaidAt), nullTime(ss.CompletedAt), ss.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return conflict("session "+ss.PaymentReference, err)
		}
		return err
	}
	s.publish(domain.CollectionSessions, feed.EventTypeInsert, ss.ID, sessionKeys(ss), ss)
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	ss, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ss, err
}

// GetSessionByPaymentReference retrieves a session by its payment reference.
func (s *SQLiteStore) GetSessionByPaymentReference(ctx context.Context, reference string) (*domain.Session, error) {
	ss, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE payment_reference = ?`, reference))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ss, err
}

// MarkSessionPaid moves a pending session to paid. It reports false when the session was not pending.
func (s *SQLiteStore) MarkSessionPaid(ctx context.Context, id, processorReference string, at time.Time) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, paid_at = ?, processor_reference = ? WHERE id = ? AND status = ?`,
		domain.SessionStatusPaid, utc(at), nullString(processorReference), id, domain.SessionStatusPending)
	if err != nil {
		return false, err
	}
	return s.afterSessionUpdate(ctx, id, res)
}

// TransitionSession sets status to `to` only if it is currently `from`.
func (s *SQLiteStore) TransitionSession(ctx context.Context, id string, from, to domain.SessionStatus, at time.Time) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var completedAt sql.NullTime
	if to == domain.SessionStatusCompleted {
		completedAt = sql.NullTime{Time: utc(at), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, completed_at = COALESCE(?, completed_at) WHERE id = ? AND status = ?`,
		to, completedAt, id, from)
	if err != nil {
		return false, err
	}
	return s.afterSessionUpdate(ctx, id, res)
}

// BindSessionConversation records the conversation opened for a session.
func (s *SQLiteStore) BindSessionConversation(ctx context.Context, id, conversationID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET conversation_id = ? WHERE id = ? AND (conversation_id IS NULL OR conversation_id <> ?)`,
		conversationID, id, conversationID)
	if err != nil {
		return err
	}
	_, err = s.afterSessionUpdate(ctx, id, res)
	return err
}

func (s *SQLiteStore) afterSessionUpdate(ctx context.Context, id string, res sql.Result) (bool, error) {
	n, err := rowsAffected(res)
	if err != nil || n == 0 {
		return false, err
	}
	if ss, err := s.GetSession(ctx, id); err == nil && ss != nil {
		s.publish(domain.CollectionSessions, feed.EventTypeUpdate, ss.ID, sessionKeys(ss), ss)
	}
	return true, nil
}

// ListStalePendingSessions returns pending sessions created before the cutoff, oldest first.
func (s *SQLiteStore) ListStalePendingSessions(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE status = ? AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?`, domain.SessionStatusPending, createdBefore.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		ss, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ss)
	}
	return out, rows.Err()
}

// FindPaidSession returns the latest paid or completed session of the pair.
func (s *SQLiteStore) FindPaidSession(ctx context.Context, clientID, counselorID string) (*domain.Session, error) {
	ss, err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE client_id = ? AND counselor_id = ? AND status IN (?, ?)
		ORDER BY paid_at DESC
		LIMIT 1`, clientID, counselorID, domain.SessionStatusPaid, domain.SessionStatusCompleted))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ss, err
}
