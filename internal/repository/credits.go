package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/amazinernest/counsellhelp/internal/domain"
	"github.com/amazinernest/counsellhelp/internal/feed"
)

// UpsertProfile creates or updates a profile. The credit balance is never touched here.
func (s *SQLiteStore) UpsertProfile(ctx context.Context, p *domain.Profile) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	p.CreatedAt = utc(p.CreatedAt)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, email, full_name, role, credits, created_at) VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET email = excluded.email, full_name = excluded.full_name, role = excluded.role`,
		p.ID, p.Email, nullString(p.FullName), nullString(string(p.Role)), p.CreatedAt)
	if err != nil {
		return err
	}
	if got, err := s.GetProfile(ctx, p.ID); err == nil && got != nil {
		s.publish(domain.CollectionProfiles, feed.EventTypeUpdate, got.ID, map[string]string{"id": got.ID}, got)
	}
	return nil
}

// GetProfile retrieves a profile by ID.
func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (*domain.Profile, error) {
	return getProfile(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getProfile(ctx context.Context, q queryRower, id string) (*domain.Profile, error) {
	var p domain.Profile
	var fullName, role sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT id, email, full_name, role, credits, created_at FROM profiles WHERE id = ?`, id).
		Scan(&p.ID, &p.Email, &fullName, &role, &p.Credits, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.FullName = fullName.String
	p.Role = domain.UserRole(role.String)
	return &p, nil
}

// ApplyCreditTransaction records the transaction and adjusts the balance in one database
// transaction. A payment reference already applied for the same user and type leaves the
// balance unchanged and reports applied=false. Any other reuse fails with ErrConflict. Debits that would go below zero fail with ErrInsufficientCredits.
func (s *SQLiteStore) ApplyCreditTransaction(ctx context.Context, ct *domain.CreditTransaction) (balance int64, applied bool, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil || !applied {
			_ = tx.Rollback()
		}
	}()

	profile, err := getProfile(ctx, tx, ct.UserID)
	if err != nil {
		return 0, false, err
	}
	if profile == nil {
		return 0, false, fmt.Errorf("profile %s: %w", ct.UserID, domain.ErrNotFound)
	}

	ct.CreatedAt = utc(ct.CreatedAt)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, type, description, payment_reference, processor_reference, price_amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ct.ID, ct.UserID, ct.Amount, ct.Type, nullString(ct.Description), ct.PaymentReference,
		nullString(ct.ProcessorReference), ct.PriceAmount, ct.CreatedAt)
	if err != nil {
		if !isUniqueViolation(err) {
			return 0, false, err
		}
		var owner string
		var kind domain.CreditTransactionType
		lookupErr := tx.QueryRowContext(ctx,
			`SELECT user_id, type FROM credit_transactions WHERE payment_reference = ?`, ct.PaymentReference).
			Scan(&owner, &kind)
		if lookupErr != nil && lookupErr != sql.ErrNoRows {
			return 0, false, fmt.Errorf("failed to look up credit reference: %w", lookupErr)
		}
		if lookupErr != nil || owner != ct.UserID || kind != ct.Type {
			return 0, false, conflict("credit reference "+ct.PaymentReference, err)
		}
		return profile.Credits, false, nil
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE profiles SET credits = credits + ? WHERE id = ? AND credits + ? >= 0`,
		ct.Amount, ct.UserID, ct.Amount)
	if err != nil {
		return 0, false, err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return profile.Credits, false, fmt.Errorf("balance %d, need %d: %w", profile.Credits, -ct.Amount, domain.ErrInsufficientCredits)
	}

	if err = tx.QueryRowContext(ctx, `SELECT credits FROM profiles WHERE id = ?`, ct.UserID).Scan(&balance); err != nil {
		return 0, false, err
	}
	if err = tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit credit transaction: %w", err)
	}
	applied = true

	s.publish(domain.CollectionCreditTransactions, feed.EventTypeInsert, ct.ID,
		map[string]string{"id": ct.ID, "user_id": ct.UserID}, ct)
	profile.Credits = balance
	s.publish(domain.CollectionProfiles, feed.EventTypeUpdate, profile.ID, map[string]string{"id": profile.ID}, profile)
	return balance, true, nil
}

// ListCreditTransactions returns a user's credit history, newest first.
func (s *SQLiteStore) ListCreditTransactions(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, type, description, payment_reference, processor_reference, price_amount, created_at
		FROM credit_transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CreditTransaction
	for rows.Next() {
		var ct domain.CreditTransaction
		var desc, procRef sql.NullString
		if err := rows.Scan(&ct.ID, &ct.UserID, &ct.Amount, &ct.Type, &desc, &ct.PaymentReference,
			&procRef, &ct.PriceAmount, &ct.CreatedAt); err != nil {
			return nil, err
		}
		ct.Description = desc.String
		ct.ProcessorReference = procRef.String
		out = append(out, ct)
	}
	return out, rows.Err()
}

// RecordEarnings writes both earning rows for a session in one transaction. Rows that already
// exist for the session are kept; the result reports whether anything new was written.
func (s *SQLiteStore) RecordEarnings(ctx context.Context, counselor *domain.CounselorEarning, platform *domain.PlatformEarning) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	counselor.CreatedAt = utc(counselor.CreatedAt)
	platform.CreatedAt = utc(platform.CreatedAt)

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO counselor_earnings (id, counselor_id, session_id, amount, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		counselor.ID, counselor.CounselorID, counselor.SessionID, counselor.Amount, counselor.Status, counselor.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert counselor earning: %w", err)
	}
	n1, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	res, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO platform_earnings (id, session_id, amount, created_at) VALUES (?, ?, ?, ?)`,
		platform.ID, platform.SessionID, platform.Amount, platform.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert platform earning: %w", err)
	}
	n2, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit earnings: %w", err)
	}
	return n1+n2 > 0, nil
}

// GetEarnings returns the earning rows of a session; either may be nil.
func (s *SQLiteStore) GetEarnings(ctx context.Context, sessionID string) (*domain.CounselorEarning, *domain.PlatformEarning, error) {
	var ce domain.CounselorEarning
	err := s.db.QueryRowContext(ctx,
		`SELECT id, counselor_id, session_id, amount, status, created_at FROM counselor_earnings WHERE session_id = ?`, sessionID).
		Scan(&ce.ID, &ce.CounselorID, &ce.SessionID, &ce.Amount, &ce.Status, &ce.CreatedAt)
	var cePtr *domain.CounselorEarning
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, nil, err
	default:
		cePtr = &ce
	}

	var pe domain.PlatformEarning
	err = s.db.QueryRowContext(ctx,
		`SELECT id, session_id, amount, created_at FROM platform_earnings WHERE session_id = ?`, sessionID).
		Scan(&pe.ID, &pe.SessionID, &pe.Amount, &pe.CreatedAt)
	switch {
	case err == sql.ErrNoRows:
		return cePtr, nil, nil
	case err != nil:
		return nil, nil, err
	}
	return cePtr, &pe, nil
}
