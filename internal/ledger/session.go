package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amazinernest/counsellhelp/internal/adapter/checkout"
	"github.com/amazinernest/counsellhelp/internal/domain"
	"github.com/amazinernest/counsellhelp/internal/notification"
)

// CreatePendingSession splits amount into commission and payout and stores a pending session.
func (l *Ledger) CreatePendingSession(ctx context.Context, clientID, counselorID string, amount int64) (*domain.Session, error) {
	if clientID == "" || counselorID == "" {
		return nil, errors.New("client and counselor are required")
	}
	commission, payout, err := domain.SplitAmount(amount, l.cfg.CommissionPercent)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		now := l.now().UTC()
		s := &domain.Session{
			ID:               uuid.New().String(),
			ClientID:         clientID,
			CounselorID:      counselorID,
			Status:           domain.SessionStatusPending,
			Amount:           amount,
			Commission:       commission,
			CounselorPayout:  payout,
			PaymentReference: NewPaymentReference(now),
			CreatedAt:        now,
		}
		if err := s.CheckAmounts(); err != nil {
			return nil, err
		}
		err := l.repo.CreateSession(ctx, s)
		if err == nil {
			l.log.Info("session created",
				zap.String("session_id", s.ID),
				zap.String("reference", s.PaymentReference),
				zap.Int64("amount", amount))
			return s, nil
		}
		// A reference collision gets one fresh reference.
		if !errors.Is(err, domain.ErrConflict) || attempt > 0 {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
	}
}

// StartSessionCheckout creates a pending session at the configured price and
// returns the hosted checkout link for it.
func (l *Ledger) StartSessionCheckout(ctx context.Context, clientID, counselorID, email string) (*domain.Session, string, error) {
	if err := l.requireProcessor(); err != nil {
		return nil, "", err
	}
	s, err := l.CreatePendingSession(ctx, clientID, counselorID, l.cfg.SessionPrice)
	if err != nil {
		return nil, "", err
	}
	return s, l.processor.CheckoutURL(email, s.Amount, s.PaymentReference), nil
}

// Session returns a session or ErrNotFound.
func (l *Ledger) Session(ctx context.Context, id string) (*domain.Session, error) {
	return l.getSession(ctx, id)
}

func (l *Ledger) getSession(ctx context.Context, id string) (*domain.Session, error) {
	s, err := l.repo.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if s == nil {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return s, nil
}

// ConfirmPayment moves a pending session to paid and runs the booking follow-ups.
// On an already paid session only the follow-ups run again, so a failed
// confirmation can be retried safely. A follow-up failure returns
// *domain.FollowUpError with the session still paid.
func (l *Ledger) ConfirmPayment(ctx context.Context, sessionID, processorReference string) (*domain.Session, error) {
	s, err := l.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch s.Status {
	case domain.SessionStatusPending:
		if err := s.Transition(domain.SessionStatusPaid); err != nil {
			return nil, err
		}
		ok, err := l.repo.MarkSessionPaid(ctx, s.ID, processorReference, l.now())
		if err != nil {
			return nil, fmt.Errorf("failed to mark session paid: %w", err)
		}
		if s, err = l.getSession(ctx, sessionID); err != nil {
			return nil, err
		}
		if !ok && s.Status != domain.SessionStatusPaid {
			return nil, &domain.TransitionError{SessionID: s.ID, From: s.Status, To: domain.SessionStatusPaid}
		}
		if ok {
			l.log.Info("session paid", zap.String("session_id", s.ID), zap.String("processor_reference", processorReference))
		}
	case domain.SessionStatusPaid:
		if err := s.CheckAmounts(); err != nil {
			return nil, err
		}
	default:
		return nil, &domain.TransitionError{SessionID: s.ID, From: s.Status, To: domain.SessionStatusPaid}
	}

	if err := l.followUp(ctx, s); err != nil {
		l.log.Error("session follow-up failed", zap.String("session_id", s.ID), zap.Error(err))
		return s, err
	}
	return s, nil
}

func (l *Ledger) followUp(ctx context.Context, s *domain.Session) error {
	fail := func(step string, err error) error {
		return &domain.FollowUpError{SessionID: s.ID, Step: step, Err: err}
	}

	conversationID := s.ConversationID
	if conversationID == "" {
		if l.conversations == nil {
			return fail(StepOpenConversation, errors.New("no conversation store"))
		}
		id, err := l.conversations.EnsureConversation(ctx, s.ClientID, s.CounselorID)
		if err != nil {
			return fail(StepOpenConversation, err)
		}
		conversationID = id
	}
	if s.ConversationID != conversationID {
		if err := l.repo.BindSessionConversation(ctx, s.ID, conversationID); err != nil {
			return fail(StepLinkConversation, err)
		}
		s.ConversationID = conversationID
	}

	now := l.now().UTC()
	_, err := l.repo.RecordEarnings(ctx,
		&domain.CounselorEarning{
			ID:          uuid.New().String(),
			CounselorID: s.CounselorID,
			SessionID:   s.ID,
			Amount:      s.CounselorPayout,
			Status:      domain.EarningStatusPending,
			CreatedAt:   now,
		},
		&domain.PlatformEarning{
			ID:        uuid.New().String(),
			SessionID: s.ID,
			Amount:    s.Commission,
			CreatedAt: now,
		})
	if err != nil {
		return fail(StepRecordEarnings, err)
	}

	clientName := "A client"
	if p, err := l.repo.GetProfile(ctx, s.ClientID); err == nil && p != nil && p.FullName != "" {
		clientName = p.FullName
	}
	_, err = notification.Create(ctx, l.repo, notification.Input{
		UserID:    s.CounselorID,
		Type:      domain.NotificationTypeNewRequest,
		Title:     notification.TitleNewRequest,
		Body:      clientName + " has booked a session with you",
		Data:      domain.NotificationData{ConversationID: conversationID, SessionID: s.ID},
		DedupeKey: notification.SessionDedupeKey(s.ID),
	})
	if err != nil {
		return fail(StepNotifyCounselor, err)
	}
	return nil
}

// ConfirmByReference confirms the session that owns a payment reference.
func (l *Ledger) ConfirmByReference(ctx context.Context, paymentReference, processorReference string) (*domain.Session, error) {
	s, err := l.repo.GetSessionByPaymentReference(ctx, paymentReference)
	if err != nil {
		return nil, fmt.Errorf("failed to get session by reference: %w", err)
	}
	if s == nil {
		return nil, fmt.Errorf("payment reference %s: %w", paymentReference, domain.ErrNotFound)
	}
	return l.ConfirmPayment(ctx, s.ID, processorReference)
}

// VerifyAndConfirm checks the charge with the processor and confirms only a
// settled charge for the full session amount.
func (l *Ledger) VerifyAndConfirm(ctx context.Context, sessionID string) (*domain.Session, error) {
	if err := l.requireProcessor(); err != nil {
		return nil, err
	}
	s, err := l.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	tx, err := l.processor.Verify(ctx, s.PaymentReference)
	if err != nil {
		return nil, err
	}
	return l.ConfirmCharge(ctx, tx)
}

// ConfirmCharge confirms the session paid for by a processor charge. The charge
// must have settled for exactly the session amount.
func (l *Ledger) ConfirmCharge(ctx context.Context, tx *checkout.Transaction) (*domain.Session, error) {
	if !tx.Succeeded() {
		return nil, fmt.Errorf("%w: reference %s status %q", ErrPaymentIncomplete, tx.Reference, tx.Status)
	}
	s, err := l.repo.GetSessionByPaymentReference(ctx, tx.Reference)
	if err != nil {
		return nil, fmt.Errorf("failed to get session by reference: %w", err)
	}
	if s == nil {
		return nil, fmt.Errorf("payment reference %s: %w", tx.Reference, domain.ErrNotFound)
	}
	if tx.Amount != s.Amount {
		return nil, fmt.Errorf("%w: charged %d, session costs %d", domain.ErrInvalidAmount, tx.Amount, s.Amount)
	}
	return l.ConfirmPayment(ctx, s.ID, tx.ProcessorReference())
}

// Cancel abandons a pending session.
func (l *Ledger) Cancel(ctx context.Context, sessionID string) (*domain.Session, error) {
	return l.transition(ctx, sessionID, domain.SessionStatusCancelled)
}

// Complete closes a paid session.
func (l *Ledger) Complete(ctx context.Context, sessionID string) (*domain.Session, error) {
	return l.transition(ctx, sessionID, domain.SessionStatusCompleted)
}

// Refund marks a paid session refunded.
func (l *Ledger) Refund(ctx context.Context, sessionID string) (*domain.Session, error) {
	return l.transition(ctx, sessionID, domain.SessionStatusRefunded)
}

func (l *Ledger) transition(ctx context.Context, sessionID string, to domain.SessionStatus) (*domain.Session, error) {
	s, err := l.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.Transition(to); err != nil {
		return nil, err
	}
	from := s.Status
	ok, err := l.repo.TransitionSession(ctx, s.ID, from, to, l.now())
	if err != nil {
		return nil, fmt.Errorf("failed to update session status: %w", err)
	}
	if s, err = l.getSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if !ok {
		return nil, &domain.TransitionError{SessionID: s.ID, From: s.Status, To: to}
	}
	l.log.Info("session status changed",
		zap.String("session_id", s.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return s, nil
}

// SweepStalePending cancels pending sessions older than the checkout timeout.
func (l *Ledger) SweepStalePending(ctx context.Context) (int, error) {
	if l.cfg.CheckoutTimeout <= 0 {
		return 0, nil
	}
	cutoff := l.now().Add(-l.cfg.CheckoutTimeout)
	stale, err := l.repo.ListStalePendingSessions(ctx, cutoff, l.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale sessions: %w", err)
	}

	cancelled := 0
	for _, s := range stale {
		ok, err := l.repo.TransitionSession(ctx, s.ID, domain.SessionStatusPending, domain.SessionStatusCancelled, l.now())
		if err != nil {
			l.log.Warn("failed to cancel stale session", zap.String("session_id", s.ID), zap.Error(err))
			continue
		}
		if ok {
			cancelled++
		}
	}
	if cancelled > 0 {
		l.log.Info("cancelled stale pending sessions", zap.Int("count", cancelled))
	}
	return cancelled, nil
}

// RunPendingSweeper sweeps on every tick until ctx is done.
func (l *Ledger) RunPendingSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if _, err := l.SweepStalePending(sweepCtx); err != nil {
				l.log.Warn("pending session sweep failed", zap.Error(err))
			}
			cancel()
		}
	}
}
