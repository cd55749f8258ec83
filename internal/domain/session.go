package domain

import (
	"fmt"
	"math"
)

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusPending: {SessionStatusPaid, SessionStatusCancelled},
	SessionStatusPaid:    {SessionStatusCompleted, SessionStatusRefunded},
}

// SessionStatuses lists every status in lifecycle order.
var SessionStatuses = []SessionStatus{
	SessionStatusPending,
	SessionStatusPaid,
	SessionStatusCompleted,
	SessionStatusCancelled,
	SessionStatusRefunded,
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range sessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves the status.
// A pending session that is never confirmed stays pending until cancelled.
func (s SessionStatus) IsTerminal() bool {
	return len(sessionTransitions[s]) == 0
}

// SplitAmount divides amount into the platform commission and the counselor payout.
// Commission is floored so the two parts always add up to amount.
func SplitAmount(amount, commissionPercent int64) (commission, payout int64, err error) {
	if amount <= 0 {
		return 0, 0, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidAmount, amount)
	}
	if amount > math.MaxInt64/100 {
		return 0, 0, fmt.Errorf("%w: amount %d too large", ErrInvalidAmount, amount)
	}
	if commissionPercent < 0 || commissionPercent > 100 {
		return 0, 0, fmt.Errorf("%w: commission percent %d out of range", ErrInvalidAmount, commissionPercent)
	}
	commission = amount * commissionPercent / 100
	payout = amount - commission
	return commission, payout, nil
}

// CheckAmounts verifies commission + payout == amount with no negative part.
func (s *Session) CheckAmounts() error {
	if s.Amount < 0 || s.Commission < 0 || s.CounselorPayout < 0 {
		return fmt.Errorf("%w: session %s has a negative amount", ErrInvalidAmount, s.ID)
	}
	if s.Commission+s.CounselorPayout != s.Amount {
		return fmt.Errorf("%w: session %s commission %d + payout %d != amount %d",
			ErrInvalidAmount, s.ID, s.Commission, s.CounselorPayout, s.Amount)
	}
	return nil
}

// Transition validates a move to the next status without mutating the session.
func (s *Session) Transition(to SessionStatus) error {
	if err := s.CheckAmounts(); err != nil {
		return err
	}
	if !CanTransition(s.Status, to) {
		return &TransitionError{SessionID: s.ID, From: s.Status, To: to}
	}
	return nil
}
