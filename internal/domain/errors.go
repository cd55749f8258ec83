package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a record was not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a write hit a uniqueness constraint.
	ErrConflict = errors.New("conflict")
	// ErrInvalidTransition indicates a session status change the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid session status transition")
	// ErrNotParticipant indicates the user is not part of the conversation.
	ErrNotParticipant = errors.New("user is not a conversation participant")
	// ErrEmptyMessage indicates a message without content.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrMessageTooLong indicates a message over the length limit.
	ErrMessageTooLong = errors.New("message is too long")
	// ErrInvalidAmount indicates a negative, zero or unbalanced monetary amount.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInsufficientCredits indicates a usage larger than the balance.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrPaymentRecorded marks failures that happened after money moved.
	ErrPaymentRecorded = errors.New("payment recorded")
	// ErrNotSignedIn indicates an operation that needs a current user.
	ErrNotSignedIn = errors.New("not signed in")
)

// TransitionError reports a rejected session status change.
type TransitionError struct {
	SessionID string
	From      SessionStatus
	To        SessionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %s: cannot move from %s to %s", e.SessionID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// FollowUpError reports a bookkeeping step that failed after a payment was confirmed.
// The session stays paid; callers must not retry the payment itself.
type FollowUpError struct {
	SessionID string
	Step      string
	Err       error
}

func (e *FollowUpError) Error() string {
	return fmt.Sprintf("payment received for session %s but %s failed, please contact support: %v", e.SessionID, e.Step, e.Err)
}

func (e *FollowUpError) Unwrap() []error {
	return []error{ErrPaymentRecorded, e.Err}
}
