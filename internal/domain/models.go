package domain

import (
	"encoding/json"
	"time"
)

// Conversation is the durable 1:1 chat thread between a client and a counselor.
type Conversation struct {
	ID            string     `json:"id"`
	ClientID      string     `json:"client_id"`
	CounselorID   string     `json:"counselor_id"`
	CreatedAt     time.Time  `json:"created_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// HasParticipant reports whether userID is the client or the counselor.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ClientID == userID || c.CounselorID == userID)
}

// OtherParticipant returns the participant that is not userID.
func (c *Conversation) OtherParticipant(userID string) (string, bool) {
	switch userID {
	case c.ClientID:
		return c.CounselorID, true
	case c.CounselorID:
		return c.ClientID, true
	}
	return "", false
}

// Message is an immutable chat message within a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	IsRead         bool      `json:"is_read"`
}

// Notification is an in-app notification addressed to one recipient.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	Data      json.RawMessage  `json:"data,omitempty"`
	IsRead    bool             `json:"is_read"`
	CreatedAt time.Time        `json:"created_at"`
	DedupeKey string           `json:"-"`
}

// Session is a single paid booking between a client and a counselor.
type Session struct {
	ID                 string        `json:"id"`
	ClientID           string        `json:"client_id"`
	CounselorID        string        `json:"counselor_id"`
	ConversationID     string        `json:"conversation_id,omitempty"`
	ScheduledAt        *time.Time    `json:"scheduled_at,omitempty"`
	Status             SessionStatus `json:"status"`
	Amount             int64         `json:"amount"`
	Commission         int64         `json:"commission"`
	CounselorPayout    int64         `json:"counselor_payout"`
	PaymentReference   string        `json:"payment_reference"`
	ProcessorReference string        `json:"processor_reference,omitempty"`
	PaidAt             *time.Time    `json:"paid_at,omitempty"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}

// Profile carries the parts of a user profile the ledger relies on.
type Profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name,omitempty"`
	Role      UserRole  `json:"role,omitempty"`
	Credits   int64     `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
}

// CreditTransaction records one applied change to a credit balance.
// PaymentReference is unique and makes the change apply at most once.
type CreditTransaction struct {
	ID                 string                `json:"id"`
	UserID             string                `json:"user_id"`
	Amount             int64                 `json:"amount"`
	Type               CreditTransactionType `json:"type"`
	Description        string                `json:"description,omitempty"`
	PaymentReference   string                `json:"payment_reference"`
	ProcessorReference string                `json:"processor_reference,omitempty"`
	PriceAmount        int64                 `json:"price_amount"`
	CreatedAt          time.Time             `json:"created_at"`
}

// CounselorEarning is the counselor share of a paid session.
type CounselorEarning struct {
	ID          string        `json:"id"`
	CounselorID string        `json:"counselor_id"`
	SessionID   string        `json:"session_id"`
	Amount      int64         `json:"amount"`
	Status      EarningStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
}

// PlatformEarning is the commission retained for a paid session.
type PlatformEarning struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}
