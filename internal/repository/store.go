// Package repository defines the record store contract and its SQLite implementation.
package repository

import (
	"context"
	"time"

	"github.com/amazinernest/counsellhelp/internal/domain"
)

// Store defines the interface for data persistence.
// Get and Find methods return nil, nil when no row matches.
type Store interface {
	// Conversation operations
	CreateConversation(ctx context.Context, c *domain.Conversation) error
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	FindConversation(ctx context.Context, clientID, counselorID string) (*domain.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error)
	TouchConversation(ctx context.Context, id string, at time.Time) (bool, error)

	// Message operations
	CreateMessage(ctx context.Context, m *domain.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)

	// Notification operations
	CreateNotification(ctx context.Context, n *domain.Notification) error
	GetNotificationByDedupeKey(ctx context.Context, userID, dedupeKey string) (*domain.Notification, error)
	ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, id string) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error)

	// Session operations
	CreateSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	GetSessionByPaymentReference(ctx context.Context, reference string) (*domain.Session, error)
	MarkSessionPaid(ctx context.Context, id, processorReference string, at time.Time) (bool, error)
	TransitionSession(ctx context.Context, id string, from, to domain.SessionStatus, at time.Time) (bool, error)
	BindSessionConversation(ctx context.Context, id, conversationID string) error
	ListStalePendingSessions(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Session, error)
	FindPaidSession(ctx context.Context, clientID, counselorID string) (*domain.Session, error)

	// Earning operations
	RecordEarnings(ctx context.Context, counselor *domain.CounselorEarning, platform *domain.PlatformEarning) (bool, error)
	GetEarnings(ctx context.Context, sessionID string) (*domain.CounselorEarning, *domain.PlatformEarning, error)

	// Profile and credit operations
	UpsertProfile(ctx context.Context, p *domain.Profile) error
	GetProfile(ctx context.Context, id string) (*domain.Profile, error)
	ApplyCreditTransaction(ctx context.Context, tx *domain.CreditTransaction) (balance int64, applied bool, err error)
	ListCreditTransactions(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error)

	Close() error
}
