// Package domain defines the core domain models for the conversation and session ledger.
package domain

// UserRole represents the marketplace role of a profile.
type UserRole string

const (
	UserRoleClient    UserRole = "client"
	UserRoleCounselor UserRole = "counselor"
)

// SessionStatus represents the status of a paid session.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusPaid      SessionStatus = "paid"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusCancelled SessionStatus = "cancelled"
	SessionStatusRefunded  SessionStatus = "refunded"
)

// NotificationType represents the kind of an in-app notification.
type NotificationType string

const (
	NotificationTypeNewMessage NotificationType = "new_message"
	NotificationTypeNewRequest NotificationType = "new_request"
)

// CreditTransactionType represents the direction of a credit balance change.
type CreditTransactionType string

const (
	CreditTransactionPurchase CreditTransactionType = "purchase"
	CreditTransactionUsage    CreditTransactionType = "usage"
)

// EarningStatus represents the payout state of a counselor earning.
type EarningStatus string

const (
	EarningStatusPending EarningStatus = "pending"
	EarningStatusPaidOut EarningStatus = "paid_out"
)

// Collection names shared by the record store and the change feed.
const (
	CollectionConversations      = "conversations"
	CollectionMessages           = "messages"
	CollectionNotifications      = "notifications"
	CollectionSessions           = "sessions"
	CollectionProfiles           = "profiles"
	CollectionCreditTransactions = "credit_transactions"
)
