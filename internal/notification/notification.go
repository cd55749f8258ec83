// Package notification turns durable notification rows into the in-app list,
// unread counter and transient banner of the signed-in user.
package notification

//go:generate mockgen -destination=mock/repository.go -package=mock github.com/amazinernest/counsellhelp/internal/notification Repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/amazinernest/counsellhelp/internal/domain"
)

// Creator is the write side needed to create notifications.
type Creator interface {
	CreateNotification(ctx context.Context, n *domain.Notification) error
	GetNotificationByDedupeKey(ctx context.Context, userID, dedupeKey string) (*domain.Notification, error)
}

// Repository is the record store surface used by the router.
type Repository interface {
	Creator
	ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, id string) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error)
}

// Input describes a notification to create.
type Input struct {
	UserID    string
	Type      domain.NotificationType
	Title     string
	Body      string
	Data      domain.NotificationData
	DedupeKey string
}

// Titles used by the core.
const (
	TitleNewMessage = "New Message"
	TitleNewRequest = "New Paid Session"
)

const previewRunes = 50

// MessageDedupeKey keys the notification of a chat message.
func MessageDedupeKey(messageID string) string { return "message:" + messageID }

// SessionDedupeKey keys the notification of a paid session.
func SessionDedupeKey(sessionID string) string { return "session:" + sessionID }

// Preview shortens a message body to its first 50 characters followed by "..." when cut.
func Preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewRunes {
		return text
	}
	return string(runes[:previewRunes]) + "..."
}

// Create inserts a notification once per (recipient, dedupe key). When the key
// already exists the stored notification is returned instead.
func Create(ctx context.Context, store Creator, in Input) (*domain.Notification, error) {
	if in.UserID == "" {
		return nil, errors.New("notification recipient is required")
	}
	if in.DedupeKey != "" {
		existing, err := store.GetNotificationByDedupeKey(ctx, in.UserID, in.DedupeKey)
		if err != nil {
			return nil, fmt.Errorf("failed to look up notification: %w", err)
		}
		if existing != nil {
			return existing, nil
		}
	}

	n := &domain.Notification{
		ID:        uuid.New().String(),
		UserID:    in.UserID,
		Type:      in.Type,
		Title:     in.Title,
		Body:      in.Body,
		Data:      in.Data.Raw(),
		DedupeKey: in.DedupeKey,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateNotification(ctx, n); err != nil {
		if in.DedupeKey != "" && errors.Is(err, domain.ErrConflict) {
			existing, getErr := store.GetNotificationByDedupeKey(ctx, in.UserID, in.DedupeKey)
			if getErr != nil {
				return nil, fmt.Errorf("failed to load existing notification: %w", getErr)
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}
	return n, nil
}
