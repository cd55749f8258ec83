// Package v1 provides the HTTP API handlers.
package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/amazinernest/counsellhelp/internal/adapter/checkout"
	"github.com/amazinernest/counsellhelp/internal/auth"
	"github.com/amazinernest/counsellhelp/internal/domain"
	"github.com/amazinernest/counsellhelp/internal/ledger"
)

// Store is the read side of the record store used by the API.
type Store interface {
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error)
	ListCreditTransactions(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error)
}

// WebhookProcessor parses and re-verifies processor callbacks. *checkout.Client satisfies it.
type WebhookProcessor interface {
	ParseWebhook(body []byte, signature string) (*checkout.WebhookEvent, error)
	Verify(ctx context.Context, reference string) (*checkout.Transaction, error)
}

// TokenVerifier resolves bearer tokens. *auth.Tokens satisfies it.
type TokenVerifier interface {
	Verify(token string) (auth.User, error)
}

// Handler handles HTTP requests.
type Handler struct {
	store     Store
	ledger    *ledger.Ledger
	processor WebhookProcessor
	tokens    TokenVerifier
	log       *zap.Logger
}

// NewHandler creates a new handler. processor may be nil, which disables the webhook.
func NewHandler(store Store, l *ledger.Ledger, processor WebhookProcessor, tokens TokenVerifier, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		store:     store,
		ledger:    l,
		processor: processor,
		tokens:    tokens,
		log:       log,
	}
}

// RegisterRoutes registers the API routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	// Processor callbacks authenticate by signature, not by user token.
	e.POST("/v1/webhooks/checkout", h.CheckoutWebhook)

	g := e.Group("/v1", h.Authenticate)
	g.GET("/conversations", h.ListConversations)
	g.GET("/conversations/:conversation_id/messages", h.GetConversationMessages)
	g.GET("/notifications", h.ListNotifications)
	g.GET("/access/:counselor_id", h.GetAccess)
	g.POST("/sessions", h.BookSession)
	g.POST("/sessions/:session_id/verify", h.VerifySession)
	g.POST("/sessions/:session_id/cancel", h.CancelSession)
	g.POST("/sessions/:session_id/complete", h.CompleteSession)
	g.GET("/credits", h.GetCredits)
	g.POST("/credits/checkout", h.StartCreditCheckout)
	g.POST("/credits/verify", h.VerifyCreditPurchase)
	g.POST("/credits/spend", h.SpendCredits)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

const userContextKey = "user"

// Authenticate requires a valid bearer token and stores the caller on the context.
func (h *Handler) Authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		u, err := h.tokens.Verify(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid or missing token"})
		}
		c.Set(userContextKey, u)
		return next(c)
	}
}

func currentUser(c echo.Context) auth.User {
	u, _ := c.Get(userContextKey).(auth.User)
	return u
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrPaymentRecorded):
		return http.StatusInternalServerError
	case errors.Is(err, checkout.ErrProcessor):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotSignedIn):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientCredits), errors.Is(err, ledger.ErrPaymentIncomplete):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrEmptyMessage),
		errors.Is(err, domain.ErrMessageTooLong):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c echo.Context, err error) error {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
