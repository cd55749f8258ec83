package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/amazinernest/counsellhelp/internal/domain"
)

func queryLimit(c echo.Context, def int) int {
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			return val
		}
	}
	return def
}

// ListConversations returns the caller's conversations, most recently active first.
// GET /v1/conversations
func (h *Handler) ListConversations(c echo.Context) error {
	u := currentUser(c)
	list, err := h.store.ListConversations(c.Request().Context(), u.ID, queryLimit(c, 100))
	if err != nil {
		return h.fail(c, err)
	}
	if list == nil {
		list = []domain.Conversation{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"conversations": list,
	})
}

// GetConversationMessages returns a conversation's messages, oldest first.
// GET /v1/conversations/:conversation_id/messages
func (h *Handler) GetConversationMessages(c echo.Context) error {
	u := currentUser(c)
	conversationID := c.Param("conversation_id")
	ctx := c.Request().Context()

	conv, err := h.store.GetConversation(ctx, conversationID)
	if err != nil {
		return h.fail(c, err)
	}
	if conv == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "conversation not found"})
	}
	if !conv.HasParticipant(u.ID) {
		return h.fail(c, domain.ErrNotParticipant)
	}

	messages, err := h.store.ListMessages(ctx, conversationID)
	if err != nil {
		return h.fail(c, err)
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"conversation": conv,
		"messages":     messages,
	})
}

// ListNotifications returns the caller's latest notifications, newest first.
// GET /v1/notifications
func (h *Handler) ListNotifications(c echo.Context) error {
	u := currentUser(c)
	list, err := h.store.ListNotifications(c.Request().Context(), u.ID, queryLimit(c, 50))
	if err != nil {
		return h.fail(c, err)
	}
	unread := 0
	for _, n := range list {
		if !n.IsRead {
			unread++
		}
	}
	if list == nil {
		list = []domain.Notification{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"notifications": list,
		"unread":        unread,
	})
}
