package v1

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/amazinernest/counsellhelp/internal/domain"
	"github.com/amazinernest/counsellhelp/internal/ledger"
)

// GetAccess reports whether the caller may chat with a counselor.
// GET /v1/access/:counselor_id
func (h *Handler) GetAccess(c echo.Context) error {
	u := currentUser(c)
	access, err := h.ledger.CheckChatAccess(c.Request().Context(), u.ID, c.Param("counselor_id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, access)
}

// BookSessionRequest is the body of POST /v1/sessions.
type BookSessionRequest struct {
	CounselorID string `json:"counselor_id"`
}

// BookSession starts a paid session checkout for the caller.
// POST /v1/sessions
func (h *Handler) BookSession(c echo.Context) error {
	var req BookSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.CounselorID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "counselor_id is required"})
	}
	u := currentUser(c)
	if u.Role == domain.UserRoleCounselor || u.ID == req.CounselorID {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "only clients can book sessions"})
	}

	s, link, err := h.ledger.StartSessionCheckout(c.Request().Context(), u.ID, req.CounselorID, u.Email)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"session":      s,
		"checkout_url": link,
	})
}

// GetCredits returns the caller's balance, recent history and the packages on sale.
// GET /v1/credits
func (h *Handler) GetCredits(c echo.Context) error {
	u := currentUser(c)
	ctx := c.Request().Context()
	balance, err := h.ledger.Balance(ctx, u.ID)
	if err != nil {
		return h.fail(c, err)
	}
	history, err := h.store.ListCreditTransactions(ctx, u.ID, queryLimit(c, 50))
	if err != nil {
		return h.fail(c, err)
	}
	if history == nil {
		history = []domain.CreditTransaction{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"balance":      balance,
		"transactions": history,
		"packages":     ledger.CreditPackages(),
	})
}

// CreditCheckoutRequest is the body of POST /v1/credits/checkout.
type CreditCheckoutRequest struct {
	Credits int64 `json:"credits"`
}

// StartCreditCheckout starts a credit package purchase.
// POST /v1/credits/checkout
func (h *Handler) StartCreditCheckout(c echo.Context) error {
	var req CreditCheckoutRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	u := currentUser(c)
	co, err := h.ledger.StartCreditPurchase(c.Request().Context(), u.ID, u.Email, req.Credits)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, co)
}

// ownSession loads a session the caller takes part in as role.
func (h *Handler) ownSession(c echo.Context, role domain.UserRole) (*domain.Session, error) {
	s, err := h.ledger.Session(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return nil, err
	}
	u := currentUser(c)
	owner := s.ClientID
	if role == domain.UserRoleCounselor {
		owner = s.CounselorID
	}
	if u.ID != owner {
		return nil, fmt.Errorf("session %s: %w", s.ID, domain.ErrNotParticipant)
	}
	return s, nil
}

// VerifySession confirms a session after the checkout redirect by asking the processor.
// POST /v1/sessions/:session_id/verify
func (h *Handler) VerifySession(c echo.Context) error {
	s, err := h.ownSession(c, domain.UserRoleClient)
	if err != nil {
		return h.fail(c, err)
	}
	s, err = h.ledger.VerifyAndConfirm(c.Request().Context(), s.ID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

// CancelSession abandons a pending checkout.
// POST /v1/sessions/:session_id/cancel
func (h *Handler) CancelSession(c echo.Context) error {
	s, err := h.ownSession(c, domain.UserRoleClient)
	if err != nil {
		return h.fail(c, err)
	}
	s, err = h.ledger.Cancel(c.Request().Context(), s.ID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

// CompleteSession closes a paid session. Only its counselor may complete it.
// POST /v1/sessions/:session_id/complete
func (h *Handler) CompleteSession(c echo.Context) error {
	s, err := h.ownSession(c, domain.UserRoleCounselor)
	if err != nil {
		return h.fail(c, err)
	}
	s, err = h.ledger.Complete(c.Request().Context(), s.ID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

// CreditVerifyRequest is the body of POST /v1/credits/verify.
type CreditVerifyRequest struct {
	Reference string `json:"reference"`
}

// VerifyCreditPurchase applies a credit purchase after the checkout redirect.
// POST /v1/credits/verify
func (h *Handler) VerifyCreditPurchase(c echo.Context) error {
	var req CreditVerifyRequest
	if err := c.Bind(&req); err != nil || req.Reference == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "reference is required"})
	}
	balance, err := h.ledger.VerifyCreditPurchase(c.Request().Context(), currentUser(c).ID, req.Reference)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"balance": balance})
}

// SpendCreditsRequest is the body of POST /v1/credits/spend.
type SpendCreditsRequest struct {
	Credits   int64  `json:"credits"`
	Reference string `json:"reference"`
}

// SpendCredits deducts credits from the caller once per reference.
// POST /v1/credits/spend
func (h *Handler) SpendCredits(c echo.Context) error {
	var req SpendCreditsRequest
	if err := c.Bind(&req); err != nil || req.Reference == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "credits and reference are required"})
	}
	balance, err := h.ledger.SpendCredits(c.Request().Context(), currentUser(c).ID, req.Credits, req.Reference)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"balance": balance})
}
