package v1

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/amazinernest/counsellhelp/internal/adapter/checkout"
)

const maxWebhookBody = 1 << 20

// CheckoutWebhook applies a settled charge reported by the payment processor.
// POST /v1/webhooks/checkout
//
// Unsigned payloads are only trusted after the charge is re-read from the
// processor. Failures after the payment was recorded answer 500 so the
// processor redelivers and the idempotent follow-ups run again.
func (h *Handler) CheckoutWebhook(c echo.Context) error {
	if h.processor == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "payment processor is not configured"})
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read body"})
	}

	ev, err := h.processor.ParseWebhook(body, c.Request().Header.Get(checkout.SignatureHeader))
	if err != nil {
		if errors.Is(err, checkout.ErrInvalidSignature) {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if ev.Event != checkout.EventChargeSuccess {
		return c.JSON(http.StatusOK, map[string]interface{}{"ok": true, "ignored": ev.Event})
	}

	ctx := c.Request().Context()
	tx := &ev.Data
	if !ev.Verified {
		tx, err = h.processor.Verify(ctx, ev.Data.Reference)
		if err != nil {
			h.log.Warn("failed to verify webhook charge", zap.String("reference", ev.Data.Reference), zap.Error(err))
			return c.JSON(http.StatusBadGateway, map[string]string{"error": "failed to verify charge"})
		}
	}

	h.log.Info("checkout webhook",
		zap.String("reference", tx.Reference),
		zap.String("kind", tx.Metadata.Kind),
		zap.Bool("signed", ev.Verified))

	switch tx.Metadata.Kind {
	case checkout.KindCredits:
		balance, err := h.ledger.ConfirmCreditPurchase(ctx, tx)
		if err != nil {
			return h.fail(c, err)
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"ok": true, "balance": balance})
	default:
		s, err := h.ledger.ConfirmCharge(ctx, tx)
		if err != nil {
			return h.fail(c, err)
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"ok": true, "session": s})
	}
}
