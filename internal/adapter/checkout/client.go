// Package checkout talks to a Paystack-style payment processor.
package checkout

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// StatusSuccess is the processor status of a settled charge.
const StatusSuccess = "success"

// EventChargeSuccess is the webhook event for a settled charge.
const EventChargeSuccess = "charge.success"

// SignatureHeader carries the webhook HMAC.
const SignatureHeader = "x-paystack-signature"

var (
	// ErrInvalidSignature is returned for webhooks whose HMAC does not match.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrProcessor wraps failures reported by or while reaching the processor.
	ErrProcessor = errors.New("payment processor error")
)

// Config configures the processor client.
type Config struct {
	BaseURL     string
	CheckoutURL string
	PublicKey   string
	SecretKey   string
	Timeout     time.Duration
}

// Metadata is attached to a checkout and echoed back by the processor.
type Metadata struct {
	Kind      string `json:"kind,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Credits   int64  `json:"credits,omitempty"`
}

// Metadata kinds.
const (
	KindSession = "session"
	KindCredits = "credits"
)

// Transaction is the processor's view of a charge.
type Transaction struct {
	ID        int64      `json:"id"`
	Status    string     `json:"status"`
	Reference string     `json:"reference"`
	Amount    int64      `json:"amount"`
	Currency  string     `json:"currency"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
	Metadata  Metadata   `json:"metadata"`
}

// Succeeded reports whether the charge settled.
func (t *Transaction) Succeeded() bool {
	return t != nil && t.Status == StatusSuccess
}

// ProcessorReference is the processor's own id for the charge.
func (t *Transaction) ProcessorReference() string {
	if t == nil || t.ID == 0 {
		return ""
	}
	return strconv.FormatInt(t.ID, 10)
}

// WebhookEvent is a processor callback. Verified is false when no secret key is
// configured, in which case the payload must be re-checked with Verify.
type WebhookEvent struct {
	Event    string      `json:"event"`
	Data     Transaction `json:"data"`
	Verified bool        `json:"-"`
}

type initializeRequest struct {
	Email     string   `json:"email"`
	Amount    int64    `json:"amount"`
	Reference string   `json:"reference"`
	Metadata  Metadata `json:"metadata"`
}

type initializeResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		AuthorizationURL string `json:"authorization_url"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

type verifyResponse struct {
	Status  bool        `json:"status"`
	Message string      `json:"message"`
	Data    Transaction `json:"data"`
}

// Client is the processor API client.
type Client struct {
	cfg  Config
	http *resty.Client
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.paystack.co"
	}
	if cfg.CheckoutURL == "" {
		cfg.CheckoutURL = "https://checkout.paystack.com"
	}
	h := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.SecretKey != "" {
		h.SetAuthToken(cfg.SecretKey)
	}
	return &Client{cfg: cfg, http: h}
}

// CheckoutURL builds the hosted checkout link for an amount in the smallest currency unit.
func (c *Client) CheckoutURL(email string, amount int64, reference string) string {
	q := url.Values{}
	q.Set("email", email)
	q.Set("amount", strconv.FormatInt(amount, 10))
	q.Set("ref", reference)
	base := strings.TrimRight(c.cfg.CheckoutURL, "/")
	if c.cfg.PublicKey != "" {
		base += "/" + url.PathEscape(c.cfg.PublicKey)
	}
	return base + "?" + q.Encode()
}

// Initialize registers a charge with metadata and returns its authorization link.
func (c *Client) Initialize(ctx context.Context, email string, amount int64, reference string, meta Metadata) (string, error) {
	if reference == "" {
		return "", errors.New("reference is required")
	}
	var out initializeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(initializeRequest{Email: email, Amount: amount, Reference: reference, Metadata: meta}).
		SetResult(&out).
		Post("/transaction/initialize")
	if err != nil {
		return "", fmt.Errorf("%w: failed to initialize transaction: %w", ErrProcessor, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: initialize transaction %s: processor returned %d: %s", ErrProcessor, reference, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	if !out.Status || out.Data.AuthorizationURL == "" {
		return "", fmt.Errorf("%w: initialize transaction %s: %s", ErrProcessor, reference, out.Message)
	}
	return out.Data.AuthorizationURL, nil
}

// Verify asks the processor for the state of the charge with the given reference.
func (c *Client) Verify(ctx context.Context, reference string) (*Transaction, error) {
	if reference == "" {
		return nil, errors.New("reference is required")
	}
	var out verifyResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("reference", reference).
		SetResult(&out).
		Get("/transaction/verify/{reference}")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to verify transaction: %w", ErrProcessor, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: verify transaction %s: processor returned %d: %s", ErrProcessor, reference, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	if !out.Status {
		return nil, fmt.Errorf("%w: verify transaction %s: %s", ErrProcessor, reference, out.Message)
	}
	return &out.Data, nil
}

// ParseWebhook decodes a webhook body. With a secret key configured the HMAC-SHA512
// signature must match.
func (c *Client) ParseWebhook(body []byte, signature string) (*WebhookEvent, error) {
	verified := false
	if c.cfg.SecretKey != "" {
		if !ValidSignature(body, signature, c.cfg.SecretKey) {
			return nil, ErrInvalidSignature
		}
		verified = true
	}
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode webhook: %w", err)
	}
	ev.Verified = verified
	return &ev, nil
}

// Sign returns the hex HMAC-SHA512 of body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidSignature compares signature against the expected HMAC in constant time.
func ValidSignature(body []byte, signature, secret string) bool {
	want, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
