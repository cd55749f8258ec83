package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyCallsProcessor(t *testing.T) {
	var gotAuth, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":true,"message":"ok","data":{"id":42,"status":"success","reference":"CH-1","amount":500000,"currency":"NGN","metadata":{"kind":"session","session_id":"s1"}}}`)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, SecretKey: "sk_test"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tx, err := c.Verify(ctx, "CH-1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk_test", gotAuth)
	assert.Equal(t, "/transaction/verify/CH-1", gotPath)
	assert.True(t, tx.Succeeded())
	assert.Equal(t, "42", tx.ProcessorReference())
	assert.Equal(t, int64(500000), tx.Amount)
	assert.Equal(t, KindSession, tx.Metadata.Kind)
	assert.Equal(t, "s1", tx.Metadata.SessionID)
}

func TestVerifyReportsProcessorErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/transaction/verify/missing" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"status":false,"message":"Transaction reference not found"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":false,"message":"declined"}`)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	_, err := c.Verify(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrProcessor)
	_, err = c.Verify(context.Background(), "other")
	assert.ErrorIs(t, err, ErrProcessor)
	assert.ErrorContains(t, err, "declined")
	_, err = c.Verify(context.Background(), "")
	assert.Error(t, err)
}

func TestInitializeSendsMetadata(t *testing.T) {
	var got initializeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/transaction/initialize", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":true,"message":"ok","data":{"authorization_url":"https://pay.example.com/abc","reference":"CH-2"}}`)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, SecretKey: "sk_test"})
	link, err := c.Initialize(context.Background(), "u@example.com", 180000, "CH-2", Metadata{Kind: KindCredits, UserID: "u1", Credits: 1000})
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example.com/abc", link)
	assert.Equal(t, int64(180000), got.Amount)
	assert.Equal(t, KindCredits, got.Metadata.Kind)
	assert.Equal(t, "u1", got.Metadata.UserID)
	assert.Equal(t, int64(1000), got.Metadata.Credits)
}

func TestCheckoutURL(t *testing.T) {
	c := New(Config{CheckoutURL: "https://pay.example.com/", PublicKey: "pk_test"})
	raw := c.CheckoutURL("a+b@example.com", 500000, "CH-1-ABCDEF")

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "pay.example.com", u.Host)
	assert.Equal(t, "/pk_test", u.Path)
	assert.Equal(t, "a+b@example.com", u.Query().Get("email"))
	assert.Equal(t, "500000", u.Query().Get("amount"))
	assert.Equal(t, "CH-1-ABCDEF", u.Query().Get("ref"))
}

func TestParseWebhookSignature(t *testing.T) {
	body := []byte(`{"event":"charge.success","data":{"id":7,"status":"success","reference":"CH-1"}}`)
	signed := New(Config{SecretKey: "sk_test"})

	ev, err := signed.ParseWebhook(body, Sign(body, "sk_test"))
	require.NoError(t, err)
	assert.True(t, ev.Verified)
	assert.Equal(t, EventChargeSuccess, ev.Event)
	assert.Equal(t, "CH-1", ev.Data.Reference)

	_, err = signed.ParseWebhook(body, Sign(body, "other"))
	assert.ErrorIs(t, err, ErrInvalidSignature)
	_, err = signed.ParseWebhook(body, "not-hex")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	unsigned := New(Config{})
	ev, err = unsigned.ParseWebhook(body, "")
	require.NoError(t, err)
	assert.False(t, ev.Verified)

	_, err = unsigned.ParseWebhook([]byte("{"), "")
	assert.Error(t, err)
}
