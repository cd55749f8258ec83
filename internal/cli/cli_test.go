package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/amazinernest/counsellhelp/internal/auth"
	"github.com/amazinernest/counsellhelp/internal/domain"
	"github.com/amazinernest/counsellhelp/internal/feed"
	"github.com/amazinernest/counsellhelp/internal/repository"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "none.env")))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")
	out, err := execute(t, "token", "--user", "u1", "--email", "u1@example.com", "--role", "counselor")
	require.NoError(t, err)

	tokens, err := auth.NewTokens("cli-secret", time.Hour)
	require.NoError(t, err)
	u, err := tokens.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, domain.UserRoleCounselor, u.Role)

	_, err = execute(t, "token")
	assert.Error(t, err)
	_, err = execute(t, "token", "--user", "u1", "--role", "admin")
	assert.Error(t, err)

	t.Setenv("JWT_SECRET", "")
	_, err = execute(t, "token", "--user", "u1")
	assert.Error(t, err)
}

func TestMigrateAndSweep(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	t.Setenv("DATABASE_URL", "file:"+dbPath)
	t.Setenv("CHECKOUT_TIMEOUT", "1m")

	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "migrated")

	store, err := repository.NewSQLiteStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, store.CreateSession(context.Background(), &domain.Session{
		ID: "s1", ClientID: "c", CounselorID: "k", Status: domain.SessionStatusPending,
		Amount: 500000, Commission: 100000, CounselorPayout: 400000,
		PaymentReference: "CH-1-AAAAAA", CreatedAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, store.Close())

	out, err = execute(t, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "1 stale pending session(s)")
}

func TestSessionCommands(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	t.Setenv("DATABASE_URL", "file:"+dbPath)

	store, err := repository.NewSQLiteStore("file:" + dbPath)
	require.NoError(t, err)
	ctx := context.Background()
	for id, status := range map[string]domain.SessionStatus{"s1": domain.SessionStatusPending, "s2": domain.SessionStatusPending} {
		require.NoError(t, store.CreateSession(ctx, &domain.Session{
			ID: id, ClientID: "c", CounselorID: "k", Status: status,
			Amount: 500000, Commission: 100000, CounselorPayout: 400000,
			PaymentReference: "CH-1-" + id, CreatedAt: time.Now(),
		}))
	}
	ok, err := store.MarkSessionPaid(ctx, "s2", "42", time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Close())

	out, err := execute(t, "session", "cancel", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled session s1")

	_, err = execute(t, "session", "refund", "s1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	out, err = execute(t, "session", "refund", "s2")
	require.NoError(t, err)
	assert.Contains(t, out, "refunded session s2")

	out, err = execute(t, "session", "show", "s2")
	require.NoError(t, err)
	var shown map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(out), &shown))
	assert.Equal(t, "s2", shown["id"])

	_, err = execute(t, "session", "complete", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTailRejectsBadArguments(t *testing.T) {
	_, err := execute(t, "tail", "--filter", "user_id")
	assert.Error(t, err)
	_, err = execute(t, "tail", "--filter", "user_id=eq.u1", "--events", "delete")
	assert.ErrorContains(t, err, "unknown event type")
}

func TestWriteEvent(t *testing.T) {
	var buf bytes.Buffer
	err := writeEvent(&buf, feed.Event{
		Collection: domain.CollectionNotifications,
		Type:       feed.EventTypeInsert,
		RowID:      "n1",
		Keys:       map[string]string{"user_id": "u1"},
		Row:        []byte(`{"id":"n1","title":"New Message","is_read":false}`),
		Ts:         time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).UnixMilli(),
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(buf.String(), "---\n"))

	var got tailEvent
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "n1", got.RowID)
	assert.Equal(t, "2026-01-02T03:04:05Z", got.Time)
	assert.Equal(t, "New Message", got.Row["title"])
	assert.Equal(t, false, got.Row["is_read"])
	assert.Equal(t, "u1", got.Keys["user_id"])

	err = writeEvent(&buf, feed.Event{Row: []byte("{")})
	assert.Error(t, err)
}
