package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amazinernest/counsellhelp/internal/auth"
	"github.com/amazinernest/counsellhelp/internal/domain"
	"github.com/amazinernest/counsellhelp/internal/feed"
	"github.com/amazinernest/counsellhelp/internal/repository"
	"github.com/amazinernest/counsellhelp/internal/testutil"
)

type feedFixture struct {
	store  *repository.SQLiteStore
	hub    *feed.Hub
	tokens *auth.Tokens
	server *Server
	url    string
}

func newFeedFixture(t *testing.T) *feedFixture {
	t.Helper()
	store, hub := testutil.NewTestFeed(t)
	tokens, err := auth.NewTokens("test-secret", time.Hour)
	require.NoError(t, err)

	srv := NewServer(Config{}, hub, tokens, store, nil)
	e := echo.New()
	e.GET("/v1/feed", srv.HandleFeed)
	ts := httptest.NewServer(e)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	return &feedFixture{
		store:  store,
		hub:    hub,
		tokens: tokens,
		server: srv,
		url:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/feed",
	}
}

func (f *feedFixture) dial(t *testing.T, u auth.User) *feed.Remote {
	t.Helper()
	token, err := f.tokens.Issue(u)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := feed.Dial(ctx, f.url, token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestFeedRejectsMissingToken(t *testing.T) {
	f := newFeedFixture(t)
	_, err := feed.Dial(context.Background(), f.url, "", nil)
	assert.Error(t, err)
	_, err = feed.Dial(context.Background(), f.url, "garbage", nil)
	assert.Error(t, err)
}

func TestFeedDeliversOwnNotifications(t *testing.T) {
	ctx := context.Background()
	f := newFeedFixture(t)
	remote := f.dial(t, auth.User{ID: "counselor"})

	got := make(chan feed.Event, 4)
	handle, err := remote.Subscribe(domain.CollectionNotifications, []feed.EventType{feed.EventTypeInsert},
		feed.Eq("user_id", "counselor"), func(e feed.Event) { got <- e })
	require.NoError(t, err)

	require.NoError(t, f.store.CreateNotification(ctx, &domain.Notification{
		ID: "n-other", UserID: "someone-else", Type: domain.NotificationTypeNewMessage, Title: "x",
	}))
	require.NoError(t, f.store.CreateNotification(ctx, &domain.Notification{
		ID: "n1", UserID: "counselor", Type: domain.NotificationTypeNewRequest, Title: "New Paid Session",
	}))

	select {
	case e := <-got:
		assert.Equal(t, "n1", e.RowID)
		var n domain.Notification
		require.NoError(t, e.Decode(&n))
		assert.Equal(t, "New Paid Session", n.Title)
	case <-time.After(2 * time.Second):
		t.Fatal("notification event not delivered")
	}

	handle.Unsubscribe()
	require.Eventually(t, func() bool { return f.hub.SubscriptionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestFeedAuthorizesFilters(t *testing.T) {
	ctx := context.Background()
	f := newFeedFixture(t)
	require.NoError(t, f.store.CreateConversation(ctx, &domain.Conversation{
		ID: "c1", ClientID: "client", CounselorID: "counselor", CreatedAt: time.Now(),
	}))
	remote := f.dial(t, auth.User{ID: "outsider"})
	noop := func(feed.Event) {}

	cases := []struct {
		collection string
		filter     feed.Filter
	}{
		{domain.CollectionMessages, feed.Eq("conversation_id", "c1")},
		{domain.CollectionMessages, feed.Eq("conversation_id", "missing")},
		{domain.CollectionMessages, feed.Filter{}},
		{domain.CollectionNotifications, feed.Eq("user_id", "counselor")},
		{domain.CollectionSessions, feed.Eq("status", "paid")},
		{"secrets", feed.Eq("id", "outsider")},
	}
	for _, tc := range cases {
		_, err := remote.Subscribe(tc.collection, nil, tc.filter, noop)
		assert.ErrorContains(t, err, feed.ErrorCodeForbidden, "%s %s", tc.collection, tc.filter)
	}

	_, err := remote.Subscribe(domain.CollectionSessions, nil, feed.Eq("client_id", "outsider"), noop)
	assert.NoError(t, err)
	_, err = remote.Subscribe(domain.CollectionProfiles, nil, feed.Eq("id", "outsider"), noop)
	assert.NoError(t, err)
	assert.Equal(t, 2, f.hub.SubscriptionCount())
}

func TestFeedParticipantReceivesMessages(t *testing.T) {
	ctx := context.Background()
	f := newFeedFixture(t)
	require.NoError(t, f.store.CreateConversation(ctx, &domain.Conversation{
		ID: "c1", ClientID: "client", CounselorID: "counselor", CreatedAt: time.Now(),
	}))
	remote := f.dial(t, auth.User{ID: "client"})

	got := make(chan feed.Event, 4)
	_, err := remote.Subscribe(domain.CollectionMessages, []feed.EventType{feed.EventTypeInsert},
		feed.Eq("conversation_id", "c1"), func(e feed.Event) { got <- e })
	require.NoError(t, err)

	for _, id := range []string{"m1", "m2"} {
		require.NoError(t, f.store.CreateMessage(ctx, &domain.Message{
			ID: id, ConversationID: "c1", SenderID: "counselor", Content: "hi " + id, CreatedAt: time.Now(),
		}))
	}
	for _, want := range []string{"m1", "m2"} {
		select {
		case e := <-got:
			assert.Equal(t, want, e.RowID)
		case <-time.After(2 * time.Second):
			t.Fatalf("message %s not delivered", want)
		}
	}
}

func TestClosingRemoteReleasesSubscriptions(t *testing.T) {
	f := newFeedFixture(t)
	remote := f.dial(t, auth.User{ID: "client"})
	_, err := remote.Subscribe(domain.CollectionNotifications, nil, feed.Eq("user_id", "client"), func(feed.Event) {})
	require.NoError(t, err)
	assert.Equal(t, 1, f.hub.SubscriptionCount())
	assert.Equal(t, 1, f.server.ConnectionCount())

	require.NoError(t, remote.Close())
	require.Eventually(t, func() bool {
		return f.hub.SubscriptionCount() == 0 && f.server.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
