package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amazinernest/counsellhelp/internal/domain"
	"github.com/amazinernest/counsellhelp/internal/feed"
	"github.com/amazinernest/counsellhelp/internal/loop"
	"github.com/amazinernest/counsellhelp/internal/notification/mock"
)

type fakeTimer struct{ stopped bool }

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// fakeClock records scheduled callbacks so tests fire them by hand.
type fakeClock struct {
	durations []time.Duration
	fns       []func()
	timers    []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{}
	c.durations = append(c.durations, d)
	c.fns = append(c.fns, f)
	c.timers = append(c.timers, t)
	return t
}

func publishNotification(t *testing.T, hub *feed.Hub, n domain.Notification) {
	t.Helper()
	ev := feed.Event{
		Collection: domain.CollectionNotifications,
		Type:       feed.EventTypeInsert,
		RowID:      n.ID,
		Keys:       map[string]string{"id": n.ID, "user_id": n.UserID},
	}
	row, err := json.Marshal(n)
	require.NoError(t, err)
	ev.Row = row
	hub.Publish(ev)
}

func newRouterFixture(t *testing.T) (*Router, *mock.MockRepository, *feed.Hub, *loop.Loop, *fakeClock) {
	t.Helper()
	ctrl := gomock.NewController(t)
	repo := mock.NewMockRepository(ctrl)
	hub := feed.NewHub(nil)
	t.Cleanup(hub.Close)
	l := loop.New(nil)
	clock := &fakeClock{}
	r := NewRouter(repo, hub, WithPoster(l), WithAfterFunc(clock.AfterFunc))
	return r, repo, hub, l, clock
}

func TestInitLoadsLatestAndSubscribes(t *testing.T) {
	r, repo, hub, l, _ := newRouterFixture(t)
	repo.EXPECT().
		ListNotifications(gomock.Any(), "u1", DefaultListLimit).
		Return([]domain.Notification{{ID: "n2", UserID: "u1"}, {ID: "n1", UserID: "u1", IsRead: true}}, nil)

	require.NoError(t, r.Init(context.Background(), "u1"))
	assert.Len(t, r.Notifications(), 2)
	assert.Equal(t, 1, r.UnreadCount())
	assert.Equal(t, 1, hub.SubscriptionCount())

	publishNotification(t, hub, domain.Notification{ID: "n3", UserID: "u1", Title: "New Message"})
	publishNotification(t, hub, domain.Notification{ID: "x1", UserID: "u2"})

	// Feed callbacks only queue work.
	assert.Len(t, r.Notifications(), 2)
	l.Drain()

	items := r.Notifications()
	require.Len(t, items, 3)
	assert.Equal(t, "n3", items[0].ID)
	assert.Equal(t, 2, r.UnreadCount())
}

func TestRedeliveredEventIsIgnored(t *testing.T) {
	r, repo, hub, l, _ := newRouterFixture(t)
	repo.EXPECT().ListNotifications(gomock.Any(), "u1", gomock.Any()).Return(nil, nil)
	require.NoError(t, r.Init(context.Background(), "u1"))

	n := domain.Notification{ID: "n1", UserID: "u1"}
	publishNotification(t, hub, n)
	publishNotification(t, hub, n)
	l.Drain()

	assert.Len(t, r.Notifications(), 1)
	assert.Equal(t, 1, r.UnreadCount())
}

func TestBannerLastWriteWinsAndStaleTimerKeepsNewer(t *testing.T) {
	r, repo, hub, l, clock := newRouterFixture(t)
	repo.EXPECT().ListNotifications(gomock.Any(), "u1", gomock.Any()).Return(nil, nil)
	require.NoError(t, r.Init(context.Background(), "u1"))

	publishNotification(t, hub, domain.Notification{ID: "n1", UserID: "u1"})
	l.Drain()
	require.NotNil(t, r.Banner())
	assert.Equal(t, "n1", r.Banner().ID)
	assert.Equal(t, DefaultBannerDuration, clock.durations[0])

	publishNotification(t, hub, domain.Notification{ID: "n2", UserID: "u1"})
	l.Drain()
	assert.Equal(t, "n2", r.Banner().ID)
	assert.True(t, clock.timers[0].stopped)

	// The first timer fires late anyway.
	clock.fns[0]()
	l.Drain()
	require.NotNil(t, r.Banner())
	assert.Equal(t, "n2", r.Banner().ID)

	clock.fns[1]()
	l.Drain()
	assert.Nil(t, r.Banner())
}

func TestDismissIsIdempotent(t *testing.T) {
	r, repo, hub, l, clock := newRouterFixture(t)
	repo.EXPECT().ListNotifications(gomock.Any(), "u1", gomock.Any()).Return(nil, nil)
	require.NoError(t, r.Init(context.Background(), "u1"))

	publishNotification(t, hub, domain.Notification{ID: "n1", UserID: "u1"})
	l.Drain()
	r.Dismiss()
	r.Dismiss()
	assert.Nil(t, r.Banner())
	assert.True(t, clock.timers[0].stopped)

	clock.fns[0]()
	l.Drain()
	assert.Nil(t, r.Banner())
	assert.Len(t, r.Notifications(), 1)
}

func TestMarkReadRollsBackOnFailure(t *testing.T) {
	r, repo, _, _, _ := newRouterFixture(t)
	ctx := context.Background()
	repo.EXPECT().ListNotifications(gomock.Any(), "u1", gomock.Any()).
		Return([]domain.Notification{{ID: "n1", UserID: "u1"}, {ID: "n2", UserID: "u1"}}, nil)
	require.NoError(t, r.Init(ctx, "u1"))

	repo.EXPECT().MarkNotificationRead(gomock.Any(), "u1", "n1").Return(false, errors.New("offline"))
	err := r.MarkRead(ctx, "n1")
	require.Error(t, err)
	assert.Equal(t, 2, r.UnreadCount())

	repo.EXPECT().MarkNotificationRead(gomock.Any(), "u1", "n1").Return(true, nil)
	require.NoError(t, r.MarkRead(ctx, "n1"))
	assert.Equal(t, 1, r.UnreadCount())

	// Already read locally: no write.
	require.NoError(t, r.MarkRead(ctx, "n1"))
}

func TestMarkAllReadRestoresOnlyFlippedEntries(t *testing.T) {
	r, repo, _, _, _ := newRouterFixture(t)
	ctx := context.Background()
	repo.EXPECT().ListNotifications(gomock.Any(), "u1", gomock.Any()).Return([]domain.Notification{
		{ID: "n1", UserID: "u1"},
		{ID: "n2", UserID: "u1", IsRead: true},
		{ID: "n3", UserID: "u1"},
	}, nil)
	require.NoError(t, r.Init(ctx, "u1"))

	repo.EXPECT().MarkAllNotificationsRead(gomock.Any(), "u1").Return(int64(0), errors.New("offline"))
	require.Error(t, r.MarkAllRead(ctx))
	assert.Equal(t, 2, r.UnreadCount())
	items := r.Notifications()
	assert.True(t, items[1].IsRead)

	repo.EXPECT().MarkAllNotificationsRead(gomock.Any(), "u1").Return(int64(2), nil)
	require.NoError(t, r.MarkAllRead(ctx))
	assert.Equal(t, 0, r.UnreadCount())

	// Nothing unread: no write.
	require.NoError(t, r.MarkAllRead(ctx))
}

func TestTeardownDropsStateAndLateEvents(t *testing.T) {
	r, repo, hub, l, _ := newRouterFixture(t)
	repo.EXPECT().ListNotifications(gomock.Any(), "u1", gomock.Any()).
		Return([]domain.Notification{{ID: "n1", UserID: "u1"}}, nil)
	require.NoError(t, r.Init(context.Background(), "u1"))

	publishNotification(t, hub, domain.Notification{ID: "n2", UserID: "u1"})
	r.Teardown()
	l.Drain()

	assert.Empty(t, r.Notifications())
	assert.Nil(t, r.Banner())
	assert.Equal(t, 0, hub.SubscriptionCount())
	assert.ErrorIs(t, r.MarkAllRead(context.Background()), domain.ErrNotSignedIn)
}

func TestReinitForAnotherUserReplacesSubscription(t *testing.T) {
	r, repo, hub, l, _ := newRouterFixture(t)
	repo.EXPECT().ListNotifications(gomock.Any(), "u1", gomock.Any()).Return(nil, nil)
	repo.EXPECT().ListNotifications(gomock.Any(), "u2", gomock.Any()).Return(nil, nil)
	require.NoError(t, r.Init(context.Background(), "u1"))
	require.NoError(t, r.Init(context.Background(), "u2"))
	assert.Equal(t, 1, hub.SubscriptionCount())

	publishNotification(t, hub, domain.Notification{ID: "n1", UserID: "u1"})
	publishNotification(t, hub, domain.Notification{ID: "n2", UserID: "u2"})
	l.Drain()

	items := r.Notifications()
	require.Len(t, items, 1)
	assert.Equal(t, "n2", items[0].ID)
}

func TestFailedInitLeavesNoSubscription(t *testing.T) {
	r, repo, hub, l, _ := newRouterFixture(t)
	repo.EXPECT().
		ListNotifications(gomock.Any(), "u1", DefaultListLimit).
		Return(nil, errors.New("database is locked"))

	require.Error(t, r.Init(context.Background(), "u1"))
	assert.Equal(t, 0, hub.SubscriptionCount())

	publishNotification(t, hub, domain.Notification{ID: "n1", UserID: "u1"})
	l.Drain()
	assert.Empty(t, r.Notifications())
	assert.Nil(t, r.Banner())
	assert.ErrorIs(t, r.MarkAllRead(context.Background()), domain.ErrNotSignedIn)
}
