// Package client composes the per-user components of one app instance: the tick
// loop, the conversation store, the notification router and the session ledger.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amazinernest/counsellhelp/internal/auth"
	"github.com/amazinernest/counsellhelp/internal/conversation"
	"github.com/amazinernest/counsellhelp/internal/domain"
	"github.com/amazinernest/counsellhelp/internal/feed"
	"github.com/amazinernest/counsellhelp/internal/ledger"
	"github.com/amazinernest/counsellhelp/internal/loop"
	"github.com/amazinernest/counsellhelp/internal/notification"
)

// Repository is everything the composed components need from the record store.
type Repository interface {
	conversation.Repository
	notification.Repository
	ledger.Repository
}

// Deps are the collaborators of a Client.
type Deps struct {
	Repo      Repository
	Feed      feed.Feed
	Processor ledger.Processor
	Policy    ledger.AccessPolicy
	Ledger    *ledger.Config

	BannerDuration time.Duration
	AfterFunc      notification.AfterFunc
	Logger         *zap.Logger
}

// Client is one signed-in app instance.
type Client struct {
	Loop          *loop.Loop
	Conversations *conversation.Store
	Notifications *notification.Router
	Ledger        *ledger.Ledger

	log *zap.Logger

	mu   sync.Mutex
	user *auth.User
}

// New wires the components. Feed callbacks post to Loop; call Run or Loop.Drain
// to apply them.
func New(d Deps) *Client {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	l := loop.New(log.Named("loop"))

	conv := conversation.NewStore(d.Repo, d.Feed,
		conversation.WithPoster(l),
		conversation.WithLogger(log.Named("conversation")))

	routerOpts := []notification.Option{
		notification.WithPoster(l),
		notification.WithLogger(log.Named("notification")),
	}
	if d.BannerDuration > 0 {
		routerOpts = append(routerOpts, notification.WithBannerDuration(d.BannerDuration))
	}
	if d.AfterFunc != nil {
		routerOpts = append(routerOpts, notification.WithAfterFunc(d.AfterFunc))
	}
	router := notification.NewRouter(d.Repo, d.Feed, routerOpts...)

	ledgerOpts := []ledger.Option{ledger.WithLogger(log.Named("ledger"))}
	if d.Processor != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithProcessor(d.Processor))
	}
	if d.Policy != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithPolicy(d.Policy))
	}
	if d.Ledger != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithConfig(*d.Ledger))
	}

	return &Client{
		Loop:          l,
		Conversations: conv,
		Notifications: router,
		Ledger:        ledger.New(d.Repo, conv, ledgerOpts...),
		log:           log,
	}
}

// User returns the user the client was initialized for, or nil.
func (c *Client) User() *auth.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return nil
	}
	u := *c.user
	return &u
}

func (c *Client) requireUser() (*auth.User, error) {
	u := c.User()
	if u == nil {
		return nil, domain.ErrNotSignedIn
	}
	return u, nil
}

// Init drops any previous user's state and loads u's conversations and notifications.
func (c *Client) Init(ctx context.Context, u auth.User) error {
	if u.ID == "" {
		return domain.ErrNotSignedIn
	}
	c.Teardown()

	c.mu.Lock()
	c.user = &u
	c.mu.Unlock()

	if err := c.Notifications.Init(ctx, u.ID); err != nil {
		return err
	}
	if _, err := c.Conversations.LoadConversations(ctx, u.ID); err != nil {
		return err
	}
	c.log.Info("client initialized", zap.String("user_id", u.ID))
	return nil
}

// Teardown closes every subscription and clears cached state. Queued feed
// mutations still in the loop are discarded by the components themselves.
func (c *Client) Teardown() {
	c.mu.Lock()
	had := c.user != nil
	c.user = nil
	c.mu.Unlock()

	c.Notifications.Teardown()
	c.Conversations.Teardown()
	if had {
		c.log.Info("client torn down")
	}
}

// BindAuth follows m: sign-in initializes, sign-out tears down before listeners
// see the signed-out state. The returned func unbinds.
func (c *Client) BindAuth(ctx context.Context, m *auth.Manager) (unbind func()) {
	cancelTeardown := m.BeforeSignOut(c.Teardown)
	cancelChange := m.OnChange(func(u *auth.User) {
		if u == nil {
			c.Teardown()
			return
		}
		if err := c.Init(ctx, *u); err != nil {
			c.log.Error("failed to initialize client", zap.String("user_id", u.ID), zap.Error(err))
		}
	})
	if u := m.CurrentUser(); u != nil {
		if err := c.Init(ctx, *u); err != nil {
			c.log.Error("failed to initialize client", zap.String("user_id", u.ID), zap.Error(err))
		}
	}
	return func() {
		cancelChange()
		cancelTeardown()
	}
}

// Run drives the tick loop until ctx is done.
func (c *Client) Run(ctx context.Context, interval time.Duration) {
	c.Loop.Run(ctx, interval)
}

// OpenChat checks that the signed-in client may talk to the counselor and returns
// the conversation id, creating the conversation on first use.
func (c *Client) OpenChat(ctx context.Context, counselorID string) (string, *ledger.Access, error) {
	u, err := c.requireUser()
	if err != nil {
		return "", nil, err
	}
	access, err := c.Ledger.CheckChatAccess(ctx, u.ID, counselorID)
	if err != nil {
		return "", nil, err
	}
	if !access.Allowed {
		return "", access, nil
	}
	id, err := c.Conversations.EnsureConversation(ctx, u.ID, counselorID)
	if err != nil {
		return "", access, fmt.Errorf("failed to open conversation: %w", err)
	}
	return id, access, nil
}

// Send posts text as the signed-in user.
func (c *Client) Send(ctx context.Context, conversationID, text string) (*domain.Message, error) {
	u, err := c.requireUser()
	if err != nil {
		return nil, &conversation.SendError{Draft: text, Err: err}
	}
	return c.Conversations.Send(ctx, conversationID, u.ID, text)
}

// BookSession starts a paid session checkout with the signed-in user as client.
func (c *Client) BookSession(ctx context.Context, counselorID string) (*domain.Session, string, error) {
	u, err := c.requireUser()
	if err != nil {
		return nil, "", err
	}
	if u.Role == domain.UserRoleCounselor {
		return nil, "", errors.New("counselors cannot book sessions")
	}
	return c.Ledger.StartSessionCheckout(ctx, u.ID, counselorID, u.Email)
}
