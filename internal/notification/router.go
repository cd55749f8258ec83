package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amazinernest/counsellhelp/internal/domain"
	"github.com/amazinernest/counsellhelp/internal/feed"
)

const (
	// DefaultBannerDuration is how long a banner stays up without a dismiss.
	DefaultBannerDuration = 4 * time.Second
	// DefaultListLimit is how many notifications Init loads.
	DefaultListLimit = 50
)

// Poster queues a state mutation. *loop.Loop satisfies it.
type Poster interface {
	Post(fn func())
}

// Timer is the part of *time.Timer the router needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func stdAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Option configures a Router.
type Option func(*Router)

// WithPoster routes feed callbacks and timer expiries through p.
func WithPoster(p Poster) Option { return func(r *Router) { r.poster = p } }

// WithBannerDuration overrides DefaultBannerDuration.
func WithBannerDuration(d time.Duration) Option { return func(r *Router) { r.bannerDuration = d } }

// WithAfterFunc replaces the banner timer source.
func WithAfterFunc(f AfterFunc) Option { return func(r *Router) { r.afterFunc = f } }

// WithLogger sets the router logger.
func WithLogger(l *zap.Logger) Option { return func(r *Router) { r.log = l } }

// Router keeps the signed-in user's notifications in sync with the change feed.
type Router struct {
	repo           Repository
	feed           feed.Feed
	poster         Poster
	afterFunc      AfterFunc
	bannerDuration time.Duration
	log            *zap.Logger

	mu          sync.Mutex
	userID      string
	gen         uint64
	items       []domain.Notification
	banner      *domain.Notification
	bannerSeq   uint64
	bannerTimer Timer
	handle      feed.Handle
}

// NewRouter creates a Router.
func NewRouter(repo Repository, f feed.Feed, opts ...Option) *Router {
	r := &Router{
		repo:           repo,
		feed:           f,
		afterFunc:      stdAfterFunc,
		bannerDuration: DefaultBannerDuration,
		log:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) post(fn func()) {
	if r.poster == nil {
		fn()
		return
	}
	r.poster.Post(fn)
}

// Init drops any previous user state, subscribes to the user's inserts and loads
// the latest notifications, newest first.
func (r *Router) Init(ctx context.Context, userID string) error {
	if userID == "" {
		return domain.ErrNotSignedIn
	}
	r.Teardown()

	r.mu.Lock()
	r.userID = userID
	gen := r.gen
	r.mu.Unlock()

	handle, err := r.feed.Subscribe(domain.CollectionNotifications, []feed.EventType{feed.EventTypeInsert},
		feed.Eq("user_id", userID), func(e feed.Event) {
			var n domain.Notification
			if err := e.Decode(&n); err != nil {
				r.log.Warn("dropping undecodable notification event", zap.Error(err))
				return
			}
			r.post(func() { r.receive(gen, n) })
		})
	if err != nil {
		r.mu.Lock()
		if r.gen == gen {
			r.userID = ""
		}
		r.mu.Unlock()
		return fmt.Errorf("failed to subscribe to notifications: %w", err)
	}

	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		handle.Unsubscribe()
		return nil
	}
	r.handle = handle
	r.mu.Unlock()

	list, err := r.repo.ListNotifications(ctx, userID, DefaultListLimit)
	if err != nil {
		r.mu.Lock()
		current := r.gen == gen
		r.mu.Unlock()
		if current {
			r.Teardown()
		}
		return fmt.Errorf("failed to load notifications: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		return nil
	}
	loaded := make(map[string]bool, len(list))
	for _, n := range list {
		loaded[n.ID] = true
	}
	merged := make([]domain.Notification, 0, len(r.items)+len(list))
	for _, n := range r.items {
		if !loaded[n.ID] {
			merged = append(merged, n)
		}
	}
	r.items = append(merged, list...)
	return nil
}

// receive applies a feed-delivered notification. The feed may redeliver.
func (r *Router) receive(gen uint64, n domain.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen || n.UserID != r.userID {
		return
	}
	for _, existing := range r.items {
		if existing.ID == n.ID {
			return
		}
	}
	r.items = append([]domain.Notification{n}, r.items...)

	r.stopBannerTimerLocked()
	banner := n
	r.banner = &banner
	r.bannerSeq++
	seq := r.bannerSeq
	r.bannerTimer = r.afterFunc(r.bannerDuration, func() {
		r.post(func() { r.expireBanner(seq) })
	})
}

func (r *Router) expireBanner(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bannerSeq != seq || r.banner == nil {
		return
	}
	r.banner = nil
	r.bannerTimer = nil
}

func (r *Router) stopBannerTimerLocked() {
	if r.bannerTimer != nil {
		r.bannerTimer.Stop()
		r.bannerTimer = nil
	}
}

// Dismiss clears the banner. Calling it with no banner is a no-op.
func (r *Router) Dismiss() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopBannerTimerLocked()
	r.banner = nil
	r.bannerSeq++
}

// Banner returns the notification currently shown as a banner, if any.
func (r *Router) Banner() *domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.banner == nil {
		return nil
	}
	b := *r.banner
	return &b
}

// Notifications returns a snapshot of the list, newest first.
func (r *Router) Notifications() []domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Notification, len(r.items))
	copy(out, r.items)
	return out
}

// UnreadCount counts unread entries in the list.
func (r *Router) UnreadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, item := range r.items {
		if !item.IsRead {
			n++
		}
	}
	return n
}

// MarkRead flips one notification locally, then persists it. A failed write restores it.
func (r *Router) MarkRead(ctx context.Context, id string) error {
	r.mu.Lock()
	userID, gen := r.userID, r.gen
	if userID == "" {
		r.mu.Unlock()
		return domain.ErrNotSignedIn
	}
	known, alreadyRead := false, false
	for _, item := range r.items {
		if item.ID == id {
			known, alreadyRead = true, item.IsRead
		}
	}
	flipped := r.setReadLocked(map[string]bool{id: true}, true)
	r.mu.Unlock()
	if known && alreadyRead {
		return nil
	}

	if _, err := r.repo.MarkNotificationRead(ctx, userID, id); err != nil {
		r.restore(gen, flipped)
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	return nil
}

// MarkAllRead flips every unread notification locally, then persists. A failed write restores them.
func (r *Router) MarkAllRead(ctx context.Context) error {
	r.mu.Lock()
	userID, gen := r.userID, r.gen
	if userID == "" {
		r.mu.Unlock()
		return domain.ErrNotSignedIn
	}
	flipped := r.setReadLocked(nil, true)
	r.mu.Unlock()
	if len(flipped) == 0 {
		return nil
	}

	if _, err := r.repo.MarkAllNotificationsRead(ctx, userID); err != nil {
		r.restore(gen, flipped)
		return fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return nil
}

// setReadLocked sets is_read on matching unread items (all when ids is nil) and
// returns the ids it changed.
func (r *Router) setReadLocked(ids map[string]bool, read bool) map[string]bool {
	changed := make(map[string]bool)
	for i := range r.items {
		item := &r.items[i]
		if item.IsRead == read || (ids != nil && !ids[item.ID]) {
			continue
		}
		item.IsRead = read
		changed[item.ID] = true
	}
	return changed
}

func (r *Router) restore(gen uint64, ids map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		return
	}
	for i := range r.items {
		if ids[r.items[i].ID] {
			r.items[i].IsRead = false
		}
	}
}

// Teardown unsubscribes and clears all per-user state.
func (r *Router) Teardown() {
	r.mu.Lock()
	handle := r.handle
	r.handle = nil
	r.gen++
	r.userID = ""
	r.items = nil
	r.stopBannerTimerLocked()
	r.banner = nil
	r.bannerSeq++
	r.mu.Unlock()

	if handle != nil {
		handle.Unsubscribe()
	}
}
