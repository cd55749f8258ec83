package feed

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrHubClosed is returned when subscribing to a closed hub.
var ErrHubClosed = errors.New("feed hub closed")

// Subscription is a registered listener on the hub.
type Subscription struct {
	ID         string
	Collection string
	Types      []EventType
	Filter     Filter

	onEvent func(Event)
	hub     *Hub
	once    sync.Once
}

// Unsubscribe removes the subscription from its hub.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub is the in-process change feed. Each subscriber sees events in publish order.
type Hub struct {
	// Subscriptions indexed by collection, then subscription ID
	collections map[string]map[string]*Subscription

	// Serializes delivery so every subscriber observes one global order
	publishMu sync.Mutex

	mu     sync.RWMutex
	closed bool
	log    *zap.Logger
}

// NewHub creates a new Hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		collections: make(map[string]map[string]*Subscription),
		log:         log,
	}
}

// Subscribe registers onEvent for events on collection that match types and filter.
func (h *Hub) Subscribe(collection string, types []EventType, filter Filter, onEvent func(Event)) (Handle, error) {
	if onEvent == nil {
		return nil, errors.New("onEvent is required")
	}
	sub := &Subscription{
		ID:         "sub_" + uuid.New().String()[:8],
		Collection: collection,
		Types:      types,
		Filter:     filter,
		onEvent:    onEvent,
		hub:        h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if h.collections[collection] == nil {
		h.collections[collection] = make(map[string]*Subscription)
	}
	h.collections[collection][sub.ID] = sub
	h.log.Debug("feed subscription registered",
		zap.String("sub_id", sub.ID),
		zap.String("collection", collection),
		zap.String("filter", filter.String()))
	return sub, nil
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.collections[sub.Collection]
	if subs == nil {
		return
	}
	delete(subs, sub.ID)
	if len(subs) == 0 {
		delete(h.collections, sub.Collection)
	}
	h.log.Debug("feed subscription removed", zap.String("sub_id", sub.ID))
}

// Publish delivers the event to every matching subscriber before returning.
func (h *Hub) Publish(e Event) {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	h.mu.RLock()
	var targets []*Subscription
	for _, sub := range h.collections[e.Collection] {
		if wantsType(sub.Types, e.Type) && sub.Filter.Match(e) {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		h.deliver(sub, e)
	}
}

func (h *Hub) deliver(sub *Subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("feed subscriber panicked",
				zap.String("sub_id", sub.ID),
				zap.Any("panic", r))
		}
	}()
	sub.onEvent(e)
}

// SubscriptionCount returns the number of active subscriptions.
func (h *Hub) SubscriptionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.collections {
		n += len(subs)
	}
	return n
}

// Close drops every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.collections = make(map[string]map[string]*Subscription)
}
