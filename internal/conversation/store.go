// Package conversation keeps client/counselor chat threads synchronized with
// the record store and the change feed.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amazinernest/counsellhelp/internal/domain"
	"github.com/amazinernest/counsellhelp/internal/feed"
	"github.com/amazinernest/counsellhelp/internal/notification"
)

// MaxMessageRunes is the longest message accepted, counted after trimming.
const MaxMessageRunes = 1000

// Repository is the record store surface used by the conversation store.
type Repository interface {
	notification.Creator
	CreateConversation(ctx context.Context, c *domain.Conversation) error
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	FindConversation(ctx context.Context, clientID, counselorID string) (*domain.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error)
	TouchConversation(ctx context.Context, id string, at time.Time) (bool, error)
	CreateMessage(ctx context.Context, m *domain.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
}

// Poster queues a state mutation. *loop.Loop satisfies it.
type Poster interface {
	Post(fn func())
}

// SendError is returned when a message could not be stored. Draft holds the text
// exactly as submitted so the caller can restore the input.
type SendError struct {
	Draft string
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("failed to send message: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

type pairKey struct {
	clientID    string
	counselorID string
}

type messageLog struct {
	messages []domain.Message
	seen     map[string]bool
}

// add places m after every message created no later than it.
func (l *messageLog) add(m domain.Message) bool {
	if l.seen[m.ID] {
		return false
	}
	l.seen[m.ID] = true
	i := sort.Search(len(l.messages), func(i int) bool {
		return l.messages[i].CreatedAt.After(m.CreatedAt)
	})
	l.messages = append(l.messages, domain.Message{})
	copy(l.messages[i+1:], l.messages[i:])
	l.messages[i] = m
	return true
}

type subscription struct {
	handle feed.Handle
	token  uint64
}

// Option configures a Store.
type Option func(*Store)

// WithPoster routes feed callbacks through p. Without one they apply inline,
// inside the record store's publish, where a store write deadlocks.
func WithPoster(p Poster) Option { return func(s *Store) { s.poster = p } }

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.log = l } }

// Store caches conversations and their message logs.
type Store struct {
	repo   Repository
	feed   feed.Feed
	poster Poster
	log    *zap.Logger

	mu            sync.Mutex
	gen           uint64
	nextToken     uint64
	pairs         map[pairKey]string
	conversations map[string]domain.Conversation
	logs          map[string]*messageLog
	subs          map[string]subscription
}

// NewStore creates a Store.
func NewStore(repo Repository, f feed.Feed, opts ...Option) *Store {
	s := &Store{
		repo: repo,
		feed: f,
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.pairs = make(map[pairKey]string)
	s.conversations = make(map[string]domain.Conversation)
	s.logs = make(map[string]*messageLog)
	s.subs = make(map[string]subscription)
}

func (s *Store) post(fn func()) {
	if s.poster == nil {
		fn()
		return
	}
	s.poster.Post(fn)
}

func (s *Store) remember(c domain.Conversation) {
	s.pairs[pairKey{c.ClientID, c.CounselorID}] = c.ID
	if cur, ok := s.conversations[c.ID]; ok && cur.LastMessageAt != nil &&
		(c.LastMessageAt == nil || c.LastMessageAt.Before(*cur.LastMessageAt)) {
		c.LastMessageAt = cur.LastMessageAt
	}
	s.conversations[c.ID] = c
}

func (s *Store) logFor(conversationID string) *messageLog {
	l, ok := s.logs[conversationID]
	if !ok {
		l = &messageLog{seen: make(map[string]bool)}
		s.logs[conversationID] = l
	}
	return l
}

// EnsureConversation returns the id of the pair's conversation, creating it if needed.
// Concurrent callers always get the same id.
func (s *Store) EnsureConversation(ctx context.Context, clientID, counselorID string) (string, error) {
	if clientID == "" || counselorID == "" {
		return "", errors.New("client and counselor are required")
	}
	key := pairKey{clientID, counselorID}

	s.mu.Lock()
	id, ok := s.pairs[key]
	s.mu.Unlock()
	if ok {
		return id, nil
	}

	existing, err := s.repo.FindConversation(ctx, clientID, counselorID)
	if err != nil {
		return "", fmt.Errorf("failed to look up conversation: %w", err)
	}
	if existing == nil {
		c := &domain.Conversation{
			ID:          uuid.New().String(),
			ClientID:    clientID,
			CounselorID: counselorID,
			CreatedAt:   time.Now().UTC(),
		}
		err := s.repo.CreateConversation(ctx, c)
		switch {
		case err == nil:
			existing = c
		case errors.Is(err, domain.ErrConflict):
			existing, err = s.repo.FindConversation(ctx, clientID, counselorID)
			if err != nil {
				return "", fmt.Errorf("failed to load existing conversation: %w", err)
			}
			if existing == nil {
				return "", fmt.Errorf("conversation %s/%s conflicted but was not found: %w", clientID, counselorID, domain.ErrNotFound)
			}
		default:
			return "", fmt.Errorf("failed to create conversation: %w", err)
		}
	}

	s.mu.Lock()
	s.remember(*existing)
	s.mu.Unlock()
	return existing.ID, nil
}

// LoadConversations fetches the user's conversations, most recently active first.
func (s *Store) LoadConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	list, err := s.repo.ListConversations(ctx, userID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	s.mu.Lock()
	for _, c := range list {
		s.remember(c)
	}
	s.mu.Unlock()
	return list, nil
}

// Conversation returns the cached conversation or loads it.
func (s *Store) Conversation(ctx context.Context, id string) (*domain.Conversation, error) {
	s.mu.Lock()
	c, ok := s.conversations[id]
	s.mu.Unlock()
	if ok {
		return &c, nil
	}

	got, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if got == nil {
		return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}
	s.mu.Lock()
	s.remember(*got)
	s.mu.Unlock()
	return got, nil
}

// LoadHistory fetches the full history oldest first and merges it with messages
// the feed already delivered.
func (s *Store) LoadHistory(ctx context.Context, conversationID string) ([]domain.Message, error) {
	history, err := s.repo.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.logs[conversationID]
	merged := &messageLog{seen: make(map[string]bool, len(history))}
	for _, m := range history {
		merged.add(m)
	}
	if prev != nil {
		for _, m := range prev.messages {
			merged.add(m)
		}
	}
	s.logs[conversationID] = merged
	return cloneMessages(merged.messages), nil
}

// Messages returns a snapshot of the local log.
func (s *Store) Messages(conversationID string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logs[conversationID]
	if l == nil {
		return nil
	}
	return cloneMessages(l.messages)
}

func cloneMessages(in []domain.Message) []domain.Message {
	out := make([]domain.Message, len(in))
	copy(out, in)
	return out
}

// Subscribe follows new messages of one conversation. A second call for the same
// conversation replaces the first subscription. onMessage may be nil and runs only
// for messages not seen before. Without a poster it runs during the publishing
// write and must not write to the record store.
func (s *Store) Subscribe(conversationID string, onMessage func(domain.Message)) (func(), error) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	handle, err := s.feed.Subscribe(domain.CollectionMessages, []feed.EventType{feed.EventTypeInsert},
		feed.Eq("conversation_id", conversationID), func(e feed.Event) {
			var m domain.Message
			if err := e.Decode(&m); err != nil {
				s.log.Warn("dropping undecodable message event", zap.Error(err))
				return
			}
			s.post(func() {
				if s.apply(gen, m) && onMessage != nil {
					onMessage(m)
				}
			})
		})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to conversation %s: %w", conversationID, err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		handle.Unsubscribe()
		return func() {}, nil
	}
	prev, hadPrev := s.subs[conversationID]
	s.nextToken++
	token := s.nextToken
	s.subs[conversationID] = subscription{handle: handle, token: token}
	s.mu.Unlock()

	if hadPrev {
		prev.handle.Unsubscribe()
	}

	return func() {
		s.mu.Lock()
		cur, ok := s.subs[conversationID]
		if ok && cur.token == token {
			delete(s.subs, conversationID)
		}
		s.mu.Unlock()
		handle.Unsubscribe()
	}, nil
}

func (s *Store) apply(gen uint64, m domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false
	}
	if !s.logFor(m.ConversationID).add(m) {
		return false
	}
	s.advanceLocked(m.ConversationID, m.CreatedAt)
	return true
}

func (s *Store) advanceLocked(conversationID string, at time.Time) {
	c, ok := s.conversations[conversationID]
	if !ok {
		return
	}
	if c.LastMessageAt == nil || c.LastMessageAt.Before(at) {
		t := at
		c.LastMessageAt = &t
		s.conversations[conversationID] = c
	}
}

// ValidateText trims text and checks its length.
func ValidateText(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	n := utf8.RuneCountInString(trimmed)
	switch {
	case n == 0:
		return "", domain.ErrEmptyMessage
	case n > MaxMessageRunes:
		return "", fmt.Errorf("%d characters, limit %d: %w", n, MaxMessageRunes, domain.ErrMessageTooLong)
	}
	return trimmed, nil
}

// Send stores a message and notifies the other participant. Failures before the
// message is stored return *SendError. Failures after it is stored are logged only.
func (s *Store) Send(ctx context.Context, conversationID, senderID, text string) (*domain.Message, error) {
	content, err := ValidateText(text)
	if err != nil {
		return nil, &SendError{Draft: text, Err: err}
	}

	conv, err := s.Conversation(ctx, conversationID)
	if err != nil {
		return nil, &SendError{Draft: text, Err: err}
	}
	recipient, ok := conv.OtherParticipant(senderID)
	if !ok {
		return nil, &SendError{Draft: text, Err: domain.ErrNotParticipant}
	}

	msg := &domain.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
	}
	if err := s.repo.CreateMessage(ctx, msg); err != nil {
		return nil, &SendError{Draft: text, Err: err}
	}

	s.mu.Lock()
	s.logFor(conversationID).add(*msg)
	s.advanceLocked(conversationID, msg.CreatedAt)
	s.mu.Unlock()

	if _, err := s.repo.TouchConversation(ctx, conversationID, msg.CreatedAt); err != nil {
		s.log.Warn("failed to update conversation activity",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}

	_, err = notification.Create(ctx, s.repo, notification.Input{
		UserID:    recipient,
		Type:      domain.NotificationTypeNewMessage,
		Title:     notification.TitleNewMessage,
		Body:      notification.Preview(content),
		Data:      domain.NotificationData{ConversationID: conversationID, MessageID: msg.ID},
		DedupeKey: notification.MessageDedupeKey(msg.ID),
	})
	if err != nil {
		s.log.Warn("failed to notify message recipient",
			zap.String("message_id", msg.ID), zap.String("recipient", recipient), zap.Error(err))
	}
	return msg, nil
}

// Teardown closes every subscription and drops all cached state.
func (s *Store) Teardown() {
	s.mu.Lock()
	subs := s.subs
	s.gen++
	s.reset()
	s.mu.Unlock()

	for _, sub := range subs {
		sub.handle.Unsubscribe()
	}
}
