// Package ws bridges change feed subscriptions to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/amazinernest/counsellhelp/internal/auth"
	"github.com/amazinernest/counsellhelp/internal/domain"
	"github.com/amazinernest/counsellhelp/internal/feed"
)

// TokenVerifier resolves a bearer token. *auth.Tokens satisfies it.
type TokenVerifier interface {
	Verify(token string) (auth.User, error)
}

// ConversationLookup resolves conversations for participant checks.
type ConversationLookup interface {
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
}

// Config holds connection parameters.
type Config struct {
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func (c *Config) withDefaults() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
}

// pingInterval must stay below the pong timeout.
func (c *Config) pingInterval() time.Duration {
	return c.PongTimeout * 9 / 10
}

// Server handles feed websocket connections.
type Server struct {
	cfg           Config
	feed          feed.Feed
	tokens        TokenVerifier
	conversations ConversationLookup
	upgrader      websocket.Upgrader
	log           *zap.Logger

	mu    sync.Mutex
	conns map[*connection]struct{}
}

// NewServer creates a Server.
func NewServer(cfg Config, f feed.Feed, tokens TokenVerifier, conversations ConversationLookup, log *zap.Logger) *Server {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:           cfg,
		feed:          f,
		tokens:        tokens,
		conversations: conversations,
		log:           log,
		conns:         make(map[*connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// HandleFeed authenticates the caller and upgrades to the feed protocol.
// GET /v1/feed, token in the Authorization header or ?token=.
func (s *Server) HandleFeed(c echo.Context) error {
	token := c.Request().Header.Get(echo.HeaderAuthorization)
	if token == "" {
		token = c.QueryParam("token")
	}
	user, err := s.tokens.Verify(token)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid or missing token"})
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("failed to upgrade websocket", zap.Error(err))
		return nil
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	conn := &connection{
		id:   "conn_" + uuid.New().String()[:8],
		ws:   ws,
		user: user,
		send: make(chan feed.Frame, s.cfg.SendBuffer),
		done: make(chan struct{}),
		subs: make(map[string]feed.Handle),
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.log.Info("feed connection opened", zap.String("conn_id", conn.id), zap.String("user_id", user.ID))

	go s.writePump(conn)
	go s.readPump(conn)
	return nil
}

// Close drops every connection.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (s *Server) readPump(conn *connection) {
	defer func() {
		conn.close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.log.Info("feed connection closed", zap.String("conn_id", conn.id))
	}()

	_ = conn.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("feed read failed", zap.String("conn_id", conn.id), zap.Error(err))
			}
			return
		}
		s.handleFrame(conn, data)
	}
}

func (s *Server) writePump(conn *connection) {
	ticker := time.NewTicker(s.cfg.pingInterval())
	defer func() {
		ticker.Stop()
		_ = conn.ws.Close()
	}()

	for {
		select {
		case f := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.ws.WriteJSON(f); err != nil {
				s.log.Warn("failed to write feed frame", zap.String("conn_id", conn.id), zap.Error(err))
				conn.close()
				return
			}
		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.close()
				return
			}
		case <-conn.done:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			_ = conn.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Server) handleFrame(conn *connection, data []byte) {
	var f feed.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		conn.sendError("", "", feed.ErrorCodeInvalidFrame, "invalid JSON frame")
		return
	}

	switch f.Type {
	case feed.FrameSubscribe:
		s.handleSubscribe(conn, f)
	case feed.FrameUnsubscribe:
		conn.unsubscribe(f.SubID)
	default:
		conn.sendError(f.RequestID, f.SubID, feed.ErrorCodeInvalidFrame, "unknown frame type: "+f.Type)
	}
}

func (s *Server) handleSubscribe(conn *connection, f feed.Frame) {
	if f.SubID == "" || f.Collection == "" {
		conn.sendError(f.RequestID, f.SubID, feed.ErrorCodeInvalidFrame, "sub_id and collection are required")
		return
	}
	filter, err := feed.ParseFilter(f.Filter)
	if err != nil {
		conn.sendError(f.RequestID, f.SubID, feed.ErrorCodeInvalidFrame, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = s.authorize(ctx, conn.user, f.Collection, filter)
	cancel()
	if err != nil {
		code := feed.ErrorCodeForbidden
		if !errors.Is(err, errForbidden) {
			code = feed.ErrorCodeInternal
			s.log.Error("failed to authorize subscription", zap.String("conn_id", conn.id), zap.Error(err))
		}
		conn.sendError(f.RequestID, f.SubID, code, err.Error())
		return
	}

	subID := f.SubID
	handle, err := s.feed.Subscribe(f.Collection, f.Events, filter, func(e feed.Event) {
		conn.enqueue(feed.Frame{Type: feed.FrameEvent, Ts: time.Now().UnixMilli(), SubID: subID, Event: &e})
	})
	if err != nil {
		conn.sendError(f.RequestID, subID, feed.ErrorCodeInternal, err.Error())
		return
	}
	if !conn.track(subID, handle) {
		handle.Unsubscribe()
		return
	}
	conn.enqueue(feed.Frame{Type: feed.FrameSubscribed, Ts: time.Now().UnixMilli(), RequestID: f.RequestID, SubID: subID})
}

var errForbidden = errors.New("subscription not allowed")

// authorize allows a subscription only when its filter pins it to rows the
// caller may read.
func (s *Server) authorize(ctx context.Context, user auth.User, collection string, filter feed.Filter) error {
	deny := func(reason string) error {
		return fmt.Errorf("%w: %s", errForbidden, reason)
	}
	if filter.IsZero() {
		return deny("a filter is required")
	}

	switch collection {
	case domain.CollectionMessages:
		if filter.Field != "conversation_id" {
			return deny("messages must be filtered by conversation_id")
		}
		conv, err := s.conversations.GetConversation(ctx, filter.Value)
		if err != nil {
			return fmt.Errorf("failed to get conversation: %w", err)
		}
		if conv == nil || !conv.HasParticipant(user.ID) {
			return deny("not a participant of the conversation")
		}
	case domain.CollectionNotifications, domain.CollectionCreditTransactions:
		if filter.Field != "user_id" || filter.Value != user.ID {
			return deny(collection + " must be filtered by your user_id")
		}
	case domain.CollectionConversations, domain.CollectionSessions:
		if (filter.Field != "client_id" && filter.Field != "counselor_id") || filter.Value != user.ID {
			return deny(collection + " must be filtered by your client_id or counselor_id")
		}
	case domain.CollectionProfiles:
		if filter.Field != "id" || filter.Value != user.ID {
			return deny("profiles must be filtered by your id")
		}
	default:
		return deny("unknown collection " + collection)
	}
	return nil
}

type connection struct {
	id   string
	ws   *websocket.Conn
	user auth.User
	send chan feed.Frame
	done chan struct{}

	mu     sync.Mutex
	closed bool
	subs   map[string]feed.Handle
}

// enqueue never blocks: feed callbacks run inside the publisher. A client too
// slow to keep its buffer drained is disconnected.
func (c *connection) enqueue(f feed.Frame) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- f:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		c.close()
	}
}

func (c *connection) sendError(requestID, subID, code, message string) {
	c.enqueue(feed.Frame{
		Type:      feed.FrameError,
		Ts:        time.Now().UnixMilli(),
		RequestID: requestID,
		SubID:     subID,
		Code:      code,
		Message:   message,
	})
}

func (c *connection) track(subID string, h feed.Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if prev, ok := c.subs[subID]; ok {
		defer prev.Unsubscribe()
	}
	c.subs[subID] = h
	return true
}

func (c *connection) unsubscribe(subID string) {
	c.mu.Lock()
	h, ok := c.subs[subID]
	delete(c.subs, subID)
	c.mu.Unlock()
	if ok {
		h.Unsubscribe()
	}
}

func (c *connection) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	close(c.done)
	c.mu.Unlock()

	for _, h := range subs {
		h.Unsubscribe()
	}
}
