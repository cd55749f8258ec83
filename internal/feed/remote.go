package feed

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
	"go.uber.org/zap"
)

// ErrRemoteClosed is returned by Subscribe once the remote connection is gone.
var ErrRemoteClosed = errors.New("remote feed closed")

const defaultAckTimeout = 10 * time.Second

// Remote is a Feed backed by a websocket connection to the server's feed endpoint.
// Events for all subscriptions are dispatched from a single reader goroutine, so
// each subscriber observes server order.
type Remote struct {
	conn *websocket.Conn
	log  *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[string]func(Event)
	pending map[string]chan Frame
	closed  bool

	ackTimeout time.Duration
	done       chan struct{}
}

// Dial connects to a feed endpoint such as ws://localhost:8080/v1/feed and
// authenticates with the bearer token.
func Dial(ctx context.Context, url, token string, log *zap.Logger) (*Remote, error) {
	if log == nil {
		log = zap.NewNop()
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial feed: %w", err)
	}

	r := &Remote{
		conn:       conn,
		log:        log,
		subs:       make(map[string]func(Event)),
		pending:    make(map[string]chan Frame),
		ackTimeout: defaultAckTimeout,
		done:       make(chan struct{}),
	}
	go r.readLoop()
	return r, nil
}

// Done is closed when the connection ends.
func (r *Remote) Done() <-chan struct{} {
	return r.done
}

// Subscribe registers a remote subscription and waits for the server to acknowledge it.
func (r *Remote) Subscribe(collection string, types []EventType, filter Filter, onEvent func(Event)) (Handle, error) {
	if onEvent == nil {
		return nil, errors.New("onEvent is required")
	}
	subID := "rsub_" + uuid.New().String()[:8]
	ack := make(chan Frame, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRemoteClosed
	}
	r.subs[subID] = onEvent
	r.pending[subID] = ack
	r.mu.Unlock()

	frame := Frame{
		Type:       FrameSubscribe,
		Ts:         time.Now().UnixMilli(),
		RequestID:  "req_" + uuid.New().String()[:8],
		SubID:      subID,
		Collection: collection,
		Events:     types,
		Filter:     filter.String(),
	}
	if err := r.write(frame); err != nil {
		r.forget(subID)
		return nil, err
	}

	timer := time.NewTimer(r.ackTimeout)
	defer timer.Stop()
	select {
	case reply := <-ack:
		if reply.Type == FrameError {
			r.forget(subID)
			return nil, fmt.Errorf("subscribe rejected: %s - %s", reply.Code, reply.Message)
		}
	case <-timer.C:
		r.forget(subID)
		return nil, errors.New("timed out waiting for subscribe ack")
	case <-r.done:
		r.forget(subID)
		return nil, ErrRemoteClosed
	}

	return &remoteHandle{remote: r, subID: subID}, nil
}

// Close closes the underlying connection.
func (r *Remote) Close() error {
	r.writeMu.Lock()
	_ = r.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	r.writeMu.Unlock()
	return r.conn.Close()
}

func (r *Remote) write(f Frame) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", f.Type, err)
	}
	return nil
}

func (r *Remote) forget(subID string) {
	r.mu.Lock()
	delete(r.subs, subID)
	delete(r.pending, subID)
	r.mu.Unlock()
}

func (r *Remote) readLoop() {
	defer func() {
		r.mu.Lock()
		r.closed = true
		r.subs = make(map[string]func(Event))
		r.mu.Unlock()
		close(r.done)
	}()

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				r.log.Warn("feed connection read failed", zap.Error(err))
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			r.log.Warn("invalid feed frame", zap.Error(err))
			continue
		}
		r.dispatch(f)
	}
}

func (r *Remote) dispatch(f Frame) {
	switch f.Type {
	case FrameSubscribed, FrameError:
		r.mu.Lock()
		ack, ok := r.pending[f.SubID]
		delete(r.pending, f.SubID)
		r.mu.Unlock()
		if ok {
			ack <- f
			return
		}
		if f.Type == FrameError {
			r.log.Warn("feed error", zap.String("code", f.Code), zap.String("message", f.Message))
		}
	case FrameEvent:
		if f.Event == nil {
			return
		}
		r.mu.Lock()
		onEvent := r.subs[f.SubID]
		r.mu.Unlock()
		if onEvent != nil {
			onEvent(*f.Event)
		}
	default:
		r.log.Debug("ignoring feed frame", zap.String("type", f.Type))
	}
}

type remoteHandle struct {
	remote *Remote
	subID  string
	once   sync.Once
}

func (h *remoteHandle) Unsubscribe() {
	h.once.Do(func() {
		h.remote.forget(h.subID)
		err := h.remote.write(Frame{
			Type:  FrameUnsubscribe,
			Ts:    time.Now().UnixMilli(),
			SubID: h.subID,
		})
		if err != nil {
			h.remote.log.Debug("unsubscribe frame not sent", zap.Error(err))
		}
	})
}
