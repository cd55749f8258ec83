// Package loop runs queued state mutations on a single goroutine.
//
// Change feed callbacks never touch component state directly. They Post a
// mutation, and the owner drains the queue on its tick.
package loop

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Loop is an unbounded FIFO of mutations.
type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}

	// Serializes drains so mutations never overlap
	drainMu sync.Mutex

	log *zap.Logger
}

// New creates a Loop.
func New(log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		wake: make(chan struct{}, 1),
		log:  log,
	}
}

// Post enqueues fn. It never blocks.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued mutations.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Drain runs every mutation queued at the time of the call and returns how many ran.
// Mutations posted while draining wait for the next drain.
func (l *Loop) Drain() int {
	l.drainMu.Lock()
	defer l.drainMu.Unlock()

	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, fn := range batch {
		l.run(fn)
	}
	return len(batch)
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("queued mutation panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

// Run drains on every tick and whenever something is posted, until ctx is done.
func (l *Loop) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Drain()
			return
		case <-l.wake:
			l.Drain()
		case <-ticker.C:
			l.Drain()
		}
	}
}
