package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/luciancaetano/kephasgate"
)

// sendQueue hands out the right to write in call order.
//
// Blocked senders on a channel are queued by the runtime and a freed slot goes
// to the head of that queue, so acquisition is FIFO.
type sendQueue struct {
	slot chan struct{}
}

func newSendQueue() *sendQueue {
	return &sendQueue{slot: make(chan struct{}, 1)}
}

// acquire blocks until the caller is at the head of the queue. The returned
// function must be called to let the next caller through.
func (q *sendQueue) acquire(ctx context.Context) (release func(), err error) {
	select {
	case q.slot <- struct{}{}:
		return func() { <-q.slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sendLimiter is a fixed window budget: once Sends payloads were written in the
// current window, the next caller waits for the window to reset.
type sendLimiter struct {
	limit  int
	window time.Duration

	mu        sync.Mutex
	remaining int
	resetAt   time.Time
}

func newSendLimiter(cfg kephasgate.SendRateLimit) *sendLimiter {
	return &sendLimiter{
		limit:  cfg.Sends,
		window: cfg.Window,
	}
}

// wait deducts one send from the budget, blocking until the window resets when
// it is exhausted.
func (l *sendLimiter) wait(ctx context.Context) error {
	if l.limit <= 0 || l.window <= 0 {
		return nil
	}

	for {
		l.mu.Lock()
		now := time.Now()
		if !now.Before(l.resetAt) {
			l.remaining = l.limit
			l.resetAt = now.Add(l.window)
		}
		if l.remaining > 0 {
			l.remaining--
			l.mu.Unlock()
			return nil
		}
		delay := l.resetAt.Sub(now)
		l.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// state returns the remaining sends and the end of the current window.
func (l *sendLimiter) state() (remaining int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remaining, l.resetAt
}
