// Package throttle paces identify handshakes across every shard of a process.
//
// Shards are grouped into buckets by shard_id % max_concurrency. Each bucket
// holds a FIFO of waiters and releases at most one of them per cooldown, so
// identifies within a bucket are strictly serialized while different buckets
// proceed independently.
package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DefaultCooldown is the spacing the gateway mandates between identifies of one bucket.
const DefaultCooldown = 5 * time.Second

// MaxConcurrencyFunc returns the current max_concurrency. It is called on every
// wait, so a changed value takes effect for the next caller.
type MaxConcurrencyFunc func(ctx context.Context) (int, error)

// Throttler is a process-wide identify throttler. The zero value is not usable, use New.
type Throttler struct {
	maxConcurrency MaxConcurrencyFunc
	cooldown       time.Duration

	mu      sync.Mutex
	buckets map[int]*bucket
}

type bucket struct {
	waiters     []*waiter
	draining    bool
	lastRelease time.Time
}

type waiter struct {
	ready chan struct{}
}

// New creates a throttler. A nil maxConcurrency means a single bucket and a
// cooldown <= 0 means DefaultCooldown.
func New(maxConcurrency MaxConcurrencyFunc, cooldown time.Duration) *Throttler {
	if maxConcurrency == nil {
		maxConcurrency = func(context.Context) (int, error) { return 1, nil }
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}

	return &Throttler{
		maxConcurrency: maxConcurrency,
		cooldown:       cooldown,
		buckets:        make(map[int]*bucket),
	}
}

// WaitForIdentify blocks until shardID may identify.
//
// Cancelling ctx removes the caller from its queue without affecting the other waiters.
func (t *Throttler) WaitForIdentify(ctx context.Context, shardID int) error {
	n, err := t.maxConcurrency(ctx)
	if err != nil {
		return errors.WithMessage(err, "throttle: max concurrency")
	}
	if n < 1 {
		n = 1
	}
	key := shardID % n

	w := &waiter{ready: make(chan struct{})}

	t.mu.Lock()
	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{}
		t.buckets[key] = b
	}
	b.waiters = append(b.waiters, w)
	if !b.draining {
		b.draining = true
		go t.drain(b)
	}
	t.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-w.ready:
		// released while we were giving up, the slot is ours
		return nil
	default:
	}

	for i, other := range b.waiters {
		if other == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			break
		}
	}
	return ctx.Err()
}

// drain releases the head of b once per cooldown until the queue is empty.
func (t *Throttler) drain(b *bucket) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		<-timer.C

		t.mu.Lock()
		if len(b.waiters) == 0 {
			b.draining = false
			t.mu.Unlock()
			return
		}

		wait := t.cooldown - time.Since(b.lastRelease)
		if wait <= 0 {
			head := b.waiters[0]
			b.waiters = b.waiters[1:]
			b.lastRelease = time.Now()
			close(head.ready)
			wait = 0
		}
		t.mu.Unlock()

		timer.Reset(wait)
	}
}
