// Package sharding owns the shards of a process and paces their connects
// through the identify throttler.
package sharding

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/logging"
	"github.com/luciancaetano/kephasgate/internal/protocol"
	"github.com/luciancaetano/kephasgate/internal/websocket"
)

// Throttler paces identifies, see throttle.Throttler.
type Throttler interface {
	WaitForIdentify(ctx context.Context, shardID int) error
}

// SimpleStrategy runs every shard in the current process.
type SimpleStrategy struct {
	fetcher   kephasgate.ContextFetcher
	throttler Throttler
	emit      func(kephasgate.Event)
	log       *logrus.Entry

	// MaxRecoveryInterval caps the backoff between recovery attempts.
	MaxRecoveryInterval time.Duration

	mu     sync.Mutex
	shards map[int]*websocket.Shard
	order  []int

	// recoverCtx lives as long as the current spawn, cancelling it stops
	// every pending recovery.
	recoverCtx    context.Context
	recoverCancel context.CancelFunc
	recovering    sync.WaitGroup

	warnings rate.Sometimes
}

var _ kephasgate.ShardingStrategy = (*SimpleStrategy)(nil)

// NewSimpleStrategy creates a strategy. Every shard event is passed to emit.
func NewSimpleStrategy(fetcher kephasgate.ContextFetcher, throttler Throttler, emit func(kephasgate.Event)) *SimpleStrategy {
	if emit == nil {
		emit = func(kephasgate.Event) {}
	}

	return &SimpleStrategy{
		fetcher:             fetcher,
		throttler:           throttler,
		emit:                emit,
		log:                 logging.GetFixedPrefixLogger("sharding"),
		MaxRecoveryInterval: time.Minute,
		shards:              make(map[int]*websocket.Shard),
		warnings:            rate.Sometimes{First: 3, Interval: 30 * time.Second},
	}
}

// Spawn destroys the current shards and creates one idle shard per id.
func (s *SimpleStrategy) Spawn(ctx context.Context, shardIDs []int) error {
	err := s.Destroy(ctx, kephasgate.DestroyOptions{Reason: kephasgate.ReasonRespawn})

	recoverCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.recoverCtx, s.recoverCancel = recoverCtx, cancel
	s.shards = make(map[int]*websocket.Shard, len(shardIDs))
	s.order = s.order[:0]
	for _, id := range shardIDs {
		if _, ok := s.shards[id]; ok {
			continue
		}
		s.shards[id] = websocket.NewShard(id, s.fetcher, s.handler(recoverCtx))
		s.order = append(s.order, id)
	}
	s.mu.Unlock()

	s.log.WithField("shards", len(shardIDs)).Debug("spawned shards")
	return err
}

// Connect connects every shard. Shards are started one at a time as the
// throttler allows and connect concurrently once started.
func (s *SimpleStrategy) Connect(ctx context.Context) error {
	shards := s.snapshot()

	var (
		wg      sync.WaitGroup
		errMu   sync.Mutex
		combine error
	)
	record := func(err error) {
		errMu.Lock()
		combine = multierr.Append(combine, err)
		errMu.Unlock()
	}

	for _, shard := range shards {
		if err := s.throttler.WaitForIdentify(ctx, shard.ID()); err != nil {
			record(errors.WithMessagef(err, "shard %d", shard.ID()))
			break
		}

		wg.Add(1)
		go func(shard *websocket.Shard) {
			defer wg.Done()
			if err := shard.Connect(ctx); err != nil {
				record(err)
			}
		}(shard)
	}

	wg.Wait()
	return combine
}

// Destroy destroys every shard and forgets them. Shards that are already idle
// are skipped.
func (s *SimpleStrategy) Destroy(ctx context.Context, opts kephasgate.DestroyOptions) error {
	s.mu.Lock()
	if s.recoverCancel != nil {
		s.recoverCancel()
		s.recoverCancel = nil
	}
	shards := make([]*websocket.Shard, 0, len(s.order))
	for _, id := range s.order {
		shards = append(shards, s.shards[id])
	}
	s.shards = make(map[int]*websocket.Shard)
	s.order = nil
	s.mu.Unlock()

	s.recovering.Wait()

	var (
		wg      sync.WaitGroup
		errMu   sync.Mutex
		combine error
	)

	pace := opts.Recover != kephasgate.RecoveryNone
	for _, shard := range shards {
		if pace {
			// shards are still destroyed when pacing fails
			if err := s.throttler.WaitForIdentify(ctx, shard.ID()); err != nil {
				errMu.Lock()
				combine = multierr.Append(combine, errors.WithMessage(err, "pace destroy"))
				errMu.Unlock()
				pace = false
			}
		}

		wg.Add(1)
		go func(shard *websocket.Shard) {
			defer wg.Done()
			err := shard.Destroy(ctx, opts)
			if err == nil || errors.Is(err, kephasgate.ErrShardIdle) {
				return
			}
			errMu.Lock()
			combine = multierr.Append(combine, err)
			errMu.Unlock()
		}(shard)
	}

	wg.Wait()
	return combine
}

// Send sends a payload on the shard with the given id.
func (s *SimpleStrategy) Send(ctx context.Context, shardID int, payload protocol.SendPayload) error {
	s.mu.Lock()
	shard, ok := s.shards[shardID]
	s.mu.Unlock()

	if !ok {
		return errors.Wrapf(kephasgate.ErrUnknownShard, "shard %d", shardID)
	}
	return shard.Send(ctx, payload)
}

// Status returns the status of every shard by id.
func (s *SimpleStrategy) Status() map[int]kephasgate.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int]kephasgate.Status, len(s.shards))
	for id, shard := range s.shards {
		out[id] = shard.Status()
	}
	return out
}

// Shard returns the shard with the given id.
func (s *SimpleStrategy) Shard(shardID int) (*websocket.Shard, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	shard, ok := s.shards[shardID]
	return shard, ok
}

// ShardIDs returns the ids of the owned shards in ascending order.
func (s *SimpleStrategy) ShardIDs() []int {
	s.mu.Lock()
	ids := append([]int(nil), s.order...)
	s.mu.Unlock()

	sort.Ints(ids)
	return ids
}

func (s *SimpleStrategy) snapshot() []*websocket.Shard {
	s.mu.Lock()
	defer s.mu.Unlock()

	shards := make([]*websocket.Shard, 0, len(s.order))
	for _, id := range s.order {
		shards = append(shards, s.shards[id])
	}
	return shards
}

// handler forwards shard events and starts a recovery when a shard destroyed
// itself with a recovery mode.
func (s *SimpleStrategy) handler(recoverCtx context.Context) func(kephasgate.Event) {
	return func(e kephasgate.Event) {
		s.emit(e)

		if e.Type != kephasgate.EventClosed || e.Recovery == kephasgate.RecoveryNone {
			return
		}
		if recoverCtx.Err() != nil {
			return
		}

		s.mu.Lock()
		shard, ok := s.shards[e.ShardID]
		if ok && recoverCtx.Err() == nil {
			s.recovering.Add(1)
		}
		s.mu.Unlock()

		if !ok || recoverCtx.Err() != nil {
			return
		}

		go func() {
			defer s.recovering.Done()
			s.recover(recoverCtx, shard, e.Recovery)
		}()
	}
}

// recover reconnects shard with exponential backoff until it succeeds or ctx
// is cancelled.
func (s *SimpleStrategy) recover(ctx context.Context, shard *websocket.Shard, mode kephasgate.Recovery) {
	log := s.log.WithField("shard", shard.ID()).WithField("recover", mode.String())

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = s.MaxRecoveryInterval

	operation := func() error {
		if err := s.throttler.WaitForIdentify(ctx, shard.ID()); err != nil {
			return err
		}
		err := shard.Connect(ctx)
		if errors.Is(err, kephasgate.ErrShardNotIdle) {
			return nil
		}
		if kephasgate.IsFatal(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		if ctx.Err() != nil {
			return
		}
		s.warnings.Do(func() {
			log.WithError(err).WithField("retry_in", next.String()).Warn("failed reconnecting shard")
		})
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
	if kephasgate.IsFatal(err) {
		log.WithError(err).Error("not reconnecting shard after fatal close")
		return
	}
	if err != nil && ctx.Err() == nil {
		log.WithError(err).Error("gave up reconnecting shard")
		return
	}
	if err == nil {
		log.Debug("shard recovered")
	}
}
