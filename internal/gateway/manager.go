// Package gateway implements the Manager, the entry point that resolves the
// shard layout, owns the sharding strategy and fans shard events out to
// subscribers.
package gateway

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/logging"
	"github.com/luciancaetano/kephasgate/internal/protocol"
	"github.com/luciancaetano/kephasgate/internal/rest"
	"github.com/luciancaetano/kephasgate/internal/session"
	"github.com/luciancaetano/kephasgate/internal/sharding"
	"github.com/luciancaetano/kephasgate/internal/throttle"
)

const gatewayInfoKey = "gateway_bot"

// InfoFetcher performs the authenticated GET /gateway/bot.
type InfoFetcher interface {
	GatewayBot(ctx context.Context) (*kephasgate.GatewayInfo, error)
}

// Options configures a Manager.
type Options struct {
	kephasgate.ShardOptions

	// ShardCount is the total number of shards, 0 uses the recommended count.
	ShardCount int
	// ShardIDs are the shards run by this process, empty runs all of them.
	ShardIDs []int

	// IdentifyCooldown is the spacing between identifies of one bucket.
	IdentifyCooldown time.Duration

	// SessionStore persists sessions, a MemoryStore when nil.
	SessionStore kephasgate.SessionStore
	// REST fetches gateway information, a rest.Client for Token when nil.
	REST InfoFetcher
}

// DefaultOptions returns the defaults used for every unset field.
func DefaultOptions() Options {
	return Options{
		ShardOptions: kephasgate.ShardOptions{
			Version:     "10",
			Encoding:    kephasgate.EncodingJSON,
			Compression: protocol.CompressionStream,
			Properties: protocol.IdentifyProperties{
				OS:      runtime.GOOS,
				Browser: "kephasgate",
				Device:  "kephasgate",
			},
			HelloTimeout:  60 * time.Second,
			ReadyTimeout:  15 * time.Second,
			SendRateLimit: kephasgate.DefaultSendRateLimit(),
		},
		IdentifyCooldown: throttle.DefaultCooldown,
	}
}

// Manager runs a set of shards in the current process.
type Manager struct {
	opts Options
	log  *logrus.Entry

	infoCache *cache.Cache
	throttler *throttle.Throttler
	strategy  *sharding.SimpleStrategy

	// countMu serializes shard count resolution.
	countMu    sync.Mutex
	shardCount int

	// lifecycle serializes Connect, Destroy and UpdateShardCount.
	lifecycle sync.Mutex
	running   bool

	handlersMu    sync.RWMutex
	handlers      map[uint64]func(kephasgate.Event)
	nextHandlerID uint64
}

var (
	_ kephasgate.Gateway        = (*Manager)(nil)
	_ kephasgate.ContextFetcher = (*Manager)(nil)
)

// New validates opts, fills unset fields from DefaultOptions and creates an idle manager.
func New(opts Options) (*Manager, error) {
	opts, err := withDefaults(opts)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		opts:      opts,
		log:       logging.GetFixedPrefixLogger("gateway"),
		infoCache: cache.New(cache.NoExpiration, time.Minute),
		handlers:  make(map[uint64]func(kephasgate.Event)),
	}

	m.throttler = throttle.New(m.maxConcurrency, opts.IdentifyCooldown)
	m.strategy = sharding.NewSimpleStrategy(m, m.throttler, m.emit)
	return m, nil
}

func withDefaults(opts Options) (Options, error) {
	def := DefaultOptions()

	if opts.Token == "" {
		return opts, kephasgate.ErrMissingToken
	}
	if opts.Version == "" {
		opts.Version = def.Version
	}
	if opts.Encoding == "" {
		opts.Encoding = def.Encoding
	}
	if opts.Encoding != kephasgate.EncodingJSON {
		return opts, errors.Wrapf(kephasgate.ErrUnsupportedEncoding, "encoding %q", opts.Encoding)
	}
	if opts.Properties == (protocol.IdentifyProperties{}) {
		opts.Properties = def.Properties
	}
	if opts.HelloTimeout <= 0 {
		opts.HelloTimeout = def.HelloTimeout
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = def.ReadyTimeout
	}
	if opts.SendRateLimit.IsZero() {
		opts.SendRateLimit = def.SendRateLimit
	}
	if opts.IdentifyCooldown <= 0 {
		opts.IdentifyCooldown = def.IdentifyCooldown
	}

	if opts.ShardCount < 0 {
		return opts, errors.Wrapf(kephasgate.ErrInvalidShardCount, "shard count %d", opts.ShardCount)
	}
	if err := validateShardIDs(opts.ShardIDs, opts.ShardCount); err != nil {
		return opts, err
	}

	if opts.SessionStore == nil {
		opts.SessionStore = session.NewMemoryStore()
	}
	if opts.REST == nil {
		opts.REST = rest.NewClient(opts.Token, "", opts.Version)
	}

	return opts, nil
}

// validateShardIDs checks ids against count, a count of 0 only rejects negative ids.
func validateShardIDs(ids []int, count int) error {
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		if id < 0 || (count > 0 && id >= count) {
			return errors.Wrapf(kephasgate.ErrInvalidShardCount, "shard id %d out of range for %d shards", id, count)
		}
		if seen[id] {
			return errors.Errorf("duplicate shard id %d", id)
		}
		seen[id] = true
	}
	return nil
}

// FetchGatewayInformation returns the gateway information, cached until the
// session start limit resets. force bypasses the cache.
func (m *Manager) FetchGatewayInformation(ctx context.Context, force bool) (*kephasgate.GatewayInfo, error) {
	if !force {
		if v, ok := m.infoCache.Get(gatewayInfoKey); ok {
			info := v.(kephasgate.GatewayInfo)
			return &info, nil
		}
	}

	info, err := m.opts.REST.GatewayBot(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "fetch gateway information")
	}

	if ttl := info.SessionStartLimit.ResetAfterDuration(); ttl > 0 {
		m.infoCache.Set(gatewayInfoKey, *info, ttl)
	} else {
		m.infoCache.Delete(gatewayInfoKey)
	}
	return info, nil
}

func (m *Manager) maxConcurrency(ctx context.Context) (int, error) {
	info, err := m.FetchGatewayInformation(ctx, false)
	if err != nil {
		return 0, err
	}
	return info.SessionStartLimit.MaxConcurrency, nil
}

// GetShardCount returns the configured shard count, or the recommended one
// fetched once and kept until the count is updated.
func (m *Manager) GetShardCount(ctx context.Context) (int, error) {
	m.countMu.Lock()
	defer m.countMu.Unlock()

	if m.shardCount > 0 {
		return m.shardCount, nil
	}
	if m.opts.ShardCount > 0 {
		m.shardCount = m.opts.ShardCount
		return m.shardCount, nil
	}

	info, err := m.FetchGatewayInformation(ctx, false)
	if err != nil {
		return 0, err
	}
	if info.Shards < 1 {
		return 0, errors.Wrapf(kephasgate.ErrInvalidShardCount, "recommended shard count %d", info.Shards)
	}
	m.shardCount = info.Shards
	return m.shardCount, nil
}

// GetShardIDs returns the ids run by this manager.
func (m *Manager) GetShardIDs(ctx context.Context) ([]int, error) {
	count, err := m.GetShardCount(ctx)
	if err != nil {
		return nil, err
	}

	if len(m.opts.ShardIDs) > 0 {
		if err := validateShardIDs(m.opts.ShardIDs, count); err != nil {
			return nil, err
		}
		ids := append([]int(nil), m.opts.ShardIDs...)
		sort.Ints(ids)
		return ids, nil
	}

	ids := make([]int, count)
	for i := range ids {
		ids[i] = i
	}
	return ids, nil
}

func (m *Manager) RetrieveSessionInfo(ctx context.Context, shardID int) (*kephasgate.SessionInfo, error) {
	return m.opts.SessionStore.Retrieve(ctx, shardID)
}

func (m *Manager) UpdateSessionInfo(ctx context.Context, shardID int, info *kephasgate.SessionInfo) error {
	return m.opts.SessionStore.Update(ctx, shardID, info)
}

func (m *Manager) ShardOptions() kephasgate.ShardOptions {
	return m.opts.ShardOptions
}

// Connect spawns the shards and connects them. It returns once every shard
// connected or failed, failed shards are reported together.
func (m *Manager) Connect(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	return m.connect(ctx)
}

func (m *Manager) connect(ctx context.Context) error {
	ids, err := m.GetShardIDs(ctx)
	if err != nil {
		return err
	}

	m.log.WithField("shards", len(ids)).Info("connecting shards")

	if err := m.strategy.Spawn(ctx, ids); err != nil {
		m.log.WithError(err).Warn("destroying previous shards")
	}
	m.running = true
	return m.strategy.Connect(ctx)
}

// Destroy destroys every shard.
func (m *Manager) Destroy(ctx context.Context, opts kephasgate.DestroyOptions) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.running = false
	if opts.Reason == "" {
		opts.Reason = kephasgate.ReasonShutdown
	}
	return m.strategy.Destroy(ctx, opts)
}

// UpdateShardCount changes the total shard count, 0 switches to the
// recommended count. When the resulting count changes every shard is destroyed, all
// sessions are cleared and the shards are respawned, a running manager also
// reconnects them.
func (m *Manager) UpdateShardCount(ctx context.Context, count int) error {
	if count < 0 {
		return errors.Wrapf(kephasgate.ErrInvalidShardCount, "shard count %d", count)
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.countMu.Lock()
	current := m.shardCount
	m.countMu.Unlock()

	target := count
	if target == 0 {
		info, err := m.FetchGatewayInformation(ctx, false)
		if err != nil {
			return err
		}
		target = info.Shards
		if target < 1 {
			return errors.Wrapf(kephasgate.ErrInvalidShardCount, "recommended shard count %d", target)
		}
	}

	if target == current {
		m.countMu.Lock()
		m.opts.ShardCount = count
		m.countMu.Unlock()
		return nil
	}
	if err := validateShardIDs(m.opts.ShardIDs, target); err != nil {
		return err
	}

	oldIDs := m.strategy.ShardIDs()
	err := m.strategy.Destroy(ctx, kephasgate.DestroyOptions{Reason: kephasgate.ReasonShardCount})

	for _, id := range oldIDs {
		err = multierr.Append(err, m.opts.SessionStore.Update(ctx, id, nil))
	}

	m.countMu.Lock()
	m.opts.ShardCount = count
	m.shardCount = 0
	m.countMu.Unlock()

	m.log.WithField("shard_count", count).Info("shard count updated")

	if !m.running {
		ids, idErr := m.GetShardIDs(ctx)
		if idErr != nil {
			return multierr.Append(err, idErr)
		}
		return multierr.Append(err, m.strategy.Spawn(ctx, ids))
	}
	return multierr.Append(err, m.connect(ctx))
}

// Send sends payload on shardID.
func (m *Manager) Send(ctx context.Context, shardID int, payload protocol.SendPayload) error {
	return m.strategy.Send(ctx, shardID, payload)
}

// Status returns the status of every shard by id.
func (m *Manager) Status() map[int]kephasgate.Status {
	return m.strategy.Status()
}

// HeartbeatStats returns when the last heartbeat of shardID was sent and acknowledged.
func (m *Manager) HeartbeatStats(shardID int) (lastSend, lastAck time.Time, err error) {
	shard, ok := m.strategy.Shard(shardID)
	if !ok {
		return lastSend, lastAck, errors.Wrapf(kephasgate.ErrUnknownShard, "shard %d", shardID)
	}
	lastSend, lastAck = shard.HeartbeatStats()
	return lastSend, lastAck, nil
}

// OnEvent registers fn for every shard event and returns a function removing it.
// Handlers run on shard goroutines and must not block.
func (m *Manager) OnEvent(fn func(kephasgate.Event)) (unsubscribe func()) {
	m.handlersMu.Lock()
	id := m.nextHandlerID
	m.nextHandlerID++
	m.handlers[id] = fn
	m.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.handlersMu.Lock()
			delete(m.handlers, id)
			m.handlersMu.Unlock()
		})
	}
}

func (m *Manager) emit(e kephasgate.Event) {
	m.handlersMu.RLock()
	ids := make([]uint64, 0, len(m.handlers))
	for id := range m.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]func(kephasgate.Event), len(ids))
	for i, id := range ids {
		handlers[i] = m.handlers[id]
	}
	m.handlersMu.RUnlock()

	for _, fn := range handlers {
		fn(e)
	}
}
