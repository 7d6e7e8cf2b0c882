package ws

import (
	"time"

	"github.com/mediocregopher/radix/v3"

	"github.com/luciancaetano/kephasgate/internal/gateway"
	"github.com/luciancaetano/kephasgate/internal/protocol"
	"github.com/luciancaetano/kephasgate/internal/session"
)

type Manager = gateway.Manager
type Options = gateway.Options
type InfoFetcher = gateway.InfoFetcher

type MemoryStore = session.MemoryStore
type RedisStore = session.RedisStore

type Compression = protocol.Compression

const (
	CompressionNone       = protocol.CompressionNone
	CompressionPerPayload = protocol.CompressionPerPayload
	CompressionStream     = protocol.CompressionStream
)

type SendPayload = protocol.SendPayload
type Dispatch = protocol.Dispatch
type Heartbeat = protocol.Heartbeat
type Identify = protocol.Identify
type IdentifyProperties = protocol.IdentifyProperties
type Resume = protocol.Resume
type Activity = protocol.Activity
type PresenceUpdate = protocol.PresenceUpdate
type VoiceStateUpdate = protocol.VoiceStateUpdate
type RequestGuildMembers = protocol.RequestGuildMembers

// NewManager creates a manager. Unset options take their value from DefaultOptions.
//
// Parameters:
//   - opts: Token is required. ShardCount 0 uses the recommended count and an
//     empty ShardIDs runs every shard in this process.
//
// Example:
//
//	opts := ws.DefaultOptions()
//	opts.Token = token
//	manager, err := ws.NewManager(opts)
func NewManager(opts Options) (*Manager, error) {
	return gateway.New(opts)
}

// DefaultOptions returns the default manager options
func DefaultOptions() Options {
	return gateway.DefaultOptions()
}

// NewMemoryStore returns an in-process session store
func NewMemoryStore() *MemoryStore {
	return session.NewMemoryStore()
}

// NewRedisStore returns a session store keeping sessions under <prefix>:session:<shard id>.
// A ttl of 0 keeps sessions until they are cleared.
func NewRedisStore(client radix.Client, prefix string, ttl time.Duration) *RedisStore {
	s := session.NewRedisStore(client, prefix)
	s.TTL = ttl
	return s
}

// DecodeSendPayload parses a payload in wire form, {"op":..,"d":..}.
func DecodeSendPayload(data []byte) (SendPayload, error) {
	return protocol.DecodeSendPayload(data)
}
