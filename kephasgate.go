package kephasgate

import (
	"context"
	"time"

	"github.com/luciancaetano/kephasgate/internal/protocol"
)

// Status is the state of a shard's connection state machine.
//
// A shard moves Idle -> Connecting -> (Resuming | Identifying) -> Ready and
// returns to Idle on destroy.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusResuming
	StatusIdentifying
	StatusReady
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusConnecting:
		return "Connecting"
	case StatusResuming:
		return "Resuming"
	case StatusIdentifying:
		return "Identifying"
	case StatusReady:
		return "Ready"
	}
	return "Unknown"
}

// Recovery tells the owner of a destroyed shard what it should do next.
type Recovery int

const (
	// RecoveryNone means the shard stays down.
	RecoveryNone Recovery = iota
	// RecoveryReconnect means connect again with a fresh session.
	RecoveryReconnect
	// RecoveryResume means connect again and resume the stored session.
	RecoveryResume
)

func (r Recovery) String() string {
	switch r {
	case RecoveryNone:
		return "none"
	case RecoveryReconnect:
		return "reconnect"
	case RecoveryResume:
		return "resume"
	}
	return "unknown"
}

// DestroyOptions controls how a shard is torn down.
//
// A zero Code selects CloseNormal, or CloseResume when Recover is RecoveryResume.
type DestroyOptions struct {
	Reason  string
	Code    int
	Recover Recovery
}

// SessionInfo is the resumable state of one shard.
//
// A stored session may only be resumed when ShardCount equals the shard count
// about to be used.
type SessionInfo struct {
	Sequence   int64  `json:"sequence"`
	SessionID  string `json:"session_id"`
	ShardID    int    `json:"shard_id"`
	ShardCount int    `json:"shard_count"`
}

// SessionStartLimit mirrors the session_start_limit object of the gateway information endpoint.
type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"` // milliseconds
	MaxConcurrency int `json:"max_concurrency"`
}

// ResetAfterDuration returns ResetAfter as a time.Duration.
func (l SessionStartLimit) ResetAfterDuration() time.Duration {
	return time.Duration(l.ResetAfter) * time.Millisecond
}

// GatewayInfo is the response of the authenticated gateway information endpoint.
type GatewayInfo struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// SessionStore persists per-shard session state so a shard can resume after a restart.
//
// Each shard only reads and writes its own key, implementations need no
// cross-shard transactions.
type SessionStore interface {
	// Retrieve returns the stored session for shardID, or nil when there is none.
	Retrieve(ctx context.Context, shardID int) (*SessionInfo, error)

	// Update stores info for shardID. A nil info clears the stored session.
	Update(ctx context.Context, shardID int, info *SessionInfo) error
}

// ContextFetcher is everything a shard needs from its owner in order to connect.
type ContextFetcher interface {
	// FetchGatewayInformation returns the gateway URL and session start limits.
	// Implementations may cache the result, force bypasses such a cache.
	FetchGatewayInformation(ctx context.Context, force bool) (*GatewayInfo, error)

	// RetrieveSessionInfo returns the stored session of shardID, or nil.
	RetrieveSessionInfo(ctx context.Context, shardID int) (*SessionInfo, error)

	// UpdateSessionInfo stores or, with a nil info, clears the session of shardID.
	UpdateSessionInfo(ctx context.Context, shardID int, info *SessionInfo) error

	// GetShardCount returns the total number of shards in use.
	GetShardCount(ctx context.Context) (int, error)

	// ShardOptions returns the static connection options shared by every shard.
	ShardOptions() ShardOptions
}

// Gateway is the outward send surface of a set of shards.
//
// Example usage:
//
//	unsubscribe := gw.OnEvent(func(e kephasgate.Event) {
//	    if e.Type == kephasgate.EventDispatch {
//	        log.Printf("shard %d: %s", e.ShardID, e.Dispatch.Name)
//	    }
//	})
//	defer unsubscribe()
//
//	gw.Send(ctx, 0, ws.PresenceUpdate{Status: "idle"})
type Gateway interface {
	// GetShardCount returns the total number of shards in use.
	GetShardCount(ctx context.Context) (int, error)

	// Send writes payload on the shard with the given id.
	//
	// Returns an error wrapping ErrUnknownShard if no such shard is held, ErrNotReady
	// when the payload is not allowed before the shard is Ready, or ErrNotConnected
	// when the shard has no connection.
	Send(ctx context.Context, shardID int, payload protocol.SendPayload) error

	// OnEvent registers fn for every event of every shard. Calling the returned
	// function removes the registration.
	OnEvent(fn func(Event)) (unsubscribe func())
}

// ShardingStrategy creates and owns a set of shards.
type ShardingStrategy interface {
	// Spawn destroys the shards currently held and creates one per id.
	Spawn(ctx context.Context, shardIDs []int) error

	// Connect connects every held shard, waiting on the identify throttler before each.
	Connect(ctx context.Context) error

	// Destroy tears down every held shard and forgets them.
	Destroy(ctx context.Context, opts DestroyOptions) error

	// Send writes payload on the shard with the given id.
	Send(ctx context.Context, shardID int, payload protocol.SendPayload) error

	// Status returns the status of every held shard.
	Status() map[int]Status
}
