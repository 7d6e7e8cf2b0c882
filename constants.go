package kephasgate

import "github.com/pkg/errors"

// Close codes written by shards.
const (
	CloseNormal = 1000
	// CloseResume is used when the shard intends to resume, so the server keeps the session.
	CloseResume = 4200
)

// Close codes received from the gateway.
const (
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// Destroy reasons used by shards when they tear themselves down.
const (
	ReasonZombieConnection = "Zombie connection"
	ReasonReconnect        = "Told to reconnect by the gateway"
	ReasonInvalidSession   = "Invalid session"
	ReasonConnectionClosed = "Connection closed by the gateway"
	ReasonConnectFailed    = "Connect failed"
	ReasonRespawn          = "Respawning shards"
	ReasonShardCount       = "Shard count changed"
	ReasonShutdown         = "Shutting down"
)

// Usage errors
var (
	ErrShardNotIdle        = errors.New("shard is not idle")
	ErrShardIdle           = errors.New("shard is already idle")
	ErrNotConnected        = errors.New("shard has no open connection")
	ErrNotReady            = errors.New("shard is not ready, only heartbeat, identify and resume may be sent")
	ErrUnknownShard        = errors.New("unknown shard")
	ErrUnsupportedEncoding = errors.New("unsupported encoding")
	ErrInvalidShardCount   = errors.New("invalid shard count")
	ErrMissingToken        = errors.New("missing token")
)

// Connection errors
var (
	ErrHelloTimeout     = errors.New("timed out waiting for hello")
	ErrReadyTimeout     = errors.New("timed out waiting for ready")
	ErrResumeTimeout    = errors.New("timed out waiting for resumed")
	ErrConnectionClosed = errors.New("connection is closed")
)

// Fatal close errors, a shard closed with one of these is not recovered.
var (
	ErrBadAuth           = errors.New("authentication failed")
	ErrInvalidShard      = errors.New("invalid shard")
	ErrShardingRequired  = errors.New("sharding required")
	ErrInvalidAPIVersion = errors.New("invalid api version")
	ErrInvalidIntent     = errors.New("invalid intents")
	ErrDisabledIntent    = errors.New("disallowed intents")
)

// IsFatal reports whether err was caused by a fatal close code.
func IsFatal(err error) bool {
	for _, fatal := range []error{ErrBadAuth, ErrInvalidShard, ErrShardingRequired, ErrInvalidAPIVersion, ErrInvalidIntent, ErrDisabledIntent} {
		if errors.Is(err, fatal) {
			return true
		}
	}
	return false
}

// DecodeError is emitted in an EventError when an inbound frame could not be
// decoded. The payload is dropped and the connection stays open.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "decode payload: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// RecoveryForCloseCode decides how a shard recovers after the gateway closed
// its connection with code. A non nil error marks the close as fatal.
func RecoveryForCloseCode(code int) (Recovery, error) {
	switch code {
	case CloseAuthenticationFailed:
		return RecoveryNone, ErrBadAuth
	case CloseInvalidShard:
		return RecoveryNone, ErrInvalidShard
	case CloseShardingRequired:
		return RecoveryNone, ErrShardingRequired
	case CloseInvalidAPIVersion:
		return RecoveryNone, ErrInvalidAPIVersion
	case CloseInvalidIntents:
		return RecoveryNone, ErrInvalidIntent
	case CloseDisallowedIntents:
		return RecoveryNone, ErrDisabledIntent
	case CloseInvalidSeq, CloseSessionTimedOut:
		return RecoveryReconnect, nil
	}
	return RecoveryResume, nil
}
