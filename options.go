package kephasgate

import (
	"time"

	"github.com/luciancaetano/kephasgate/internal/protocol"
)

// Supported values of ShardOptions.Encoding.
const (
	EncodingJSON = "json"
	EncodingETF  = "etf"
)

// SendRateLimit is a fixed window send budget. A Sends <= 0 disables limiting,
// although option constructors treat the zero value as unset.
type SendRateLimit struct {
	// Sends is how many payloads may be written per window.
	Sends int
	// Window is the length of one window.
	Window time.Duration
}

// DefaultSendRateLimit returns the default budget, 119 sends per minute.
// This sits just under the gateway's limit of 120 to leave room for heartbeats.
func DefaultSendRateLimit() SendRateLimit {
	return SendRateLimit{
		Sends:  119,
		Window: time.Minute,
	}
}

// NoSendRateLimit returns a budget that never blocks.
func NoSendRateLimit() SendRateLimit {
	return SendRateLimit{Sends: -1}
}

// IsZero reports whether the budget was left unset.
func (l SendRateLimit) IsZero() bool {
	return l.Sends == 0 && l.Window == 0
}

// ShardOptions are the static connection options shared by every shard.
type ShardOptions struct {
	Token   string
	Intents int

	// Version is the gateway API version sent as the v query parameter.
	Version string
	// Encoding is the payload encoding, only EncodingJSON is implemented.
	Encoding    string
	Compression protocol.Compression

	Properties      protocol.IdentifyProperties
	LargeThreshold  int
	InitialPresence *protocol.PresenceUpdate

	// HelloTimeout bounds the wait for Hello after the socket opens.
	HelloTimeout time.Duration
	// ReadyTimeout bounds the wait for READY after Identify and for RESUMED after Resume.
	ReadyTimeout time.Duration

	SendRateLimit SendRateLimit
}
