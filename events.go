package kephasgate

import (
	"time"

	"github.com/luciancaetano/kephasgate/internal/protocol"
)

// EventType identifies what an Event reports.
type EventType int

const (
	// EventDebug carries a lifecycle message in Message.
	EventDebug EventType = iota
	// EventStatus reports a status transition, the new status is in Status.
	EventStatus
	// EventHello is emitted when the gateway greets a new connection.
	EventHello
	// EventReady is emitted when a new session is established.
	EventReady
	// EventResumed is emitted when a resume completes, ReplayedEvents holds the replay count.
	EventResumed
	// EventDispatch carries every dispatch received, READY and RESUMED included.
	EventDispatch
	// EventHeartbeatAck reports an acknowledged heartbeat and its Latency.
	EventHeartbeatAck
	// EventClosed is emitted after a shard was destroyed, Recovery tells the owner what to do next.
	EventClosed
	// EventError reports a non fatal error in Err.
	EventError
)

var eventTypeNames = map[EventType]string{
	EventDebug:        "Debug",
	EventStatus:       "Status",
	EventHello:        "Hello",
	EventReady:        "Ready",
	EventResumed:      "Resumed",
	EventDispatch:     "Dispatch",
	EventHeartbeatAck: "HeartbeatAck",
	EventClosed:       "Closed",
	EventError:        "Error",
}

func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return "Unknown"
}

// Event is emitted by shards to their owner. Only the fields relevant to Type are set.
type Event struct {
	Type    EventType
	ShardID int
	// ConnID identifies the connection the event happened on, empty when there is none.
	ConnID string

	Message        string
	Status         Status
	Dispatch       *protocol.Dispatch
	ReplayedEvents int
	Latency        time.Duration

	Recovery Recovery
	Code     int
	Reason   string

	Err error
}
