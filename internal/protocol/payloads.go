package protocol

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

// ReceivePayload is a decoded payload received from the gateway.
// The set of implementations is closed: Hello, HeartbeatAck, HeartbeatRequest,
// Reconnect, InvalidSession and Dispatch.
type ReceivePayload interface {
	Opcode() Opcode
	receivePayload()
}

// SendPayload is a payload a shard may write to the gateway.
// The set of implementations is closed: Heartbeat, Identify, Resume,
// PresenceUpdate, VoiceStateUpdate and RequestGuildMembers.
type SendPayload interface {
	Opcode() Opcode
	sendPayload()
}

// Hello is the first payload sent by the gateway on a new connection.
type Hello struct {
	HeartbeatInterval time.Duration
	Trace             []string
}

// HeartbeatAck acknowledges the last heartbeat.
type HeartbeatAck struct{}

// HeartbeatRequest is the gateway asking for an immediate heartbeat.
type HeartbeatRequest struct{}

// Reconnect tells the client to reconnect.
type Reconnect struct{}

// InvalidSession reports that the current session is invalid.
// Resumable mirrors the payload's boolean data.
type InvalidSession struct {
	Resumable bool
}

// Dispatch carries an event.
type Dispatch struct {
	Sequence int64
	Name     string
	Data     jsoniter.RawMessage
}

func (Hello) Opcode() Opcode            { return OpHello }
func (HeartbeatAck) Opcode() Opcode     { return OpHeartbeatAck }
func (HeartbeatRequest) Opcode() Opcode { return OpHeartbeat }
func (Reconnect) Opcode() Opcode        { return OpReconnect }
func (InvalidSession) Opcode() Opcode   { return OpInvalidSession }
func (Dispatch) Opcode() Opcode         { return OpDispatch }

func (Hello) receivePayload()            {}
func (HeartbeatAck) receivePayload()     {}
func (HeartbeatRequest) receivePayload() {}
func (Reconnect) receivePayload()        {}
func (InvalidSession) receivePayload()   {}
func (Dispatch) receivePayload()         {}

// ReadyData is the subset of the READY dispatch the connection layer needs.
type ReadyData struct {
	Version          int    `json:"v"`
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
	Shard            []int  `json:"shard,omitempty"`
}

// Heartbeat carries the last sequence number seen, nil is sent as null.
type Heartbeat struct {
	Sequence *int64
}

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Identify starts a new session.
type Identify struct {
	Token          string             `json:"token"`
	Properties     IdentifyProperties `json:"properties"`
	Intents        int                `json:"intents"`
	Compress       bool               `json:"compress"`
	Shard          [2]int             `json:"shard"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
	Presence       *PresenceUpdate    `json:"presence,omitempty"`
}

// Resume re-attaches to a previous session.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

// Activity is a presence activity.
type Activity struct {
	Name  string `json:"name"`
	Type  int    `json:"type"`
	URL   string `json:"url,omitempty"`
	State string `json:"state,omitempty"`
}

// PresenceUpdate updates the client's presence, also used as the initial presence in Identify.
type PresenceUpdate struct {
	Since      *int64     `json:"since"`
	Activities []Activity `json:"activities"`
	Status     string     `json:"status"`
	AFK        bool       `json:"afk"`
}

// VoiceStateUpdate joins, moves or leaves a voice channel. A nil ChannelID leaves.
type VoiceStateUpdate struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// RequestGuildMembers requests member chunks for a guild.
type RequestGuildMembers struct {
	GuildID   string   `json:"guild_id"`
	Query     *string  `json:"query,omitempty"`
	Limit     int      `json:"limit"`
	Presences bool     `json:"presences,omitempty"`
	UserIDs   []string `json:"user_ids,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

func (Heartbeat) Opcode() Opcode           { return OpHeartbeat }
func (Identify) Opcode() Opcode            { return OpIdentify }
func (Resume) Opcode() Opcode              { return OpResume }
func (PresenceUpdate) Opcode() Opcode      { return OpPresenceUpdate }
func (VoiceStateUpdate) Opcode() Opcode    { return OpVoiceStateUpdate }
func (RequestGuildMembers) Opcode() Opcode { return OpRequestGuildMembers }

func (Heartbeat) sendPayload()           {}
func (Identify) sendPayload()            {}
func (Resume) sendPayload()              {}
func (PresenceUpdate) sendPayload()      {}
func (VoiceStateUpdate) sendPayload()    {}
func (RequestGuildMembers) sendPayload() {}
