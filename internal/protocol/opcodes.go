package protocol

import "strconv"

// Opcode is a gateway operation code.
// see https://discord.com/developers/docs/topics/opcodes-and-status-codes#gateway-gateway-opcodes
type Opcode int

const (
	OpDispatch            Opcode = 0  // (Receive)
	OpHeartbeat           Opcode = 1  // (Send/Receive)
	OpIdentify            Opcode = 2  // (Send)
	OpPresenceUpdate      Opcode = 3  // (Send)
	OpVoiceStateUpdate    Opcode = 4  // (Send)
	OpResume              Opcode = 6  // (Send)
	OpReconnect           Opcode = 7  // (Receive)
	OpRequestGuildMembers Opcode = 8  // (Send)
	OpInvalidSession      Opcode = 9  // (Receive)
	OpHello               Opcode = 10 // (Receive)
	OpHeartbeatAck        Opcode = 11 // (Receive)
)

func (op Opcode) String() string {
	switch op {
	case OpDispatch:
		return "Dispatch"
	case OpHeartbeat:
		return "Heartbeat"
	case OpIdentify:
		return "Identify"
	case OpPresenceUpdate:
		return "PresenceUpdate"
	case OpVoiceStateUpdate:
		return "VoiceStateUpdate"
	case OpResume:
		return "Resume"
	case OpReconnect:
		return "Reconnect"
	case OpRequestGuildMembers:
		return "RequestGuildMembers"
	case OpInvalidSession:
		return "InvalidSession"
	case OpHello:
		return "Hello"
	case OpHeartbeatAck:
		return "HeartbeatAck"
	}

	return "Opcode(" + strconv.Itoa(int(op)) + ")"
}

// IsImportant reports whether op may be sent before the session is ready.
func IsImportant(op Opcode) bool {
	switch op {
	case OpHeartbeat, OpIdentify, OpResume:
		return true
	}
	return false
}

// Dispatch event names the connection layer itself reacts to.
const (
	EventReady   = "READY"
	EventResumed = "RESUMED"
)
