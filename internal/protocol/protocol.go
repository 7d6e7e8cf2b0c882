package protocol

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const (
	// MaxSendPayloadSize is the largest encoded payload the gateway accepts from clients.
	MaxSendPayloadSize = 4096
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrEmptyPayload is returned when decoding zero bytes.
var ErrEmptyPayload = errors.New("empty payload")

// UnknownOpcodeError is returned by Decode and DecodeSendPayload for opcodes
// outside of the payload unions.
type UnknownOpcodeError struct {
	Op Opcode
}

func (e *UnknownOpcodeError) Error() string {
	return "unknown opcode: " + e.Op.String()
}

type envelope struct {
	Op   Opcode              `json:"op"`
	Data jsoniter.RawMessage `json:"d"`
	Seq  *int64              `json:"s"`
	Type *string             `json:"t"`
}

type outgoing struct {
	Op   Opcode      `json:"op"`
	Data interface{} `json:"d"`
}

type helloData struct {
	HeartbeatInterval int64    `json:"heartbeat_interval"` // milliseconds
	Trace             []string `json:"_trace"`
}

// Encode serializes p into its wire form {"op":..,"d":..}.
func Encode(p SendPayload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("nil payload")
	}

	var data interface{} = p
	switch t := p.(type) {
	case Heartbeat:
		data = t.Sequence
	case *Heartbeat:
		data = t.Sequence
	}

	out, err := json.Marshal(outgoing{Op: p.Opcode(), Data: data})
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", p.Opcode())
	}

	if len(out) > MaxSendPayloadSize {
		return nil, errors.Errorf("payload size %d exceeds maximum %d bytes", len(out), MaxSendPayloadSize)
	}
	return out, nil
}

// Decode parses a complete, decompressed gateway payload.
func Decode(data []byte) (ReceivePayload, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "decode gateway payload")
	}

	switch env.Op {
	case OpDispatch:
		if env.Seq == nil || env.Type == nil {
			return nil, errors.New("dispatch without sequence or event name")
		}
		return Dispatch{Sequence: *env.Seq, Name: *env.Type, Data: env.Data}, nil
	case OpHello:
		var h helloData
		if err := json.Unmarshal(env.Data, &h); err != nil {
			return nil, errors.Wrap(err, "decode hello")
		}
		if h.HeartbeatInterval <= 0 {
			return nil, errors.Errorf("invalid heartbeat interval %d", h.HeartbeatInterval)
		}
		return Hello{HeartbeatInterval: time.Duration(h.HeartbeatInterval) * time.Millisecond, Trace: h.Trace}, nil
	case OpHeartbeatAck:
		return HeartbeatAck{}, nil
	case OpHeartbeat:
		return HeartbeatRequest{}, nil
	case OpReconnect:
		return Reconnect{}, nil
	case OpInvalidSession:
		var resumable bool
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &resumable); err != nil {
				return nil, errors.Wrap(err, "decode invalid session")
			}
		}
		return InvalidSession{Resumable: resumable}, nil
	}

	return nil, &UnknownOpcodeError{Op: env.Op}
}

// DecodeSendPayload parses a client payload in wire form, as relayed by brokers.
func DecodeSendPayload(data []byte) (SendPayload, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "decode send payload")
	}

	var (
		p   SendPayload
		err error
	)

	switch env.Op {
	case OpHeartbeat:
		var hb Heartbeat
		err = unmarshalData(env.Data, &hb.Sequence)
		p = hb
	case OpIdentify:
		var v Identify
		err = unmarshalData(env.Data, &v)
		p = v
	case OpResume:
		var v Resume
		err = unmarshalData(env.Data, &v)
		p = v
	case OpPresenceUpdate:
		var v PresenceUpdate
		err = unmarshalData(env.Data, &v)
		p = v
	case OpVoiceStateUpdate:
		var v VoiceStateUpdate
		err = unmarshalData(env.Data, &v)
		p = v
	case OpRequestGuildMembers:
		var v RequestGuildMembers
		err = unmarshalData(env.Data, &v)
		p = v
	default:
		return nil, &UnknownOpcodeError{Op: env.Op}
	}

	if err != nil {
		return nil, errors.Wrapf(err, "decode %s data", env.Op)
	}
	return p, nil
}

// DecodeReady extracts the session fields of a READY dispatch.
func DecodeReady(d Dispatch) (*ReadyData, error) {
	var r ReadyData
	if err := json.Unmarshal(d.Data, &r); err != nil {
		return nil, errors.Wrap(err, "decode ready")
	}
	if r.SessionID == "" {
		return nil, errors.New("ready without session id")
	}
	return &r, nil
}

func unmarshalData(raw jsoniter.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
