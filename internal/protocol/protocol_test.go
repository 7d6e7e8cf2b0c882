package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64 { return &v }

// TestEncode tests the Encode function with every send payload variant
func TestEncode(t *testing.T) {
	t.Parallel()

	channelID := "200"

	tests := []struct {
		name      string
		payload   SendPayload
		want      string
		wantError bool
	}{
		{
			name:    "heartbeat with sequence",
			payload: Heartbeat{Sequence: int64Ptr(5)},
			want:    `{"op":1,"d":5}`,
		},
		{
			name:    "heartbeat without sequence is null",
			payload: Heartbeat{},
			want:    `{"op":1,"d":null}`,
		},
		{
			name: "identify without optional fields",
			payload: Identify{
				Token:      "token",
				Properties: IdentifyProperties{OS: "linux", Browser: "kephasgate", Device: "kephasgate"},
				Intents:    513,
				Shard:      [2]int{1, 4},
			},
			want: `{"op":2,"d":{"token":"token","properties":{"os":"linux","browser":"kephasgate","device":"kephasgate"},"intents":513,"compress":false,"shard":[1,4]}}`,
		},
		{
			name: "identify with large threshold and presence",
			payload: Identify{
				Token:          "token",
				Compress:       true,
				Shard:          [2]int{0, 1},
				LargeThreshold: 250,
				Presence:       &PresenceUpdate{Status: "online", Activities: []Activity{}},
			},
			want: `{"op":2,"d":{"token":"token","properties":{"os":"","browser":"","device":""},"intents":0,"compress":true,"shard":[0,1],"large_threshold":250,"presence":{"since":null,"activities":[],"status":"online","afk":false}}}`,
		},
		{
			name:    "resume",
			payload: Resume{Token: "token", SessionID: "abc", Sequence: 42},
			want:    `{"op":6,"d":{"token":"token","session_id":"abc","seq":42}}`,
		},
		{
			name:    "voice state update",
			payload: VoiceStateUpdate{GuildID: "100", ChannelID: &channelID, SelfDeaf: true},
			want:    `{"op":4,"d":{"guild_id":"100","channel_id":"200","self_mute":false,"self_deaf":true}}`,
		},
		{
			name:    "request guild members",
			payload: RequestGuildMembers{GuildID: "100", Limit: 0, UserIDs: []string{"1", "2"}},
			want:    `{"op":8,"d":{"guild_id":"100","limit":0,"user_ids":["1","2"]}}`,
		},
		{
			name:      "payload exceeds max size",
			payload:   Identify{Token: strings.Repeat("x", MaxSendPayloadSize)},
			wantError: true,
		},
		{
			name:      "nil payload",
			payload:   nil,
			wantError: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Encode(tt.payload)
			if tt.wantError {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

// TestDecode tests the Decode function with every receive payload variant
func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		data      string
		want      ReceivePayload
		wantError bool
	}{
		{
			name: "hello",
			data: `{"op":10,"d":{"heartbeat_interval":41250,"_trace":["gateway-prd-1"]},"s":null,"t":null}`,
			want: Hello{HeartbeatInterval: 41250 * time.Millisecond, Trace: []string{"gateway-prd-1"}},
		},
		{
			name: "heartbeat ack",
			data: `{"op":11}`,
			want: HeartbeatAck{},
		},
		{
			name: "heartbeat request",
			data: `{"op":1,"d":null}`,
			want: HeartbeatRequest{},
		},
		{
			name: "reconnect",
			data: `{"op":7,"d":null}`,
			want: Reconnect{},
		},
		{
			name: "invalid session resumable",
			data: `{"op":9,"d":true}`,
			want: InvalidSession{Resumable: true},
		},
		{
			name: "invalid session not resumable",
			data: `{"op":9,"d":false}`,
			want: InvalidSession{Resumable: false},
		},
		{
			name: "dispatch",
			data: `{"op":0,"s":3,"t":"MESSAGE_CREATE","d":{"id":"1"}}`,
			want: Dispatch{Sequence: 3, Name: "MESSAGE_CREATE", Data: []byte(`{"id":"1"}`)},
		},
		{
			name:      "dispatch without sequence",
			data:      `{"op":0,"t":"MESSAGE_CREATE","d":{}}`,
			wantError: true,
		},
		{
			name:      "hello without interval",
			data:      `{"op":10,"d":{}}`,
			wantError: true,
		},
		{
			name:      "unknown opcode",
			data:      `{"op":42,"d":null}`,
			wantError: true,
		},
		{
			name:      "empty data",
			data:      ``,
			wantError: true,
		},
		{
			name:      "malformed json",
			data:      `{"op":`,
			wantError: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Decode([]byte(tt.data))
			if tt.wantError {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestDecodeUnknownOpcodeError verifies the typed error for opcodes outside the union
func TestDecodeUnknownOpcodeError(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte(`{"op":5}`))
	var opErr *UnknownOpcodeError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, Opcode(5), opErr.Op)
}

// TestDecodeSendPayload verifies relayed client payloads decode into the right variant
func TestDecodeSendPayload(t *testing.T) {
	t.Parallel()

	query := "ab"

	tests := []struct {
		name      string
		data      string
		want      SendPayload
		wantError bool
	}{
		{
			name: "heartbeat",
			data: `{"op":1,"d":7}`,
			want: Heartbeat{Sequence: int64Ptr(7)},
		},
		{
			name: "null heartbeat",
			data: `{"op":1,"d":null}`,
			want: Heartbeat{},
		},
		{
			name: "presence update",
			data: `{"op":3,"d":{"since":null,"activities":[{"name":"x","type":0}],"status":"idle","afk":true}}`,
			want: PresenceUpdate{Activities: []Activity{{Name: "x"}}, Status: "idle", AFK: true},
		},
		{
			name: "request guild members",
			data: `{"op":8,"d":{"guild_id":"1","query":"ab","limit":5}}`,
			want: RequestGuildMembers{GuildID: "1", Query: &query, Limit: 5},
		},
		{
			name:      "receive-only opcode",
			data:      `{"op":10,"d":{"heartbeat_interval":1}}`,
			wantError: true,
		},
		{
			name:      "wrong data shape",
			data:      `{"op":6,"d":"nope"}`,
			wantError: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := DecodeSendPayload([]byte(tt.data))
			if tt.wantError {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestDecodeReady tests extracting session fields from READY
func TestDecodeReady(t *testing.T) {
	t.Parallel()

	ready, err := DecodeReady(Dispatch{Name: EventReady, Data: []byte(`{"v":10,"session_id":"sess","resume_gateway_url":"wss://resume","shard":[0,2]}`)})
	require.NoError(t, err)
	assert.Equal(t, "sess", ready.SessionID)
	assert.Equal(t, "wss://resume", ready.ResumeGatewayURL)
	assert.Equal(t, []int{0, 2}, ready.Shard)

	_, err = DecodeReady(Dispatch{Name: EventReady, Data: []byte(`{"v":10}`)})
	assert.Error(t, err)
}

// TestIsImportant tests the pre-ready allow-list
func TestIsImportant(t *testing.T) {
	t.Parallel()

	allowed := map[Opcode]bool{OpHeartbeat: true, OpIdentify: true, OpResume: true}
	for _, op := range []Opcode{OpDispatch, OpHeartbeat, OpIdentify, OpPresenceUpdate, OpVoiceStateUpdate, OpResume, OpReconnect, OpRequestGuildMembers, OpInvalidSession, OpHello, OpHeartbeatAck} {
		if got := IsImportant(op); got != allowed[op] {
			t.Errorf("IsImportant(%s) = %v, want %v", op, got, allowed[op])
		}
	}
}

// TestOpcodeValues pins the opcode table, the server enforces these numbers
func TestOpcodeValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		op   Opcode
		want int
	}{
		{OpDispatch, 0},
		{OpHeartbeat, 1},
		{OpIdentify, 2},
		{OpResume, 6},
		{OpReconnect, 7},
		{OpInvalidSession, 9},
		{OpHello, 10},
		{OpHeartbeatAck, 11},
	}

	for _, tt := range tests {
		tt := tt
		if int(tt.op) != tt.want {
			t.Errorf("%s = %d, want %d", tt.op, int(tt.op), tt.want)
		}
	}
}

// BenchmarkEncode benchmarks the encoding operation
func BenchmarkEncode(b *testing.B) {
	payload := Heartbeat{Sequence: int64Ptr(1234)}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Encode(payload)
	}
}

// BenchmarkDecode benchmarks the decoding operation
func BenchmarkDecode(b *testing.B) {
	data := []byte(`{"op":0,"s":3,"t":"MESSAGE_CREATE","d":{"id":"1","content":"benchmark test payload"}}`)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Decode(data)
	}
}
