package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mediocregopher/radix/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

type sent struct {
	shardID int
	payload protocol.SendPayload
}

// fakeGateway owns the shards in owned and records what it was asked to send.
// Sends to a shard in blocked wait for its channel to close.
type fakeGateway struct {
	owned   map[int]bool
	blocked map[int]chan struct{}

	mu       sync.Mutex
	handler  func(kephasgate.Event)
	sent     []sent
	timedOut int
}

func (g *fakeGateway) GetShardCount(ctx context.Context) (int, error) {
	return len(g.owned), nil
}

func (g *fakeGateway) Send(ctx context.Context, shardID int, payload protocol.SendPayload) error {
	if !g.owned[shardID] {
		return kephasgate.ErrUnknownShard
	}
	if release, ok := g.blocked[shardID]; ok {
		select {
		case <-release:
		case <-ctx.Done():
			g.mu.Lock()
			g.timedOut++
			g.mu.Unlock()
			return ctx.Err()
		}
	}
	g.mu.Lock()
	g.sent = append(g.sent, sent{shardID, payload})
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) timeouts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timedOut
}

func (g *fakeGateway) OnEvent(fn func(kephasgate.Event)) func() {
	g.mu.Lock()
	g.handler = fn
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		g.handler = nil
		g.mu.Unlock()
	}
}

func (g *fakeGateway) emit(e kephasgate.Event) bool {
	g.mu.Lock()
	h := g.handler
	g.mu.Unlock()
	if h == nil {
		return false
	}
	h(e)
	return true
}

func (g *fakeGateway) requests() []sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sent(nil), g.sent...)
}

// publishLog records PUBLISH commands sent to a radix stub
type publishLog struct {
	mu       sync.Mutex
	messages [][]string
}

func (p *publishLog) handle(args []string) interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, args)
	return 1
}

func (p *publishLog) all() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]string(nil), p.messages...)
}

type harness struct {
	gateway *fakeGateway
	pubs    *publishLog
	inbound chan<- radix.PubSubMessage
	broker  *Broker
}

func newHarness(t *testing.T, prefix string) *harness {
	t.Helper()

	h := &harness{
		gateway: &fakeGateway{owned: map[int]bool{0: true, 1: true}},
		pubs:    &publishLog{},
	}

	subConn, inbound := radix.PubSubStub("tcp", "127.0.0.1:6379", func([]string) interface{} { return nil })
	h.inbound = inbound
	sub := radix.PubSub(subConn)
	t.Cleanup(func() { sub.Close() })

	h.broker = New(h.gateway, radix.Stub("tcp", "127.0.0.1:6379", h.pubs.handle), sub, prefix)
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.broker.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return h.gateway.emit(kephasgate.Event{Type: kephasgate.EventDebug})
	}, time.Second, 5*time.Millisecond)
}

// TestChannels tests channel naming
func TestChannels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prefix   string
		dispatch string
		send     string
	}{
		{prefix: "", dispatch: "kephasgate:dispatch:MESSAGE_CREATE", send: "kephasgate:gateway_send"},
		{prefix: "bot", dispatch: "bot:dispatch:MESSAGE_CREATE", send: "bot:gateway_send"},
	}

	for _, tt := range tests {
		h := newHarness(t, tt.prefix)
		assert.Equal(t, tt.dispatch, h.broker.DispatchChannel("MESSAGE_CREATE"))
		assert.Equal(t, tt.send, h.broker.SendChannel())
	}
}

// TestID tests that every broker gets a random subscriber id
func TestID(t *testing.T) {
	t.Parallel()

	a, b := newHarness(t, ""), newHarness(t, "")
	assert.NotEqual(t, a.broker.ID(), b.broker.ID())
	_, err := uuid.Parse(a.broker.ID())
	assert.NoError(t, err)
}

// TestPublishDispatches tests that only dispatch events are published
func TestPublishDispatches(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "bot")
	h.run(t)

	h.gateway.emit(kephasgate.Event{Type: kephasgate.EventReady, ShardID: 1})
	h.gateway.emit(kephasgate.Event{
		Type:     kephasgate.EventDispatch,
		ShardID:  1,
		Dispatch: &protocol.Dispatch{Sequence: 4, Name: "MESSAGE_CREATE", Data: []byte(`{"content":"hi"}`)},
	})
	h.gateway.emit(kephasgate.Event{
		Type:     kephasgate.EventDispatch,
		ShardID:  0,
		Dispatch: &protocol.Dispatch{Sequence: 5, Name: "RESUMED"},
	})

	msgs := h.pubs.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"PUBLISH", "bot:dispatch:MESSAGE_CREATE"}, msgs[0][:2])
	assert.JSONEq(t, `{"shard_id":1,"payload":{"content":"hi"}}`, msgs[0][2])
	assert.Equal(t, "bot:dispatch:RESUMED", msgs[1][1])
	assert.JSONEq(t, `{"shard_id":0,"payload":null}`, msgs[1][2])
}

// TestForwardSendRequests tests decoding and forwarding of send requests
func TestForwardSendRequests(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.run(t)

	channel := h.broker.SendChannel()
	push := func(msg string) {
		h.inbound <- radix.PubSubMessage{Type: "message", Channel: channel, Message: []byte(msg)}
	}

	push(`{"shard_id":1,"payload":{"op":3,"d":{"since":null,"activities":[],"status":"idle","afk":false}}}`)
	push(`not json`)
	push(`{"shard_id":0,"payload":{"op":42,"d":{}}}`)
	push(`{"shard_id":5,"payload":{"op":3,"d":{"status":"online"}}}`)
	push(`{"shard_id":0,"payload":{"op":8,"d":{"guild_id":"81384788765712384","limit":0}}}`)

	require.Eventually(t, func() bool { return len(h.gateway.requests()) == 2 }, time.Second, 5*time.Millisecond)

	byShard := make(map[int]protocol.SendPayload)
	for _, req := range h.gateway.requests() {
		byShard[req.shardID] = req.payload
	}
	assert.Equal(t, map[int]protocol.SendPayload{
		1: protocol.PresenceUpdate{Activities: []protocol.Activity{}, Status: "idle"},
		0: protocol.RequestGuildMembers{GuildID: "81384788765712384"},
	}, byShard)
}

func (h *harness) push(msg string) {
	h.inbound <- radix.PubSubMessage{Type: "message", Channel: h.broker.SendChannel(), Message: []byte(msg)}
}

// TestBlockedShardDoesNotStallOthers tests that a shard waiting to send holds up only its own requests, which keep their order
func TestBlockedShardDoesNotStallOthers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	release := make(chan struct{})
	h.gateway.blocked = map[int]chan struct{}{0: release}
	h.run(t)

	h.push(`{"shard_id":0,"payload":{"op":3,"d":{"status":"idle"}}}`)
	h.push(`{"shard_id":0,"payload":{"op":3,"d":{"status":"dnd"}}}`)
	h.push(`{"shard_id":1,"payload":{"op":3,"d":{"status":"online"}}}`)

	require.Eventually(t, func() bool { return len(h.gateway.requests()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.gateway.requests()[0].shardID)

	close(release)
	require.Eventually(t, func() bool { return len(h.gateway.requests()) == 3 }, time.Second, 5*time.Millisecond)

	reqs := h.gateway.requests()
	assert.Equal(t, "idle", reqs[1].payload.(protocol.PresenceUpdate).Status)
	assert.Equal(t, "dnd", reqs[2].payload.(protocol.PresenceUpdate).Status)
}

// TestSendTimeout tests that a send stuck past SendTimeout is abandoned and the next one is attempted
func TestSendTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.gateway.blocked = map[int]chan struct{}{0: make(chan struct{})}
	h.broker.SendTimeout = 20 * time.Millisecond
	assert.Equal(t, DefaultSendTimeout, New(h.gateway, nil, nil, "").SendTimeout)
	h.run(t)

	h.push(`{"shard_id":0,"payload":{"op":3,"d":{"status":"idle"}}}`)
	h.push(`{"shard_id":0,"payload":{"op":3,"d":{"status":"dnd"}}}`)

	require.Eventually(t, func() bool { return h.gateway.timeouts() == 2 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.gateway.requests())
}

// TestRunStops tests that Run returns when its context ends and detaches from the gateway
func TestRunStops(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.broker.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.gateway.emit(kephasgate.Event{Type: kephasgate.EventDebug})
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, h.gateway.emit(kephasgate.Event{Type: kephasgate.EventDebug}))
}
