package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/gatewaytest"
	"github.com/luciancaetano/kephasgate/internal/protocol"
	"github.com/luciancaetano/kephasgate/internal/session"
)

// stubREST serves fixed gateway information and counts calls
type stubREST struct {
	calls atomic.Int32

	mu   sync.Mutex
	info kephasgate.GatewayInfo
	err  error
}

func (s *stubREST) GatewayBot(ctx context.Context) (*kephasgate.GatewayInfo, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	info := s.info
	return &info, nil
}

func newStubREST(url string, shards int) *stubREST {
	return &stubREST{info: kephasgate.GatewayInfo{
		URL:    url,
		Shards: shards,
		SessionStartLimit: kephasgate.SessionStartLimit{
			Total:          1000,
			Remaining:      1000,
			ResetAfter:     60000,
			MaxConcurrency: 16,
		},
	}}
}

func testOptions(rest InfoFetcher) Options {
	return Options{
		ShardOptions: kephasgate.ShardOptions{
			Token:         "token",
			Compression:   protocol.CompressionNone,
			HelloTimeout:  2 * time.Second,
			ReadyTimeout:  2 * time.Second,
			SendRateLimit: kephasgate.NoSendRateLimit(),
		},
		IdentifyCooldown: 10 * time.Millisecond,
		REST:             rest,
	}
}

// readyAll answers n identifies and returns the connections by shard id
func readyAll(t *testing.T, srv *gatewaytest.Server, n int) map[int]*gatewaytest.Conn {
	t.Helper()

	conns := make(map[int]*gatewaytest.Conn, n)
	for i := 0; i < n; i++ {
		conn := srv.NextConn(t)
		var identify protocol.Identify
		conn.Expect(t, int(protocol.OpIdentify)).Decode(t, &identify)
		conn.SendReady(t, 1, fmt.Sprintf("session-%d", identify.Shard[0]), identify.Shard)
		conns[identify.Shard[0]] = conn
	}
	return conns
}

func connect(t *testing.T, m *Manager, srv *gatewaytest.Server, n int) map[int]*gatewaytest.Conn {
	t.Helper()

	errCh := make(chan error, 1)
	go func() { errCh <- m.Connect(context.Background()) }()
	conns := readyAll(t, srv, n)
	require.NoError(t, <-errCh)
	return conns
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()

	m, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		m.Destroy(context.Background(), kephasgate.DestroyOptions{})
	})
	return m
}

// TestNewValidation tests option validation
func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*Options)
		wantErr error
	}{
		{name: "missing token", modify: func(o *Options) { o.Token = "" }, wantErr: kephasgate.ErrMissingToken},
		{name: "etf", modify: func(o *Options) { o.Encoding = kephasgate.EncodingETF }, wantErr: kephasgate.ErrUnsupportedEncoding},
		{name: "negative count", modify: func(o *Options) { o.ShardCount = -1 }, wantErr: kephasgate.ErrInvalidShardCount},
		{name: "id out of range", modify: func(o *Options) { o.ShardCount = 2; o.ShardIDs = []int{0, 2} }, wantErr: kephasgate.ErrInvalidShardCount},
		{name: "negative id", modify: func(o *Options) { o.ShardIDs = []int{-1} }, wantErr: kephasgate.ErrInvalidShardCount},
		{name: "valid", modify: func(o *Options) { o.ShardCount = 4; o.ShardIDs = []int{3, 1} }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opts := testOptions(newStubREST("ws://unused", 1))
			tt.modify(&opts)

			_, err := New(opts)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// TestDefaults tests that unset options are filled from DefaultOptions
func TestDefaults(t *testing.T) {
	t.Parallel()

	m, err := New(Options{ShardOptions: kephasgate.ShardOptions{Token: "token"}})
	require.NoError(t, err)

	def := DefaultOptions()
	got := m.ShardOptions()
	assert.Equal(t, "10", got.Version)
	assert.Equal(t, kephasgate.EncodingJSON, got.Encoding)
	assert.Equal(t, protocol.CompressionNone, got.Compression, "compression is never forced")
	assert.Equal(t, def.Properties, got.Properties)
	assert.Equal(t, 60*time.Second, got.HelloTimeout)
	assert.Equal(t, 15*time.Second, got.ReadyTimeout)
	assert.Equal(t, kephasgate.DefaultSendRateLimit(), got.SendRateLimit)
	assert.Equal(t, protocol.CompressionStream, def.Compression)
	assert.IsType(t, &session.MemoryStore{}, m.opts.SessionStore)
}

// TestFetchGatewayInformationCache tests caching until reset_after
func TestFetchGatewayInformationCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	rest := newStubREST("wss://gateway", 3)
	m := newTestManager(t, testOptions(rest))

	for i := 0; i < 3; i++ {
		info, err := m.FetchGatewayInformation(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, "wss://gateway", info.URL)
	}
	assert.Equal(t, int32(1), rest.calls.Load())

	_, err := m.FetchGatewayInformation(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), rest.calls.Load(), "force bypasses the cache")

	short := newStubREST("wss://gateway", 3)
	short.info.SessionStartLimit.ResetAfter = 50
	m = newTestManager(t, testOptions(short))
	_, err = m.FetchGatewayInformation(ctx, false)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	_, err = m.FetchGatewayInformation(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), short.calls.Load(), "expired information is fetched again")
}

// TestShardCountResolution tests configured and recommended shard counts
func TestShardCountResolution(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	recommended := newTestManager(t, testOptions(newStubREST("wss://gateway", 3)))
	count, err := recommended.GetShardCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	ids, err := recommended.GetShardIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, ids)

	opts := testOptions(newStubREST("wss://gateway", 3))
	opts.ShardCount = 8
	opts.ShardIDs = []int{5, 2}
	configured := newTestManager(t, opts)
	count, err = configured.GetShardCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, count)
	ids, err = configured.GetShardIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5}, ids)

	failing := newStubREST("", 0)
	failing.err = assert.AnError
	broken := newTestManager(t, testOptions(failing))
	_, err = broken.GetShardCount(ctx)
	assert.ErrorIs(t, err, assert.AnError)

	opts = testOptions(newStubREST("wss://gateway", 2))
	opts.ShardIDs = []int{3}
	outOfRange := newTestManager(t, opts)
	_, err = outOfRange.GetShardIDs(ctx)
	assert.ErrorIs(t, err, kephasgate.ErrInvalidShardCount)
}

// TestConnectAndSend tests connecting every shard and routing sends
func TestConnectAndSend(t *testing.T) {
	t.Parallel()

	srv := gatewaytest.NewServer(t, gatewaytest.Options{})
	m := newTestManager(t, testOptions(newStubREST(srv.URL, 2)))

	events := &gatewaytest.Recorder{}
	m.OnEvent(events.Emit)

	conns := connect(t, m, srv, 2)
	require.Len(t, conns, 2)

	assert.Equal(t, map[int]kephasgate.Status{0: kephasgate.StatusReady, 1: kephasgate.StatusReady}, m.Status())
	assert.Len(t, events.Matching(kephasgate.EventReady, nil), 2)

	stored, err := m.RetrieveSessionInfo(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "session-1", stored.SessionID)
	assert.Equal(t, 2, stored.ShardCount)

	require.NoError(t, m.Send(context.Background(), 0, protocol.PresenceUpdate{Status: "dnd"}))
	conns[0].Expect(t, int(protocol.OpPresenceUpdate))

	assert.ErrorIs(t, m.Send(context.Background(), 2, protocol.PresenceUpdate{}), kephasgate.ErrUnknownShard)

	_, _, err = m.HeartbeatStats(0)
	assert.NoError(t, err)
	_, _, err = m.HeartbeatStats(9)
	assert.ErrorIs(t, err, kephasgate.ErrUnknownShard)
}

// TestOnEventUnsubscribe tests that removed handlers stop receiving events
func TestOnEventUnsubscribe(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, testOptions(newStubREST("wss://gateway", 1)))

	var first, second atomic.Int32
	unsubscribe := m.OnEvent(func(kephasgate.Event) { first.Add(1) })
	m.OnEvent(func(kephasgate.Event) { second.Add(1) })

	m.emit(kephasgate.Event{Type: kephasgate.EventDebug})
	unsubscribe()
	unsubscribe()
	m.emit(kephasgate.Event{Type: kephasgate.EventDebug})

	assert.Equal(t, int32(1), first.Load())
	assert.Equal(t, int32(2), second.Load())
}

// TestDestroyKeepsResumableSessions tests shutdown with resume recovery
func TestDestroyKeepsResumableSessions(t *testing.T) {
	t.Parallel()

	srv := gatewaytest.NewServer(t, gatewaytest.Options{})
	m := newTestManager(t, testOptions(newStubREST(srv.URL, 1)))
	conns := connect(t, m, srv, 1)

	require.NoError(t, m.Destroy(context.Background(), kephasgate.DestroyOptions{Recover: kephasgate.RecoveryResume}))
	assert.Equal(t, kephasgate.CloseResume, conns[0].WaitClosed(t))

	stored, err := m.RetrieveSessionInfo(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, stored)

	// a new connect resumes the stored session
	errCh := make(chan error, 1)
	go func() { errCh <- m.Connect(context.Background()) }()
	conn := srv.NextConn(t)
	var resume protocol.Resume
	conn.Expect(t, int(protocol.OpResume)).Decode(t, &resume)
	assert.Equal(t, "session-0", resume.SessionID)
	conn.SendResumed(t, 2)
	require.NoError(t, <-errCh)
}

// TestUpdateShardCount tests that a new count respawns every shard and clears sessions
func TestUpdateShardCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	srv := gatewaytest.NewServer(t, gatewaytest.Options{})
	opts := testOptions(newStubREST(srv.URL, 1))
	opts.ShardCount = 1
	m := newTestManager(t, opts)
	conns := connect(t, m, srv, 1)

	require.NoError(t, m.UpdateShardCount(ctx, 1), "same count is a no-op")
	assert.Equal(t, 1, srv.Connections())

	errCh := make(chan error, 1)
	go func() { errCh <- m.UpdateShardCount(ctx, 2) }()

	assert.Equal(t, kephasgate.CloseNormal, conns[0].WaitClosed(t))
	next := readyAll(t, srv, 2)
	require.NoError(t, <-errCh)

	assert.Len(t, next, 2)
	count, err := m.GetShardCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Len(t, m.Status(), 2)

	stored, err := m.RetrieveSessionInfo(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.ShardCount)

	assert.ErrorIs(t, m.UpdateShardCount(ctx, -1), kephasgate.ErrInvalidShardCount)
}

// TestUpdateShardCountRecommendedUnchanged tests that switching to an equal recommended count keeps the shards and sessions
func TestUpdateShardCountRecommendedUnchanged(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	srv := gatewaytest.NewServer(t, gatewaytest.Options{})
	opts := testOptions(newStubREST(srv.URL, 1))
	opts.ShardCount = 1
	m := newTestManager(t, opts)
	conns := connect(t, m, srv, 1)

	require.NoError(t, m.UpdateShardCount(ctx, 0))

	conns[0].ExpectNothing(t, 100*time.Millisecond)
	assert.Equal(t, 1, srv.Connections())
	assert.Equal(t, map[int]kephasgate.Status{0: kephasgate.StatusReady}, m.Status())

	stored, err := m.RetrieveSessionInfo(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "session-0", stored.SessionID)

	count, err := m.GetShardCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// TestUpdateShardCountIdle tests that an idle manager only respawns
func TestUpdateShardCountIdle(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, testOptions(newStubREST("wss://gateway", 1)))

	require.NoError(t, m.UpdateShardCount(context.Background(), 3))
	assert.Equal(t, map[int]kephasgate.Status{
		0: kephasgate.StatusIdle,
		1: kephasgate.StatusIdle,
		2: kephasgate.StatusIdle,
	}, m.Status())
}
