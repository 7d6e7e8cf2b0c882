// Package gatewaytest provides a scripted fake gateway for tests.
//
// The server upgrades every request, greets the client with Hello, acknowledges
// heartbeats and hands everything else to the test through Conn.Expect. Tests
// drive the rest of the handshake with the Send helpers.
package gatewaytest

import (
	"bytes"
	"compress/zlib"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultTimeout bounds every wait of the helpers.
const DefaultTimeout = 5 * time.Second

// RateLimitConfig polices how fast a client may send. Exceeding it closes the
// connection with 4008, like the real gateway.
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages a client can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig allows 120 messages per minute with a burst of 120.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: rate.Every(time.Minute / 120),
		Burst:             120,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// Options configures a Server.
type Options struct {
	// HeartbeatInterval is announced in Hello. Zero means one minute.
	HeartbeatInterval time.Duration
	// SkipHello stops the server from greeting new connections.
	SkipHello bool
	// IgnoreHeartbeats disables automatic heartbeat acks on new connections.
	IgnoreHeartbeats bool
	// Stream sends every payload as zlib-stream binary frames.
	Stream bool
	// SplitFrames sends every compressed payload in two frames, only the
	// second ending with the sync flush marker.
	SplitFrames bool
	// RateLimit polices client messages, nil disables policing.
	RateLimit *RateLimitConfig
}

// Payload is a client payload as received by the server.
type Payload struct {
	Op int                 `json:"op"`
	D  jsoniter.RawMessage `json:"d"`
}

// Server is a fake gateway listening on a local address.
type Server struct {
	// URL is the ws:// address of the server.
	URL string

	opts     Options
	srv      *httptest.Server
	upgrader websocket.Upgrader
	conns    chan *Conn

	mu  sync.Mutex
	all []*Conn
}

// NewServer starts a fake gateway that is closed when the test ends.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()

	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = time.Minute
	}

	s := &Server{
		opts:  opts,
		conns: make(chan *Conn, 16),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	s.URL = "ws" + strings.TrimPrefix(s.srv.URL, "http")

	t.Cleanup(s.Close)
	return s
}

// Close closes every connection and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	conns := s.all
	s.all = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
	s.srv.Close()
}

// NextConn returns the next connection accepted by the server.
func (s *Server) NextConn(t testing.TB) *Conn {
	t.Helper()

	select {
	case c := <-s.conns:
		return c
	case <-time.After(DefaultTimeout):
		t.Fatal("gatewaytest: no connection accepted")
		return nil
	}
}

// Connections returns how many connections were accepted so far.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.all)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &Conn{
		ws:         ws,
		Query:      r.URL.Query(),
		RawQuery:   r.URL.RawQuery,
		opts:       s.opts,
		received:   make(chan Payload, 64),
		heartbeats: make(chan Payload, 64),
		closed:     make(chan struct{}),
	}
	c.ignoreHeartbeats.Store(s.opts.IgnoreHeartbeats)
	if s.opts.RateLimit != nil && s.opts.RateLimit.Enabled {
		c.limiter = rate.NewLimiter(s.opts.RateLimit.MessagesPerSecond, s.opts.RateLimit.Burst)
	}
	if s.opts.Stream {
		c.zw = zlib.NewWriter(&c.zbuf)
	}

	s.mu.Lock()
	s.all = append(s.all, c)
	s.mu.Unlock()

	if !s.opts.SkipHello {
		if err := c.send(map[string]interface{}{
			"op": 10,
			"d":  map[string]interface{}{"heartbeat_interval": s.opts.HeartbeatInterval.Milliseconds()},
		}); err != nil {
			ws.Close()
			return
		}
	}

	s.conns <- c
	c.readLoop()
}

// Conn is one client connection seen from the server side.
type Conn struct {
	// Query holds the parsed query parameters of the upgrade request.
	Query url.Values
	// RawQuery is the query string as sent by the client.
	RawQuery string

	ws      *websocket.Conn
	opts    Options
	limiter *rate.Limiter

	received   chan Payload
	heartbeats chan Payload
	closed     chan struct{}
	closeCode  atomic.Int64

	ignoreHeartbeats atomic.Bool

	writeMu sync.Mutex
	zw      *zlib.Writer
	zbuf    bytes.Buffer
}

func (c *Conn) readLoop() {
	defer close(c.closed)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.closeCode.Store(int64(closeErr.Code))
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			_ = c.CloseWith(4008, "You are being rate limited.")
			return
		}

		var p Payload
		if err := json.Unmarshal(data, &p); err != nil {
			_ = c.CloseWith(4002, "Error while decoding payload.")
			return
		}

		if p.Op == 1 {
			if !c.ignoreHeartbeats.Load() {
				_ = c.send(map[string]interface{}{"op": 11})
			}
			select {
			case c.heartbeats <- p:
			default:
			}
			continue
		}

		c.received <- p
	}
}

// SetIgnoreHeartbeats turns automatic heartbeat acks off or back on.
func (c *Conn) SetIgnoreHeartbeats(ignore bool) {
	c.ignoreHeartbeats.Store(ignore)
}

func (c *Conn) send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteRaw(data)
}

// WriteRaw writes data as a payload, compressing it when the server streams.
func (c *Conn) WriteRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.zw == nil {
		return c.ws.WriteMessage(websocket.TextMessage, data)
	}

	c.zbuf.Reset()
	if _, err := c.zw.Write(data); err != nil {
		return err
	}
	if err := c.zw.Flush(); err != nil {
		return err
	}
	frame := c.zbuf.Bytes()

	if c.opts.SplitFrames && len(frame) > 1 {
		half := len(frame) / 2
		if err := c.ws.WriteMessage(websocket.BinaryMessage, frame[:half]); err != nil {
			return err
		}
		frame = frame[half:]
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// WriteFrame writes a raw websocket frame, bypassing compression.
func (c *Conn) WriteFrame(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(messageType, data)
}

// Send writes v as JSON and fails the test on error.
func (c *Conn) Send(t testing.TB, v interface{}) {
	t.Helper()
	if err := c.send(v); err != nil {
		t.Fatalf("gatewaytest: send: %v", err)
	}
}

// SendHello greets the client.
func (c *Conn) SendHello(t testing.TB, interval time.Duration) {
	t.Helper()
	c.Send(t, map[string]interface{}{"op": 10, "d": map[string]interface{}{"heartbeat_interval": interval.Milliseconds()}})
}

// SendDispatch sends an op 0 payload.
func (c *Conn) SendDispatch(t testing.TB, seq int64, name string, d interface{}) {
	t.Helper()
	c.Send(t, map[string]interface{}{"op": 0, "s": seq, "t": name, "d": d})
}

// SendReady completes an identify.
func (c *Conn) SendReady(t testing.TB, seq int64, sessionID string, shard [2]int) {
	t.Helper()
	c.SendDispatch(t, seq, "READY", map[string]interface{}{
		"v":                  10,
		"session_id":         sessionID,
		"resume_gateway_url": "",
		"shard":              shard,
	})
}

// SendResumed completes a resume.
func (c *Conn) SendResumed(t testing.TB, seq int64) {
	t.Helper()
	c.SendDispatch(t, seq, "RESUMED", map[string]interface{}{})
}

// SendReconnect asks the client to reconnect.
func (c *Conn) SendReconnect(t testing.TB) {
	t.Helper()
	c.Send(t, map[string]interface{}{"op": 7, "d": nil})
}

// SendInvalidSession invalidates the client's session.
func (c *Conn) SendInvalidSession(t testing.TB, resumable bool) {
	t.Helper()
	c.Send(t, map[string]interface{}{"op": 9, "d": resumable})
}

// SendHeartbeatRequest asks the client for an immediate heartbeat.
func (c *Conn) SendHeartbeatRequest(t testing.TB) {
	t.Helper()
	c.Send(t, map[string]interface{}{"op": 1, "d": nil})
}

// CloseWith closes the connection with a close frame.
func (c *Conn) CloseWith(code int, reason string) error {
	c.writeMu.Lock()
	err := c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.ws.Close()
	return err
}

// Expect waits for the next non heartbeat payload and checks its opcode.
func (c *Conn) Expect(t testing.TB, op int) Payload {
	t.Helper()

	select {
	case p := <-c.received:
		if p.Op != op {
			t.Fatalf("gatewaytest: got op %d, want %d (d=%s)", p.Op, op, p.D)
		}
		return p
	case <-time.After(DefaultTimeout):
		t.Fatalf("gatewaytest: timed out waiting for op %d", op)
		return Payload{}
	}
}

// ExpectNothing fails if a non heartbeat payload arrives within d.
func (c *Conn) ExpectNothing(t testing.TB, d time.Duration) {
	t.Helper()

	select {
	case p := <-c.received:
		t.Fatalf("gatewaytest: unexpected op %d (d=%s)", p.Op, p.D)
	case <-time.After(d):
	}
}

// ExpectHeartbeat waits for the next heartbeat.
func (c *Conn) ExpectHeartbeat(t testing.TB) Payload {
	t.Helper()

	select {
	case p := <-c.heartbeats:
		return p
	case <-time.After(DefaultTimeout):
		t.Fatal("gatewaytest: timed out waiting for a heartbeat")
		return Payload{}
	}
}

// WaitClosed waits for the client to go away and returns the close code it sent, 0 if none.
func (c *Conn) WaitClosed(t testing.TB) int {
	t.Helper()

	select {
	case <-c.closed:
		return int(c.closeCode.Load())
	case <-time.After(DefaultTimeout):
		t.Fatal("gatewaytest: connection was not closed")
		return 0
	}
}

// Decode unmarshals the payload data into v.
func (p Payload) Decode(t testing.TB, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(p.D, v); err != nil {
		t.Fatalf("gatewaytest: decode op %d: %v", p.Op, err)
	}
}
