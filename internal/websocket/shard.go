package websocket

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/logging"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

// Shard maintains the gateway connection of one shard id.
//
// The zero value is not usable, create shards with NewShard.
type Shard struct {
	id      int
	fetcher kephasgate.ContextFetcher
	emit    func(kephasgate.Event)
	dialer  *websocket.Dialer
	log     *logrus.Entry

	queue   *sendQueue
	limiter *sendLimiter

	mu     sync.Mutex
	status kephasgate.Status
	// epoch changes on every Connect and destroy, a connect attempt that
	// finds a different epoch was superseded
	epoch    uint64
	conn     *connection
	session  *kephasgate.SessionInfo
	replayed int

	ack             bool
	lastHeartbeatAt time.Time
	lastAckAt       time.Time
}

// NewShard creates an idle shard. Every event of the shard is passed to emit.
func NewShard(id int, fetcher kephasgate.ContextFetcher, emit func(kephasgate.Event)) *Shard {
	if emit == nil {
		emit = func(kephasgate.Event) {}
	}

	return &Shard{
		id:      id,
		fetcher: fetcher,
		emit:    emit,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		},
		log:     logging.GetFixedPrefixLogger("shard").WithField("shard", id),
		queue:   newSendQueue(),
		limiter: newSendLimiter(fetcher.ShardOptions().SendRateLimit),
		ack:     true,
	}
}

// ID returns the shard id.
func (s *Shard) ID() int {
	return s.id
}

// Status returns the current status.
func (s *Shard) Status() kephasgate.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// HeartbeatStats returns when the last heartbeat was sent and when the last ack arrived.
func (s *Shard) HeartbeatStats() (lastSend, lastAck time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeatAt, s.lastAckAt
}

// Session returns a copy of the in-memory session, or nil.
func (s *Shard) Session() *kephasgate.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil
	}
	session := *s.session
	return &session
}

// Connect opens a connection and completes the handshake, resuming the stored
// session when its shard count matches and identifying otherwise.
//
// Connect fails with ErrShardNotIdle unless the shard is Idle. Hello and ready
// timeouts are returned as ErrHelloTimeout, ErrReadyTimeout or ErrResumeTimeout.
// On any failure the shard is back to Idle when Connect returns.
func (s *Shard) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.status != kephasgate.StatusIdle {
		status := s.status
		s.mu.Unlock()
		return errors.Wrapf(kephasgate.ErrShardNotIdle, "shard %d is %s", s.id, status)
	}
	s.epoch++
	epoch := s.epoch
	s.status = kephasgate.StatusConnecting
	s.mu.Unlock()

	s.emitStatus(nil, kephasgate.StatusConnecting)

	if err := s.connect(ctx, epoch); err != nil {
		s.abort(epoch, err)
		return errors.WithMessagef(err, "shard %d", s.id)
	}
	return nil
}

func (s *Shard) connect(ctx context.Context, epoch uint64) error {
	opts := s.fetcher.ShardOptions()

	info, err := s.fetcher.FetchGatewayInformation(ctx, false)
	if err != nil {
		return errors.WithMessage(err, "fetch gateway information")
	}
	shardCount, err := s.fetcher.GetShardCount(ctx)
	if err != nil {
		return errors.WithMessage(err, "get shard count")
	}

	gatewayURL, err := GatewayURL(info.URL, opts)
	if err != nil {
		return err
	}

	s.debug(nil, "Connecting",
		"url: "+gatewayURL,
		fmt.Sprintf("shard count: %d", shardCount),
		"compression: "+opts.Compression.String(),
	)

	ws, _, err := s.dialer.DialContext(ctx, gatewayURL, nil)
	if err != nil {
		return errors.Wrap(err, "dial gateway")
	}

	conn := newConnection(ws, opts.Compression, shardCount)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		conn.close(kephasgate.CloseNormal, "")
		return kephasgate.ErrConnectionClosed
	}
	s.conn = conn
	s.ack = true
	// resume reinstalls the stored session, identify waits for READY, so
	// heartbeats before either carry no sequence
	s.session = nil
	s.mu.Unlock()

	go s.readLoop(conn)

	hello, err := s.waitHello(ctx, conn, opts.HelloTimeout)
	if err != nil {
		return err
	}
	go s.heartbeatLoop(conn, hello.HeartbeatInterval)

	stored, err := s.fetcher.RetrieveSessionInfo(ctx, s.id)
	if err != nil {
		return errors.WithMessage(err, "retrieve session")
	}

	if stored != nil && stored.SessionID != "" {
		if stored.ShardCount == shardCount {
			return s.resume(ctx, conn, opts, *stored)
		}
		s.debug(conn, "Ignoring stored session",
			fmt.Sprintf("stored shard count: %d", stored.ShardCount),
			fmt.Sprintf("current shard count: %d", shardCount),
		)
	}

	return s.identify(ctx, conn, opts)
}

func (s *Shard) resume(ctx context.Context, conn *connection, opts kephasgate.ShardOptions, session kephasgate.SessionInfo) error {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return kephasgate.ErrConnectionClosed
	}
	s.session = &session
	s.replayed = 0
	s.status = kephasgate.StatusResuming
	s.mu.Unlock()

	s.emitStatus(conn, kephasgate.StatusResuming)
	s.debug(conn, "Resuming session",
		"session id: "+session.SessionID,
		fmt.Sprintf("sequence: %d", session.Sequence),
	)

	err := s.sendOn(ctx, conn, protocol.Resume{
		Token:     opts.Token,
		SessionID: session.SessionID,
		Sequence:  session.Sequence,
	})
	if err != nil {
		return errors.WithMessage(err, "send resume")
	}

	return s.waitReady(ctx, conn, opts.ReadyTimeout, kephasgate.ErrResumeTimeout)
}

func (s *Shard) identify(ctx context.Context, conn *connection, opts kephasgate.ShardOptions) error {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return kephasgate.ErrConnectionClosed
	}
	s.status = kephasgate.StatusIdentifying
	s.mu.Unlock()

	s.emitStatus(conn, kephasgate.StatusIdentifying)
	s.debug(conn, "Identifying",
		fmt.Sprintf("shard: [%d, %d]", s.id, conn.shardCount),
		fmt.Sprintf("intents: %d", opts.Intents),
		"compression: "+opts.Compression.String(),
	)

	err := s.sendOn(ctx, conn, protocol.Identify{
		Token:          opts.Token,
		Properties:     opts.Properties,
		Intents:        opts.Intents,
		Compress:       opts.Compression == protocol.CompressionPerPayload,
		Shard:          [2]int{s.id, conn.shardCount},
		LargeThreshold: opts.LargeThreshold,
		Presence:       opts.InitialPresence,
	})
	if err != nil {
		return errors.WithMessage(err, "send identify")
	}

	return s.waitReady(ctx, conn, opts.ReadyTimeout, kephasgate.ErrReadyTimeout)
}

func (s *Shard) waitHello(ctx context.Context, conn *connection, timeout time.Duration) (protocol.Hello, error) {
	expired, stop := timeoutChan(timeout)
	defer stop()

	select {
	case h := <-conn.hello:
		return h, nil
	case <-expired:
		return protocol.Hello{}, kephasgate.ErrHelloTimeout
	case <-conn.ctx.Done():
		return protocol.Hello{}, conn.closedErr()
	case <-ctx.Done():
		return protocol.Hello{}, ctx.Err()
	}
}

func (s *Shard) waitReady(ctx context.Context, conn *connection, timeout time.Duration, timeoutErr error) error {
	expired, stop := timeoutChan(timeout)
	defer stop()

	select {
	case <-conn.ready:
		return nil
	case <-expired:
		return timeoutErr
	case <-conn.ctx.Done():
		return conn.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// timeoutChan returns a channel that fires after d, or never when d <= 0.
func timeoutChan(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	timer := time.NewTimer(d)
	return timer.C, func() { timer.Stop() }
}

// abort returns a failed connect attempt to Idle unless it was already superseded.
func (s *Shard) abort(epoch uint64, cause error) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.epoch++
	s.status = kephasgate.StatusIdle
	s.ack = true
	s.mu.Unlock()

	if conn != nil {
		conn.close(kephasgate.CloseNormal, kephasgate.ReasonConnectFailed)
	}

	s.log.WithError(cause).Warn("connect failed")
	s.emitStatus(conn, kephasgate.StatusIdle)
	s.emitEvent(conn, kephasgate.Event{
		Type:     kephasgate.EventClosed,
		Recovery: kephasgate.RecoveryNone,
		Code:     kephasgate.CloseNormal,
		Reason:   kephasgate.ReasonConnectFailed,
		Err:      cause,
	})
}

// Send writes payload on the current connection.
//
// Before the shard is Ready only heartbeat, identify and resume are accepted.
// Concurrent callers are written in call order and share the send budget.
func (s *Shard) Send(ctx context.Context, payload protocol.SendPayload) error {
	if payload == nil {
		return errors.New("nil payload")
	}

	s.mu.Lock()
	conn, status := s.conn, s.status
	s.mu.Unlock()

	if conn == nil || conn.closing() {
		return kephasgate.ErrNotConnected
	}
	if status != kephasgate.StatusReady && !protocol.IsImportant(payload.Opcode()) {
		return errors.Wrapf(kephasgate.ErrNotReady, "shard %d is %s", s.id, status)
	}

	return s.sendOn(ctx, conn, payload)
}

func (s *Shard) sendOn(ctx context.Context, conn *connection, payload protocol.SendPayload) error {
	data, err := protocol.Encode(payload)
	if err != nil {
		return err
	}

	release, err := s.queue.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := s.limiter.wait(ctx); err != nil {
		return err
	}

	if err := conn.write(data); err != nil {
		return errors.Wrapf(err, "write %s", payload.Opcode())
	}
	return nil
}

// Destroy closes the connection and returns the shard to Idle.
//
// Unless opts.Recover is RecoveryResume the session is cleared, in memory and
// in the session store. Destroy fails with ErrShardIdle when the shard is Idle.
func (s *Shard) Destroy(ctx context.Context, opts kephasgate.DestroyOptions) error {
	return s.destroy(ctx, nil, opts)
}

// destroy tears down the shard. A non nil expected limits the teardown to that
// connection, so late callbacks of a replaced connection are no-ops.
func (s *Shard) destroy(ctx context.Context, expected *connection, opts kephasgate.DestroyOptions) error {
	s.mu.Lock()
	if s.status == kephasgate.StatusIdle {
		s.mu.Unlock()
		return errors.Wrapf(kephasgate.ErrShardIdle, "shard %d", s.id)
	}
	if expected != nil && s.conn != expected {
		s.mu.Unlock()
		return kephasgate.ErrConnectionClosed
	}

	conn := s.conn
	s.conn = nil
	s.epoch++
	s.status = kephasgate.StatusIdle
	s.ack = true

	clearSession := opts.Recover != kephasgate.RecoveryResume
	if clearSession {
		s.session = nil
	}
	s.mu.Unlock()

	code := opts.Code
	if code == 0 {
		code = kephasgate.CloseNormal
		if opts.Recover == kephasgate.RecoveryResume {
			code = kephasgate.CloseResume
		}
	}

	s.debug(conn, "Destroying shard",
		"reason: "+opts.Reason,
		fmt.Sprintf("code: %d", code),
		"recover: "+opts.Recover.String(),
	)

	var err error
	if clearSession {
		if err = s.fetcher.UpdateSessionInfo(ctx, s.id, nil); err != nil {
			err = errors.WithMessage(err, "clear session")
			s.log.WithError(err).Error("failed clearing session")
		}
	}

	if conn != nil {
		conn.close(code, opts.Reason)
	}

	s.emitStatus(conn, kephasgate.StatusIdle)
	s.emitEvent(conn, kephasgate.Event{
		Type:     kephasgate.EventClosed,
		Recovery: opts.Recover,
		Code:     code,
		Reason:   opts.Reason,
	})

	return err
}

func (s *Shard) readLoop(conn *connection) {
	defer conn.decoder.Close()

	for {
		messageType, data, err := conn.ws.ReadMessage()
		if err != nil {
			s.onReadError(conn, err)
			return
		}

		payload, err := conn.decoder.Decode(messageType == websocket.BinaryMessage, data)
		if err != nil {
			if !conn.closing() {
				s.log.WithField("conn", conn.id).WithError(err).Warn("dropping undecodable payload")
				s.emitEvent(conn, kephasgate.Event{Type: kephasgate.EventError, Err: &kephasgate.DecodeError{Err: err}})
			}
			continue
		}
		if payload == nil {
			// partial zlib-stream message
			continue
		}

		s.handlePayload(conn, payload)
	}
}

func (s *Shard) onReadError(conn *connection, err error) {
	if conn.closing() {
		return
	}

	s.mu.Lock()
	current := s.conn == conn
	s.mu.Unlock()
	if !current {
		conn.close(kephasgate.CloseNormal, "")
		return
	}

	code := 0
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}

	recovery, fatal := kephasgate.RecoveryForCloseCode(code)
	entry := s.log.WithField("conn", conn.id).WithField("code", code).WithError(err)
	if fatal != nil {
		cause := errors.Wrapf(fatal, "close code %d", code)
		conn.setCause(cause)
		entry.Error("gateway closed the connection with a fatal code")
		s.emitEvent(conn, kephasgate.Event{
			Type: kephasgate.EventError,
			Code: code,
			Err:  cause,
		})
	} else {
		conn.setCause(errors.Wrapf(kephasgate.ErrConnectionClosed, "close code %d", code))
		entry.Warn("connection lost")
	}

	s.destroy(context.Background(), conn, kephasgate.DestroyOptions{
		Reason:  kephasgate.ReasonConnectionClosed,
		Recover: recovery,
	})
}

func (s *Shard) handlePayload(conn *connection, payload protocol.ReceivePayload) {
	switch p := payload.(type) {
	case protocol.Hello:
		conn.signalHello(p)
		s.debug(conn, "Received hello", fmt.Sprintf("heartbeat interval: %s", p.HeartbeatInterval))
		s.emitEvent(conn, kephasgate.Event{Type: kephasgate.EventHello})

	case protocol.HeartbeatAck:
		s.mu.Lock()
		if s.conn != conn {
			s.mu.Unlock()
			return
		}
		s.ack = true
		s.lastAckAt = time.Now()
		latency := s.lastAckAt.Sub(s.lastHeartbeatAt)
		s.mu.Unlock()

		s.emitEvent(conn, kephasgate.Event{Type: kephasgate.EventHeartbeatAck, Latency: latency})

	case protocol.HeartbeatRequest:
		s.debug(conn, "Received heartbeat request")
		go s.heartbeat(conn, true)

	case protocol.Reconnect:
		s.destroy(context.Background(), conn, kephasgate.DestroyOptions{
			Reason:  kephasgate.ReasonReconnect,
			Recover: kephasgate.RecoveryReconnect,
		})

	case protocol.InvalidSession:
		recovery := kephasgate.RecoveryReconnect
		if p.Resumable {
			recovery = kephasgate.RecoveryResume
		}
		s.debug(conn, "Received invalid session", fmt.Sprintf("resumable: %t", p.Resumable))
		s.destroy(context.Background(), conn, kephasgate.DestroyOptions{
			Reason:  kephasgate.ReasonInvalidSession,
			Recover: recovery,
		})

	case protocol.Dispatch:
		s.handleDispatch(conn, p)
	}
}

func (s *Shard) handleDispatch(conn *connection, d protocol.Dispatch) {
	var (
		persist *kephasgate.SessionInfo
		events  []kephasgate.Event
		ready   bool
	)

	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}

	// RESUMED itself counts as replayed
	if s.status == kephasgate.StatusResuming {
		s.replayed++
	}

	switch d.Name {
	case protocol.EventReady:
		data, err := protocol.DecodeReady(d)
		if err != nil {
			s.mu.Unlock()
			s.emitEvent(conn, kephasgate.Event{Type: kephasgate.EventError, Err: &kephasgate.DecodeError{Err: err}})
			return
		}

		s.session = &kephasgate.SessionInfo{
			Sequence:   d.Sequence,
			SessionID:  data.SessionID,
			ShardID:    s.id,
			ShardCount: conn.shardCount,
		}
		s.status = kephasgate.StatusReady
		session := *s.session
		persist = &session
		ready = true

		events = append(events,
			kephasgate.Event{Type: kephasgate.EventStatus, Status: kephasgate.StatusReady},
			kephasgate.Event{Type: kephasgate.EventReady},
		)

	case protocol.EventResumed:
		persist = s.advanceSequence(d.Sequence)
		s.status = kephasgate.StatusReady
		ready = true

		events = append(events,
			kephasgate.Event{Type: kephasgate.EventStatus, Status: kephasgate.StatusReady},
			kephasgate.Event{Type: kephasgate.EventResumed, ReplayedEvents: s.replayed},
		)

	default:
		persist = s.advanceSequence(d.Sequence)
	}
	s.mu.Unlock()

	if persist != nil {
		if err := s.fetcher.UpdateSessionInfo(context.Background(), s.id, persist); err != nil {
			s.log.WithError(err).Error("failed persisting session")
			s.emitEvent(conn, kephasgate.Event{Type: kephasgate.EventError, Err: errors.WithMessage(err, "persist session")})
		}
	}

	if ready {
		conn.signalReady()
	}

	for _, e := range events {
		if e.Type == kephasgate.EventResumed {
			s.debug(conn, "Resumed session", fmt.Sprintf("replayed events: %d", e.ReplayedEvents))
		}
		s.emitEvent(conn, e)
	}

	dispatch := d
	s.emitEvent(conn, kephasgate.Event{Type: kephasgate.EventDispatch, Dispatch: &dispatch})
}

// advanceSequence must be called with s.mu held. It returns the session to
// persist when seq moved it forward.
func (s *Shard) advanceSequence(seq int64) *kephasgate.SessionInfo {
	if s.session == nil || seq <= s.session.Sequence {
		return nil
	}
	s.session.Sequence = seq
	session := *s.session
	return &session
}

func (s *Shard) heartbeatLoop(conn *connection, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.ctx.Done():
			return
		case <-ticker.C:
			if !s.heartbeat(conn, false) {
				return
			}
		}
	}
}

// heartbeat sends a heartbeat on conn. A scheduled heartbeat whose predecessor
// was never acknowledged destroys the zombie connection instead. It returns
// false once conn is no longer the shard's connection.
func (s *Shard) heartbeat(conn *connection, requested bool) bool {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return false
	}

	if !s.ack && !requested {
		s.mu.Unlock()
		s.log.WithField("conn", conn.id).Warn("heartbeat was not acknowledged, destroying zombie connection")
		s.destroy(context.Background(), conn, kephasgate.DestroyOptions{
			Reason:  kephasgate.ReasonZombieConnection,
			Recover: kephasgate.RecoveryResume,
		})
		return false
	}

	var seq *int64
	if s.session != nil {
		v := s.session.Sequence
		seq = &v
	}
	s.ack = false
	s.lastHeartbeatAt = time.Now()
	s.mu.Unlock()

	if err := s.sendOn(conn.ctx, conn, protocol.Heartbeat{Sequence: seq}); err != nil && !conn.closing() {
		s.log.WithField("conn", conn.id).WithError(err).Warn("failed sending heartbeat")
	}
	return true
}

func (s *Shard) debug(conn *connection, header string, details ...string) {
	var b strings.Builder
	b.WriteString(header)
	for _, d := range details {
		b.WriteString("\n\t")
		b.WriteString(d)
	}
	msg := b.String()

	entry := s.log
	if conn != nil {
		entry = entry.WithField("conn", conn.id)
	}
	entry.Debug(msg)

	s.emitEvent(conn, kephasgate.Event{Type: kephasgate.EventDebug, Message: msg})
}

func (s *Shard) emitStatus(conn *connection, status kephasgate.Status) {
	s.emitEvent(conn, kephasgate.Event{Type: kephasgate.EventStatus, Status: status})
}

func (s *Shard) emitEvent(conn *connection, e kephasgate.Event) {
	e.ShardID = s.id
	if conn != nil {
		e.ConnID = conn.id
	}
	s.emit(e)
}
