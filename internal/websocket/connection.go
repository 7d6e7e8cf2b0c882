package websocket

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

const (
	// writeWait bounds a single payload write.
	writeWait = 10 * time.Second
	// closeWait bounds writing the close frame.
	closeWait = time.Second
	// maxCloseReason is the longest reason that fits a close frame.
	maxCloseReason = 123
)

// connection is one socket of a shard. A shard never reuses a connection, every
// reconnect creates a new one.
type connection struct {
	id         string
	ws         *websocket.Conn
	decoder    *protocol.FrameDecoder
	shardCount int

	// ctx is cancelled when the connection is closed by the shard.
	ctx    context.Context
	cancel context.CancelFunc

	hello     chan protocol.Hello
	ready     chan struct{}
	readyOnce sync.Once

	writeMu   sync.Mutex
	closeOnce sync.Once

	causeMu sync.Mutex
	cause   error
}

func newConnection(ws *websocket.Conn, compression protocol.Compression, shardCount int) *connection {
	ctx, cancel := context.WithCancel(context.Background())

	return &connection{
		id:         uuid.New().String(),
		ws:         ws,
		decoder:    protocol.NewFrameDecoder(compression),
		shardCount: shardCount,
		ctx:        ctx,
		cancel:     cancel,
		hello:      make(chan protocol.Hello, 1),
		ready:      make(chan struct{}),
	}
}

// write sends one text frame.
func (c *connection) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closing() {
		return kephasgate.ErrConnectionClosed
	}

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// close sends a close frame and closes the socket. Only the first call has an effect.
func (c *connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()

		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}

		// WriteControl may run concurrently with a pending WriteMessage
		message := websocket.FormatCloseMessage(code, reason)
		c.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeWait))
		c.ws.Close()
	})
}

// setCause records why the gateway ended the connection. It must be called
// before close so handshake waiters see it.
func (c *connection) setCause(err error) {
	c.causeMu.Lock()
	if c.cause == nil {
		c.cause = err
	}
	c.causeMu.Unlock()
}

// closedErr returns the recorded cause, or ErrConnectionClosed.
func (c *connection) closedErr() error {
	c.causeMu.Lock()
	defer c.causeMu.Unlock()
	if c.cause != nil {
		return c.cause
	}
	return kephasgate.ErrConnectionClosed
}

// closing reports whether the shard already closed this connection.
func (c *connection) closing() bool {
	return c.ctx.Err() != nil
}

func (c *connection) signalHello(h protocol.Hello) {
	select {
	case c.hello <- h:
	default:
	}
}

func (c *connection) signalReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// GatewayURL appends the query parameters to the gateway URL, always in the
// order v, encoding, compress.
func GatewayURL(base string, opts kephasgate.ShardOptions) (string, error) {
	encoding := opts.Encoding
	if encoding == "" {
		encoding = kephasgate.EncodingJSON
	}
	if encoding != kephasgate.EncodingJSON {
		return "", errors.Wrapf(kephasgate.ErrUnsupportedEncoding, "encoding %q", encoding)
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrap(err, "parse gateway url")
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.Errorf("gateway url %q is not absolute", base)
	}

	var q strings.Builder
	q.WriteString("v=")
	q.WriteString(url.QueryEscape(opts.Version))
	q.WriteString("&encoding=")
	q.WriteString(encoding)
	if compress := opts.Compression.QueryValue(); compress != "" {
		q.WriteString("&compress=")
		q.WriteString(compress)
	}
	u.RawQuery = q.String()

	return u.String(), nil
}
