package protocol

import (
	"bytes"
	"compress/zlib"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Compression selects how binary frames from the gateway are compressed.
// PerPayload and Stream are mutually exclusive.
type Compression int

const (
	// CompressionNone expects plain JSON text frames.
	CompressionNone Compression = iota
	// CompressionPerPayload asks for compression through Identify, every binary frame is a full zlib stream.
	CompressionPerPayload
	// CompressionStream negotiates compress=zlib-stream, one zlib context spans the whole connection.
	CompressionStream
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionPerPayload:
		return "payload"
	case CompressionStream:
		return "zlib-stream"
	}
	return "unknown"
}

// QueryValue returns the value of the compress query parameter, or "" when none should be sent.
func (c Compression) QueryValue() string {
	if c == CompressionStream {
		return "zlib-stream"
	}
	return ""
}

// ParseCompression parses the names returned by Compression.String.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "payload", "identify":
		return CompressionPerPayload, nil
	case "zlib-stream", "stream":
		return CompressionStream, nil
	}
	return CompressionNone, errors.Errorf("unknown compression %q", s)
}

// SyncFlushSuffix terminates every complete message on a zlib-stream connection.
var SyncFlushSuffix = []byte{0x00, 0x00, 0xff, 0xff}

var (
	ErrInflaterClosed   = errors.New("inflater closed")
	ErrUnexpectedBinary = errors.New("binary frame received without compression")
)

// InflatePayload decompresses a frame that holds a complete zlib stream.
func InflatePayload(frame []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(frame))
	if err != nil {
		return nil, errors.Wrap(err, "open payload zlib reader")
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrap(err, "inflate payload")
	}
	return out, nil
}

// StreamInflater decompresses a zlib-stream connection. Frames are fed in the
// order they arrive; a message is complete once a frame ends with SyncFlushSuffix.
//
// The zlib reader runs on its own goroutine and blocks (instead of seeing EOF)
// when it runs out of input, since flate errors are sticky and the shared
// dictionary must survive between messages. Once that goroutine is blocked
// with no input left, everything fed so far has been inflated.
type StreamInflater struct {
	mu   sync.Mutex
	cond *sync.Cond

	in  bytes.Buffer
	out bytes.Buffer

	starved bool
	started bool
	closed  bool
	err     error
}

// NewStreamInflater returns an inflater for a single connection.
func NewStreamInflater() *StreamInflater {
	s := &StreamInflater{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Inflate feeds a frame. It returns the inflated message and true when the frame
// completes one, or nil and false while the message is still partial.
func (s *StreamInflater) Inflate(frame []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, false, s.err
	}
	if s.closed {
		return nil, false, ErrInflaterClosed
	}

	s.in.Write(frame)
	if !s.started {
		s.started = true
		go s.run()
	}
	s.cond.Broadcast()

	if !bytes.HasSuffix(frame, SyncFlushSuffix) {
		return nil, false, nil
	}

	for s.err == nil && !(s.starved && s.in.Len() == 0) {
		s.cond.Wait()
	}
	if s.err != nil {
		return nil, false, s.err
	}

	msg := make([]byte, s.out.Len())
	copy(msg, s.out.Bytes())
	s.out.Reset()
	return msg, true, nil
}

// Close stops the inflating goroutine, further calls to Inflate fail.
func (s *StreamInflater) Close() error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

func (s *StreamInflater) run() {
	zr, err := zlib.NewReader(inflaterSource{s})
	if err != nil {
		s.fail(errors.Wrap(err, "open zlib-stream"))
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := zr.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.out.Write(buf[:n])
			s.mu.Unlock()
		}
		if err != nil {
			s.fail(errors.Wrap(err, "inflate zlib-stream"))
			return
		}
	}
}

func (s *StreamInflater) fail(err error) {
	s.mu.Lock()
	if s.closed {
		err = ErrInflaterClosed
	}
	if s.err == nil {
		s.err = err
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// inflaterSource implements flate.Reader so neither zlib nor flate buffer ahead of us.
type inflaterSource struct {
	s *StreamInflater
}

// waitInput must be called with s.mu held.
func (r inflaterSource) waitInput() error {
	s := r.s
	for s.in.Len() == 0 {
		if s.closed {
			return io.EOF
		}
		s.starved = true
		s.cond.Broadcast()
		s.cond.Wait()
	}
	s.starved = false
	return nil
}

func (r inflaterSource) Read(p []byte) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if err := r.waitInput(); err != nil {
		return 0, err
	}
	return r.s.in.Read(p)
}

func (r inflaterSource) ReadByte() (byte, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if err := r.waitInput(); err != nil {
		return 0, err
	}
	return r.s.in.ReadByte()
}

// FrameDecoder turns raw websocket frames into payloads for one connection.
type FrameDecoder struct {
	compression Compression
	stream      *StreamInflater
}

// NewFrameDecoder returns a decoder for a fresh connection.
func NewFrameDecoder(c Compression) *FrameDecoder {
	d := &FrameDecoder{compression: c}
	if c == CompressionStream {
		d.stream = NewStreamInflater()
	}
	return d
}

// Decode returns the payload carried by frame. It returns nil, nil while a
// zlib-stream message is still incomplete.
func (d *FrameDecoder) Decode(binary bool, frame []byte) (ReceivePayload, error) {
	if !binary {
		return Decode(frame)
	}

	switch d.compression {
	case CompressionPerPayload:
		data, err := InflatePayload(frame)
		if err != nil {
			return nil, err
		}
		return Decode(data)
	case CompressionStream:
		data, complete, err := d.stream.Inflate(frame)
		if err != nil || !complete {
			return nil, err
		}
		return Decode(data)
	}

	return nil, ErrUnexpectedBinary
}

// Close releases the stream inflater, if any.
func (d *FrameDecoder) Close() error {
	if d.stream != nil {
		return d.stream.Close()
	}
	return nil
}
