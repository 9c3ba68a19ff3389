package websocket

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"http-engine/application/http"
	"http-engine/application/http/upgrade"
	"http-engine/transport"

	"github.com/pkg/errors"
)

const maxControlPayload = 125

// Conn is one side of an established WebSocket connection.
// Its write methods are safe for concurrent use.
type Conn struct {
	stream http.Stream
	req    *http.Request
	opts   Options

	mu        sync.Mutex
	closeSent bool

	// Unix nanoseconds of the last frame received.
	lastRead atomic.Int64

	// Read state, only touched from Process.
	opcode     MessageType
	message    []byte
	fragmented bool

	closeOnce sync.Once
}

func newConn(stream http.Stream, req *http.Request, opts Options) *Conn {
	c := &Conn{stream: stream, req: req, opts: opts}
	c.touch()
	return c
}

// Request returns the handshake request.
func (c *Conn) Request() *http.Request { return c.req }

func (c *Conn) RemoteAddr() transport.Addr { return c.stream.RemoteAddr() }

// WriteMessage sends data as a single frame.
func (c *Conn) WriteMessage(mt MessageType, data []byte) error {
	switch mt {
	case TextMessage, BinaryMessage:
	case PingMessage, PongMessage:
		if len(data) > maxControlPayload {
			return ErrControlPayloadTooLong
		}
	default:
		return errors.Wrapf(ErrInvalidMessageType, "%d", mt)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closeSent {
		return ErrConnClosed
	}
	return c.writeFrame(mt, data)
}

// Close starts the closing handshake. The connection closes once the peer answers.
// Reference: https://datatracker.ietf.org/doc/html/rfc6455#section-5.5.1
func (c *Conn) Close(code uint16, reason string) error {
	payload := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(payload, code)
	payload = append(payload, reason...)
	if len(payload) > maxControlPayload {
		return ErrControlPayloadTooLong
	}

	return c.sendClose(payload)
}

func (c *Conn) sendClose(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closeSent {
		return nil
	}
	c.closeSent = true
	return c.writeFrame(CloseMessage, payload)
}

// writeFrame must be called with c.mu held. Server frames are never masked.
// Reference: https://datatracker.ietf.org/doc/html/rfc6455#section-5.2
func (c *Conn) writeFrame(mt MessageType, data []byte) error {
	buf := make([]byte, 0, len(data)+10)
	buf = append(buf, 0x80|byte(mt))

	switch n := len(data); {
	case n < 126:
		buf = append(buf, byte(n))
	case n <= 0xffff:
		buf = append(buf, 126)
		buf = binary.BigEndian.AppendUint16(buf, uint16(n))
	default:
		buf = append(buf, 127)
		buf = binary.BigEndian.AppendUint64(buf, uint64(n))
	}
	buf = append(buf, data...)

	if _, err := c.stream.Write(buf); err != nil {
		return errors.Wrap(err, "writing frame")
	}
	return nil
}

func (c *Conn) touch() {
	c.lastRead.Store(c.opts.Clock.Now().UnixNano())
}

type frame struct {
	fin     bool
	opcode  MessageType
	payload []byte
}

// readFrame decodes one frame from the front of b and unmasks its payload in place.
// It returns 0 consumed bytes if b holds only part of a frame.
func readFrame(b []byte, limit int) (frame, int, error) {
	if len(b) < 2 {
		return frame{}, 0, nil
	}

	f := frame{
		fin:    b[0]&0x80 != 0,
		opcode: MessageType(b[0] & 0x0f),
	}
	if b[0]&0x70 != 0 {
		return f, 0, ErrReservedBitSet
	}
	switch f.opcode {
	case continuation, TextMessage, BinaryMessage, CloseMessage, PingMessage, PongMessage:
	default:
		return f, 0, errors.Wrapf(ErrReservedOpcode, "%d", f.opcode)
	}
	if b[1]&0x80 == 0 {
		return f, 0, ErrUnmaskedFrame
	}

	length := uint64(b[1] & 0x7f)
	if f.opcode.isControl() && (length > maxControlPayload || !f.fin) {
		return f, 0, ErrInvalidControlFrame
	}

	head := 2
	switch length {
	case 126:
		if len(b) < 4 {
			return frame{}, 0, nil
		}
		length = uint64(binary.BigEndian.Uint16(b[2:4]))
		head = 4
	case 127:
		if len(b) < 10 {
			return frame{}, 0, nil
		}
		length = binary.BigEndian.Uint64(b[2:10])
		head = 10
	}
	if length > uint64(limit) {
		return f, 0, ErrMessageTooLarge
	}

	head += 4
	end := uint64(head) + length
	if uint64(len(b)) < end {
		return frame{}, 0, nil
	}

	mask := b[head-4 : head]
	f.payload = b[head:end]
	for i := range f.payload {
		f.payload[i] ^= mask[i%4]
	}
	return f, int(end), nil
}

// processor feeds frames read from the connection into a Conn.
type processor struct {
	c *Conn
}

var _ upgrade.Processor = (*processor)(nil)

func (p *processor) Process(b []byte) (int, error) {
	consumed := 0
	for consumed < len(b) {
		f, n, err := readFrame(b[consumed:], p.c.opts.ReadLimit)
		if err != nil {
			return consumed, p.c.fail(err)
		}
		if n == 0 {
			break
		}
		consumed += n
		p.c.touch()

		if err := p.c.handleFrame(f); err != nil {
			return consumed, err
		}
	}
	return consumed, nil
}

func (p *processor) KeepAliveUntil() time.Time {
	if p.c.opts.IdleTimeout <= 0 {
		return time.Time{}
	}
	return time.Unix(0, p.c.lastRead.Load()).Add(p.c.opts.IdleTimeout)
}

func (p *processor) ConnectionClosed() {
	p.c.closeOnce.Do(func() {
		if p.c.opts.OnClose != nil {
			p.c.opts.OnClose(p.c)
		}
	})
}

func (c *Conn) handleFrame(f frame) error {
	switch f.opcode {
	case PingMessage:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closeSent {
			return nil
		}
		return c.writeFrame(PongMessage, f.payload)

	case PongMessage:
		return nil

	case CloseMessage:
		// Echo the status code back.
		// Reference: https://datatracker.ietf.org/doc/html/rfc6455#section-5.5.1
		var reply []byte
		switch {
		case len(f.payload) == 1:
			return c.fail(ErrInvalidControlFrame)
		case len(f.payload) >= 2:
			reply = f.payload[:2]
		}
		if err := c.sendClose(reply); err != nil {
			return err
		}
		return upgrade.ErrDone

	case continuation:
		if !c.fragmented {
			return c.fail(ErrUnexpectedContinue)
		}
		if len(c.message)+len(f.payload) > c.opts.ReadLimit {
			return c.fail(ErrMessageTooLarge)
		}
		c.message = append(c.message, f.payload...)

	default:
		if c.fragmented {
			return c.fail(ErrInterleavedMessage)
		}
		c.opcode = f.opcode
		c.message = append([]byte(nil), f.payload...)
	}

	c.fragmented = !f.fin
	if c.fragmented {
		return nil
	}
	return c.deliver()
}

func (c *Conn) deliver() error {
	mt, msg := c.opcode, c.message
	c.opcode, c.message = continuation, nil

	if mt == TextMessage && !utf8.Valid(msg) {
		return c.fail(ErrInvalidUTF8)
	}
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(c, mt, msg)
	}
	return nil
}

// fail sends a close frame matching err and returns it.
func (c *Conn) fail(err error) error {
	code := CloseProtocolError
	switch {
	case errors.Is(err, ErrMessageTooLarge):
		code = CloseMessageTooBig
	case errors.Is(err, ErrInvalidUTF8):
		code = CloseInvalidPayload
	}

	if closeErr := c.Close(code, ""); closeErr != nil {
		return errors.Wrapf(err, "reading websocket (close frame not sent: %v)", closeErr)
	}
	return errors.Wrap(err, "reading websocket")
}
