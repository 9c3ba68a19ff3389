package websocket

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"http-engine/application/http"
	"http-engine/application/http/actor/server"
	"http-engine/application/http/status"
	"http-engine/application/http/upgrade"
	"http-engine/transport"
	"http-engine/transport/pipe"
	"http-engine/transport/tcp"

	"github.com/benbjohnson/clock"
	gorilla "github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

type fakeStream struct {
	bytes.Buffer
	closed   bool
	writeErr error
}

func (s *fakeStream) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return s.Buffer.Write(p)
}

func (s *fakeStream) Close() error               { s.closed = true; return nil }
func (s *fakeStream) RemoteAddr() transport.Addr { return pipe.Addr{Name: "client"} }

// clientFrame builds a masked frame the way a client sends it.
func clientFrame(mt MessageType, fin bool, payload []byte) []byte {
	b0 := byte(mt)
	if fin {
		b0 |= 0x80
	}
	buf := []byte{b0}

	switch n := len(payload); {
	case n < 126:
		buf = append(buf, 0x80|byte(n))
	case n <= 0xffff:
		buf = append(buf, 0x80|126)
		buf = binary.BigEndian.AppendUint16(buf, uint16(n))
	default:
		buf = append(buf, 0x80|127)
		buf = binary.BigEndian.AppendUint64(buf, uint64(n))
	}

	mask := []byte{0x12, 0x34, 0x56, 0x78}
	buf = append(buf, mask...)
	for i, c := range payload {
		buf = append(buf, c^mask[i%4])
	}
	return buf
}

// serverFrame is an unmasked frame as the server writes it.
func serverFrame(mt MessageType, payload []byte) []byte {
	return append([]byte{0x80 | byte(mt), byte(len(payload))}, payload...)
}

type message struct {
	mt   MessageType
	data string
}

type ProcessorTestSuite struct {
	suite.Suite

	clock    *clock.Mock
	stream   *fakeStream
	received []message
	closed   int
	proc     *processor
}

func TestProcessorTestSuite(t *testing.T) {
	suite.Run(t, new(ProcessorTestSuite))
}

func (s *ProcessorTestSuite) SetupTest() {
	s.clock = clock.NewMock()
	s.stream = &fakeStream{}
	s.received = nil
	s.closed = 0

	opts := Options{
		ReadLimit:   64,
		IdleTimeout: 10 * time.Second,
		Clock:       s.clock,
		OnMessage: func(c *Conn, mt MessageType, data []byte) {
			s.received = append(s.received, message{mt: mt, data: string(data)})
		},
		OnClose: func(c *Conn) { s.closed++ },
	}.withDefaults()
	s.proc = &processor{c: newConn(s.stream, &http.Request{}, opts)}
}

// feed offers input one byte at a time, keeping unconsumed bytes like the engine does.
func (s *ProcessorTestSuite) feed(input []byte) error {
	var pending []byte
	for _, c := range input {
		pending = append(pending, c)
		n, err := s.proc.Process(pending)
		pending = pending[n:]
		if err != nil {
			return err
		}
	}
	s.Empty(pending)
	return nil
}

func (s *ProcessorTestSuite) TestMessages() {
	var input []byte
	input = append(input, clientFrame(TextMessage, true, []byte("hello"))...)
	input = append(input, clientFrame(BinaryMessage, false, []byte{1, 2})...)
	input = append(input, clientFrame(PingMessage, true, []byte("are you there"))...)
	input = append(input, clientFrame(continuation, false, []byte{3})...)
	input = append(input, clientFrame(continuation, true, []byte{4, 5})...)

	s.Require().NoError(s.feed(input))

	s.Equal([]message{
		{mt: TextMessage, data: "hello"},
		{mt: BinaryMessage, data: "\x01\x02\x03\x04\x05"},
	}, s.received)
	s.Equal(serverFrame(PongMessage, []byte("are you there")), s.stream.Bytes())
}

func (s *ProcessorTestSuite) TestCloseHandshake() {
	payload := binary.BigEndian.AppendUint16(nil, CloseGoingAway)

	err := s.feed(clientFrame(CloseMessage, true, append(payload, "bye"...)))
	s.ErrorIs(err, upgrade.ErrDone)
	s.Equal(serverFrame(CloseMessage, payload), s.stream.Bytes())

	s.proc.ConnectionClosed()
	s.proc.ConnectionClosed()
	s.Equal(1, s.closed)
}

func (s *ProcessorTestSuite) TestServerInitiatedClose() {
	s.Require().NoError(s.proc.c.Close(CloseNormalClosure, "done"))
	s.ErrorIs(s.proc.c.WriteMessage(TextMessage, []byte("late")), ErrConnClosed)
	s.stream.Reset()

	err := s.feed(clientFrame(CloseMessage, true, binary.BigEndian.AppendUint16(nil, CloseNormalClosure)))
	s.ErrorIs(err, upgrade.ErrDone)
	s.Zero(s.stream.Len())
}

func (s *ProcessorTestSuite) TestProtocolErrors() {
	testcases := []struct {
		desc     string
		input    []byte
		expected error
		code     uint16
	}{
		{desc: "unmasked", input: serverFrame(TextMessage, []byte("x")), expected: ErrUnmaskedFrame, code: CloseProtocolError},
		{desc: "reserved bit", input: append([]byte{0xc1}, clientFrame(TextMessage, true, nil)[1:]...), expected: ErrReservedBitSet, code: CloseProtocolError},
		{desc: "reserved opcode", input: clientFrame(3, true, nil), expected: ErrReservedOpcode, code: CloseProtocolError},
		{desc: "fragmented ping", input: clientFrame(PingMessage, false, nil), expected: ErrInvalidControlFrame, code: CloseProtocolError},
		{desc: "stray continuation", input: clientFrame(continuation, true, []byte("x")), expected: ErrUnexpectedContinue, code: CloseProtocolError},
		{
			desc:     "interleaved",
			input:    append(clientFrame(TextMessage, false, []byte("a")), clientFrame(TextMessage, true, []byte("b"))...),
			expected: ErrInterleavedMessage,
			code:     CloseProtocolError,
		},
		{desc: "too large", input: clientFrame(BinaryMessage, true, make([]byte, 65)), expected: ErrMessageTooLarge, code: CloseMessageTooBig},
		{desc: "invalid utf8", input: clientFrame(TextMessage, true, []byte{0xff, 0xfe}), expected: ErrInvalidUTF8, code: CloseInvalidPayload},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			s.SetupTest()

			err := s.feed(tc.input)
			s.ErrorIs(err, tc.expected)

			out := s.stream.Bytes()
			s.Require().Len(out, 4)
			s.Equal(byte(0x80|byte(CloseMessage)), out[0])
			s.Equal(tc.code, binary.BigEndian.Uint16(out[2:]))
		})
	}
}

func (s *ProcessorTestSuite) TestProtocolErrorWithBrokenStream() {
	s.stream.writeErr = errors.New("broken pipe")

	err := s.feed(serverFrame(TextMessage, []byte("x")))
	s.ErrorIs(err, ErrUnmaskedFrame)
	s.ErrorContains(err, "broken pipe")
	s.Zero(s.stream.Len())
}

func (s *ProcessorTestSuite) TestKeepAliveUntil() {
	s.Equal(s.clock.Now().Add(10*time.Second), s.proc.KeepAliveUntil())

	s.clock.Add(3 * time.Second)
	s.Require().NoError(s.feed(clientFrame(PongMessage, true, nil)))
	s.Equal(s.clock.Now().Add(10*time.Second), s.proc.KeepAliveUntil())

	s.proc.c.opts.IdleTimeout = 0
	s.True(s.proc.KeepAliveUntil().IsZero())
}

func (s *ProcessorTestSuite) TestWriteMessage() {
	s.Require().NoError(s.proc.c.WriteMessage(TextMessage, []byte("hi")))
	s.Equal(serverFrame(TextMessage, []byte("hi")), s.stream.Bytes())

	s.ErrorIs(s.proc.c.WriteMessage(CloseMessage, nil), ErrInvalidMessageType)
	s.ErrorIs(s.proc.c.WriteMessage(PingMessage, make([]byte, 126)), ErrControlPayloadTooLong)

	s.stream.Reset()
	long := bytes.Repeat([]byte("a"), 300)
	s.Require().NoError(s.proc.c.WriteMessage(BinaryMessage, long))
	out := s.stream.Bytes()
	s.Equal([]byte{0x82, 126, 0x01, 0x2c}, out[:4])
	s.Equal(long, out[4:])
}

func TestAcceptKey(t *testing.T) {
	// Reference: https://datatracker.ietf.org/doc/html/rfc6455#section-1.3
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", acceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestCheckHandshake(t *testing.T) {
	valid := func() *http.Request {
		return &http.Request{
			Method:  http.MethodGet,
			Version: http.Version11,
			Headers: http.NewHeaders(
				http.Field{Name: "Connection", Value: "keep-alive, Upgrade"},
				http.Field{Name: "Upgrade", Value: "websocket"},
				http.Field{Name: "Sec-WebSocket-Version", Value: "13"},
				http.Field{Name: "Sec-WebSocket-Key", Value: "dGhlIHNhbXBsZSBub25jZQ=="},
				http.Field{Name: "Origin", Value: "http://evil.example"},
			),
		}
	}

	testcases := []struct {
		desc     string
		modify   func(req *http.Request)
		opts     Options
		expected error
		status   status.Status
	}{
		{desc: "post", modify: func(req *http.Request) { req.Method = http.MethodPost }, expected: ErrMethodNotGet, status: status.BadRequest},
		{desc: "no connection token", modify: func(req *http.Request) { req.Headers.Set("Connection", "keep-alive") }, expected: ErrUpgradeTokenNotFound, status: status.BadRequest},
		{desc: "old version", modify: func(req *http.Request) { req.Headers.Set("Sec-WebSocket-Version", "8") }, expected: ErrUnsupportedVersion, status: status.BadRequest},
		{desc: "no key", modify: func(req *http.Request) { req.Headers.Del("Sec-WebSocket-Key") }, expected: ErrMissingKey, status: status.BadRequest},
		{desc: "short key", modify: func(req *http.Request) { req.Headers.Set("Sec-WebSocket-Key", "c2hvcnQ=") }, expected: ErrMissingKey, status: status.BadRequest},
		{
			desc:     "origin",
			modify:   func(req *http.Request) {},
			opts:     Options{CheckOrigin: func(req *http.Request) bool { return false }},
			expected: ErrOriginNotAllowed,
			status:   status.Forbidden,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			req := valid()
			tc.modify(req)

			_, err := checkHandshake(req, tc.opts)
			assert.ErrorIs(t, err, tc.expected)

			var se status.Error
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tc.status, se.Status)
		})
	}

	key, err := checkHandshake(valid(), Options{})
	require.NoError(t, err)
	assert.Equal(t, "dGhlIHNhbXBsZSBub25jZQ==", key)
}

func TestEchoOverTCP(t *testing.T) {
	defer goleak.VerifyNone(t)

	lis, err := tcp.Listen("127.0.0.1:0", tcp.ListenOptions{})
	require.NoError(t, err)
	defer lis.Close()

	opened := make(chan *Conn, 1)
	closed := make(chan struct{})
	registry := upgrade.NewRegistry()
	Register(registry, Options{
		OnOpen: func(c *Conn) { opened <- c },
		OnMessage: func(c *Conn, mt MessageType, data []byte) {
			c.WriteMessage(mt, data)
		},
		OnClose: func(c *Conn) { close(closed) },
	})

	app := func(req *http.Request, w http.ResponseWriter) http.BodyProcessing {
		body := "websocket only"
		w.WriteResponse(status.UpgradeRequired, http.NewHeaders(), http.Identity{ContentLength: uint64(len(body))})
		w.WriteBody([]byte(body), nil)
		w.Done()
		return http.Discard()
	}

	srv := server.New(lis, slog.New(slog.NewTextHandler(io.Discard, nil)), clock.New(), app, server.Options{Upgrades: registry})
	srv.Start()
	defer srv.Close()

	dialer := gorilla.Dialer{WriteBufferSize: 32}
	ws, res, err := dialer.Dial("ws://"+lis.Addr().String()+"/echo", nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, 101, res.StatusCode)

	c := <-opened
	assert.Equal(t, "/echo", c.Request().Target)

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	for _, tc := range []struct {
		mt   int
		data string
	}{
		{mt: gorilla.TextMessage, data: "hello"},
		// Longer than the write buffer, so the client fragments it.
		{mt: gorilla.TextMessage, data: strings.Repeat("fragmented ", 20)},
		{mt: gorilla.BinaryMessage, data: strings.Repeat("\x00\x01", 40000)},
	} {
		require.NoError(t, ws.WriteMessage(tc.mt, []byte(tc.data)))

		mt, data, err := ws.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, tc.mt, mt)
		assert.Equal(t, tc.data, string(data))
	}

	require.NoError(t, c.WriteMessage(TextMessage, []byte("pushed")))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pushed", string(data))

	pong := make(chan string, 1)
	ws.SetPongHandler(func(data string) error {
		pong <- data
		return nil
	})
	require.NoError(t, ws.WriteControl(gorilla.PingMessage, []byte("ping"), time.Now().Add(time.Second)))
	require.NoError(t, ws.WriteMessage(gorilla.TextMessage, []byte("after ping")))

	// The pong is answered before the echo, so it is handled first.
	_, data, err = ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "after ping", string(data))
	assert.Equal(t, "ping", <-pong)

	require.NoError(t, ws.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "bye")))
	_, _, err = ws.ReadMessage()
	assert.True(t, gorilla.IsCloseError(err, gorilla.CloseNormalClosure))

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed")
	}
}
