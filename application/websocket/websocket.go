// Package websocket is a WebSocket server that runs on connections upgraded by the HTTP engine.
//
// Register installs a factory under the "websocket" protocol name. Frames are
// decoded straight from the bytes the engine offers, so a frame split across reads
// is simply left unconsumed until the rest arrives.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc6455
package websocket

import (
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"time"

	"http-engine/application/http"
	"http-engine/application/http/status"
	"http-engine/application/http/upgrade"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// Protocol is the Upgrade token this package answers to.
const Protocol = "websocket"

const DefaultReadLimit = 1 << 20

var (
	ErrMethodNotGet          = errors.New("websocket: handshake request method is not GET")
	ErrUnsupportedVersion    = errors.New("websocket: unsupported version, 13 required")
	ErrMissingKey            = errors.New("websocket: Sec-WebSocket-Key is missing or malformed")
	ErrOriginNotAllowed      = errors.New("websocket: origin not allowed")
	ErrUpgradeTokenNotFound  = errors.New("websocket: 'upgrade' token not found in Connection header")
	ErrMessageTooLarge       = errors.New("websocket: message exceeds read limit")
	ErrReservedBitSet        = errors.New("websocket: reserved bit set")
	ErrReservedOpcode        = errors.New("websocket: reserved opcode")
	ErrUnmaskedFrame         = errors.New("websocket: client frame is not masked")
	ErrInvalidControlFrame   = errors.New("websocket: invalid control frame")
	ErrUnexpectedContinue    = errors.New("websocket: continuation without a message")
	ErrInterleavedMessage    = errors.New("websocket: new message before previous one finished")
	ErrInvalidUTF8           = errors.New("websocket: text message is not valid UTF-8")
	ErrConnClosed            = errors.New("websocket: connection closed")
	ErrInvalidMessageType    = errors.New("websocket: invalid message type")
	ErrControlPayloadTooLong = errors.New("websocket: control payload longer than 125 bytes")
)

type MessageType uint8

const (
	continuation  MessageType = 0
	TextMessage   MessageType = 1
	BinaryMessage MessageType = 2
	CloseMessage  MessageType = 8
	PingMessage   MessageType = 9
	PongMessage   MessageType = 10
)

func (mt MessageType) isControl() bool { return mt >= CloseMessage }

// Close codes.
// Reference: https://datatracker.ietf.org/doc/html/rfc6455#section-7.4.1
const (
	CloseNormalClosure    uint16 = 1000
	CloseGoingAway        uint16 = 1001
	CloseProtocolError    uint16 = 1002
	CloseNoStatusReceived uint16 = 1005
	CloseInvalidPayload   uint16 = 1007
	CloseMessageTooBig    uint16 = 1009
)

type Options struct {
	// ReadLimit bounds a single message. Defaults to DefaultReadLimit.
	ReadLimit int
	// IdleTimeout lets the reaper close connections that received nothing for this long.
	// 0 keeps connections open until either side closes them.
	IdleTimeout time.Duration
	// CheckOrigin rejects handshakes when it returns false. nil accepts every origin.
	CheckOrigin func(req *http.Request) bool

	// OnOpen runs once the handshake response is out.
	OnOpen func(c *Conn)
	// OnMessage receives complete text and binary messages. data is owned by the callee.
	OnMessage func(c *Conn, mt MessageType, data []byte)
	// OnClose runs once after the connection closed.
	OnClose func(c *Conn)

	Clock clock.Clock
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Register installs the websocket factory in r.
func Register(r *upgrade.Registry, opts Options) {
	r.Register(Protocol, Factory(opts))
}

// Factory answers websocket handshakes.
// Handshake failures are returned as [status.Error] so the engine answers them with 400 or 403.
func Factory(opts Options) upgrade.Factory {
	opts = opts.withDefaults()

	return func(req *http.Request, w http.ResponseWriter, _ http.Application) (upgrade.Processor, error) {
		key, err := checkHandshake(req, opts)
		if err != nil {
			return nil, err
		}

		if err := upgrade.SwitchingResponse(w, Protocol,
			http.Field{Name: "Sec-WebSocket-Accept", Value: acceptKey(key)},
		); err != nil {
			return nil, errors.Wrap(err, "writing handshake response")
		}

		c := newConn(w.Stream(), req, opts)
		if opts.OnOpen != nil {
			opts.OnOpen(c)
		}
		return &processor{c: c}, nil
	}
}

// checkHandshake validates an opening handshake and returns its key.
// Reference: https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.1
func checkHandshake(req *http.Request, opts Options) (string, error) {
	badRequest := func(err error) error { return status.NewError(err, status.BadRequest) }

	if req.Method != http.MethodGet {
		return "", badRequest(ErrMethodNotGet)
	}
	if !req.Headers.ContainsToken("Connection", "upgrade") {
		return "", badRequest(ErrUpgradeTokenNotFound)
	}
	if !req.Headers.ContainsToken("Sec-WebSocket-Version", "13") {
		return "", badRequest(ErrUnsupportedVersion)
	}

	key, _ := req.Headers.Get("Sec-WebSocket-Key")
	key = strings.TrimSpace(key)
	if decoded, err := base64.StdEncoding.DecodeString(key); err != nil || len(decoded) != 16 {
		return "", badRequest(ErrMissingKey)
	}

	if opts.CheckOrigin != nil && !opts.CheckOrigin(req) {
		return "", status.NewError(ErrOriginNotAllowed, status.Forbidden)
	}

	return key, nil
}

var keyGUID = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")

func acceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write(keyGUID)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
