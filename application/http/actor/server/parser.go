package server

import (
	"strings"

	"http-engine/application/http"
	"http-engine/application/http/tokenizer"
	"http-engine/transport"

	"github.com/pkg/errors"
)

// parserState is where the current message stands.
// It only moves forward within a message.
type parserState uint8

const (
	stateIdle parserState = iota
	stateMessageBegan
	stateHeaderFieldReceived
	stateHeaderValueReceived
	stateHeadersCompleted
	stateBodyReceived
	stateMessageCompleted
)

var stateNames = [...]string{
	stateIdle:                "idle",
	stateMessageBegan:        "message began",
	stateHeaderFieldReceived: "header field received",
	stateHeaderValueReceived: "header value received",
	stateHeadersCompleted:    "headers completed",
	stateBodyReceived:        "body received",
	stateMessageCompleted:    "message completed",
}

func (s parserState) String() string { return stateNames[s] }

var ErrUnexpectedState = errors.New("unexpected parser state transition")

// messageHandler receives assembled messages from a streamingParser.
type messageHandler interface {
	headersCompleted(req *http.Request, tok *tokenizer.Tokenizer) error
	bodyReceived(p []byte) error
	messageCompleted() error
}

var methods = map[tokenizer.Method]http.Method{
	tokenizer.MethodGet:     http.MethodGet,
	tokenizer.MethodHead:    http.MethodHead,
	tokenizer.MethodPost:    http.MethodPost,
	tokenizer.MethodPut:     http.MethodPut,
	tokenizer.MethodDelete:  http.MethodDelete,
	tokenizer.MethodConnect: http.MethodConnect,
	tokenizer.MethodOptions: http.MethodOptions,
	tokenizer.MethodTrace:   http.MethodTrace,
	tokenizer.MethodPatch:   http.MethodPatch,
}

// streamingParser assembles tokenizer spans into requests.
// The tokenizer may split a target, field or value across calls,
// so spans arriving in the current state are appended rather than taken whole.
type streamingParser struct {
	tok     *tokenizer.Tokenizer
	handler messageHandler
	remote  transport.Addr

	state parserState
	buf   []byte

	target  string
	field   string
	headers http.Headers
}

func newStreamingParser(handler messageHandler, remote transport.Addr, opts tokenizer.Options) *streamingParser {
	p := &streamingParser{handler: handler, remote: remote}
	p.tok = tokenizer.New(tokenizer.Callbacks{
		OnMessageBegin:    func() error { return p.transition(stateMessageBegan) },
		OnURL:             p.appendIn(stateMessageBegan),
		OnHeaderField:     p.appendIn(stateHeaderFieldReceived),
		OnHeaderValue:     p.appendIn(stateHeaderValueReceived),
		OnHeadersComplete: func() error { return p.transition(stateHeadersCompleted) },
		OnBody: func(b []byte) error {
			if err := p.transition(stateBodyReceived); err != nil {
				return err
			}
			return p.handler.bodyReceived(b)
		},
		OnMessageComplete: func() error { return p.transition(stateMessageCompleted) },
	}, opts)
	return p
}

func (p *streamingParser) execute(b []byte) (int, error) { return p.tok.Execute(b) }

// reset readies the parser for the next message on the same connection.
func (p *streamingParser) reset() {
	p.state = stateIdle
	p.buf = p.buf[:0]
	p.target = ""
	p.field = ""
	p.headers = http.Headers{}
}

func (p *streamingParser) appendIn(state parserState) func([]byte) error {
	return func(b []byte) error {
		if err := p.transition(state); err != nil {
			return err
		}
		p.buf = append(p.buf, b...)
		return nil
	}
}

// transition moves to next, flushing whatever the previous state assembled.
// Re-entering the current state is a no-op.
func (p *streamingParser) transition(next parserState) error {
	if next == p.state {
		return nil
	}

	prev := p.state
	switch {
	case next == stateMessageBegan && prev != stateIdle:
		return errors.Wrapf(ErrUnexpectedState, "%s -> %s", prev, next)
	case next == stateHeaderFieldReceived && prev == stateHeaderValueReceived:
	case next < prev:
		return errors.Wrapf(ErrUnexpectedState, "%s -> %s", prev, next)
	}

	switch prev {
	case stateMessageBegan:
		p.target = string(p.buf)
	case stateHeaderFieldReceived:
		p.field = string(p.buf)
	case stateHeaderValueReceived:
		p.headers.Add(p.field, strings.TrimRight(string(p.buf), " \t"))
		p.field = ""
	}
	p.buf = p.buf[:0]
	p.state = next

	switch next {
	case stateHeadersCompleted:
		return p.handler.headersCompleted(p.request(), p.tok)
	case stateMessageCompleted:
		return p.handler.messageCompleted()
	}
	return nil
}

func (p *streamingParser) request() *http.Request {
	method, ok := methods[p.tok.Method()]
	if !ok {
		method = http.MethodUnsupported
	}
	major, minor := p.tok.Version()

	return &http.Request{
		Method:     method,
		RawMethod:  p.tok.RawMethod(),
		Target:     p.target,
		Version:    http.Version{major, minor},
		Headers:    p.headers,
		RemoteAddr: p.remote,
	}
}
