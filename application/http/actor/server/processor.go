package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"http-engine/application/http"
	"http-engine/application/http/status"
	"http-engine/application/http/tokenizer"
	"http-engine/application/http/upgrade"
	"http-engine/transport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

var (
	// errConnectionDone ends a connection after a response that does not allow reuse.
	errConnectionDone = errors.New("connection done")
	errAborted        = errors.New("connection aborted")
	errClosed         = errors.New("connection closed while waiting for response")
)

// httpProcessor serves HTTP/1.1 requests one after another.
type httpProcessor struct {
	ctx    context.Context
	conn   connHandle
	con    transport.Conn
	app    http.Application
	opts   *Options
	clock  clock.Clock
	logger *slog.Logger

	parser *streamingParser

	// Unix nanoseconds, 0 while a request is in flight.
	keepAliveUntil atomic.Int64
	served         uint

	w    *responseWriter
	body http.BodyHandler
	// next is set once a request switched protocols.
	next upgrade.Processor

	closed    chan struct{}
	closeOnce sync.Once
}

var _ upgrade.Processor = (*httpProcessor)(nil)

func newHTTPProcessor(ctx context.Context, conn connHandle, con transport.Conn, app http.Application, opts *Options, clk clock.Clock, logger *slog.Logger) *httpProcessor {
	hp := &httpProcessor{
		ctx:    ctx,
		conn:   conn,
		con:    con,
		app:    app,
		opts:   opts,
		clock:  clk,
		logger: logger,
		closed: make(chan struct{}),
	}
	hp.parser = newStreamingParser(hp, con.RemoteAddr(), opts.Tokenizer)
	hp.refreshKeepAlive()
	return hp
}

func (hp *httpProcessor) Process(p []byte) (int, error) {
	n, err := hp.parser.execute(p)
	if err == nil {
		return n, nil
	}

	switch {
	case errors.Is(err, errConnectionDone),
		errors.Is(err, errAborted),
		errors.Is(err, errClosed):
		return n, err
	}

	// The request was malformed.
	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-2.2-9
	hp.rejectMalformed(err)
	return n, errors.Wrap(err, "tokenizing request")
}

func (hp *httpProcessor) KeepAliveUntil() time.Time {
	if until := hp.keepAliveUntil.Load(); until != 0 {
		return time.Unix(0, until)
	}
	return time.Time{}
}

func (hp *httpProcessor) ConnectionClosed() {
	hp.closeOnce.Do(func() { close(hp.closed) })
}

func (hp *httpProcessor) refreshKeepAlive() {
	hp.keepAliveUntil.Store(hp.clock.Now().Add(hp.opts.KeepAlive.Timeout).UnixNano())
}

func (hp *httpProcessor) headersCompleted(req *http.Request, tok *tokenizer.Tokenizer) error {
	hp.keepAliveUntil.Store(0)
	hp.served++

	keepAlive := tok.ShouldKeepAlive() &&
		!hp.opts.KeepAlive.Disabled &&
		(hp.opts.KeepAlive.MaxRequests == 0 || hp.served < hp.opts.KeepAlive.MaxRequests) &&
		hp.ctx.Err() == nil

	hp.w = newResponseWriter(hp.con, hp.conn, hp.clock, hp.opts, req, keepAlive)
	hp.body = nil

	if tok.Upgrade() {
		return hp.negotiate(req)
	}
	return hp.dispatch(req, hasBody(tok))
}

func hasBody(tok *tokenizer.Tokenizer) bool {
	n, ok := tok.ContentLength()
	return tok.Chunked() || (ok && n > 0)
}

func (hp *httpProcessor) dispatch(req *http.Request, hasBody bool) error {
	var bp http.BodyProcessing
	if err := hp.guard("application", func() { bp = hp.app(req, hp.w) }); err != nil {
		return err
	}

	if pb, ok := bp.(http.ProcessBody); ok && pb.Handler != nil {
		hp.body = pb.Handler
		if hasBody && req.ExpectsContinue() {
			if err := hp.w.writeContinue(); err != nil {
				hp.logger.Debug("failed to write 100 continue", "error", err)
			}
		}
	}
	return nil
}

func (hp *httpProcessor) bodyReceived(p []byte) error {
	if hp.body == nil {
		return nil
	}
	return hp.deliver(http.BodyChunk{Data: p, Ack: func() {}})
}

func (hp *httpProcessor) messageCompleted() error {
	if hp.next != nil {
		hp.conn.swapProcessor(hp.next)
		hp.logger.Debug("switched protocols")
		return tokenizer.ErrPause
	}

	if hp.body != nil {
		if err := hp.deliver(http.BodyEnd{}); err != nil {
			return err
		}
		hp.body = nil
	}

	select {
	case <-hp.w.done:
	case <-hp.closed:
		return errClosed
	case <-hp.ctx.Done():
		return errors.Wrap(errClosed, hp.ctx.Err().Error())
	}

	if !hp.w.reusable() {
		return errConnectionDone
	}

	hp.parser.reset()
	hp.refreshKeepAlive()
	return tokenizer.ErrPause
}

// deliver hands one event to the body handler and aborts if it asks to stop.
func (hp *httpProcessor) deliver(ev http.BodyEvent) error {
	stop := false
	if err := hp.guard("body handler", func() { hp.body(ev, &stop) }); err != nil {
		return err
	}
	if stop {
		hp.w.Abort()
		return errAborted
	}
	return nil
}

// guard runs f and turns a panic into an aborted connection.
func (hp *httpProcessor) guard(what string, f func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			hp.logger.Error("recovered from panic", "in", what, "panic", fmt.Sprint(r))
			hp.w.Abort()
			err = errors.Wrapf(errAborted, "panic in %s", what)
		}
	}()

	f()
	return nil
}

func (hp *httpProcessor) rejectMalformed(cause error) {
	// Past the header section the response belongs to the application.
	if hp.parser.state >= stateHeadersCompleted {
		return
	}

	st := status.BadRequest
	if errors.Is(cause, tokenizer.ErrHeaderTooLarge) {
		st = status.RequestHeaderFieldsTooLarge
	}

	w := newResponseWriter(hp.con, hp.conn, hp.clock, hp.opts, nil, false)
	if err := writeSimple(w, st, st.ReasonPhrase); err != nil {
		hp.logger.Debug("failed to reject malformed request", "error", err)
	}
}

// writeSimple writes a complete response with a short text body.
func writeSimple(w http.ResponseWriter, st status.Status, body string) error {
	headers := http.NewHeaders(http.Field{Name: "Content-Type", Value: "text/plain; charset=utf-8"})
	if err := w.WriteResponse(st, headers, http.Identity{ContentLength: uint64(len(body))}); err != nil {
		return err
	}
	if err := w.WriteBody([]byte(body), nil); err != nil {
		return err
	}
	return w.Done()
}
