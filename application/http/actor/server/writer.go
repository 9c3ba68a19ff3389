package server

import (
	"strconv"
	"sync"

	"http-engine/application/http"
	"http-engine/application/http/status"
	"http-engine/application/http/transfer"
	"http-engine/transport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

var (
	ErrResponseAlreadyWritten = errors.New("response header already written")
	ErrResponseNotStarted     = errors.New("response header not written yet")
	ErrResponseClosed         = errors.New("response already finished")
	ErrContentLengthExceeded  = errors.New("body exceeds declared content length")
	ErrContentLengthShort     = errors.New("body shorter than declared content length")
)

// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-5.6.7
const dateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

var crlf = []byte("\r\n")

// responseWriter frames the response to one request.
type responseWriter struct {
	con   transport.Conn
	conn  connHandle
	clock clock.Clock
	opts  *Options

	request *http.Request
	// keepAlive is decided when the request headers complete.
	keepAlive bool

	mu            sync.Mutex
	headerWritten bool
	closed        bool
	aborted       bool
	forceClose    bool

	// cw is set when the body uses the chunked coding.
	cw             *transfer.ChunkedWriter
	closeDelimited bool
	bodyAllowed    bool
	declared       uint64
	written        uint64

	done     chan struct{}
	doneOnce sync.Once
}

var _ http.ResponseWriter = (*responseWriter)(nil)

func newResponseWriter(con transport.Conn, conn connHandle, clk clock.Clock, opts *Options, request *http.Request, keepAlive bool) *responseWriter {
	return &responseWriter{
		con:       con,
		conn:      conn,
		clock:     clk,
		opts:      opts,
		request:   request,
		keepAlive: keepAlive,
		done:      make(chan struct{}),
	}
}

func (w *responseWriter) WriteResponse(s status.Status, headers http.Headers, te http.TransferEncoding) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		panic(errors.WithStack(ErrResponseClosed))
	}
	if w.headerWritten {
		panic(errors.WithStack(ErrResponseAlreadyWritten))
	}
	w.headerWritten = true

	head := w.appendHead(make([]byte, 0, 256), s, headers.Clone(), te)
	return w.write(head)
}

// appendHead serializes the status line and header section and settles framing.
func (w *responseWriter) appendHead(b []byte, s status.Status, headers http.Headers, te http.TransferEncoding) []byte {
	isHead := w.request != nil && w.request.Method == http.MethodHead
	w.bodyAllowed = s.BodyAllowed() && !isHead

	switch te := te.(type) {
	case http.Chunked:
		if w.request != nil && !w.request.Version.AtLeast(http.Version11) {
			// HTTP/1.0 has no chunked coding. Content is sent raw and delimited by close.
			// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.1-16
			w.closeDelimited = true
			w.forceClose = true
		} else {
			w.cw = transfer.NewChunkedWriter(w.con, nil)
			if s.BodyAllowed() {
				headers.Set("Transfer-Encoding", "chunked")
			}
		}
	case http.Identity:
		w.declared = te.ContentLength
		if s.BodyAllowed() {
			headers.Set("Content-Length", strconv.FormatUint(te.ContentLength, 10))
		}
	}

	if !headers.Has("Date") && !s.Informational() {
		headers.Add("Date", w.clock.Now().UTC().Format(dateFormat))
	}

	switch {
	case s == status.SwitchingProtocols:
		// The upgrading protocol owns the Connection header.
	case headers.ContainsToken("Connection", "close"):
		w.forceClose = true
	case !headers.Has("Connection"):
		if w.keepAlive && !w.forceClose {
			headers.Add("Connection", "keep-alive")
			headers.Add("Keep-Alive", "timeout="+strconv.Itoa(int(w.opts.KeepAlive.Timeout.Seconds())))
		} else {
			headers.Add("Connection", "close")
		}
	}

	b = append(b, http.Version11.String()...)
	b = append(b, ' ')
	b = strconv.AppendUint(b, uint64(s.Code), 10)
	b = append(b, ' ')
	b = append(b, s.ReasonPhrase...)
	b = append(b, crlf...)
	for _, f := range headers.Fields() {
		b = append(b, f.Name...)
		b = append(b, ": "...)
		b = append(b, f.Value...)
		b = append(b, crlf...)
	}
	return append(b, crlf...)
}

func (w *responseWriter) WriteBody(p []byte, onFlushed func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		panic(errors.WithStack(ErrResponseClosed))
	}
	if !w.headerWritten {
		panic(errors.WithStack(ErrResponseNotStarted))
	}

	if !w.bodyAllowed || len(p) == 0 {
		if onFlushed != nil {
			onFlushed()
		}
		return nil
	}

	var err error
	switch {
	case w.cw != nil:
		err = w.send(func() error {
			_, err := w.cw.Write(p)
			return err
		})
	case w.closeDelimited:
		err = w.write(p)
	default:
		if w.written+uint64(len(p)) > w.declared {
			panic(errors.Wrapf(ErrContentLengthExceeded, "declared %d, got %d", w.declared, w.written+uint64(len(p))))
		}
		w.written += uint64(len(p))
		err = w.write(p)
	}
	if err != nil {
		return err
	}

	if onFlushed != nil {
		onFlushed()
	}
	return nil
}

func (w *responseWriter) Done() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if !w.headerWritten {
		panic(errors.WithStack(ErrResponseNotStarted))
	}

	var err error
	switch {
	case !w.bodyAllowed:
	case w.cw != nil:
		err = w.send(w.cw.Close)
	case w.written < w.declared:
		// The peer would wait for bytes that never come.
		w.forceClose = true
		err = errors.Wrapf(ErrContentLengthShort, "declared %d, wrote %d", w.declared, w.written)
	}

	w.closed = true
	w.closeDone()
	return err
}

func (w *responseWriter) Abort() {
	w.conn.close()

	w.mu.Lock()
	w.closed = true
	w.aborted = true
	w.mu.Unlock()

	w.closeDone()
}

func (w *responseWriter) Stream() http.Stream { return stream{con: w.con, conn: w.conn} }

// writeContinue sends an interim 100 response unless the final one has started.
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.2.1
func (w *responseWriter) writeContinue() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.headerWritten || w.closed {
		return nil
	}
	return w.write([]byte("HTTP/1.1 100 Continue\r\n\r\n"))
}

// write must be called with w.mu held.
func (w *responseWriter) write(b []byte) error {
	return w.send(func() error {
		_, err := w.con.Write(b)
		return err
	})
}

// send runs f under the write deadline. A failed write makes the connection unusable.
func (w *responseWriter) send(f func() error) error {
	if timeout := w.opts.Timeout.WriteTimeout; timeout > 0 {
		w.con.SetWriteDeadLine(w.clock.Now().Add(timeout))
	}

	if err := f(); err != nil {
		w.forceClose = true
		return errors.Wrap(err, "writing response")
	}
	return nil
}

func (w *responseWriter) closeDone() {
	w.doneOnce.Do(func() { close(w.done) })
}

// started reports whether the response can no longer be replaced by another.
func (w *responseWriter) started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.headerWritten || w.closed
}

// reusable reports whether the connection may carry another request after this response.
func (w *responseWriter) reusable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.keepAlive && !w.aborted && !w.forceClose
}

type stream struct {
	con  transport.Conn
	conn connHandle
}

func (s stream) Write(p []byte) (int, error) { return s.con.Write(p) }
func (s stream) Close() error                { s.conn.close(); return nil }
func (s stream) RemoteAddr() transport.Addr  { return s.con.RemoteAddr() }
