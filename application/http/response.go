package http

import (
	"io"

	"http-engine/application/http/status"
	"http-engine/transport"
)

// TransferEncoding is either [Identity] or [Chunked].
type TransferEncoding interface{ transferEncoding() }

// Identity frames content with a fixed Content-Length.
type Identity struct {
	ContentLength uint64
}

// Chunked frames content as hex-length-prefixed chunks.
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-7.1
type Chunked struct{}

func (Identity) transferEncoding() {}
func (Chunked) transferEncoding()  {}

// ResponseWriter frames exactly one response.
//
// WriteResponse may be called once. WriteBody is allowed between WriteResponse and Done.
// Violating either is a programming error and panics; the engine recovers it and
// aborts the connection without writing anything further.
type ResponseWriter interface {
	WriteResponse(s status.Status, headers Headers, te TransferEncoding) error
	// WriteBody writes content. onFlushed, if non-nil, runs once the bytes are handed to the socket.
	WriteBody(p []byte, onFlushed func()) error
	// Done finishes the response and lets the connection carry the next request.
	Done() error
	// Abort closes the connection immediately.
	Abort()

	// Stream exposes the raw connection to protocols taking it over after an upgrade.
	Stream() Stream
}

// Stream is the write side of a connection plus its identity.
type Stream interface {
	io.Writer
	Close() error
	RemoteAddr() transport.Addr
}

// Application is the engine's only view of the layer above it.
// It is called once the request headers are complete.
type Application func(req *Request, w ResponseWriter) BodyProcessing
