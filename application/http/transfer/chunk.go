// Package transfer encodes message bodies for the wire.
// Decoding is done by the tokenizer, which has to resume on any byte boundary.
package transfer

import (
	"io"
	"strconv"

	"http-engine/application/http"

	"github.com/pkg/errors"
)

var crlf = []byte("\r\n")

// ChunkedWriter writes each Write as one chunk of the chunked transfer coding.
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-7.1
type ChunkedWriter struct {
	w   io.Writer
	buf []byte

	extensions [][2]string
	// trailerStore points at external trailer storage.
	trailerStore *[]http.Field
}

var _ io.WriteCloser = (*ChunkedWriter)(nil)

// NewChunkedWriter encodes into w. If trailerStore is not nil, its fields are sent on Close.
func NewChunkedWriter(w io.Writer, trailerStore *[]http.Field) *ChunkedWriter {
	return &ChunkedWriter{w: w, trailerStore: trailerStore}
}

// SetExtensions sets extensions for the next chunk only.
func (cw *ChunkedWriter) SetExtensions(extensions [][2]string) {
	cw.extensions = extensions
}

// Write sends p as one chunk. Empty writes are ignored since a 0 sized chunk ends the body.
func (cw *ChunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	b := cw.appendChunkHeader(cw.buf[:0], uint64(len(p)))
	b = append(b, p...)
	b = append(b, crlf...)
	cw.buf = b

	if _, err := cw.w.Write(b); err != nil {
		return 0, errors.Wrap(err, "writing chunk")
	}
	return len(p), nil
}

// Close writes the last chunk and the trailer section. It does not close the underlying writer.
func (cw *ChunkedWriter) Close() error {
	b := cw.appendChunkHeader(cw.buf[:0], 0)
	if cw.trailerStore != nil {
		for _, f := range *cw.trailerStore {
			b = append(b, f.Name...)
			b = append(b, ": "...)
			b = append(b, f.Value...)
			b = append(b, crlf...)
		}
	}
	b = append(b, crlf...)
	cw.buf = b

	if _, err := cw.w.Write(b); err != nil {
		return errors.Wrap(err, "writing last chunk")
	}
	return nil
}

func (cw *ChunkedWriter) appendChunkHeader(b []byte, size uint64) []byte {
	b = strconv.AppendUint(b, size, 16)
	for _, ext := range cw.extensions {
		b = append(b, ';')
		b = append(b, ext[0]...)
		if ext[1] != "" {
			b = append(b, '=')
			b = append(b, ext[1]...)
		}
	}
	cw.extensions = nil
	return append(b, crlf...)
}
