// Package tokenizer is a byte-fed HTTP/1.1 request lexer.
//
// A Tokenizer is fed arbitrary fragments of the wire with Execute and reports
// what it recognizes through the callbacks registered with New, in wire order.
// The request target, header names and header values may each be reported
// across several calls when they straddle fragments.
package tokenizer

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"
)

// Callbacks are invoked synchronously from Execute. Byte slices alias the input
// and are only valid during the call. A nil callback is skipped.
type Callbacks struct {
	OnMessageBegin    func() error
	OnURL             func(b []byte) error
	OnHeaderField     func(b []byte) error
	OnHeaderValue     func(b []byte) error
	OnHeadersComplete func() error
	OnBody            func(b []byte) error
	OnMessageComplete func() error
}

type Options struct {
	// MaxHeaderBytes limits the request line plus header section. 0 means no limit.
	MaxHeaderBytes int
}

type state uint8

const (
	sStart state = iota
	sMethod
	sTargetStart
	sTarget
	sVersion
	sRequestLineLF
	sHeaderFieldStart
	sHeaderField
	sHeaderValueStart
	sHeaderValue
	sHeaderValueLF
	sHeadersAlmostDone

	sBodyIdentity

	sChunkSize
	sChunkExtension
	sChunkSizeLF
	sChunkData
	sChunkDataCR
	sChunkDataLF
	sTrailerStart
	sTrailerLine
	sTrailerLineLF
	sTrailerDoneLF
)

func (s state) inHeader() bool { return s > sStart && s <= sHeadersAlmostDone }

const (
	maxMethodLen  = 24
	maxVersionLen = 8
	// Names longer than this can't be one we track.
	maxTrackedNameLen = 32
)

type Tokenizer struct {
	cb   Callbacks
	opts Options

	state state
	err   error

	headerBytes int

	method  []byte
	version []byte
	major   uint
	minor   uint

	// Tracking of headers the tokenizer itself needs.
	name       []byte
	tracked    bool
	value      []byte
	hasUpgrade bool

	connClose     bool
	connKeepAlive bool
	connUpgrade   bool

	contentLength   int64 // -1 if absent.
	transferCodings []string
	chunked         bool
	upgrade         bool
	remaining       uint64
	chunkSizeDigits int
}

func New(cb Callbacks, opts Options) *Tokenizer {
	t := &Tokenizer{cb: cb, opts: opts}
	t.Reset()
	return t
}

// Reset discards any partial message and sticky error.
func (t *Tokenizer) Reset() {
	t.state = sStart
	t.err = nil
	t.beginMessage()
}

func (t *Tokenizer) beginMessage() {
	t.headerBytes = 0
	t.method = t.method[:0]
	t.version = t.version[:0]
	t.major, t.minor = 0, 0
	t.name = t.name[:0]
	t.value = t.value[:0]
	t.tracked = false
	t.hasUpgrade = false
	t.connClose, t.connKeepAlive, t.connUpgrade = false, false, false
	t.contentLength = -1
	t.transferCodings = t.transferCodings[:0]
	t.chunked = false
	t.upgrade = false
	t.remaining = 0
	t.chunkSizeDigits = 0
}

// Method returns the numeric method code of the current message.
func (t *Tokenizer) Method() Method { return LookupMethod(string(t.method)) }

// RawMethod returns the method token of the current message.
func (t *Tokenizer) RawMethod() string { return string(t.method) }

func (t *Tokenizer) Version() (major, minor uint) { return t.major, t.minor }

// ShouldKeepAlive reports whether the client allows another request on this connection.
// It is meaningful once the headers are complete.
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-9.3
func (t *Tokenizer) ShouldKeepAlive() bool {
	if t.major > 1 || (t.major == 1 && t.minor >= 1) {
		return !t.connClose
	}
	return t.connKeepAlive && !t.connClose
}

// Upgrade reports whether the current message asked to switch protocols
// and carried no content. Execute never reads past such a message.
func (t *Tokenizer) Upgrade() bool { return t.upgrade }

// Chunked reports whether the current message body is chunked.
func (t *Tokenizer) Chunked() bool { return t.chunked }

// ContentLength returns the declared content length, if any.
func (t *Tokenizer) ContentLength() (int64, bool) { return t.contentLength, t.contentLength >= 0 }

// Err returns the sticky error, if any.
func (t *Tokenizer) Err() error { return t.err }

func (t *Tokenizer) fail(err error) error {
	t.err = err
	return err
}

// stop ends an Execute call after n bytes because a callback returned err.
func (t *Tokenizer) stop(n int, err error) (int, error) {
	if errors.Is(err, ErrPause) {
		return n, nil
	}
	return n, t.fail(errors.Wrap(err, "callback"))
}

func call(f func() error) error {
	if f == nil {
		return nil
	}
	return f()
}

func callData(f func([]byte) error, b []byte) error {
	if f == nil {
		return nil
	}
	return f(b)
}

func isToken(c byte) bool { return httpguts.IsTokenRune(rune(c)) }

func isFieldValueByte(c byte) bool {
	// VCHAR, obs-text, SP and HTAB.
	return c == '\t' || (c >= ' ' && c != 0x7f)
}

// Execute consumes p and returns how many bytes were consumed.
// Fewer than len(p) bytes are consumed only when a callback returned [ErrPause],
// when a message asking to switch protocols completed, or on error.
func (t *Tokenizer) Execute(p []byte) (int, error) {
	if t.err != nil {
		return 0, t.err
	}

	mark := -1
	switch t.state {
	case sTarget, sHeaderField, sHeaderValue:
		mark = 0
	}

	for i := 0; i < len(p); i++ {
		c := p[i]

		if t.state.inHeader() {
			t.headerBytes++
			if t.opts.MaxHeaderBytes > 0 && t.headerBytes > t.opts.MaxHeaderBytes {
				return i, t.fail(ErrHeaderTooLarge)
			}
		}

		switch t.state {
		case sStart:
			// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-2.2-6
			if c == '\r' || c == '\n' {
				continue
			}
			if !isToken(c) {
				return i, t.fail(ErrInvalidMethod)
			}
			t.beginMessage()
			t.headerBytes = 1
			t.method = append(t.method, c)
			t.state = sMethod
			if err := call(t.cb.OnMessageBegin); err != nil {
				return t.stop(i+1, err)
			}

		case sMethod:
			switch {
			case c == ' ':
				t.state = sTargetStart
			case isToken(c) && len(t.method) < maxMethodLen:
				t.method = append(t.method, c)
			default:
				return i, t.fail(ErrInvalidMethod)
			}

		case sTargetStart:
			if c <= ' ' || c == 0x7f {
				return i, t.fail(ErrInvalidTarget)
			}
			mark = i
			t.state = sTarget

		case sTarget:
			if c == ' ' {
				if err := callData(t.cb.OnURL, p[mark:i]); err != nil {
					return t.stop(i+1, err)
				}
				mark = -1
				t.state = sVersion
				continue
			}
			if c < ' ' || c == 0x7f {
				return i, t.fail(ErrInvalidTarget)
			}

		case sVersion:
			if c == '\r' {
				if err := t.parseVersion(); err != nil {
					return i, t.fail(err)
				}
				t.state = sRequestLineLF
				continue
			}
			if len(t.version) >= maxVersionLen {
				return i, t.fail(ErrInvalidVersion)
			}
			t.version = append(t.version, c)

		case sRequestLineLF:
			if c != '\n' {
				return i, t.fail(ErrLFExpected)
			}
			t.state = sHeaderFieldStart

		case sHeaderFieldStart:
			switch {
			case c == '\r':
				t.state = sHeadersAlmostDone
			case c == ' ' || c == '\t':
				// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-5.2-2
				return i, t.fail(ErrObsoleteLineFolding)
			case isToken(c):
				mark = i
				t.name = append(t.name[:0], c)
				t.state = sHeaderField
			default:
				return i, t.fail(ErrInvalidHeaderField)
			}

		case sHeaderField:
			switch {
			case c == ':':
				if err := callData(t.cb.OnHeaderField, p[mark:i]); err != nil {
					return t.stop(i+1, err)
				}
				mark = -1
				t.tracked = isTrackedHeader(t.name)
				t.value = t.value[:0]
				t.state = sHeaderValueStart
			case isToken(c):
				if len(t.name) <= maxTrackedNameLen {
					t.name = append(t.name, c)
				}
			default:
				// Includes whitespace before the colon.
				// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-5.1-2
				return i, t.fail(ErrInvalidHeaderField)
			}

		case sHeaderValueStart:
			switch {
			case c == ' ' || c == '\t':
				// Leading OWS.
			case c == '\r':
				// Empty value. Still reported so every name gets a value.
				if err := callData(t.cb.OnHeaderValue, p[i:i]); err != nil {
					return t.stop(i+1, err)
				}
				if err := t.endHeaderValue(); err != nil {
					return i, t.fail(err)
				}
				t.state = sHeaderValueLF
			case isFieldValueByte(c):
				mark = i
				t.trackValue(c)
				t.state = sHeaderValue
			default:
				return i, t.fail(ErrInvalidHeaderValue)
			}

		case sHeaderValue:
			switch {
			case c == '\r':
				if err := callData(t.cb.OnHeaderValue, p[mark:i]); err != nil {
					return t.stop(i+1, err)
				}
				mark = -1
				if err := t.endHeaderValue(); err != nil {
					return i, t.fail(err)
				}
				t.state = sHeaderValueLF
			case isFieldValueByte(c):
				t.trackValue(c)
			default:
				return i, t.fail(ErrInvalidHeaderValue)
			}

		case sHeaderValueLF:
			if c != '\n' {
				return i, t.fail(ErrLFExpected)
			}
			t.state = sHeaderFieldStart

		case sHeadersAlmostDone:
			if c != '\n' {
				return i, t.fail(ErrLFExpected)
			}
			if err := t.finishHeaders(); err != nil {
				return i, t.fail(err)
			}
			if err := call(t.cb.OnHeadersComplete); err != nil {
				if !errors.Is(err, ErrPause) {
					return t.stop(i+1, err)
				}
				// Let the message complete first if there is nothing to read.
				if t.state == sBodyIdentity || t.state == sChunkSize {
					return i + 1, nil
				}
			}
			switch t.state {
			case sBodyIdentity, sChunkSize:
			default:
				if err := t.completeMessage(); err != nil {
					return t.stop(i+1, err)
				}
				if t.upgrade {
					return i + 1, nil
				}
			}

		case sBodyIdentity:
			n := min(uint64(len(p)-i), t.remaining)
			if err := callData(t.cb.OnBody, p[i:i+int(n)]); err != nil {
				return t.stop(i+int(n), err)
			}
			t.remaining -= n
			i += int(n) - 1
			if t.remaining == 0 {
				if err := t.completeMessage(); err != nil {
					return t.stop(i+1, err)
				}
			}

		case sChunkSize:
			switch {
			case isHex(c):
				if t.chunkSizeDigits >= 15 {
					return i, t.fail(ErrInvalidChunkSize)
				}
				t.remaining = t.remaining<<4 | uint64(unhex(c))
				t.chunkSizeDigits++
			case t.chunkSizeDigits > 0 && (c == ';' || c == ' ' || c == '\t'):
				t.state = sChunkExtension
			case t.chunkSizeDigits > 0 && c == '\r':
				t.state = sChunkSizeLF
			default:
				return i, t.fail(ErrInvalidChunkSize)
			}

		case sChunkExtension:
			// Extensions are ignored.
			// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-7.1.1
			if c == '\r' {
				t.state = sChunkSizeLF
			} else if c == '\n' {
				return i, t.fail(ErrInvalidChunkSize)
			}

		case sChunkSizeLF:
			if c != '\n' {
				return i, t.fail(ErrLFExpected)
			}
			t.chunkSizeDigits = 0
			if t.remaining == 0 {
				t.state = sTrailerStart
			} else {
				t.state = sChunkData
			}

		case sChunkData:
			n := min(uint64(len(p)-i), t.remaining)
			if err := callData(t.cb.OnBody, p[i:i+int(n)]); err != nil {
				return t.stop(i+int(n), err)
			}
			t.remaining -= n
			i += int(n) - 1
			if t.remaining == 0 {
				t.state = sChunkDataCR
			}

		case sChunkDataCR:
			if c != '\r' {
				return i, t.fail(ErrInvalidChunkDelimiter)
			}
			t.state = sChunkDataLF

		case sChunkDataLF:
			if c != '\n' {
				return i, t.fail(ErrInvalidChunkDelimiter)
			}
			t.state = sChunkSize

		case sTrailerStart:
			if c == '\r' {
				t.state = sTrailerDoneLF
				continue
			}
			if !isToken(c) {
				return i, t.fail(ErrInvalidHeaderField)
			}
			t.state = sTrailerLine

		case sTrailerLine:
			// Trailer fields are validated loosely and not reported.
			if c == '\r' {
				t.state = sTrailerLineLF
			} else if !isFieldValueByte(c) {
				return i, t.fail(ErrInvalidHeaderValue)
			}

		case sTrailerLineLF:
			if c != '\n' {
				return i, t.fail(ErrLFExpected)
			}
			t.state = sTrailerStart

		case sTrailerDoneLF:
			if c != '\n' {
				return i, t.fail(ErrLFExpected)
			}
			if err := t.completeMessage(); err != nil {
				return t.stop(i+1, err)
			}
		}
	}

	if mark >= 0 && mark < len(p) {
		var err error
		switch t.state {
		case sTarget:
			err = callData(t.cb.OnURL, p[mark:])
		case sHeaderField:
			err = callData(t.cb.OnHeaderField, p[mark:])
		case sHeaderValue:
			err = callData(t.cb.OnHeaderValue, p[mark:])
		}
		if err != nil {
			return t.stop(len(p), err)
		}
	}

	return len(p), nil
}

// completeMessage reports the end of the message and rewinds for the next one.
// Per-message getters stay valid until the next message begins.
func (t *Tokenizer) completeMessage() error {
	t.state = sStart
	return call(t.cb.OnMessageComplete)
}

func (t *Tokenizer) parseVersion() error {
	v := t.version
	if len(v) != 8 || string(v[:5]) != "HTTP/" || v[6] != '.' || !isDigit(v[5]) || !isDigit(v[7]) {
		return ErrInvalidVersion
	}
	t.major, t.minor = uint(v[5]-'0'), uint(v[7]-'0')
	if t.major != 1 {
		return ErrInvalidVersion
	}
	return nil
}

func isTrackedHeader(name []byte) bool {
	switch strings.ToLower(string(name)) {
	case "connection", "content-length", "transfer-encoding", "upgrade":
		return true
	}
	return false
}

func (t *Tokenizer) trackValue(c byte) {
	if t.tracked {
		t.value = append(t.value, c)
	}
}

func (t *Tokenizer) endHeaderValue() error {
	if !t.tracked {
		return nil
	}

	value := strings.TrimRight(string(t.value), " \t")

	switch strings.ToLower(string(t.name)) {
	case "connection":
		values := []string{value}
		t.connClose = t.connClose || httpguts.HeaderValuesContainsToken(values, "close")
		t.connKeepAlive = t.connKeepAlive || httpguts.HeaderValuesContainsToken(values, "keep-alive")
		t.connUpgrade = t.connUpgrade || httpguts.HeaderValuesContainsToken(values, "upgrade")
	case "content-length":
		n, err := strconv.ParseUint(value, 10, 63)
		if err != nil {
			return errors.Wrapf(ErrInvalidContentLength, "%q", value)
		}
		// Repeated identical values are tolerated.
		// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-8.6-10
		if t.contentLength >= 0 && t.contentLength != int64(n) {
			return errors.Wrap(ErrInvalidContentLength, "conflicting values")
		}
		t.contentLength = int64(n)
	case "transfer-encoding":
		for _, coding := range strings.Split(value, ",") {
			if coding = strings.TrimSpace(coding); coding != "" {
				t.transferCodings = append(t.transferCodings, strings.ToLower(coding))
			}
		}
	case "upgrade":
		t.hasUpgrade = true
	}

	return nil
}

// finishHeaders decides how the body is framed.
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3
func (t *Tokenizer) finishHeaders() error {
	if len(t.transferCodings) > 0 {
		if t.contentLength >= 0 {
			return ErrAmbiguousLength
		}
		if t.transferCodings[len(t.transferCodings)-1] != "chunked" {
			return ErrUnsupportedTransferCode
		}
		t.chunked = true
	}

	hasBody := t.chunked || t.contentLength > 0

	t.upgrade = !hasBody &&
		((t.connUpgrade && t.hasUpgrade) || t.Method() == MethodConnect)

	switch {
	case t.chunked:
		t.remaining = 0
		t.chunkSizeDigits = 0
		t.state = sChunkSize
	case t.contentLength > 0:
		t.remaining = uint64(t.contentLength)
		t.state = sBodyIdentity
	default:
		t.state = sStart
	}

	return nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHex(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case isDigit(c):
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
