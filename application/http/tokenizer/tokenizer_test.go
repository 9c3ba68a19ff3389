package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// recorder joins fragmented spans so tests can compare whole values.
type recorder struct {
	events []string
	last   string
	body   strings.Builder

	pauseOnComplete bool
}

func (r *recorder) span(kind string, b []byte) error {
	if r.last == kind {
		r.events[len(r.events)-1] += string(b)
		return nil
	}
	r.last = kind
	r.events = append(r.events, kind+":"+string(b))
	return nil
}

func (r *recorder) mark(kind string) error {
	r.last = kind
	r.events = append(r.events, kind)
	return nil
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnMessageBegin:    func() error { return r.mark("begin") },
		OnURL:             func(b []byte) error { return r.span("url", b) },
		OnHeaderField:     func(b []byte) error { return r.span("field", b) },
		OnHeaderValue:     func(b []byte) error { return r.span("value", b) },
		OnHeadersComplete: func() error { return r.mark("headers") },
		OnBody: func(b []byte) error {
			r.body.Write(b)
			if r.last != "body" {
				return r.mark("body")
			}
			return nil
		},
		OnMessageComplete: func() error {
			r.mark("complete")
			if r.pauseOnComplete {
				return ErrPause
			}
			return nil
		},
	}
}

type TokenizerTestSuite struct {
	suite.Suite

	rec *recorder
	tok *Tokenizer
}

func TestTokenizerTestSuite(t *testing.T) {
	suite.Run(t, new(TokenizerTestSuite))
}

func (s *TokenizerTestSuite) SetupTest() {
	s.rec = &recorder{}
	s.tok = New(s.rec.callbacks(), Options{})
}

func (s *TokenizerTestSuite) TestSimpleRequest() {
	input := "GET /path?q=1 HTTP/1.1\r\nHost: example.com\r\nAccept:  */*  \r\n\r\n"

	n, err := s.tok.Execute([]byte(input))
	s.Require().NoError(err)
	s.Equal(len(input), n)

	s.Equal([]string{
		"begin",
		"url:/path?q=1",
		"field:Host", "value:example.com",
		"field:Accept", "value:*/*  ",
		"headers",
		"complete",
	}, s.rec.events)

	s.Equal(MethodGet, s.tok.Method())
	major, minor := s.tok.Version()
	s.Equal([2]uint{1, 1}, [2]uint{major, minor})
	s.True(s.tok.ShouldKeepAlive())
	s.False(s.tok.Upgrade())
}

func (s *TokenizerTestSuite) TestByteByByte() {
	input := "POST /echo HTTP/1.1\r\nTransfer-Encoding: chunked\r\nX-Empty:\r\n\r\n" +
		"5\r\nhello\r\n6;ext=1\r\n world\r\n0\r\nTrailer: yes\r\n\r\n"

	for i := 0; i < len(input); i++ {
		n, err := s.tok.Execute([]byte{input[i]})
		s.Require().NoError(err, "at byte %d", i)
		s.Require().Equal(1, n)
	}

	s.Equal([]string{
		"begin",
		"url:/echo",
		"field:Transfer-Encoding", "value:chunked",
		"field:X-Empty", "value:",
		"headers",
		"body",
		"complete",
	}, s.rec.events)
	s.Equal("hello world", s.rec.body.String())
	s.True(s.tok.Chunked())
}

func (s *TokenizerTestSuite) TestContentLengthBody() {
	input := "PUT /x HTTP/1.1\r\nContent-Length: 5\r\n\r\nhelloGET / HTTP/1.1\r\n\r\n"

	n, err := s.tok.Execute([]byte(input))
	s.Require().NoError(err)
	s.Equal(len(input), n)

	s.Equal("hello", s.rec.body.String())
	s.Equal(2, countOf(s.rec.events, "complete"))
}

func (s *TokenizerTestSuite) TestPauseOnComplete() {
	s.rec.pauseOnComplete = true
	first := "GET /a HTTP/1.1\r\n\r\n"
	input := first + "GET /b HTTP/1.1\r\n\r\n"

	n, err := s.tok.Execute([]byte(input))
	s.Require().NoError(err)
	s.Equal(len(first), n)

	n, err = s.tok.Execute([]byte(input[n:]))
	s.Require().NoError(err)
	s.Equal(len(input)-len(first), n)
	s.Equal(2, countOf(s.rec.events, "complete"))
}

func (s *TokenizerTestSuite) TestUpgradeStopsParsing() {
	head := "GET /ws HTTP/1.1\r\nConnection: keep-alive, Upgrade\r\nUpgrade: Testing\r\n\r\n"
	input := head + "\x00\x01not http"

	n, err := s.tok.Execute([]byte(input))
	s.Require().NoError(err)
	s.Equal(len(head), n)
	s.True(s.tok.Upgrade())
}

func (s *TokenizerTestSuite) TestUpgradeWithoutUpgradeHeader() {
	input := "GET / HTTP/1.1\r\nConnection: Upgrade\r\n\r\n"

	_, err := s.tok.Execute([]byte(input))
	s.Require().NoError(err)
	s.False(s.tok.Upgrade())
}

func (s *TokenizerTestSuite) TestUnknownMethod() {
	_, err := s.tok.Execute([]byte("BREW /pot HTTP/1.1\r\n\r\n"))
	s.Require().NoError(err)
	s.Equal(MethodUnknown, s.tok.Method())
	s.Equal("BREW", s.tok.RawMethod())
}

func (s *TokenizerTestSuite) TestStickyError() {
	_, err := s.tok.Execute([]byte("GET / HTTP/1.X\r\n"))
	s.ErrorIs(err, ErrInvalidVersion)

	_, err = s.tok.Execute([]byte("GET / HTTP/1.1\r\n\r\n"))
	s.ErrorIs(err, ErrInvalidVersion)

	s.tok.Reset()
	_, err = s.tok.Execute([]byte("GET / HTTP/1.1\r\n\r\n"))
	s.NoError(err)
}

func (s *TokenizerTestSuite) TestMaxHeaderBytes() {
	s.tok = New(s.rec.callbacks(), Options{MaxHeaderBytes: 32})

	_, err := s.tok.Execute([]byte("GET / HTTP/1.1\r\nX-Long: " + strings.Repeat("a", 64) + "\r\n\r\n"))
	s.ErrorIs(err, ErrHeaderTooLarge)
}

func TestKeepAlive(t *testing.T) {
	testcases := []struct {
		desc     string
		input    string
		expected bool
	}{
		{desc: "1.1 default", input: "GET / HTTP/1.1\r\n\r\n", expected: true},
		{desc: "1.1 close", input: "GET / HTTP/1.1\r\nConnection: close\r\n\r\n", expected: false},
		{desc: "1.1 close among tokens", input: "GET / HTTP/1.1\r\nConnection: foo, Close\r\n\r\n", expected: false},
		{desc: "1.0 default", input: "GET / HTTP/1.0\r\n\r\n", expected: false},
		{desc: "1.0 keep-alive", input: "GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n", expected: true},
	}

	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			tok := New(Callbacks{}, Options{})
			_, err := tok.Execute([]byte(tc.input))
			require.NoError(t, err)
			assert.Equal(t, tc.expected, tok.ShouldKeepAlive())
		})
	}
}

func TestMalformed(t *testing.T) {
	testcases := []struct {
		desc     string
		input    string
		expected error
	}{
		{desc: "bad method", input: "G@T / HTTP/1.1\r\n\r\n", expected: ErrInvalidMethod},
		{desc: "http2", input: "GET / HTTP/2.0\r\n\r\n", expected: ErrInvalidVersion},
		{desc: "space before colon", input: "GET / HTTP/1.1\r\nHost : a\r\n\r\n", expected: ErrInvalidHeaderField},
		{desc: "line folding", input: "GET / HTTP/1.1\r\nA: b\r\n c\r\n\r\n", expected: ErrObsoleteLineFolding},
		{desc: "bare LF", input: "GET / HTTP/1.1\r\nA: b\r\r\n", expected: ErrLFExpected},
		{desc: "bad content length", input: "GET / HTTP/1.1\r\nContent-Length: -1\r\n\r\n", expected: ErrInvalidContentLength},
		{desc: "conflicting content length", input: "GET / HTTP/1.1\r\nContent-Length: 1\r\nContent-Length: 2\r\n\r\n", expected: ErrInvalidContentLength},
		{desc: "both lengths", input: "GET / HTTP/1.1\r\nContent-Length: 1\r\nTransfer-Encoding: chunked\r\n\r\n", expected: ErrAmbiguousLength},
		{desc: "gzip only", input: "GET / HTTP/1.1\r\nTransfer-Encoding: gzip\r\n\r\n", expected: ErrUnsupportedTransferCode},
		{desc: "bad chunk size", input: "GET / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n", expected: ErrInvalidChunkSize},
		{desc: "bad chunk delimiter", input: "GET / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n1\r\nab\r\n", expected: ErrInvalidChunkDelimiter},
	}

	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			tok := New(Callbacks{}, Options{})
			_, err := tok.Execute([]byte(tc.input))
			assert.ErrorIs(t, err, tc.expected)
			assert.ErrorIs(t, tok.Err(), tc.expected)
		})
	}
}

func TestLookupMethod(t *testing.T) {
	assert.Equal(t, MethodPatch, LookupMethod("PATCH"))
	assert.Equal(t, MethodUnknown, LookupMethod("get"))
}

func countOf(events []string, event string) int {
	n := 0
	for _, e := range events {
		if e == event {
			n++
		}
	}
	return n
}
