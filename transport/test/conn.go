// Package test holds behaviour every [transport.Conn] must share for the HTTP engine to run on it.
package test

import (
	"bytes"
	"sync"
	"time"

	"http-engine/transport"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

// ConnTestSuite runs against the pair returned by NewPair.
// Data written to the first conn must be readable from the second and vice versa.
type ConnTestSuite struct {
	suite.Suite

	NewPair func(clk clock.Clock) (transport.Conn, transport.Conn)

	Clock  clock.Clock
	C1, C2 transport.Conn

	timer *time.Timer
}

func (s *ConnTestSuite) SetupTest() {
	s.Require().NotNil(s.NewPair, "NewPair must be set")

	s.Clock = clock.New()
	s.C1, s.C2 = s.NewPair(s.Clock)

	// Close both ends so a hung test fails instead of blocking forever.
	s.timer = time.AfterFunc(5*time.Second, func() {
		s.C1.Close()
		s.C2.Close()
	})
}

func (s *ConnTestSuite) TearDownTest() {
	defer goleak.VerifyNone(s.T())
	s.timer.Stop()
	s.NoError(s.C1.Close())
	s.NoError(s.C2.Close())
}

// The engine reads into a fixed buffer, so a message must survive being split across reads.
func (s *ConnTestSuite) TestPartialReads() {
	data := []byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n")

	done := make(chan struct{})
	go func() {
		defer close(done)
		n, err := s.C1.Write(data)
		s.NoError(err)
		s.Equal(len(data), n)
	}()

	var got []byte
	buf := make([]byte, 5)
	for len(got) < len(data) {
		n, err := s.C2.Read(buf)
		s.Require().NoError(err)
		s.LessOrEqual(n, len(buf))
		got = append(got, buf[:n]...)
	}
	<-done

	s.Equal(data, got)
}

// Responses are written from whichever goroutine finishes them, so writes must not interleave.
func (s *ConnTestSuite) TestConcurrentWrites() {
	chunks := [][]byte{
		bytes.Repeat([]byte("a"), 64),
		bytes.Repeat([]byte("b"), 64),
		bytes.Repeat([]byte("c"), 64),
		bytes.Repeat([]byte("d"), 64),
	}

	var wg sync.WaitGroup
	for _, chunk := range chunks {
		chunk := chunk
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.C1.Write(chunk)
			s.NoError(err)
		}()
	}

	got := make([]byte, 0, 64*len(chunks))
	buf := make([]byte, 16)
	for len(got) < cap(got) {
		n, err := s.C2.Read(buf)
		s.Require().NoError(err)
		got = append(got, buf[:n]...)
	}
	wg.Wait()

	for i := 0; i < len(got); i += 64 {
		s.Equal(bytes.Repeat(got[i:i+1], 64), got[i:i+64], "write split at offset %d", i)
	}
}

func (s *ConnTestSuite) TestCloseUnblocksRead() {
	errc := make(chan error, 1)
	go func() {
		_, err := s.C1.Read(make([]byte, 1))
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Require().NoError(s.C1.Close())
	s.ErrorIs(<-errc, transport.ErrConnClosed)

	_, err := s.C1.Write([]byte("x"))
	s.ErrorIs(err, transport.ErrConnClosed)
}

func (s *ConnTestSuite) TestPeerClose() {
	s.Require().NoError(s.C2.Close())

	_, err := s.C1.Read(make([]byte, 1))
	s.ErrorIs(err, transport.ErrConnClosed)
}

func (s *ConnTestSuite) TestReadDeadLine() {
	s.C1.SetReadDeadLine(s.Clock.Now().Add(-time.Second))

	n, err := s.C1.Read(make([]byte, 1))
	s.ErrorIs(err, transport.ErrDeadLineExceeded)
	s.Zero(n)

	// Clearing the deadline makes the conn usable again.
	s.C1.SetReadDeadLine(time.Time{})
	go func() { _, _ = s.C2.Write([]byte("x")) }()
	n, err = s.C1.Read(make([]byte, 1))
	s.NoError(err)
	s.Equal(1, n)
}

func (s *ConnTestSuite) TestReadDeadLineWakesBlockedRead() {
	errc := make(chan error, 1)
	go func() {
		_, err := s.C1.Read(make([]byte, 1))
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.C1.SetReadDeadLine(s.Clock.Now().Add(10 * time.Millisecond))
	s.ErrorIs(<-errc, transport.ErrDeadLineExceeded)
}

func (s *ConnTestSuite) TestWriteDeadLine() {
	s.C1.SetWriteDeadLine(s.Clock.Now().Add(-time.Second))

	n, err := s.C1.Write([]byte("x"))
	s.ErrorIs(err, transport.ErrDeadLineExceeded)
	s.Zero(n)
}

func (s *ConnTestSuite) TestAddr() {
	s.Equal(s.C1.LocalAddr().String(), s.C2.RemoteAddr().String())
	s.Equal(s.C2.LocalAddr().String(), s.C1.RemoteAddr().String())
	s.Equal(s.C1.LocalAddr().Protocol(), s.C2.LocalAddr().Protocol())
}
