// Package pipe provides in-memory, buffered connection pairs.
// Deadlines are driven by an injected clock so tests can move time by hand.
package pipe

import (
	"bytes"
	"http-engine/transport"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

type Addr struct {
	Name string
}

func (a Addr) Protocol() transport.Protocol { return transport.Pipe }
func (a Addr) Identifier() any              { return a.Name }
func (a Addr) String() string               { return a.Name }

var _ transport.Addr = Addr{}

const DefaultBufSize = 64 * 1024

// See:
// - https://github.com/golang/go/issues/24205
// - https://github.com/golang/go/issues/34502
type pipe struct {
	addr Addr

	// mu guards buf. Both conds use it.
	mu       sync.Mutex
	readable sync.Cond
	writable sync.Cond
	buf      *bytes.Buffer

	serialMu sync.Mutex // Serializes writes so they never interleave.

	closed atomic.Bool

	rdeadLine, wdeadLine *deadline

	// the opposite pipe.
	counterpart *pipe
}

var _ transport.Conn = (*pipe)(nil)
var _ transport.BufferedConn = (*pipe)(nil)

// NewPair creates a pair of connected pipes.
// Writes complete as soon as they fit into the counterpart's buffer,
// so bufSize must be more than 0.
func NewPair(name1, name2 string, clock clock.Clock, bufSize uint) (c1, c2 *pipe) {
	if bufSize == 0 {
		panic("buffer size cannot be 0")
	}

	c1, c2 = newPipe(name1, clock, bufSize), newPipe(name2, clock, bufSize)
	c1.counterpart, c2.counterpart = c2, c1
	return
}

func newPipe(name string, clock clock.Clock, bufSize uint) *pipe {
	p := &pipe{
		addr: Addr{Name: name},
		buf:  bytes.NewBuffer(make([]byte, 0, bufSize)),
	}
	p.readable.L, p.writable.L = &p.mu, &p.mu
	p.rdeadLine = newDeadLine(clock, p.wakeReader)
	p.wdeadLine = newDeadLine(clock, func() { p.counterpart.wakeWriter() })
	return p
}

func (p *pipe) ReadBufSize() uint          { return uint(p.buf.Cap()) }
func (p *pipe) WriteBufSize() uint         { return uint(p.counterpart.buf.Cap()) }
func (p *pipe) LocalAddr() transport.Addr  { return p.addr }
func (p *pipe) RemoteAddr() transport.Addr { return p.counterpart.addr }

func (p *pipe) Close() error {
	p.closed.Store(true)

	p.wakeReader()
	p.wakeWriter()
	p.counterpart.wakeReader()
	p.counterpart.wakeWriter()
	return nil
}

func (p *pipe) Read(b []byte) (n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		// Bytes already buffered are returned even past the deadline or after close.
		if p.buf.Len() > 0 {
			n, _ = p.buf.Read(b)
			p.writable.Broadcast()
			return n, nil
		}

		if p.rdeadLine.exceeded() {
			return 0, transport.ErrDeadLineExceeded
		}

		if p.isClosed() {
			return 0, transport.ErrConnClosed
		}

		p.readable.Wait()
	}
}

func (p *pipe) Write(b []byte) (n int, err error) {
	p.serialMu.Lock()
	defer p.serialMu.Unlock()

	dst := p.counterpart

	dst.mu.Lock()
	defer dst.mu.Unlock()

	for once := true; once || len(b) > 0; once = false {
		if p.wdeadLine.exceeded() {
			return n, transport.ErrDeadLineExceeded
		}

		if p.isClosed() {
			return n, transport.ErrConnClosed
		}

		// Never grow the counterpart's buffer.
		if canWrite := min(len(b), dst.buf.Cap()-dst.buf.Len()); canWrite > 0 {
			dst.buf.Write(b[:canWrite])
			b = b[canWrite:]
			n += canWrite
			dst.readable.Broadcast()
			continue
		}

		if len(b) == 0 {
			break
		}

		dst.writable.Wait()
	}

	return n, nil
}

func (p *pipe) isClosed() bool { return p.closed.Load() || p.counterpart.closed.Load() }

func (p *pipe) wakeReader() {
	p.mu.Lock()
	p.readable.Broadcast()
	p.mu.Unlock()
}

// wakeWriter wakes writers blocked on p's buffer.
func (p *pipe) wakeWriter() {
	p.mu.Lock()
	p.writable.Broadcast()
	p.mu.Unlock()
}

func (p *pipe) SetReadDeadLine(t time.Time)  { p.rdeadLine.set(t) }
func (p *pipe) SetWriteDeadLine(t time.Time) { p.wdeadLine.set(t) }

type deadline struct {
	clock    clock.Clock
	onExceed func()

	m     sync.Mutex
	timer *clock.Timer
	t     time.Time
}

func newDeadLine(clock clock.Clock, onExceed func()) *deadline {
	return &deadline{clock: clock, onExceed: onExceed}
}

func (d *deadline) set(t time.Time) {
	d.m.Lock()
	defer d.m.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	d.t = t

	if t.IsZero() {
		// zero value means no limit.
		return
	}

	// onExceed takes the pipe lock, so it must run without d.m held.
	d.timer = d.clock.AfterFunc(d.clock.Until(t), d.onExceed)
}

func (d *deadline) exceeded() bool {
	d.m.Lock()
	defer d.m.Unlock()

	if d.t.IsZero() {
		return false
	}

	return !d.clock.Now().Before(d.t)
}
