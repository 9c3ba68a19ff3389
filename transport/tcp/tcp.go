// Package tcp adapts operating system TCP sockets to [transport.Conn].
package tcp

import (
	"context"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"http-engine/transport"

	"github.com/pkg/errors"
	"golang.org/x/net/netutil"
)

type Addr struct {
	addr *net.TCPAddr
}

var _ transport.Addr = Addr{}

func NewAddr(a net.Addr) Addr {
	tcpAddr, _ := a.(*net.TCPAddr)
	return Addr{addr: tcpAddr}
}

func (a Addr) Protocol() transport.Protocol { return transport.TCP }

func (a Addr) Identifier() any {
	if a.addr == nil {
		return 0
	}
	return a.addr.Port
}

func (a Addr) String() string {
	if a.addr == nil {
		return "<nil>"
	}
	return a.addr.String()
}

type conn struct {
	nc net.Conn
}

var _ transport.Conn = (*conn)(nil)

// NewConn wraps an established net.Conn.
func NewConn(nc net.Conn) transport.Conn { return &conn{nc: nc} }

func (c *conn) Read(p []byte) (int, error) {
	n, err := c.nc.Read(p)
	return n, convertError(err)
}

func (c *conn) Write(p []byte) (int, error) {
	n, err := c.nc.Write(p)
	return n, convertError(err)
}

func (c *conn) Close() error {
	if err := c.nc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *conn) LocalAddr() transport.Addr  { return NewAddr(c.nc.LocalAddr()) }
func (c *conn) RemoteAddr() transport.Addr { return NewAddr(c.nc.RemoteAddr()) }

func (c *conn) SetReadDeadLine(t time.Time)  { _ = c.nc.SetReadDeadline(t) }
func (c *conn) SetWriteDeadLine(t time.Time) { _ = c.nc.SetWriteDeadline(t) }

// convertError maps socket errors onto transport errors.
// Peer EOF, reset and local close all become [transport.ErrConnClosed].
func convertError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrClosedPipe):
		return transport.ErrConnClosed
	case errors.Is(err, os.ErrDeadlineExceeded):
		return transport.ErrDeadLineExceeded
	}
	return err
}

type ListenOptions struct {
	// MaxConns bounds simultaneously accepted connections. 0 means no limit.
	MaxConns int
}

type Listener struct {
	ln net.Listener
}

var _ transport.ConnListener = (*Listener)(nil)

// Listen announces on the local TCP address.
func Listen(address string, opts ListenOptions) (*Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.Wrap(err, "listening tcp")
	}

	if opts.MaxConns > 0 {
		ln = netutil.LimitListener(ln, opts.MaxConns)
	}

	return &Listener{ln: ln}, nil
}

func (l *Listener) Addr() Addr { return NewAddr(l.ln.Addr()) }

// Accept waits for the next connection.
// Cancelling ctx closes the listener, which is how the accept loop is stopped.
func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()

	nc, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, transport.ErrConnListenerClosed
		}
		return nil, errors.Wrap(err, "accepting tcp connection")
	}

	return NewConn(nc), nil
}

func (l *Listener) Close() error {
	if err := l.ln.Close(); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return transport.ErrConnListenerClosed
		}
		return err
	}
	return nil
}
