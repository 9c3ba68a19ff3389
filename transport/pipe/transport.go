package pipe

import (
	"context"
	"http-engine/transport"
	"sync"

	"github.com/benbjohnson/clock"
)

type dialRequest struct {
	conn     *pipe
	accepted chan struct{}
}

// Transport hands out listeners and dials them in memory.
type Transport struct {
	listeners map[Addr]*Listener
	clock     clock.Clock
	bufSize   uint

	mu sync.Mutex
}

var _ transport.ConnDialer = (*Transport)(nil)

func NewTransport(clock clock.Clock, bufSize uint) *Transport {
	if bufSize == 0 {
		bufSize = DefaultBufSize
	}
	return &Transport{
		listeners: make(map[Addr]*Listener),
		clock:     clock,
		bufSize:   bufSize,
	}
}

func (pt *Transport) Dial(ctx context.Context, addr transport.Addr) (transport.Conn, error) {
	a, ok := addr.(Addr)
	if !ok {
		return nil, transport.ErrNetUnreachable
	}

	pt.mu.Lock()
	listener, ok := pt.listeners[a]
	pt.mu.Unlock()

	if !ok {
		return nil, transport.ErrNetUnreachable
	}

	local, remote := NewPair("dialer", a.Name, pt.clock, pt.bufSize)

	req := dialRequest{
		conn:     remote,
		accepted: make(chan struct{}, 1),
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-listener.closed:
		return nil, transport.ErrConnRefused
	case listener.requests <- req:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-listener.closed:
		return nil, transport.ErrConnRefused
	case <-req.accepted:
	}

	return local, nil
}

func (pt *Transport) Listen(addr Addr) (*Listener, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if _, ok := pt.listeners[addr]; ok {
		return nil, transport.ErrAddrAlreadyInUse
	}

	pl := &Listener{
		addr:      addr,
		transport: pt,
		requests:  make(chan dialRequest),
		closed:    make(chan struct{}),
	}
	pt.listeners[addr] = pl

	return pl, nil
}

type Listener struct {
	addr      Addr
	transport *Transport

	requests chan dialRequest
	closed   chan struct{}
	once     sync.Once
}

var _ transport.ConnListener = (*Listener)(nil)

func (pl *Listener) Addr() Addr { return pl.addr }

func (pl *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-pl.closed:
		return nil, transport.ErrConnListenerClosed
	case request := <-pl.requests:
		request.accepted <- struct{}{}
		return request.conn, nil
	}
}

func (pl *Listener) Close() error {
	err := transport.ErrConnListenerClosed
	pl.once.Do(func() {
		close(pl.closed)

		pl.transport.mu.Lock()
		delete(pl.transport.listeners, pl.addr)
		pl.transport.mu.Unlock()

		err = nil
	})
	return err
}
