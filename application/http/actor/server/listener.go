package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"http-engine/application/http/upgrade"
	"http-engine/transport"

	"github.com/pkg/errors"
)

// connHandle is what processors and response writers may do to their connection.
type connHandle interface {
	// swapProcessor hands every byte read from now on to p.
	swapProcessor(p upgrade.Processor)
	close()
}

// listener owns one accepted connection and feeds what it reads to the active processor.
type listener struct {
	con    transport.Conn
	reaper *Reaper
	logger *slog.Logger

	bufSize int

	mu     sync.Mutex
	active upgrade.Processor

	closeOnce sync.Once
}

var _ connHandle = (*listener)(nil)

// newListener wraps con. The active processor must be set with swapProcessor
// before the listener is registered with the reaper and run.
func newListener(con transport.Conn, reaper *Reaper, logger *slog.Logger, bufSize int) *listener {
	return &listener{
		con:     con,
		reaper:  reaper,
		logger:  logger,
		bufSize: bufSize,
	}
}

func (l *listener) processor() upgrade.Processor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *listener) swapProcessor(p upgrade.Processor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = p
}

// keepAliveUntil reports when the connection may be reaped. Zero means never.
func (l *listener) keepAliveUntil() time.Time {
	if p := l.processor(); p != nil {
		return p.KeepAliveUntil()
	}
	return time.Time{}
}

// run reads until the connection ends. Closing ctx closes the connection.
func (l *listener) run(ctx context.Context) {
	stop := context.AfterFunc(ctx, l.close)
	defer stop()
	defer l.close()

	err := l.serve()

	switch {
	case err == nil:
	case errors.Is(err, errConnectionDone), errors.Is(err, upgrade.ErrDone):
	case errors.Is(err, transport.ErrConnClosed),
		errors.Is(err, errAborted),
		errors.Is(err, errClosed):
		l.logger.Debug("connection ended", "reason", err.Error())
	default:
		l.logger.Error("closing connection", "error", err)
	}
}

func (l *listener) serve() error {
	buf := make([]byte, l.bufSize)
	// leftover holds bytes no processor has consumed yet.
	var leftover []byte

	for {
		n, err := l.con.Read(buf)
		if err != nil {
			// Peer EOF and read failures end the connection alike.
			return errors.Wrap(err, "reading from connection")
		}

		data := buf[:n]
		if len(leftover) > 0 {
			leftover = append(leftover, data...)
			data = leftover
		}

		for len(data) > 0 {
			proc := l.processor()
			consumed, err := proc.Process(data)
			data = data[consumed:]
			if err != nil {
				return err
			}
			if consumed == 0 && l.processor() == proc {
				break
			}
		}

		leftover = append(leftover[:0], data...)
	}
}

// close closes the connection once and tells the active processor.
// It is safe to call from any goroutine.
func (l *listener) close() {
	l.closeOnce.Do(func() {
		if err := l.con.Close(); err != nil && !errors.Is(err, transport.ErrConnClosed) {
			l.logger.Error("error when closing connection", "error", err)
		}
		l.reaper.remove(l)
		l.logger.Debug("connection closed")

		if p := l.processor(); p != nil {
			p.ConnectionClosed()
		}
	})
}
