// Package server runs the HTTP/1.1 engine over accepted connections.
//
// Each connection is read on its own goroutine and fed to its active processor,
// which starts out serving HTTP and may be replaced once by a protocol upgrade.
// Idle connections are closed by a Reaper.
package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"http-engine/application/http"
	"http-engine/transport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

type Server struct {
	l transport.ConnListener

	closeListener func()
	wg            sync.WaitGroup
	closeOnce     sync.Once

	logger *slog.Logger
	opts   Options

	app   http.Application
	clock clock.Clock

	reaper     *Reaper
	ownsReaper bool
	conns      atomic.Int64
}

func New(
	l transport.ConnListener,
	logger *slog.Logger,
	clock clock.Clock,
	app http.Application,
	opts Options,
) *Server {
	opts = opts.withDefaults()

	s := &Server{
		l:      l,
		logger: logger,
		opts:   opts,
		app:    app,
		clock:  clock,
		reaper: opts.Reaper,
	}
	if s.reaper == nil {
		s.reaper = NewReaper(clock, logger, opts.ReapInterval)
		s.ownsReaper = true
	}

	return s
}

// Start accepts connections until Close is called.
func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.closeListener = cancel
	s.reaper.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			con, err := s.l.Accept(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, transport.ErrConnListenerClosed) {
					s.logger.Error(
						"unexpected error when accepting connection",
						"error", err.Error(),
					)
				}
				return
			}

			s.serveConn(ctx, con)
		}
	}()
}

func (s *Server) serveConn(ctx context.Context, con transport.Conn) {
	logger := s.logger.With("conn", con.RemoteAddr().String())

	l := newListener(con, s.reaper, logger, s.opts.Buffer.ReadBufferSize)
	l.swapProcessor(newHTTPProcessor(ctx, l, con, s.app, &s.opts, s.clock, logger))
	s.reaper.add(l)

	s.conns.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.conns.Add(-1)
		l.run(ctx)
	}()
}

// Conns returns the number of open connections.
func (s *Server) Conns() int { return int(s.conns.Load()) }

// Close stops accepting, closes every connection and waits for their goroutines.
// Close never closes the transport listener itself, but cancelling a pending
// Accept may: pipe listeners stay open while tcp listeners close.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		if s.closeListener != nil {
			s.closeListener()
		}
		s.wg.Wait()
		if s.ownsReaper {
			s.reaper.Stop()
		}
	})
	return nil
}
