package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
)

// Reaper closes connections that stayed idle past their keep-alive deadline.
//
// One Reaper per process is the intended deployment: create it once, Start it
// and hand it to every server through [Options.Reaper]. A server without one
// runs a private Reaper for its own connections.
type Reaper struct {
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration

	live *xsync.MapOf[*listener, struct{}]

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   chan struct{}
	exited    chan struct{}
}

func NewReaper(clock clock.Clock, logger *slog.Logger, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{
		clock:    clock,
		logger:   logger,
		interval: interval,
		live:     xsync.NewMapOf[*listener, struct{}](),
		stopped:  make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// Start begins scanning. Calling it again has no effect.
func (r *Reaper) Start() {
	r.startOnce.Do(func() {
		ticker := r.clock.Ticker(r.interval)
		go func() {
			defer close(r.exited)
			defer ticker.Stop()
			for {
				select {
				case <-r.stopped:
					return
				case <-ticker.C:
					r.reap()
				}
			}
		}()
	})
}

// Stop ends scanning and waits for an in-progress scan.
// Connections still registered are left open.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
	// A reaper never started has nothing to wait for.
	r.startOnce.Do(func() { close(r.exited) })
	<-r.exited
}

// Len returns the number of live connections.
func (r *Reaper) Len() int { return r.live.Size() }

func (r *Reaper) add(l *listener)    { r.live.Store(l, struct{}{}) }
func (r *Reaper) remove(l *listener) { r.live.Delete(l) }

// reap closes every connection whose deadline has passed.
func (r *Reaper) reap() {
	now := r.clock.Now()
	r.live.Range(func(l *listener, _ struct{}) bool {
		until := l.keepAliveUntil()
		if !until.IsZero() && !now.Before(until) {
			l.logger.Info("idle timeout exceeded")
			l.close()
		}
		return true
	})
}
