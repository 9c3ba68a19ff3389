package server

import (
	"time"

	"http-engine/application/http/tokenizer"
	"http-engine/application/http/upgrade"
)

type Options struct {
	KeepAlive KeepAliveOptions
	Timeout   TimeoutOptions
	Buffer    BufferOptions
	Tokenizer tokenizer.Options

	// ReapInterval is how often idle connections are looked for.
	ReapInterval time.Duration

	// Upgrades holds the protocols requests may switch to. Defaults to [upgrade.Default].
	Upgrades *upgrade.Registry

	// Reaper lets servers share one idle scan. When nil the server runs its own
	// every ReapInterval and stops it on Close.
	Reaper *Reaper
}

type KeepAliveOptions struct {
	// Disabled closes every connection after its first response.
	Disabled bool
	// Timeout is how long a connection may sit idle between requests.
	Timeout time.Duration
	// MaxRequests caps the requests served on one connection. 0 means no cap.
	MaxRequests uint
}

type TimeoutOptions struct {
	WriteTimeout time.Duration
}

type BufferOptions struct {
	ReadBufferSize int
}

const (
	DefaultKeepAliveTimeout = 5 * time.Second
	DefaultReapInterval     = time.Second
	DefaultReadBufferSize   = 4096
	DefaultMaxHeaderBytes   = 1 << 20
)

// withDefaults fills zero values.
func (o Options) withDefaults() Options {
	if o.KeepAlive.Timeout <= 0 {
		o.KeepAlive.Timeout = DefaultKeepAliveTimeout
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = DefaultReapInterval
	}
	if o.Buffer.ReadBufferSize <= 0 {
		o.Buffer.ReadBufferSize = DefaultReadBufferSize
	}
	if o.Tokenizer.MaxHeaderBytes <= 0 {
		o.Tokenizer.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if o.Upgrades == nil {
		o.Upgrades = upgrade.Default
	}
	return o
}
