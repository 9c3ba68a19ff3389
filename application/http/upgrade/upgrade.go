// Package upgrade lets a connection change wire protocol after an HTTP exchange.
//
// Factories are registered under a protocol name at startup. When a request asks
// to switch to a registered protocol, its factory answers the request with
// 101 Switching Protocols and returns the Processor that receives every byte the
// connection reads from then on.
package upgrade

import (
	"strings"
	"sync"
	"time"

	"http-engine/application/http"
	"http-engine/application/http/status"

	"github.com/pkg/errors"
)

// ErrDone is returned by Process to close the connection without reporting a failure.
var ErrDone = errors.New("processor done")

// Processor consumes the bytes read from one connection.
type Processor interface {
	// Process consumes a prefix of p and returns its length.
	// Unconsumed bytes are offered again, followed by newly read ones.
	// Returning an error closes the connection.
	Process(p []byte) (n int, err error)
	// KeepAliveUntil is when the connection may be reaped if idle.
	// The zero time means never.
	KeepAliveUntil() time.Time
	// ConnectionClosed is called exactly once after the connection closed.
	ConnectionClosed()
}

// Factory takes over a connection.
// It must write the 101 response through w, typically with [SwitchingResponse].
type Factory func(req *http.Request, w http.ResponseWriter, app http.Application) (Processor, error)

// Registry maps lower-cased protocol names to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	if f == nil {
		panic("upgrade: nil factory for " + name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(name)] = f
}

// Lookup finds the factory for name, ignoring case.
func (r *Registry) Lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[strings.ToLower(name)]
	return f, ok
}

// Clear removes every registration. Meant for test isolation.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.factories)
}

func (r *Registry) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories) == 0
}

// Default is the process-wide registry servers use unless given another one.
var Default = NewRegistry()

func Register(name string, f Factory)    { Default.Register(name, f) }
func Lookup(name string) (Factory, bool) { return Default.Lookup(name) }

// ParseProtocols splits Upgrade header values into protocol names in preference order.
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-7.8
func ParseProtocols(values ...string) []string {
	var protocols []string
	for _, v := range values {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				protocols = append(protocols, strings.ToLower(p))
			}
		}
	}
	return protocols
}

// SwitchingResponse writes the 101 response accepting protocol.
func SwitchingResponse(w http.ResponseWriter, protocol string, extra ...http.Field) error {
	headers := http.NewHeaders(
		http.Field{Name: "Upgrade", Value: protocol},
		http.Field{Name: "Connection", Value: "Upgrade"},
	)
	for _, f := range extra {
		headers.Add(f.Name, f.Value)
	}

	return w.WriteResponse(status.SwitchingProtocols, headers, http.Identity{})
}
