// Package portsproxy implements the broker's port registry and the
// /proxy/:port/*rest reverse-proxy surface it backs.
package portsproxy

import (
	"sync"
	"time"

	"github.com/kandev/sandboxbroker/internal/common/logger"
	"github.com/kandev/sandboxbroker/internal/validate"
	"go.uber.org/zap"
)

// Entry is one exposed port.
type Entry struct {
	Port      int       `json:"port"`
	Name      string    `json:"name,omitempty"`
	ExposedAt time.Time `json:"exposedAt"`
}

// Registry tracks which ports the broker is willing to proxy to on
// 127.0.0.1. It does not itself bind anything; exposing a port only makes
// /proxy/:port/* dispatch to it.
type Registry struct {
	log *logger.Logger

	mu      sync.RWMutex
	entries map[int]Entry
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		log:     log.WithFields(zap.String("component", "portsproxy")),
		entries: make(map[int]Entry),
	}
}

// Expose records port as exposed, replacing any prior entry's name but
// preserving nothing else - re-exposing a port resets its exposedAt.
func (r *Registry) Expose(port int, name string) (Entry, error) {
	if err := validate.Port(port); err != nil {
		return Entry{}, err
	}
	entry := Entry{Port: port, Name: name, ExposedAt: time.Now().UTC()}
	r.mu.Lock()
	r.entries[port] = entry
	r.mu.Unlock()
	return entry, nil
}

// Unexpose removes port from the registry. Returns false if it was not exposed.
func (r *Registry) Unexpose(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[port]; !ok {
		return false
	}
	delete(r.entries, port)
	return true
}

// List returns every exposed port, ordered by port number.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Port < out[j-1].Port; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// isExposed reports whether port is currently exposed.
func (r *Registry) isExposed(port int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[port]
	return ok
}
