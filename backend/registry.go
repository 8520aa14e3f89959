package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jonwraymond/toolproxy/config"
)

// Registry maps transport kinds to dialers. The kind is chosen once per
// backend at start from its descriptor.
type Registry struct {
	mu      sync.RWMutex
	dialers map[config.TransportKind]Dialer
}

// NewRegistry creates an empty dialer registry.
func NewRegistry() *Registry {
	return &Registry{dialers: make(map[config.TransportKind]Dialer)}
}

// RegisterDialer registers a dialer for a transport kind, replacing any
// previous one.
func (r *Registry) RegisterDialer(kind config.TransportKind, d Dialer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == "" || d == nil {
		return
	}
	r.dialers[kind] = d
}

// Dial builds a transport for desc.
func (r *Registry) Dial(desc config.Backend, conn Conn) (Transport, error) {
	kind := desc.Transport
	if kind == "" {
		kind = config.TransportStdio
	}
	r.mu.RLock()
	d, ok := r.dialers[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTransport, kind)
	}
	return d(desc, conn)
}

// Kinds returns registered kinds sorted for deterministic output.
func (r *Registry) Kinds() []config.TransportKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]config.TransportKind, 0, len(r.dialers))
	for k := range r.dialers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
