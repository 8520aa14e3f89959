// Package registry tracks the live endpoint of every backend service.
//
// Readers get lock-free, point-in-time snapshots: every write builds a new
// map and swaps it in atomically, so a snapshot never changes after it is
// taken. Writers are serialized. Subscribers receive change events in the
// order the changes were applied.
//
// Each endpoint carries a generation that increases on every restart of
// its backend. Registering a generation lower than or equal to the current
// one is ignored, which keeps late events from a previous incarnation from
// overwriting the new one.
package registry

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Registry errors.
var (
	ErrNotFound        = errors.New("service not found")
	ErrStaleGeneration = errors.New("stale generation")
	ErrInvalidEndpoint = errors.New("invalid endpoint")
)

// Health is the routing state of an endpoint.
type Health string

const (
	HealthStarting  Health = "starting"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthStopped   Health = "stopped"
)

// Endpoint is the address and state of one backend service.
type Endpoint struct {
	Name                string    `json:"name"`
	Host                string    `json:"host"`
	Port                int       `json:"port"`
	Generation          uint64    `json:"generation"`
	Health              Health    `json:"health"`
	Transport           string    `json:"transport,omitempty"`
	LastHeartbeatAt     time.Time `json:"lastHeartbeatAt"`
	ConsecutiveFailures int       `json:"consecutiveFailures,omitempty"`
	LastError           string    `json:"lastError,omitempty"`
}

// Routable reports whether requests may be forwarded to e.
func (e Endpoint) Routable() bool { return e.Health == HealthHealthy }

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// EventType classifies registry changes.
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event describes one applied change. Previous is nil for EventAdded.
type Event struct {
	Type     EventType
	Endpoint Endpoint
	Previous *Endpoint
}

// Options configures a Registry.
type Options struct {
	// FailureThreshold is the number of consecutive failed probes after
	// which a healthy endpoint becomes unhealthy. Default: 3.
	FailureThreshold int

	// Now is used for heartbeat timestamps. Default: time.Now.
	Now func() time.Time
}

type table = map[string]Endpoint

// Registry maps service names to endpoints.
type Registry struct {
	opts Options

	mu     sync.Mutex // serializes writers
	emitMu sync.Mutex // orders event delivery
	snap   atomic.Pointer[table]

	subs    map[uint64]func(Event)
	nextSub uint64
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Registry{opts: opts, subs: make(map[uint64]func(Event))}
	empty := table{}
	r.snap.Store(&empty)
	return r
}

// Register adds or replaces the endpoint for ep.Name. An endpoint whose
// generation is not greater than the current one is ignored; Register
// then reports false and emits nothing.
func (r *Registry) Register(ep Endpoint) (bool, error) {
	if ep.Name == "" {
		return false, fmt.Errorf("%w: name is required", ErrInvalidEndpoint)
	}
	if ep.Health == "" {
		ep.Health = HealthStarting
	}
	if ep.LastHeartbeatAt.IsZero() {
		ep.LastHeartbeatAt = r.opts.Now()
	}

	r.mu.Lock()
	cur := *r.snap.Load()
	prev, exists := cur[ep.Name]
	if exists && ep.Generation <= prev.Generation {
		r.mu.Unlock()
		return false, nil
	}
	ev := Event{Type: EventAdded, Endpoint: ep}
	if exists {
		ev.Type = EventUpdated
		ev.Previous = &prev
	}
	r.commitLocked(cur, ep.Name, &ep, ev)
	return true, nil
}

// Deregister removes name. It reports whether an entry existed.
func (r *Registry) Deregister(name string) bool {
	r.mu.Lock()
	cur := *r.snap.Load()
	prev, ok := cur[name]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.commitLocked(cur, name, nil, Event{Type: EventRemoved, Endpoint: prev, Previous: &prev})
	return true
}

// MarkHealth sets the health of name. Setting the current value is a no-op.
func (r *Registry) MarkHealth(name string, h Health) error {
	r.mu.Lock()
	cur := *r.snap.Load()
	prev, ok := cur[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if prev.Health == h {
		r.mu.Unlock()
		return nil
	}
	next := prev
	next.Health = h
	if h == HealthHealthy {
		next.ConsecutiveFailures = 0
		next.LastError = ""
		next.LastHeartbeatAt = r.opts.Now()
	}
	r.commitLocked(cur, name, &next, Event{Type: EventUpdated, Endpoint: next, Previous: &prev})
	return nil
}

// ReportProbe records a health probe result for the given generation.
// A success refreshes the heartbeat and restores a starting or unhealthy
// endpoint to healthy. FailureThreshold consecutive failures turn a healthy
// endpoint unhealthy. Results for other generations and for stopped
// endpoints are ignored.
func (r *Registry) ReportProbe(name string, generation uint64, probeErr error) (Health, error) {
	r.mu.Lock()
	cur := *r.snap.Load()
	prev, ok := cur[name]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if prev.Generation != generation {
		r.mu.Unlock()
		return prev.Health, fmt.Errorf("%w: %s probe for generation %d, current %d", ErrStaleGeneration, name, generation, prev.Generation)
	}
	if prev.Health == HealthStopped {
		r.mu.Unlock()
		return prev.Health, nil
	}

	next := prev
	if probeErr == nil {
		next.ConsecutiveFailures = 0
		next.LastError = ""
		next.LastHeartbeatAt = r.opts.Now()
		if prev.Health != HealthHealthy {
			next.Health = HealthHealthy
		}
	} else {
		next.ConsecutiveFailures++
		next.LastError = probeErr.Error()
		if prev.Health == HealthHealthy && next.ConsecutiveFailures >= r.opts.FailureThreshold {
			next.Health = HealthUnhealthy
		}
	}

	if next.Health == prev.Health {
		// Bookkeeping only: swap the snapshot without an event.
		r.commitLocked(cur, name, &next, Event{})
		return next.Health, nil
	}
	r.commitLocked(cur, name, &next, Event{Type: EventUpdated, Endpoint: next, Previous: &prev})
	return next.Health, nil
}

// commitLocked publishes a new snapshot with name set to ep (or removed
// when ep is nil) and delivers ev. It releases r.mu.
func (r *Registry) commitLocked(cur table, name string, ep *Endpoint, ev Event) {
	next := make(table, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	if ep == nil {
		delete(next, name)
	} else {
		next[name] = *ep
	}
	r.snap.Store(&next)

	if ev.Type == "" {
		r.mu.Unlock()
		return
	}
	subs := make([]func(Event), 0, len(r.subs))
	ids := make([]uint64, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		subs = append(subs, r.subs[id])
	}

	r.emitMu.Lock()
	r.mu.Unlock()
	defer r.emitMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Get returns the endpoint for name from the current snapshot.
func (r *Registry) Get(name string) (Endpoint, bool) {
	ep, ok := (*r.snap.Load())[name]
	return ep, ok
}

// Snapshot returns every endpoint sorted by name.
func (r *Registry) Snapshot() []Endpoint {
	cur := *r.snap.Load()
	out := make([]Endpoint, 0, len(cur))
	for _, ep := range cur {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Subscribe registers fn for change events and returns a function that
// removes it. Events are delivered synchronously in commit order; fn may
// read the registry but must not modify it.
func (r *Registry) Subscribe(fn func(Event)) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}
