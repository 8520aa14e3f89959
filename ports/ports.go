// Package ports hands out TCP ports for bridge endpoints and network
// backends.
//
// An Allocator never issues a port it already holds, and it checks every
// candidate with an OS bind probe so ports taken by other processes are
// skipped. A port returns to the pool only on Release; the supervisor
// releases a port after the process that used it has fully exited.
package ports

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
)

// Allocation errors.
var (
	ErrNoPortsAvailable = errors.New("no ports available")
	ErrPortConflict     = errors.New("port conflict")
	ErrInvalidRange     = errors.New("invalid port range")
)

// Options configures an Allocator.
type Options struct {
	// Host is the interface probed for availability. Default: 127.0.0.1.
	Host string

	// Min and Max bound the scanned range, inclusive. Default: 49152-65535.
	Min int
	Max int

	// Probe reports whether host:port can be bound. Defaults to a real
	// listen-and-close.
	Probe func(host string, port int) error
}

// Allocator reserves ports. It is safe for concurrent use.
type Allocator struct {
	host  string
	min   int
	max   int
	probe func(host string, port int) error

	mu     sync.Mutex
	held   map[int]struct{}
	cursor int
}

// New creates an allocator.
func New(opts Options) (*Allocator, error) {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Min == 0 && opts.Max == 0 {
		opts.Min, opts.Max = 49152, 65535
	}
	if opts.Min <= 0 || opts.Max > 65535 || opts.Min > opts.Max {
		return nil, fmt.Errorf("%w: %d-%d", ErrInvalidRange, opts.Min, opts.Max)
	}
	if opts.Probe == nil {
		opts.Probe = bindProbe
	}
	return &Allocator{
		host:   opts.Host,
		min:    opts.Min,
		max:    opts.Max,
		probe:  opts.Probe,
		held:   make(map[int]struct{}),
		cursor: opts.Min,
	}, nil
}

// Reserve returns a free port. A non-zero hint is tried first; if another
// holder in this process owns it, Reserve fails with ErrPortConflict. If the
// hint is merely busy at the OS level, the range is scanned instead.
func (a *Allocator) Reserve(hint int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if hint > 0 {
		if _, taken := a.held[hint]; taken {
			return 0, fmt.Errorf("%w: port %d already reserved", ErrPortConflict, hint)
		}
		if a.probe(a.host, hint) == nil {
			a.held[hint] = struct{}{}
			return hint, nil
		}
	}
	return a.scanLocked()
}

// ReserveExact reserves port or fails with ErrPortConflict when it is held
// in this process or busy at the OS level.
func (a *Allocator) ReserveExact(port int) (int, error) {
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("%w: port %d", ErrInvalidRange, port)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, taken := a.held[port]; taken {
		return 0, fmt.Errorf("%w: port %d already reserved", ErrPortConflict, port)
	}
	if err := a.probe(a.host, port); err != nil {
		return 0, fmt.Errorf("%w: port %d in use: %v", ErrPortConflict, port, err)
	}
	a.held[port] = struct{}{}
	return port, nil
}

// scanLocked walks the range from a rotating cursor so recently released
// ports are not handed straight back out.
func (a *Allocator) scanLocked() (int, error) {
	size := a.max - a.min + 1
	for i := 0; i < size; i++ {
		port := a.min + (a.cursor-a.min+i)%size
		if _, taken := a.held[port]; taken {
			continue
		}
		if a.probe(a.host, port) != nil {
			continue
		}
		a.held[port] = struct{}{}
		a.cursor = port + 1
		if a.cursor > a.max {
			a.cursor = a.min
		}
		return port, nil
	}
	return 0, fmt.Errorf("%w: range %d-%d exhausted", ErrNoPortsAvailable, a.min, a.max)
}

// Release returns port to the pool. Releasing an unheld port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.held, port)
}

// Held reports whether port is currently reserved.
func (a *Allocator) Held(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.held[port]
	return ok
}

// Reserved returns every held port in ascending order.
func (a *Allocator) Reserved() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, 0, len(a.held))
	for p := range a.held {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Host returns the probed interface.
func (a *Allocator) Host() string { return a.host }

func bindProbe(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}
