package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonwraymond/toolproxy/backend"
	"github.com/jonwraymond/toolproxy/config"
	"github.com/jonwraymond/toolproxy/ports"
)

// Supervisor errors.
var (
	ErrSpawnFailure         = errors.New("spawn failure")
	ErrProbeFailed          = errors.New("readiness probe failed")
	ErrBackendUnrecoverable = errors.New("backend unrecoverable")
	ErrAlreadyRunning       = errors.New("supervisor already running")
	ErrNoDialers            = errors.New("supervisor: dialer registry is required")
)

// State is the lifecycle state of a supervised backend.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
)

// Logger is the optional logging interface used by the supervisor.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Incarnation describes one successful start of a backend.
type Incarnation struct {
	Generation uint64
	Host       string
	Port       int
	PID        int
	StartedAt  time.Time
	Transport  backend.Transport
}

// AttachFunc binds per-incarnation resources, such as an HTTP bridge, once
// the readiness probe has passed. The returned closer runs before the
// process is stopped. A nil closer is allowed.
type AttachFunc func(ctx context.Context, inc Incarnation) (io.Closer, error)

// Options configures a Supervisor.
type Options struct {
	// Dialers builds transports by kind. Required.
	Dialers *backend.Registry

	// Ports reserves the port of each incarnation. When nil no port is
	// reserved.
	Ports *ports.Allocator

	// Host is the bridge host for stdio backends. Default: 127.0.0.1.
	Host string

	// Attach is called after a passed probe.
	Attach AttachFunc

	// OnEvent receives lifecycle events synchronously, in order.
	OnEvent func(Event)

	// Logger is optional.
	Logger Logger

	// GracePeriod is the time between the terminate signal and kill.
	// Default: 5s.
	GracePeriod time.Duration

	// MaxBackoff caps the restart delay. Default: 30s.
	MaxBackoff time.Duration

	// Jitter is the randomization factor applied to restart delays.
	// Default: 0.2. Negative disables jitter.
	Jitter float64

	// StableAfter is how long an incarnation must stay running before its
	// crash no longer counts against MaxRestarts. Default: 60s.
	StableAfter time.Duration

	// ProbeInterval spaces readiness retries for network backends, which
	// may need time to start listening. Default: 100ms.
	ProbeInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 5 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	switch {
	case o.Jitter == 0:
		o.Jitter = 0.2
	case o.Jitter < 0:
		o.Jitter = 0
	}
	if o.StableAfter <= 0 {
		o.StableAfter = 60 * time.Second
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 100 * time.Millisecond
	}
}

// Supervisor manages one backend. It is safe for concurrent use.
type Supervisor struct {
	desc config.Backend
	opts Options

	spawns     atomic.Int64
	generation atomic.Uint64

	mu       sync.Mutex
	state    State
	cur      *incarnation
	stop     chan struct{}
	stopOnce *sync.Once
	done     chan struct{}
	attempts int
	bo       *backoff.ExponentialBackOff
}

// incarnation is the supervisor's private view of a started backend.
type incarnation struct {
	Incarnation

	conn     backend.Conn
	cmd      *exec.Cmd
	exited   chan struct{} // nil when there is no child process
	exitErr  error
	exitCode int
	port     int // reserved port, 0 if none
	attach   io.Closer
}

// New creates a stopped supervisor for desc.
func New(desc config.Backend, opts Options) (*Supervisor, error) {
	if opts.Dialers == nil {
		return nil, ErrNoDialers
	}
	desc.ApplyDefaults()
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	opts.applyDefaults()
	return &Supervisor{desc: desc, opts: opts, state: StateStopped}, nil
}

// Descriptor returns the backend descriptor.
func (s *Supervisor) Descriptor() config.Backend { return s.desc }

// Name returns the backend name.
func (s *Supervisor) Name() string { return s.desc.Name }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the running incarnation.
func (s *Supervisor) Current() (Incarnation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.state != StateRunning {
		return Incarnation{}, false
	}
	return s.cur.Incarnation, true
}

// Spawns returns the number of start attempts made so far.
func (s *Supervisor) Spawns() int { return int(s.spawns.Load()) }

// Generation returns the most recently issued generation.
func (s *Supervisor) Generation() uint64 { return s.generation.Load() }

// Start launches the backend and waits for its readiness probe.
//
// If the first attempt fails, Start returns the error and the restart
// policy continues in the background; Wait reports when it gives up.
func (s *Supervisor) Start(ctx context.Context) (backend.Transport, error) {
	s.mu.Lock()
	if s.state != StateStopped {
		st := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyRunning, s.desc.Name, st)
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop, s.done, s.stopOnce = stop, done, &sync.Once{}
	s.state = StateStarting
	s.attempts = 0
	s.bo = s.newBackoff()
	s.mu.Unlock()

	inc, err := s.launch(ctx, stop)
	if err != nil {
		if s.transition(StateCrashed, nil) {
			s.emit(Event{Type: EventCrashed, Generation: s.Generation(), Err: err, ExitCode: -1})
		}
		go s.run(nil, stop, done)
		return nil, err
	}
	if s.transition(StateRunning, inc) {
		s.emit(startedEvent(inc))
	}
	go s.run(inc, stop, done)
	return inc.Transport, nil
}

// Stop stops the backend from any state and waits until it is Stopped or
// ctx is done.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	done, stop, once := s.done, s.stop, s.stopOnce
	if done == nil {
		s.mu.Unlock()
		return nil
	}
	select {
	case <-done:
		s.mu.Unlock()
		return nil
	default:
	}
	if s.state != StateStopped {
		s.state = StateStopping
	}
	s.mu.Unlock()

	once.Do(func() { close(stop) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart stops then starts the backend.
func (s *Supervisor) Restart(ctx context.Context) (backend.Transport, error) {
	if err := s.Stop(ctx); err != nil {
		return nil, err
	}
	return s.Start(ctx)
}

// Wait blocks until the supervisor settles in Stopped after a Start.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run owns every incarnation after the first attempt.
func (s *Supervisor) run(inc *incarnation, stop, done chan struct{}) {
	defer close(done)
	for {
		if inc != nil {
			if s.watch(inc, stop) {
				s.teardown(inc)
				s.finish()
				return
			}
			// Crashed is reported before teardown, which may wait out the
			// grace period.
			if s.transition(StateCrashed, nil) {
				s.emit(Event{
					Type:       EventCrashed,
					Generation: inc.Generation,
					Host:       inc.Host,
					Port:       inc.Port,
					PID:        inc.PID,
					ExitCode:   inc.knownExitCode(),
					Err:        inc.crashReason(),
				})
			}
			s.teardown(inc)
			if stopped(stop) {
				s.finish()
				return
			}
			s.mu.Lock()
			if time.Since(inc.StartedAt) >= s.opts.StableAfter {
				s.attempts = 0
				s.bo.Reset()
			}
			s.mu.Unlock()
		}

		if stopped(stop) {
			s.finish()
			return
		}

		s.mu.Lock()
		if !s.desc.AutoRestart || s.attempts >= s.desc.MaxRestarts {
			attempts := s.attempts
			s.state = StateStopped
			s.cur = nil
			s.mu.Unlock()
			s.emit(Event{
				Type:       EventUnrecoverable,
				Generation: s.Generation(),
				Attempt:    attempts,
				ExitCode:   -1,
				Err:        fmt.Errorf("%w: %s after %d restart attempts", ErrBackendUnrecoverable, s.desc.Name, attempts),
			})
			return
		}
		s.attempts++
		attempt := s.attempts
		delay := s.bo.NextBackOff()
		s.mu.Unlock()

		s.emit(Event{Type: EventRestarting, Generation: s.Generation(), Attempt: attempt, Delay: delay, ExitCode: -1})
		timer := time.NewTimer(delay)
		select {
		case <-stop:
			timer.Stop()
			s.finish()
			return
		case <-timer.C:
		}

		if !s.transition(StateStarting, nil) {
			s.finish()
			return
		}
		next, err := s.launch(context.Background(), stop)
		if err != nil {
			if stopped(stop) {
				s.finish()
				return
			}
			if s.transition(StateCrashed, nil) {
				s.emit(Event{Type: EventCrashed, Generation: s.Generation(), Attempt: attempt, Err: err, ExitCode: -1})
			}
			inc = nil
			continue
		}
		if !s.transition(StateRunning, next) {
			s.teardown(next)
			s.finish()
			return
		}
		s.emit(startedEvent(next))
		inc = next
	}
}

// watch blocks until the incarnation ends or a stop is requested. It
// reports whether a stop was requested.
func (s *Supervisor) watch(inc *incarnation, stop chan struct{}) bool {
	select {
	case <-stop:
		return true
	case <-inc.exited:
	case <-inc.Transport.Done():
		// A closed stdout usually means the child is exiting; let it finish
		// so the exit code is reported instead of a terminate signal.
		if inc.exited != nil {
			t := time.NewTimer(exitSettle)
			defer t.Stop()
			select {
			case <-inc.exited:
			case <-t.C:
			case <-stop:
				return true
			}
		}
	}
	return false
}

const exitSettle = 250 * time.Millisecond

// transition moves to st unless a stop is in progress. Running also
// installs inc as current; other states clear it.
func (s *Supervisor) transition(st State, inc *incarnation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopping || s.state == StateStopped {
		return false
	}
	s.state = st
	s.cur = inc
	return true
}

func (s *Supervisor) finish() {
	s.mu.Lock()
	s.state = StateStopped
	s.cur = nil
	s.mu.Unlock()
	s.emit(Event{Type: EventStopped, Generation: s.Generation(), ExitCode: -1})
}

func (s *Supervisor) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.desc.RestartBackoff()
	b.Multiplier = 2
	b.RandomizationFactor = s.opts.Jitter
	b.MaxInterval = max(s.opts.MaxBackoff, b.InitialInterval)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func stopped(stop chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// knownExitCode returns the exit code once the process has exited, or -1.
func (inc *incarnation) knownExitCode() int {
	if inc.hasExited() {
		return inc.exitCode
	}
	return -1
}

func (inc *incarnation) crashReason() error {
	if inc.exited != nil {
		select {
		case <-inc.exited:
			if inc.exitErr != nil {
				return fmt.Errorf("process exited: %w", inc.exitErr)
			}
			return errors.New("process exited")
		default:
		}
	}
	return errors.New("transport closed")
}
