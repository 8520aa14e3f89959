package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonwraymond/toolproxy/backend"
	"github.com/jonwraymond/toolproxy/backend/remote"
	"github.com/jonwraymond/toolproxy/backend/stdio"
	"github.com/jonwraymond/toolproxy/bridge"
	"github.com/jonwraymond/toolproxy/config"
	"github.com/jonwraymond/toolproxy/metrics"
	"github.com/jonwraymond/toolproxy/ports"
	"github.com/jonwraymond/toolproxy/registry"
	"github.com/jonwraymond/toolproxy/router"
	"github.com/jonwraymond/toolproxy/supervisor"
	"golang.org/x/sync/errgroup"
)

// Orchestrator errors.
var (
	ErrUnknownBackend = errors.New("unknown backend")
	ErrBackendExists  = errors.New("backend already added")
	ErrDisabled       = errors.New("backend is disabled")
)

// Logger is the optional logging interface used by the orchestrator and
// passed down to every component it creates.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options configures an Orchestrator.
type Options struct {
	// Logger is optional.
	Logger Logger

	// Metrics is optional.
	Metrics *metrics.Metrics

	// ClientName and ClientVersion identify the proxy in backend
	// handshakes.
	ClientName    string
	ClientVersion string
}

// service is one managed backend.
type service struct {
	desc config.Backend
	sup  *supervisor.Supervisor
	job  gocron.Job
}

// Orchestrator owns every backend of one proxy.
type Orchestrator struct {
	cfg  config.Config
	opts Options

	ports     *ports.Allocator
	registry  *registry.Registry
	dialers   *backend.Registry
	catalog   *backend.Catalog
	router    *router.Router
	scheduler gocron.Scheduler

	mu       sync.RWMutex
	services map[string]*service
	started  bool
}

var _ backend.Source = (*Orchestrator)(nil)

// New creates an orchestrator for cfg. Backends are added but not
// started.
func New(cfg config.Config, opts Options) (*Orchestrator, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	alloc, err := ports.New(ports.Options{Host: cfg.Host, Min: cfg.Ports.Min, Max: cfg.Ports.Max})
	if err != nil {
		return nil, err
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create health scheduler: %w", err)
	}

	o := &Orchestrator{
		cfg:       cfg,
		opts:      opts,
		ports:     alloc,
		registry:  registry.New(registry.Options{FailureThreshold: cfg.FailureThreshold}),
		dialers:   backend.NewRegistry(),
		catalog:   backend.NewCatalog(),
		scheduler: scheduler,
		services:  make(map[string]*service),
	}

	stdioDialer := stdio.Dialer(stdio.Options{
		ClientName:    opts.ClientName,
		ClientVersion: opts.ClientVersion,
		Logger:        opts.Logger,
	})
	remoteDialer := remote.Dialer(remote.Options{
		ClientName:    opts.ClientName,
		ClientVersion: opts.ClientVersion,
		Logger:        opts.Logger,
	})
	o.dialers.RegisterDialer(config.TransportStdio, stdioDialer)
	o.dialers.RegisterDialer(config.TransportHTTP, remoteDialer)
	o.dialers.RegisterDialer(config.TransportSSE, remoteDialer)

	o.router, err = router.New(router.Options{
		Registry:       o.registry,
		Aggregator:     backend.NewAggregator(o, o.catalog),
		Metrics:        opts.Metrics,
		Logger:         opts.Logger,
		ForwardTimeout: cfg.ForwardTimeout(),
	})
	if err != nil {
		return nil, err
	}

	for _, desc := range cfg.Backends {
		if err := o.Add(desc); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Add registers a backend without starting it. The service appears in the
// registry as starting, or stopped when disabled.
func (o *Orchestrator) Add(desc config.Backend) error {
	desc.ApplyDefaults()
	if err := desc.Validate(); err != nil {
		return err
	}

	sup, err := supervisor.New(desc, supervisor.Options{
		Dialers:     o.dialers,
		Ports:       o.ports,
		Host:        o.cfg.Host,
		Attach:      o.attach(desc),
		OnEvent:     o.handleEvent,
		Logger:      o.opts.Logger,
		GracePeriod: o.cfg.GracePeriod(),
	})
	if err != nil {
		return err
	}

	o.mu.Lock()
	if _, exists := o.services[desc.Name]; exists {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBackendExists, desc.Name)
	}
	o.services[desc.Name] = &service{desc: desc, sup: sup}
	o.mu.Unlock()

	health := registry.HealthStarting
	if desc.Disabled {
		health = registry.HealthStopped
	}
	_, err = o.registry.Register(registry.Endpoint{
		Name:      desc.Name,
		Health:    health,
		Transport: string(desc.Transport),
	})
	return err
}

// Start starts every enabled backend concurrently and then the health
// monitor. A backend that fails its first start keeps retrying under its
// restart policy; the returned error joins every first-start failure.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	o.started = true
	names := o.namesLocked()
	o.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, name := range names {
		g.Go(func() error {
			if err := o.StartBackend(ctx, name); err != nil && !errors.Is(err, ErrDisabled) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	o.scheduler.Start()
	return errors.Join(errs...)
}

// StartBackend starts one backend and schedules its health probe.
func (o *Orchestrator) StartBackend(ctx context.Context, name string) error {
	svc, err := o.service(name)
	if err != nil {
		return err
	}
	if svc.desc.Disabled {
		return fmt.Errorf("%w: %s", ErrDisabled, name)
	}
	if err := o.scheduleHealth(svc); err != nil {
		return err
	}
	if _, err := svc.sup.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	return nil
}

// StopBackend stops one backend. The service stays registered as stopped.
func (o *Orchestrator) StopBackend(ctx context.Context, name string) error {
	svc, err := o.service(name)
	if err != nil {
		return err
	}
	o.unscheduleHealth(svc)
	return svc.sup.Stop(ctx)
}

// Restart runs a full stop/start cycle for one backend.
func (o *Orchestrator) Restart(ctx context.Context, name string) error {
	if err := o.StopBackend(ctx, name); err != nil {
		return err
	}
	return o.StartBackend(ctx, name)
}

// Remove stops a backend and forgets it.
func (o *Orchestrator) Remove(ctx context.Context, name string) error {
	if err := o.StopBackend(ctx, name); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.services, name)
	o.mu.Unlock()

	o.registry.Deregister(name)
	o.catalog.Forget(name)
	o.opts.Metrics.Forget(name)
	return nil
}

// Stop stops the health monitor and every backend concurrently.
func (o *Orchestrator) Stop(ctx context.Context) error {
	schedErr := o.scheduler.Shutdown()

	o.mu.RLock()
	svcs := make([]*service, 0, len(o.services))
	for _, svc := range o.services {
		svcs = append(svcs, svc)
	}
	o.mu.RUnlock()

	var g errgroup.Group
	for _, svc := range svcs {
		g.Go(func() error { return svc.sup.Stop(ctx) })
	}
	err := g.Wait()
	o.router.Close()
	return errors.Join(schedErr, err)
}

// Transport returns the running transport of a healthy backend.
func (o *Orchestrator) Transport(name string) (backend.Transport, bool) {
	o.mu.RLock()
	svc, ok := o.services[name]
	o.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return o.live(svc)
}

// Transports returns the running transports of every healthy backend,
// ordered by name.
func (o *Orchestrator) Transports() []backend.Transport {
	o.mu.RLock()
	names := o.namesLocked()
	svcs := make([]*service, 0, len(names))
	for _, name := range names {
		svcs = append(svcs, o.services[name])
	}
	o.mu.RUnlock()

	out := make([]backend.Transport, 0, len(svcs))
	for _, svc := range svcs {
		if t, ok := o.live(svc); ok {
			out = append(out, t)
		}
	}
	return out
}

func (o *Orchestrator) live(svc *service) (backend.Transport, bool) {
	inc, ok := svc.sup.Current()
	if !ok {
		return nil, false
	}
	ep, ok := o.registry.Get(svc.desc.Name)
	if !ok || !ep.Routable() || ep.Generation != inc.Generation {
		return nil, false
	}
	return inc.Transport, true
}

// Handler returns the router.
func (o *Orchestrator) Handler() http.Handler { return o.router }

// Router returns the router.
func (o *Orchestrator) Router() *router.Router { return o.router }

// Registry returns the service registry.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Ports returns the port allocator.
func (o *Orchestrator) Ports() *ports.Allocator { return o.ports }

// Supervisor returns the supervisor of name.
func (o *Orchestrator) Supervisor(name string) (*supervisor.Supervisor, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	svc, ok := o.services[name]
	if !ok {
		return nil, false
	}
	return svc.sup, true
}

// Backends returns the current descriptors ordered by name.
func (o *Orchestrator) Backends() []config.Backend {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]config.Backend, 0, len(o.services))
	for _, name := range o.namesLocked() {
		out = append(out, o.services[name].desc)
	}
	return out
}

func (o *Orchestrator) service(name string) (*service, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	svc, ok := o.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return svc, nil
}

func (o *Orchestrator) namesLocked() []string {
	names := make([]string, 0, len(o.services))
	for name := range o.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// attach binds an HTTP bridge to each stdio incarnation. Network backends
// already listen on their own address.
func (o *Orchestrator) attach(desc config.Backend) supervisor.AttachFunc {
	if desc.Transport != config.TransportStdio {
		return nil
	}
	return func(_ context.Context, inc supervisor.Incarnation) (io.Closer, error) {
		ep := bridge.New(inc.Transport, bridge.Options{Logger: o.opts.Logger, Metrics: o.opts.Metrics})
		if err := ep.Listen(inc.Host, inc.Port); err != nil {
			return nil, err
		}
		return ep, nil
	}
}
