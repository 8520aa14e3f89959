package orchestrator

import (
	"errors"

	"github.com/jonwraymond/toolproxy/registry"
	"github.com/jonwraymond/toolproxy/supervisor"
)

// handleEvent applies a supervisor lifecycle event to the registry, the
// tool catalog and the metrics.
func (o *Orchestrator) handleEvent(ev supervisor.Event) {
	switch ev.Type {
	case supervisor.EventStarted:
		sup, ok := o.Supervisor(ev.Backend)
		if !ok {
			return
		}
		_, err := o.registry.Register(registry.Endpoint{
			Name:       ev.Backend,
			Host:       ev.Host,
			Port:       ev.Port,
			Generation: ev.Generation,
			Health:     registry.HealthHealthy,
			Transport:  string(sup.Descriptor().Transport),
		})
		if err != nil {
			o.logWarn("register endpoint failed", "backend", ev.Backend, "error", err)
		}
		if inc, ok := sup.Current(); ok && inc.Generation == ev.Generation {
			if err := o.catalog.Index(ev.Backend, inc.Transport.Tools()); err != nil {
				o.logWarn("index tools failed", "backend", ev.Backend, "error", err)
			}
		}
		o.opts.Metrics.RecordStart(ev.Backend)

	case supervisor.EventCrashed:
		o.markHealth(ev.Backend, registry.HealthUnhealthy)
		o.catalog.Forget(ev.Backend)
		o.opts.Metrics.RecordCrash(ev.Backend)

	case supervisor.EventRestarting:
		o.markHealth(ev.Backend, registry.HealthStarting)
		o.opts.Metrics.RecordRestart(ev.Backend)

	case supervisor.EventStopped, supervisor.EventUnrecoverable:
		o.markHealth(ev.Backend, registry.HealthStopped)
		o.catalog.Forget(ev.Backend)
		o.opts.Metrics.SetUp(ev.Backend, false)
	}
}

func (o *Orchestrator) markHealth(name string, h registry.Health) {
	if err := o.registry.MarkHealth(name, h); err != nil && !errors.Is(err, registry.ErrNotFound) {
		o.logWarn("mark health failed", "backend", name, "health", h, "error", err)
	}
}

func (o *Orchestrator) logInfo(msg string, args ...any) {
	if o.opts.Logger != nil {
		o.opts.Logger.Info(msg, args...)
	}
}

func (o *Orchestrator) logWarn(msg string, args ...any) {
	if o.opts.Logger != nil {
		o.opts.Logger.Warn(msg, args...)
	}
}
