package orchestrator

import (
	"context"
	"errors"
	"sort"

	"github.com/jonwraymond/toolproxy/config"
)

// Reload applies a new configuration. Removed backends are stopped and
// forgotten, new ones are added, and changed ones get a full stop/start
// cycle since a descriptor is immutable while running. Unchanged backends
// keep running. Proxy-level settings other than Backends are not
// reloaded.
func (o *Orchestrator) Reload(ctx context.Context, cfg config.Config) error {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	next := make(map[string]config.Backend, len(cfg.Backends))
	for _, b := range cfg.Backends {
		b.ApplyDefaults()
		next[b.Name] = b
	}

	o.mu.RLock()
	started := o.started
	current := make(map[string]config.Backend, len(o.services))
	for name, svc := range o.services {
		current[name] = svc.desc
	}
	o.mu.RUnlock()

	var removed, added, changed []string
	for name, desc := range current {
		nd, ok := next[name]
		switch {
		case !ok:
			removed = append(removed, name)
		case !desc.Equal(nd):
			changed = append(changed, name)
		}
	}
	for name := range next {
		if _, ok := current[name]; !ok {
			added = append(added, name)
		}
	}
	sort.Strings(removed)
	sort.Strings(added)
	sort.Strings(changed)

	var errs []error
	for _, name := range append(removed, changed...) {
		if err := o.Remove(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	for _, name := range append(changed, added...) {
		if err := o.Add(next[name]); err != nil {
			errs = append(errs, err)
			continue
		}
		if !started || next[name].Disabled {
			continue
		}
		if err := o.StartBackend(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	o.logInfo("configuration reloaded", "added", added, "removed", removed, "changed", changed)
	return errors.Join(errs...)
}
