package orchestrator

import (
	"context"
	"errors"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonwraymond/toolproxy/registry"
)

// scheduleHealth adds the periodic probe job for svc if it has none.
func (o *Orchestrator) scheduleHealth(svc *service) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if svc.job != nil {
		return nil
	}
	name := svc.desc.Name
	job, err := o.scheduler.NewJob(
		gocron.DurationJob(o.cfg.HealthInterval()),
		gocron.NewTask(func() { o.probe(name) }),
		gocron.WithName("health:"+name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}
	svc.job = job
	return nil
}

func (o *Orchestrator) unscheduleHealth(svc *service) {
	o.mu.Lock()
	job := svc.job
	svc.job = nil
	o.mu.Unlock()
	if job == nil {
		return
	}
	if err := o.scheduler.RemoveJob(job.ID()); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
		o.logWarn("remove health job failed", "backend", svc.desc.Name, "error", err)
	}
}

// probe lists tools on the running incarnation of name and reports the
// result for that incarnation's generation.
func (o *Orchestrator) probe(name string) {
	sup, ok := o.Supervisor(name)
	if !ok {
		return
	}
	inc, ok := sup.Current()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sup.Descriptor().Timeout())
	defer cancel()
	tools, probeErr := inc.Transport.ListTools(ctx)

	health, err := o.registry.ReportProbe(name, inc.Generation, probeErr)
	if err != nil {
		// The incarnation was replaced while probing.
		if !errors.Is(err, registry.ErrStaleGeneration) && !errors.Is(err, registry.ErrNotFound) {
			o.logWarn("report probe failed", "backend", name, "error", err)
		}
		return
	}
	if probeErr != nil {
		o.opts.Metrics.RecordHealthFailure(name)
		o.logWarn("health probe failed", "backend", name, "generation", inc.Generation, "health", health, "error", probeErr)
	} else if err := o.catalog.Index(name, tools); err != nil {
		o.logWarn("index tools failed", "backend", name, "error", err)
	}
	o.opts.Metrics.SetUp(name, health == registry.HealthHealthy)
}
