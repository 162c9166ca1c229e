package app

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace/noop"

	"taskrunner/internal/config"
	"taskrunner/internal/eventbus"
	"taskrunner/internal/tracing"
	logx "taskrunner/pkg/logx"
	"taskrunner/pkg/registry"
	"taskrunner/pkg/runner"
)

func (a *App) reloadLoop(ctx context.Context) error {
	ch := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cfg, ok := <-ch:
			if !ok {
				return nil
			}
			a.Apply(ctx, cfg)
		}
	}
}

// Apply reconciles the running components with next and publishes
// config.applied. Runners whose task changed are rebuilt; runners whose
// options or triggers changed keep their instance, but UpdateOptions resets
// their error counters.
func (a *App) Apply(ctx context.Context, next *config.Config) config.Change {
	a.mu.Lock()
	defer a.mu.Unlock()

	prev := a.cfg
	ch := config.Diff(prev, next)
	if ch.Empty() {
		a.log.Debug("config reloaded (no changes)")
		a.cfg = next
		return ch
	}

	for _, section := range ch.Sections {
		switch section {
		case "logging":
			a.logs.Apply(next.Logging.LogConfig())
			a.linesOn.Store(next.Logging.Lines.Enabled)
		case "metrics":
			if err := a.server.Apply(ctx, a.serverConfig(next)); err != nil {
				a.log.Warn("metrics server not applied", logx.Err(err))
			}
		case "tracing":
			a.applyTracing(ctx, next.Tracing)
		case "monitor_every":
			a.startMonitorLocked(next)
		}
	}

	for _, name := range ch.Removed {
		a.removeRunnerLocked(ctx, name)
	}
	for _, name := range ch.Updated {
		rc, _ := next.Runner(name)
		old, _ := prev.Runner(name)
		if config.TaskChanged(old, rc) {
			a.removeRunnerLocked(ctx, name)
			a.addOrWarnLocked(rc)
			continue
		}
		a.updateRunnerLocked(rc)
	}
	for _, name := range ch.Added {
		rc, _ := next.Runner(name)
		a.addOrWarnLocked(rc)
	}

	a.cfg = next
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigApplied, Data: ch})
	a.log.Info("config reloaded", ch.Fields()...)
	return ch
}

func (a *App) addOrWarnLocked(rc config.RunnerConfig) {
	if err := a.addRunnerLocked(rc); err != nil {
		a.log.Warn("runner not added", logx.String("runner", rc.Name), logx.Err(err))
	}
}

// updateRunnerLocked swaps options in place and re-arms the triggers.
func (a *App) updateRunnerLocked(rc config.RunnerConfig) {
	c, ok := a.reg.Get(rc.Name)
	if !ok {
		a.addOrWarnLocked(rc)
		return
	}
	opts, err := rc.Options.ToOptions("runners." + rc.Name + ".options")
	if err == nil {
		err = c.UpdateOptions(opts)
	}
	if err != nil {
		a.log.Warn("runner options not applied", logx.String("runner", rc.Name), logx.Err(err))
	}
	if err := a.armTriggers(rc); err != nil {
		a.log.Warn("runner triggers not applied", logx.String("runner", rc.Name), logx.Err(err))
	}
}

func (a *App) removeRunnerLocked(ctx context.Context, name string) {
	a.triggers.RemoveRunner(name)
	stopCtx, cancel := context.WithTimeout(ctx, stopRunnerTimeout)
	defer cancel()
	err := a.reg.Unregister(stopCtx, name)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		a.log.Warn("runner stop incomplete", logx.String("runner", name), logx.String("reason", string(StopConfigReload)), logx.Err(err))
	}
	a.collector.Forget(name)
}

// applyTracing swaps the provider; runners resolve their tracer per invocation.
func (a *App) applyTracing(ctx context.Context, tc config.TracingConfig) {
	prov, err := tracing.Init(ctx, tc)
	if err != nil {
		a.log.Warn("tracing not applied", logx.Err(err))
		return
	}
	if !prov.Enabled() {
		tracing.Install(noop.NewTracerProvider())
	}
	old := a.tracer.Swap(prov)
	if err := old.Shutdown(ctx); err != nil {
		a.log.Warn("tracing shutdown", logx.Err(err))
	}
}

// Fire dispatches cmd to a registered runner, the way triggers and the CLI do.
func (a *App) Fire(name string, cmd runner.Command, opts ...runner.FireOption) string {
	return a.reg.Fire(name, cmd, opts...)
}
