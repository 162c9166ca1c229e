package app

import (
	"context"
	"fmt"
	"time"

	"taskrunner/internal/runtime/supervisor"
	logx "taskrunner/pkg/logx"
)

// StopReason is used for structured shutdown logs.
type StopReason string

const (
	StopSignal       StopReason = "signal"
	StopFatalError   StopReason = "fatal_error"
	StopAppStop      StopReason = "app_stop"
	StopConfigReload StopReason = "config_reload"
)

const stopRunnerTimeout = 5 * time.Second

// Stop disarms the triggers, stops every runner, then the listeners and
// background loops. Each step is bounded so one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.step(ctx, "triggers", 2*time.Second, func(c context.Context) error { a.triggers.Stop(c); return nil })
	runnersErr := a.step(ctx, "runners", stopRunnerTimeout, a.reg.StopAll)
	a.step(ctx, "metrics", time.Second, func(c context.Context) error { a.server.Stop(c); return nil })

	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "tracing", 2*time.Second, func(c context.Context) error { return a.tracer.Load().Shutdown(c) })

	for _, l := range a.sup.Snapshot().Loops {
		a.log.Debug("loop summary",
			logx.String("loop", l.Name),
			logx.Uint64("restarts", l.Restarts),
			logx.Uint64("panics", l.Panics),
			logx.Duration("runtime", l.Runtime),
			logx.String("last_err", l.LastErr),
		)
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return runnersErr
}

// Loops reports the background loops hosted by the app.
func (a *App) Loops() supervisor.Snapshot {
	if a.sup == nil {
		return supervisor.Snapshot{}
	}
	return a.sup.Snapshot()
}

// step runs fn with an upper bound that never extends the caller's deadline.
// A step still running at the bound is abandoned and reported as its context error.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return context.DeadlineExceeded
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		return stepCtx.Err()
	}
}
