package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "taskrunner/pkg/logx"
)

// unitResult is the outcome of one slot.
type unitResult int

const (
	unitOK unitResult = iota
	unitFailed
	unitCanceled
)

// loop drives one run: one pass over Count slots, repeated while Endless holds
// and nothing asked the runner to stop.
func (r *Runner[T1, T2, R]) loop(ctx context.Context, run *Run) {
	var fault error
	defer func() {
		if p := recover(); p != nil {
			fault = panicError(p)
			r.log.Error("runner loop panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			r.transition(evFail)
		}
		if r.GetState() == StateRunning {
			r.transition(evComplete)
		}
		r.mu.Lock()
		halted := r.halting
		r.stopping = false
		r.halting = false
		r.mu.Unlock()

		final := r.GetState()
		if halted && fault == nil && final != StateCompleted {
			final = StateStopped
		}
		run.settle(final, fault)
		r.log.Debug("run settled",
			logx.String("run", run.ID()),
			logx.String("state", final.String()),
			logx.Duration("took", time.Since(run.Started())),
			logx.Err(fault),
		)
	}()

	for pass := 0; ; pass++ {
		if pass > 0 {
			r.beginPass()
		}
		if err := r.pass(ctx, run); err != nil {
			fault = err
		}
		if r.isStopping() || !r.snapshot().Endless {
			return
		}
	}
}

// pass executes the slots of one repetition.
//
// A paused slot is retried in place: i does not move until the flag clears.
// A failed slot below the error threshold is consumed: i moves on while the
// progress index stays where it was.
func (r *Runner[T1, T2, R]) pass(ctx context.Context, run *Run) error {
	count := r.snapshot().Count
	for i := 0; i < count; {
		if r.IsPaused() {
			r.transition(evPause)
			if !sleepCtx(ctx, pausePoll) {
				r.markStopping()
				r.transition(evCancel)
				return nil
			}
			continue
		}

		r.transition(evResume)
		if r.isStopping() {
			r.transition(evStop)
			return nil
		}

		o := r.snapshot()
		res, err := r.execute(withInfo(ctx, Info{Runner: r.name, RunID: run.ID(), Slot: i}), o)
		if res == unitOK && !sleepCtx(ctx, o.Delay) {
			res = unitCanceled
		}

		switch res {
		case unitOK:
			r.advance(i)
		case unitCanceled:
			r.markStopping()
			r.transition(evCancel)
			return nil
		case unitFailed:
			r.transition(evFail)
			o.Errors.Error(CategoryRunner, CategoryError, CategoryAll)
			r.noteFailure(i, err, o.UseLog)
			if o.Errors.ReachedAll() {
				r.markStopping()
				r.transition(evFail)
				return err
			}
		}
		i++
	}
	return nil
}

// execute runs one slot according to the fan-out mode.
func (r *Runner[T1, T2, R]) execute(ctx context.Context, o Options) (unitResult, error) {
	var err error
	switch {
	case o.MaxParallel <= 0:
		err = r.invoke(ctx)
	case !o.UseSemaphore:
		err = r.fanOut(ctx, o.MaxParallel)
	default:
		err = r.gated(ctx, o.MaxParallel, o.Cycles)
	}
	if ctx.Err() != nil {
		return unitCanceled, nil
	}
	if err != nil {
		return unitFailed, err
	}
	return unitOK, nil
}

// invoke calls the callable once through the middleware chain.
func (r *Runner[T1, T2, R]) invoke(ctx context.Context) error {
	r.mu.Lock()
	a, b := r.arg1, r.arg2
	r.mu.Unlock()

	h := func(ctx context.Context) (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = panicError(p)
				r.log.Error("runner callable panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			}
		}()
		v, err := r.call(ctx, a, b)
		if err == nil && r.collect {
			r.addResult(v)
		}
		return err
	}
	return chain(h, r.mws)(ctx)
}

func (r *Runner[T1, T2, R]) beginPass() {
	r.mu.Lock()
	r.index = 0
	errs := r.opts.Errors
	r.mu.Unlock()
	errs.Clear(CategoryError, CategoryRunner)
}

func (r *Runner[T1, T2, R]) advance(i int) {
	r.mu.Lock()
	r.index = i + 1
	errs := r.opts.Errors
	r.mu.Unlock()
	r.executed.Add(1)
	errs.Clear(CategoryError)
}

func (r *Runner[T1, T2, R]) noteFailure(slot int, err error, useLog bool) {
	r.log.Debug("runner slot failed", logx.Int("slot", slot), logx.Err(err))
	if useLog {
		r.track(KindFailure, StateFaulted, fmt.Sprintf("'%s' slot %d failed", r.name, slot), err)
	}
}

// snapshot copies the options. Errors still points at the live counter.
func (r *Runner[T1, T2, R]) snapshot() Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.opts
}

func (r *Runner[T1, T2, R]) isStopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

func (r *Runner[T1, T2, R]) markStopping() {
	r.mu.Lock()
	r.stopping = true
	r.mu.Unlock()
}

// sleepCtx waits d and reports false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
