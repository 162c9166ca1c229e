package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fastOptions() *Options { return NewOptions().SetDelay(0) }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitRun(t *testing.T, run *Run) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := run.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("run %s did not settle", run.ID())
	}
	return err
}

func TestRunnerCompletesCount(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	r := New("job", func(context.Context) error {
		calls.Add(1)
		return nil
	}, WithDefaults(fastOptions()))

	if got := r.Status(); got != "'job' not started yet. - [0/1]" {
		t.Fatalf("initial status = %q", got)
	}

	run := r.Fire(CmdStart, WithCount(3))
	if err := waitRun(t, run); err != nil {
		t.Fatalf("run err: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	if r.GetState() != StateCompleted || run.State() != StateCompleted {
		t.Fatalf("state = %v (run %v), want Completed", r.GetState(), run.State())
	}
	if got := r.Status(); got != "'job' has completed execution. - [3/3]" {
		t.Fatalf("status = %q", got)
	}
	if r.Executed() != 3 {
		t.Fatalf("executed = %d, want 3", r.Executed())
	}

	// Stop after completion is a no-op.
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if r.GetState() != StateCompleted {
		t.Fatalf("stop changed a settled runner to %v", r.GetState())
	}
}

func TestRunnerStopMidRun(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	r := New("blocker", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}, WithDefaults(fastOptions().SetCount(5)))

	run := r.Start()
	<-started
	if r.GetState() != StateRunning {
		t.Fatalf("state = %v, want Running", r.GetState())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if r.GetState() != StateStopped {
		t.Fatalf("state = %v, want Stopped", r.GetState())
	}
	if !run.Settled() || run.State() != StateStopped {
		t.Fatalf("run settled=%v state=%v, want Stopped", run.Settled(), run.State())
	}
	if run.Err() != nil {
		t.Fatalf("stopped run should carry no fault: %v", run.Err())
	}
	if r.Index() != 0 {
		t.Fatalf("index = %d, want 0", r.Index())
	}
}

func TestRunnerPauseResume(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	r := New("pausable", func(context.Context) error {
		calls.Add(1)
		return nil
	}, WithDefaults(NewOptions().SetCount(5).SetDelay(10*time.Millisecond)))

	run := r.Start()
	waitFor(t, "first call", func() bool { return calls.Load() >= 1 })
	r.Fire(CmdPause)
	waitFor(t, "paused state", func() bool { return r.GetState() == StatePaused })

	frozen := calls.Load()
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != frozen {
		t.Fatalf("calls moved while paused: %d -> %d", frozen, calls.Load())
	}
	if !strings.Contains(r.Status(), "is paused.") {
		t.Fatalf("status = %q", r.Status())
	}

	r.Fire(CmdUnPause)
	if err := waitRun(t, run); err != nil {
		t.Fatalf("run err: %v", err)
	}
	if calls.Load() != 5 {
		t.Fatalf("calls = %d, want 5", calls.Load())
	}
	if r.GetState() != StateCompleted {
		t.Fatalf("state = %v, want Completed", r.GetState())
	}
}

func TestRunnerStopWhilePaused(t *testing.T) {
	t.Parallel()

	r := New("paused-stop", func(context.Context) error { return nil },
		WithDefaults(NewOptions().SetCount(100).SetDelay(5*time.Millisecond)))

	r.Start()
	r.Pause()
	waitFor(t, "paused state", func() bool { return r.GetState() == StatePaused })

	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if r.GetState() != StateStopped {
		t.Fatalf("state = %v, want Stopped", r.GetState())
	}
	if r.IsPaused() {
		t.Fatalf("stop should clear the pause flag")
	}
}

func TestRunnerToggle(t *testing.T) {
	t.Parallel()

	r := New("toggle", func(context.Context) error { return nil })
	r.Fire(CmdToggle)
	if !r.IsPaused() {
		t.Fatalf("first toggle should pause")
	}
	r.Fire(CmdToggle)
	if r.IsPaused() {
		t.Fatalf("second toggle should resume")
	}
}

func TestRunnerRestart(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	r := New("restart", func(context.Context) error {
		calls.Add(1)
		return nil
	}, WithDefaults(fastOptions().SetCount(2)))

	first := r.Start()
	waitRun(t, first)

	second := r.Fire(CmdRestart)
	if second == first {
		t.Fatalf("restart returned the old run")
	}
	waitRun(t, second)

	if calls.Load() != 4 {
		t.Fatalf("calls = %d, want 4", calls.Load())
	}
	if r.Executed() != 4 {
		t.Fatalf("executed = %d, want 4", r.Executed())
	}
	if r.GetState() != StateCompleted {
		t.Fatalf("state = %v, want Completed", r.GetState())
	}
}

func TestRunnerStartWhileActiveReturnsSameRun(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	r := New("single", func(context.Context) error {
		<-release
		return nil
	}, WithDefaults(fastOptions()))

	a := r.Start()
	b := r.Start()
	if a != b {
		t.Fatalf("second Start should return the active run")
	}
	close(release)
	waitRun(t, a)
}

func TestRunnerEndlessUntilStop(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	r := New("endless", func(context.Context) error {
		calls.Add(1)
		return nil
	}, WithDefaults(NewOptions().SetDelay(time.Millisecond)))

	run := r.Fire(CmdFireEndless)
	waitFor(t, "several passes", func() bool { return calls.Load() >= 5 })

	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !run.Settled() {
		t.Fatalf("endless run did not settle")
	}
	if r.GetState() != StateStopped {
		t.Fatalf("state = %v, want Stopped", r.GetState())
	}

	n := calls.Load()
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != n {
		t.Fatalf("calls continued after stop: %d -> %d", n, calls.Load())
	}
}

func TestRunnerParallelFanOut(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	r := New("fanout", func(context.Context) error {
		calls.Add(1)
		return nil
	}, WithDefaults(fastOptions()))

	run := r.Fire(CmdStart, WithParallel(2, 3))
	waitRun(t, run)
	if calls.Load() != 6 {
		t.Fatalf("calls = %d, want 6 (2 slots x 3)", calls.Load())
	}
	if r.Index() != 2 {
		t.Fatalf("index = %d, want 2", r.Index())
	}
}

func TestRunnerSemaphoreGate(t *testing.T) {
	t.Parallel()

	var (
		calls    atomic.Int64
		inFlight atomic.Int64
		peakMu   sync.Mutex
		peak     int64
	)
	r := New("gated", func(context.Context) error {
		n := inFlight.Add(1)
		peakMu.Lock()
		peak = max(peak, n)
		peakMu.Unlock()
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		calls.Add(1)
		return nil
	}, WithDefaults(fastOptions().SetUseSemaphore(true)))

	run := r.Fire(CmdStart, WithCounts(1, 2, 6))
	waitRun(t, run)

	if calls.Load() != 6 {
		t.Fatalf("calls = %d, want 6", calls.Load())
	}
	peakMu.Lock()
	defer peakMu.Unlock()
	if peak > 2 {
		t.Fatalf("peak in flight = %d, want <= 2", peak)
	}
}

func TestRunnerFaultsAtThreshold(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	var calls atomic.Int64
	opts := fastOptions().SetCount(10).SetErrors(NewErrorCounter(3, CategoryAll))
	r := New("faulty", func(context.Context) error {
		calls.Add(1)
		return boom
	}, WithDefaults(opts))

	run := r.Start()
	err := waitRun(t, run)
	if !errors.Is(err, boom) {
		t.Fatalf("run err = %v, want boom", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	if r.GetState() != StateFaulted || run.State() != StateFaulted {
		t.Fatalf("state = %v (run %v), want Faulted", r.GetState(), run.State())
	}
	if !strings.HasSuffix(r.Status(), "faulted!!! - [0/10]") {
		t.Fatalf("status = %q", r.Status())
	}
}

func TestRunnerFailureBelowThresholdContinues(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	r := New("flaky", func(context.Context) error {
		if calls.Add(1) == 2 {
			return errors.New("transient")
		}
		return nil
	}, WithDefaults(fastOptions().SetCount(3)))

	run := r.Start()
	if err := waitRun(t, run); err != nil {
		t.Fatalf("run err: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	if r.Executed() != 2 {
		t.Fatalf("executed = %d, want 2", r.Executed())
	}
	if r.GetState() != StateCompleted {
		t.Fatalf("state = %v, want Completed", r.GetState())
	}
}

func TestRunnerPanicIsAFailure(t *testing.T) {
	t.Parallel()

	opts := fastOptions().SetErrors(NewErrorCounter(1, CategoryRunner))
	r := New("panicky", func(context.Context) error { panic("kaboom") }, WithDefaults(opts))

	err := waitRun(t, r.Start())
	if !errors.Is(err, ErrPanic) {
		t.Fatalf("run err = %v, want ErrPanic", err)
	}
	if r.GetState() != StateFaulted {
		t.Fatalf("state = %v, want Faulted", r.GetState())
	}
}

func TestRunnerNilCallable(t *testing.T) {
	t.Parallel()

	opts := fastOptions().SetErrors(NewErrorCounter(1, CategoryAll))
	r := New("nil", nil, WithDefaults(opts))
	if err := waitRun(t, r.Start()); !errors.Is(err, ErrNilCallable) {
		t.Fatalf("run err = %v, want ErrNilCallable", err)
	}
}

func TestRunnerFireWait(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	r := New("wait", func(context.Context) error {
		time.Sleep(5 * time.Millisecond)
		calls.Add(1)
		return nil
	}, WithDefaults(fastOptions().SetCount(4)))

	run := r.FireWait()
	if !run.Settled() {
		t.Fatalf("FireWait returned before the run settled")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
	if r.Options().Count != 1 {
		t.Fatalf("FireWait should force a single slot")
	}
}

func TestRunnerResultsAndArgs(t *testing.T) {
	t.Parallel()

	r := NewResultWith("square", func(_ context.Context, n int) (int, error) {
		return n * n, nil
	}, 3, WithDefaults(fastOptions()))

	waitRun(t, r.Fire(CmdStart, WithCount(2)))
	r.FireArg(CmdFireWait, 4)

	got := r.Results()
	if len(got) != 3 || got[0] != 9 || got[1] != 9 || got[2] != 16 {
		t.Fatalf("results = %v, want [9 9 16]", got)
	}
	if !r.ProducesResults() || len(r.ResultsAny()) != 3 {
		t.Fatalf("boxed results mismatch")
	}
	r.ClearResults()
	if len(r.Results()) != 0 {
		t.Fatalf("ClearResults left values")
	}
}

func TestRunnerBindAny(t *testing.T) {
	t.Parallel()

	r := NewWith2("greet", func(context.Context, string, int) error { return nil }, "a", 1)

	if err := r.BindAny(1, 2, 3); !errors.Is(err, ErrArgCount) {
		t.Fatalf("BindAny(3 args) err = %v, want ErrArgCount", err)
	}
	if err := r.BindAny(5); !errors.Is(err, ErrArgType) {
		t.Fatalf("BindAny(int into string) err = %v, want ErrArgType", err)
	}
	if err := r.BindAny(nil, 7); err != nil {
		t.Fatalf("BindAny(nil, 7): %v", err)
	}
	a, b := r.Args()
	if a != "a" || b != 7 {
		t.Fatalf("args = %q, %d; want a, 7", a, b)
	}
	if err := r.BindAny("z"); err != nil {
		t.Fatalf("BindAny(z): %v", err)
	}
	if a, _ := r.Args(); a != "z" {
		t.Fatalf("first arg = %q, want z", a)
	}
}

func TestRunnerOptionsAreCopied(t *testing.T) {
	t.Parallel()

	r := New("copy", func(context.Context) error { return nil })
	o := NewOptions().SetCount(7)
	r.SetOptions(o)
	o.SetCount(2)
	if r.Options().Count != 7 {
		t.Fatalf("runner aliases caller options")
	}
	if err := r.UpdateOptions(nil); !errors.Is(err, ErrNilOptions) {
		t.Fatalf("UpdateOptions(nil) err = %v", err)
	}
	r.SetOptions(nil)
	if r.Options().Count != 7 {
		t.Fatalf("SetOptions(nil) changed the options")
	}
}

func TestRunnerUpdateOptionsResetsCounters(t *testing.T) {
	t.Parallel()

	r := New("reset", func(context.Context) error { return errors.New("nope") },
		WithDefaults(fastOptions().SetCount(2).SetErrors(NewErrorCounter(10, CategoryAll))))
	waitRun(t, r.Start())
	if v, _ := r.counter().Value(CategoryAll); v.Count != 2 {
		t.Fatalf("All = %d after two failures, want 2", v.Count)
	}

	seen := NewErrorCounter(10, CategoryAll)
	seen.Error(CategoryAll)
	if err := r.UpdateOptions(fastOptions().SetCount(4).SetErrors(seen)); err != nil {
		t.Fatalf("UpdateOptions: %v", err)
	}
	if r.Options().Count != 4 {
		t.Fatalf("count = %d, want 4", r.Options().Count)
	}
	v, ok := r.counter().Value(CategoryAll)
	if !ok || v.Count != 0 || v.Max != 10 {
		t.Fatalf("All after UpdateOptions = %+v (ok %v), want 0/10", v, ok)
	}
}

func TestRunnerListenersJournalAndMiddleware(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		changes []StateChange
		lines   []string
		infos   []Info
	)
	mw := func(next Handler) Handler {
		return func(ctx context.Context) error {
			if info, ok := InfoFromContext(ctx); ok {
				mu.Lock()
				infos = append(infos, info)
				mu.Unlock()
			}
			return next(ctx)
		}
	}
	r := New("observed", func(context.Context) error { return nil },
		WithDefaults(fastOptions().SetCount(2).SetLog(true)),
		WithMiddleware(mw),
		WithSink(LineFunc(func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		})),
		WithListener(func(c StateChange) {
			mu.Lock()
			changes = append(changes, c)
			mu.Unlock()
		}),
	)

	run := r.Start()
	waitRun(t, run)

	mu.Lock()
	defer mu.Unlock()
	if len(changes) < 2 || changes[0].To != StateRunning || changes[len(changes)-1].To != StateCompleted {
		t.Fatalf("changes = %+v", changes)
	}
	if changes[0].RunID != run.ID() {
		t.Fatalf("change run id = %q, want %q", changes[0].RunID, run.ID())
	}
	if len(lines) == 0 || len(r.Logs()) == 0 {
		t.Fatalf("journal not written: lines=%d logs=%d", len(lines), len(r.Logs()))
	}
	if !strings.Contains(lines[0], "[state]") {
		t.Fatalf("line = %q", lines[0])
	}
	if len(infos) != 2 || infos[0].Runner != "observed" || infos[1].Slot != 1 {
		t.Fatalf("infos = %+v", infos)
	}
}

func TestRunnerReset(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	r := New("reset", func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, WithDefaults(fastOptions()))

	run := r.Start()
	if r.Reset() {
		t.Fatalf("Reset should refuse while a run is active")
	}
	close(release)
	waitRun(t, run)

	if !r.Reset() {
		t.Fatalf("Reset refused an idle runner")
	}
	if r.GetState() != StateJustInited || r.Executed() != 0 || r.Index() != 0 {
		t.Fatalf("after reset: state=%v executed=%d index=%d", r.GetState(), r.Executed(), r.Index())
	}
	if !strings.Contains(r.Status(), "is idle.") {
		t.Fatalf("status = %q", r.Status())
	}
}

func TestRunnerBaseContextCancels(t *testing.T) {
	t.Parallel()

	base, cancel := context.WithCancel(context.Background())
	r := New("base", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithBaseContext(base), WithDefaults(fastOptions()))

	run := r.Start()
	cancel()
	waitRun(t, run)
	if r.GetState() != StateCanceled || run.State() != StateCanceled {
		t.Fatalf("state = %v (run %v), want Canceled", r.GetState(), run.State())
	}
}

func TestNilRunIsSettled(t *testing.T) {
	t.Parallel()

	var run *Run
	if !run.Settled() || run.Err() != nil || run.ID() != "" {
		t.Fatalf("nil run should behave as settled")
	}
	if err := run.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
}
