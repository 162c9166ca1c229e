package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	logx "taskrunner/pkg/logx"
)

const (
	// StatusGrace is how long StatusWait sleeps before reading the state.
	// Pollers use it to let a just-fired command reach the loop.
	StatusGrace = 500 * time.Millisecond

	// FireWaitGrace is slept after a FireWait run settles.
	FireWaitGrace = 50 * time.Millisecond

	pausePoll = 10 * time.Millisecond
)

// StateChange is delivered to listeners after every lifecycle transition.
type StateChange struct {
	Runner string    `json:"runner"`
	RunID  string    `json:"run_id,omitempty"`
	Event  string    `json:"event"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Time   time.Time `json:"time"`
}

// RunnerOption configures a Runner at construction.
type RunnerOption func(*settings)

type settings struct {
	log         logx.Logger
	sink        LineSink
	base        context.Context
	mws         []Middleware
	listeners   []func(StateChange)
	defaults    *Options
	journalSize int
}

func WithLogger(log logx.Logger) RunnerOption {
	return func(s *settings) { s.log = log }
}

// WithSink receives journal lines when Options.UseLog is set.
func WithSink(sink LineSink) RunnerOption {
	return func(s *settings) { s.sink = sink }
}

// WithBaseContext sets the parent of every per-run context.
// Canceling it cancels any run in flight.
func WithBaseContext(ctx context.Context) RunnerOption {
	return func(s *settings) {
		if ctx != nil {
			s.base = ctx
		}
	}
}

func WithMiddleware(mws ...Middleware) RunnerOption {
	return func(s *settings) { s.mws = append(s.mws, mws...) }
}

func WithListener(fn func(StateChange)) RunnerOption {
	return func(s *settings) {
		if fn != nil {
			s.listeners = append(s.listeners, fn)
		}
	}
}

// WithDefaults seeds the runner's options (copied and validated).
func WithDefaults(o *Options) RunnerOption {
	return func(s *settings) { s.defaults = o }
}

func WithJournalSize(n int) RunnerOption {
	return func(s *settings) { s.journalSize = n }
}

// Runner repeats one callable under a lifecycle state machine.
//
// T1 and T2 are the bound argument slots and R the result type; unused
// positions are None. Use New, NewWith, NewWith2, NewResult, NewResultWith or
// NewResultWith2 to build one.
type Runner[T1, T2, R any] struct {
	name    string
	call    func(ctx context.Context, a T1, b T2) (R, error)
	collect bool

	log  logx.Logger
	sink LineSink
	base context.Context
	mws  []Middleware

	machine *fsm.FSM
	state   atomic.Int32 // mirrors machine; readable from inside callbacks

	mu       sync.Mutex
	opts     *Options
	run      *Run
	index    int
	stopping bool
	halting  bool // an explicit Stop is waiting on the run
	paused   bool
	arg1     T1
	arg2     T2

	executed atomic.Int64

	resMu   sync.Mutex
	results []R

	lmu       sync.Mutex
	listeners map[uint64]func(StateChange)
	lseq      uint64

	journal journal
}

func newRunner[T1, T2, R any](name string, call func(ctx context.Context, a T1, b T2) (R, error), collect bool, opts []RunnerOption) *Runner[T1, T2, R] {
	st := settings{base: context.Background(), journalSize: defaultJournalSize}
	for _, o := range opts {
		if o != nil {
			o(&st)
		}
	}
	if st.log.IsZero() {
		st.log = logx.Nop()
	}
	if call == nil {
		call = func(context.Context, T1, T2) (R, error) {
			var zero R
			return zero, ErrNilCallable
		}
	}

	r := &Runner[T1, T2, R]{
		name:      name,
		call:      call,
		collect:   collect,
		log:       st.log.With(logx.String("runner", name)),
		sink:      st.sink,
		base:      st.base,
		mws:       st.mws,
		opts:      NewOptions(),
		listeners: make(map[uint64]func(StateChange)),
	}
	if st.defaults != nil {
		_ = r.opts.CopyFrom(st.defaults)
		r.opts.Validate()
	}
	r.journal.size = st.journalSize
	for _, fn := range st.listeners {
		r.AddListener(fn)
	}
	r.state.Store(int32(StateNotStarted))
	r.machine = newMachine(r.onEnter)
	return r
}

func (r *Runner[T1, T2, R]) Name() string { return r.name }

// GetState returns the current lifecycle state.
func (r *Runner[T1, T2, R]) GetState() State { return State(r.state.Load()) }

// Status renders the current state as a human readable line.
func (r *Runner[T1, T2, R]) Status() string {
	state := r.GetState()
	r.mu.Lock()
	idx, count := r.index, r.opts.Count
	r.mu.Unlock()
	return FormatStatus(r.name, state, idx, count)
}

// StatusWait sleeps StatusGrace, then returns Status.
func (r *Runner[T1, T2, R]) StatusWait() string {
	time.Sleep(StatusGrace)
	return r.Status()
}

// Index is the progress of the current pass: slots completed successfully.
func (r *Runner[T1, T2, R]) Index() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index
}

// Executed counts successful slots across every run since construction or Reset.
func (r *Runner[T1, T2, R]) Executed() int64 { return r.executed.Load() }

// Errors returns the current failure counters.
func (r *Runner[T1, T2, R]) Errors() []ErrorValue { return r.counter().Snapshot() }

// Options returns a copy of the current options (with zeroed error counts).
func (r *Runner[T1, T2, R]) Options() *Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts.Clone()
}

// SetOptions copies o into the runner and validates the copy. The caller's
// instance is never retained. A nil o is logged and ignored.
func (r *Runner[T1, T2, R]) SetOptions(o *Options) *Runner[T1, T2, R] {
	if err := r.UpdateOptions(o); err != nil {
		r.log.Error("runner options rejected", logx.Err(err))
	}
	return r
}

// UpdateOptions is SetOptions with the error surfaced.
func (r *Runner[T1, T2, R]) UpdateOptions(o *Options) error {
	next := &Options{}
	if err := next.CopyFrom(o); err != nil {
		return err
	}
	next.Validate()
	r.mu.Lock()
	r.opts = next
	r.mu.Unlock()
	return nil
}

// Handle returns the most recent run, nil if the runner never started.
func (r *Runner[T1, T2, R]) Handle() *Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run
}

// Logs returns the tracked journal, oldest first.
func (r *Runner[T1, T2, R]) Logs() []LogEntry { return r.journal.list() }

// AddListener registers fn for state changes and returns its removal func.
func (r *Runner[T1, T2, R]) AddListener(fn func(StateChange)) func() {
	if fn == nil {
		return func() {}
	}
	r.lmu.Lock()
	r.lseq++
	id := r.lseq
	r.listeners[id] = fn
	r.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.lmu.Lock()
			delete(r.listeners, id)
			r.lmu.Unlock()
		})
	}
}

// Fire applies the overrides, then dispatches cmd. It returns the run started
// or affected by the command, nil when the runner never started.
//
// Stop and Restart block until the current run settles. FireWait blocks until
// its own run settles, plus FireWaitGrace.
func (r *Runner[T1, T2, R]) Fire(cmd Command, opts ...FireOption) *Run {
	r.apply(opts)
	switch cmd {
	case CmdStart:
		return r.Start()
	case CmdStop:
		_ = r.Stop(context.Background())
	case CmdPause:
		r.Pause()
	case CmdUnPause:
		r.Resume()
	case CmdToggle:
		r.Toggle()
	case CmdRestart:
		return r.Restart(context.Background())
	case CmdFire:
		r.preset(false)
		return r.Start()
	case CmdFireEndless:
		r.preset(true)
		return r.Start()
	case CmdFireWait:
		r.preset(false)
		run := r.Start()
		_ = run.Wait(context.Background())
		time.Sleep(FireWaitGrace)
		return run
	default:
		r.log.Warn("unknown runner command", logx.String("command", cmd.String()))
	}
	return r.Handle()
}

// FireWait is Fire(CmdFireWait, opts...).
func (r *Runner[T1, T2, R]) FireWait(opts ...FireOption) *Run {
	return r.Fire(CmdFireWait, opts...)
}

// Start begins a new run unless the current one has not settled yet, in which
// case the current handle is returned unchanged.
func (r *Runner[T1, T2, R]) Start() *Run {
	r.mu.Lock()
	if r.run != nil && !r.run.Settled() {
		cur := r.run
		r.mu.Unlock()
		return cur
	}
	r.stopping = false
	r.paused = false
	r.index = 0
	errs := r.opts.Errors
	ctx, cancel := context.WithCancel(r.base)
	run := newRun(cancel)
	r.run = run
	r.mu.Unlock()

	errs.Clear(CategoryError, CategoryRunner)
	r.transition(evStart)
	r.log.Debug("run started", logx.String("run", run.ID()))
	go r.loop(ctx, run)
	return run
}

// Stop cancels the active run and waits for it to settle or ctx to end.
// It is a no-op without an active run or while a stop is already underway.
// The final state is Stopped, or Faulted when the run ended with a failure.
func (r *Runner[T1, T2, R]) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	run := r.run
	if run == nil || run.Settled() || r.stopping {
		r.mu.Unlock()
		return nil
	}
	r.stopping = true
	r.halting = true
	r.paused = false
	r.mu.Unlock()

	r.transition(evStop)
	run.Cancel()

	select {
	case <-run.Done():
	case <-ctx.Done():
		r.log.Warn("runner stop timed out", logx.String("run", run.ID()), logx.Err(ctx.Err()))
		return ctx.Err()
	}
	if err := run.Err(); err != nil {
		r.transition(evFail)
		return err
	}
	r.transition(evHalt)
	return nil
}

// Restart clears every error counter, stops the active run and starts a new one.
func (r *Runner[T1, T2, R]) Restart(ctx context.Context) *Run {
	r.counter().ClearAll()
	_ = r.Stop(ctx)
	return r.Start()
}

func (r *Runner[T1, T2, R]) Pause()  { r.setPaused(true) }
func (r *Runner[T1, T2, R]) Resume() { r.setPaused(false) }

func (r *Runner[T1, T2, R]) Toggle() {
	r.mu.Lock()
	r.paused = !r.paused
	r.mu.Unlock()
}

func (r *Runner[T1, T2, R]) IsPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Reset returns an idle runner to JustInited, clearing progress, counters,
// results and the journal. It refuses while a run is active.
func (r *Runner[T1, T2, R]) Reset() bool {
	r.mu.Lock()
	if r.run != nil && !r.run.Settled() {
		r.mu.Unlock()
		return false
	}
	r.index = 0
	r.paused = false
	r.stopping = false
	errs := r.opts.Errors
	r.mu.Unlock()

	errs.ClearAll()
	r.executed.Store(0)
	r.ClearResults()
	r.journal.clear()
	r.transition(evReset)
	return true
}

func (r *Runner[T1, T2, R]) setPaused(v bool) {
	r.mu.Lock()
	r.paused = v
	r.mu.Unlock()
}

func (r *Runner[T1, T2, R]) apply(opts []FireOption) {
	if len(opts) == 0 {
		return
	}
	r.mu.Lock()
	for _, o := range opts {
		if o != nil {
			o(r.opts)
		}
	}
	r.mu.Unlock()
}

// preset forces a single sequential slot for the Fire family of commands.
func (r *Runner[T1, T2, R]) preset(endless bool) {
	r.mu.Lock()
	r.opts.SetCount(1).SetMaxParallel(0).SetEndless(endless)
	r.mu.Unlock()
}

func (r *Runner[T1, T2, R]) counter() *ErrorCounter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts.Errors
}

// transition fires a lifecycle event. It must never be called with r.mu held:
// listeners run synchronously and read runner fields.
func (r *Runner[T1, T2, R]) transition(event string) {
	err := r.machine.Event(context.Background(), event)
	if err == nil {
		return
	}
	var noop fsm.NoTransitionError
	if errors.As(err, &noop) {
		return
	}
	r.log.Trace("state transition skipped", logx.String("event", event), logx.String("state", r.machine.Current()), logx.Err(err))
}

func (r *Runner[T1, T2, R]) onEnter(event string, from, to State) {
	r.state.Store(int32(to))
	r.mu.Lock()
	useLog := r.opts.UseLog
	runID := r.run.ID()
	r.mu.Unlock()

	ch := StateChange{Runner: r.name, RunID: runID, Event: event, From: from, To: to, Time: time.Now()}
	if useLog {
		r.track(KindState, to, fmt.Sprintf("'%s' %s -> %s", r.name, from, to), nil)
	}
	r.log.Trace("runner state changed", logx.String("from", from.String()), logx.String("to", to.String()))

	r.lmu.Lock()
	fns := make([]func(StateChange), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.lmu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}

// track records a journal entry and forwards it to the sink.
func (r *Runner[T1, T2, R]) track(kind string, state State, msg string, err error) {
	e := LogEntry{Time: time.Now(), Kind: kind, State: state, Message: msg}
	if err != nil {
		e.Err = err.Error()
	}
	r.journal.add(e)
	if r.sink != nil {
		r.sink.Line(e.String())
	}
}
