package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"taskrunner/internal/eventbus"
	logx "taskrunner/pkg/logx"
	"taskrunner/pkg/runner"
)

var (
	ErrNotFound   = errors.New("runner not found")
	ErrDuplicate  = errors.New("runner already registered")
	ErrNilRunner  = errors.New("runner is nil")
	ErrResultType = errors.New("runner result type mismatch")
)

// DefaultMonitorEvery is the Monitor poll interval used for non-positive values.
const DefaultMonitorEvery = time.Second

// Event is the payload of every runner.* event published by the Registry.
type Event struct {
	Name   string       `json:"name"`
	State  runner.State `json:"state"`
	Status string       `json:"status"`
}

type Option func(*Registry)

func WithLogger(log logx.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithBus publishes registration, parameter and state events to bus.
func WithBus(bus eventbus.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

// Registry maps unique names to runners. It never owns a runner's lifecycle:
// Remove leaves the runner as it is, Unregister stops it first.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]runner.Controller

	log logx.Logger
	bus eventbus.Bus

	// last state and membership seen by Monitor
	seenMu sync.Mutex
	seen   map[string]runner.State
}

func New(opts ...Option) *Registry {
	r := &Registry{
		runners: make(map[string]runner.Controller),
		seen:    make(map[string]runner.State),
		log:     logx.Nop(),
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// Add inserts c under name. It reports false when the name is taken.
func (r *Registry) Add(name string, c runner.Controller) bool {
	if c == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runners[name]; ok {
		return false
	}
	r.runners[name] = c
	return true
}

// Remove deletes name without stopping the runner.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runners[name]; !ok {
		return false
	}
	delete(r.runners, name)
	return true
}

func (r *Registry) Get(name string) (runner.Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.runners[name]
	return c, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.runners))
	for name := range r.runners {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runners)
}

// Register is Add with an error result and a runner.registered event.
func (r *Registry) Register(name string, c runner.Controller) error {
	if c == nil {
		return ErrNilRunner
	}
	if !r.Add(name, c) {
		return fmt.Errorf("%w: %q", ErrDuplicate, name)
	}
	r.markSeen(name, c.GetState())
	r.publish(eventbus.RunnerRegistered, name, c)
	r.log.Debug("runner registered", logx.String("runner", name))
	return nil
}

// Unregister removes name, then stops the runner within ctx and publishes
// runner.unregistered. The runner is removed even when the stop times out.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	c, ok := r.runners[name]
	delete(r.runners, name)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	err := c.Stop(ctx)
	r.forget(name)
	r.publish(eventbus.RunnerUnregistered, name, c)
	r.log.Debug("runner unregistered", logx.String("runner", name), logx.Err(err))
	return err
}

// Fire dispatches cmd to name and returns the runner's status afterwards.
func (r *Registry) Fire(name string, cmd runner.Command, opts ...runner.FireOption) string {
	c, ok := r.Get(name)
	if !ok {
		r.log.Debug("fire on unknown runner", logx.String("runner", name), logx.String("command", cmd.String()))
		return notFound(name)
	}
	c.Fire(cmd, opts...)
	return c.Status()
}

func (r *Registry) Start(name string) bool  { return r.dispatch(name, runner.CmdStart) }
func (r *Registry) Stop(name string) bool   { return r.dispatch(name, runner.CmdStop) }
func (r *Registry) Pause(name string) bool  { return r.dispatch(name, runner.CmdPause) }
func (r *Registry) Resume(name string) bool { return r.dispatch(name, runner.CmdUnPause) }

func (r *Registry) dispatch(name string, cmd runner.Command) bool {
	c, ok := r.Get(name)
	if !ok {
		return false
	}
	c.Fire(cmd)
	return true
}

// FireAll dispatches cmd to every runner of a snapshot, in no particular order.
func (r *Registry) FireAll(cmd runner.Command, opts ...runner.FireOption) {
	for _, c := range r.snapshot() {
		c.Fire(cmd, opts...)
	}
}

func (r *Registry) StartAll()  { r.FireAll(runner.CmdStart) }
func (r *Registry) PauseAll()  { r.FireAll(runner.CmdPause) }
func (r *Registry) ResumeAll() { r.FireAll(runner.CmdUnPause) }

// StopAll stops every runner concurrently and waits for all of them or ctx.
func (r *Registry) StopAll(ctx context.Context) error {
	var g errgroup.Group
	for _, c := range r.snapshot() {
		g.Go(func() error { return c.Stop(ctx) })
	}
	return g.Wait()
}

func (r *Registry) GetStatus(name string) string {
	c, ok := r.Get(name)
	if !ok {
		return notFound(name)
	}
	return c.Status()
}

// GetStatusAll renders one "Runner '<name>': <status>" line per runner.
func (r *Registry) GetStatusAll() string {
	names := r.Names()
	lines := make([]string, 0, len(names))
	for _, name := range names {
		if c, ok := r.Get(name); ok {
			lines = append(lines, fmt.Sprintf("Runner '%s': %s", name, c.Status()))
		}
	}
	return strings.Join(lines, "\n")
}

// SetArgs binds positional arguments on name. Values that do not fit the
// runner's argument slots fail with runner.ErrArgType.
func (r *Registry) SetArgs(name string, args ...any) error {
	c, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err := c.BindAny(args...); err != nil {
		return fmt.Errorf("runner %q: %w", name, err)
	}
	r.publish(eventbus.RunnerParams, name, c)
	return nil
}

// GetResults returns the collected values of a result runner producing R.
func GetResults[R any](r *Registry, name string) ([]R, error) {
	c, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	typed, ok := c.(interface{ Results() []R })
	if !ok || !c.ProducesResults() {
		return nil, fmt.Errorf("%w: %q does not produce %T", ErrResultType, name, *new(R))
	}
	return typed.Results(), nil
}

// ClearResults purges the values collected by name.
func (r *Registry) ClearResults(name string) error {
	c, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if !c.ProducesResults() {
		return fmt.Errorf("%w: %q does not produce results", ErrResultType, name)
	}
	c.ClearResults()
	r.publish(eventbus.RunnerResults, name, c)
	return nil
}

// ClearAll resets every idle runner to JustInited and purges the results of
// every runner. It returns the names of runners that were busy and kept their state.
func (r *Registry) ClearAll() []string {
	var busy []string
	for _, name := range r.Names() {
		c, ok := r.Get(name)
		if !ok {
			continue
		}
		if !c.Reset() {
			c.ClearResults()
			busy = append(busy, name)
		}
	}
	return busy
}

// Monitor polls every runner each interval and publishes runner.state when a
// state changed, plus registration events for runners added or removed
// without Register/Unregister. It returns when ctx ends.
func (r *Registry) Monitor(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = DefaultMonitorEvery
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.poll()
		}
	}
}

func (r *Registry) poll() {
	current := make(map[string]runner.Controller)
	r.mu.RLock()
	for name, c := range r.runners {
		current[name] = c
	}
	r.mu.RUnlock()

	type change struct {
		typ  string
		name string
		c    runner.Controller
	}
	var changes []change

	r.seenMu.Lock()
	for name, c := range current {
		state := c.GetState()
		prev, known := r.seen[name]
		r.seen[name] = state
		switch {
		case !known:
			changes = append(changes, change{eventbus.RunnerRegistered, name, c})
		case prev != state:
			changes = append(changes, change{eventbus.RunnerState, name, c})
		}
	}
	for name := range r.seen {
		if _, ok := current[name]; !ok {
			delete(r.seen, name)
			changes = append(changes, change{typ: eventbus.RunnerUnregistered, name: name})
		}
	}
	r.seenMu.Unlock()

	for _, ch := range changes {
		r.publish(ch.typ, ch.name, ch.c)
	}
}

func (r *Registry) markSeen(name string, s runner.State) {
	r.seenMu.Lock()
	r.seen[name] = s
	r.seenMu.Unlock()
}

func (r *Registry) forget(name string) {
	r.seenMu.Lock()
	delete(r.seen, name)
	r.seenMu.Unlock()
}

func (r *Registry) snapshot() []runner.Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]runner.Controller, 0, len(r.runners))
	for _, c := range r.runners {
		out = append(out, c)
	}
	return out
}

func (r *Registry) publish(typ, name string, c runner.Controller) {
	if r.bus == nil {
		return
	}
	ev := Event{Name: name}
	if c != nil {
		ev.State = c.GetState()
		ev.Status = c.Status()
	}
	r.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func notFound(name string) string { return fmt.Sprintf("Runner '%s' not found.", name) }
