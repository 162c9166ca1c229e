package runner

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Run is the handle of one started run. Callers may wait on it, detach from it
// or cancel it; its outcome is never dropped silently.
//
// All methods are safe on a nil *Run: it behaves as an already settled run.
type Run struct {
	id      string
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	finished time.Time
	state    State
	err      error
	once     sync.Once
}

func newRun(cancel context.CancelFunc) *Run {
	return &Run{
		id:      ulid.Make().String(),
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (r *Run) ID() string {
	if r == nil {
		return ""
	}
	return r.id
}

func (r *Run) Started() time.Time {
	if r == nil {
		return time.Time{}
	}
	return r.started
}

// Finished is zero until the run settles.
func (r *Run) Finished() time.Time {
	if r == nil {
		return time.Time{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// Done is closed once the run settles.
func (r *Run) Done() <-chan struct{} {
	if r == nil {
		return closedCh
	}
	return r.done
}

// Settled reports whether the run loop has exited.
func (r *Run) Settled() bool {
	select {
	case <-r.Done():
		return true
	default:
		return false
	}
}

// Wait blocks until the run settles or ctx is done.
func (r *Run) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-r.Done():
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel cancels the run scope without waiting. The loop observes it at its
// next suspension point and settles as Canceled.
func (r *Run) Cancel() {
	if r == nil || r.cancel == nil {
		return
	}
	r.cancel()
}

// Err is the failure that faulted the run, nil otherwise.
func (r *Run) Err() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// State is the state the run ended in: Completed, Faulted, Canceled when the
// scope was cancelled, or Stopped when Runner.Stop ended it.
func (r *Run) State() State {
	if r == nil {
		return StateNotStarted
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) settle(state State, err error) {
	r.once.Do(func() {
		r.mu.Lock()
		r.finished = time.Now()
		r.state = state
		r.err = err
		r.mu.Unlock()
		if r.cancel != nil {
			r.cancel()
		}
		close(r.done)
	})
}
