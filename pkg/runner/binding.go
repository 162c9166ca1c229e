package runner

import (
	"context"
	"fmt"
)

// None fills an unused argument or result position.
type None = struct{}

// Slot is an optional argument value. The zero Slot is absent.
type Slot[T any] struct {
	v  T
	ok bool
}

func Some[T any](v T) Slot[T] { return Slot[T]{v: v, ok: true} }

func (s Slot[T]) Get() (T, bool) { return s.v, s.ok }

// New builds a runner around a procedure without arguments.
func New(name string, fn func(ctx context.Context) error, opts ...RunnerOption) *Runner[None, None, None] {
	var call func(context.Context, None, None) (None, error)
	if fn != nil {
		call = func(ctx context.Context, _ None, _ None) (None, error) { return None{}, fn(ctx) }
	}
	return newRunner(name, call, false, opts)
}

// NewWith builds a runner around a one-argument procedure bound to arg.
func NewWith[T any](name string, fn func(ctx context.Context, a T) error, arg T, opts ...RunnerOption) *Runner[T, None, None] {
	var call func(context.Context, T, None) (None, error)
	if fn != nil {
		call = func(ctx context.Context, a T, _ None) (None, error) { return None{}, fn(ctx, a) }
	}
	r := newRunner(name, call, false, opts)
	r.arg1 = arg
	return r
}

// NewWith2 builds a runner around a two-argument procedure.
func NewWith2[T1, T2 any](name string, fn func(ctx context.Context, a T1, b T2) error, a T1, b T2, opts ...RunnerOption) *Runner[T1, T2, None] {
	var call func(context.Context, T1, T2) (None, error)
	if fn != nil {
		call = func(ctx context.Context, a T1, b T2) (None, error) { return None{}, fn(ctx, a, b) }
	}
	r := newRunner(name, call, false, opts)
	r.arg1, r.arg2 = a, b
	return r
}

// NewResult builds a runner that collects the value of every successful call.
func NewResult[R any](name string, fn func(ctx context.Context) (R, error), opts ...RunnerOption) *Runner[None, None, R] {
	var call func(context.Context, None, None) (R, error)
	if fn != nil {
		call = func(ctx context.Context, _ None, _ None) (R, error) { return fn(ctx) }
	}
	return newRunner(name, call, true, opts)
}

func NewResultWith[T, R any](name string, fn func(ctx context.Context, a T) (R, error), arg T, opts ...RunnerOption) *Runner[T, None, R] {
	var call func(context.Context, T, None) (R, error)
	if fn != nil {
		call = func(ctx context.Context, a T, _ None) (R, error) { return fn(ctx, a) }
	}
	r := newRunner(name, call, true, opts)
	r.arg1 = arg
	return r
}

func NewResultWith2[T1, T2, R any](name string, fn func(ctx context.Context, a T1, b T2) (R, error), a T1, b T2, opts ...RunnerOption) *Runner[T1, T2, R] {
	r := newRunner(name, fn, true, opts)
	r.arg1, r.arg2 = a, b
	return r
}

// Bind overwrites every present slot. Binding is not atomic with a concurrent
// dispatch: an invocation already underway keeps the values it read.
func (r *Runner[T1, T2, R]) Bind(a Slot[T1], b Slot[T2]) {
	r.mu.Lock()
	if v, ok := a.Get(); ok {
		r.arg1 = v
	}
	if v, ok := b.Get(); ok {
		r.arg2 = v
	}
	r.mu.Unlock()
}

// Args returns the bound argument values.
func (r *Runner[T1, T2, R]) Args() (T1, T2) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.arg1, r.arg2
}

// FireArgs binds the present slots, then dispatches cmd like Fire.
func (r *Runner[T1, T2, R]) FireArgs(cmd Command, a Slot[T1], b Slot[T2], opts ...FireOption) *Run {
	r.Bind(a, b)
	return r.Fire(cmd, opts...)
}

// FireArg binds the first slot, then dispatches cmd.
func (r *Runner[T1, T2, R]) FireArg(cmd Command, a T1, opts ...FireOption) *Run {
	return r.FireArgs(cmd, Some(a), Slot[T2]{}, opts...)
}

// BindAny binds untyped values positionally. A nil value leaves its slot
// unchanged. It fails with ErrArgCount for more than two values and with
// ErrArgType when a value does not fit its slot; nothing is bound on failure.
func (r *Runner[T1, T2, R]) BindAny(args ...any) error {
	if len(args) > 2 {
		return fmt.Errorf("%w: got %d, want at most 2", ErrArgCount, len(args))
	}
	var (
		a Slot[T1]
		b Slot[T2]
	)
	if len(args) > 0 && args[0] != nil {
		v, ok := args[0].(T1)
		if !ok {
			return fmt.Errorf("%w: argument 1 is %T, want %T", ErrArgType, args[0], *new(T1))
		}
		a = Some(v)
	}
	if len(args) > 1 && args[1] != nil {
		v, ok := args[1].(T2)
		if !ok {
			return fmt.Errorf("%w: argument 2 is %T, want %T", ErrArgType, args[1], *new(T2))
		}
		b = Some(v)
	}
	r.Bind(a, b)
	return nil
}
