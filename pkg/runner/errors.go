package runner

import (
	"errors"
	"fmt"
)

var (
	ErrNilOptions  = errors.New("runner options are nil")
	ErrNilCallable = errors.New("runner callable is nil")
	ErrPanic       = errors.New("runner callable panicked")
	ErrArgCount    = errors.New("too many runner arguments")
	ErrArgType     = errors.New("runner argument type mismatch")
)

// panicError converts a recovered value into an error that matches ErrPanic.
func panicError(p any) error {
	if err, ok := p.(error); ok {
		return fmt.Errorf("%w: %w", ErrPanic, err)
	}
	return fmt.Errorf("%w: %v", ErrPanic, p)
}
