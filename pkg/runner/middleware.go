package runner

import "context"

// Handler is one invocation of a runner's callable with its bound arguments.
type Handler func(ctx context.Context) error

// Middleware wraps every invocation, including each member of a fan-out batch.
// Panics raised by the callable are already converted to errors when next returns.
type Middleware func(next Handler) Handler

// Info describes the invocation a Handler is serving.
type Info struct {
	Runner string
	RunID  string
	Slot   int
}

type infoKey struct{}

func withInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, infoKey{}, info)
}

// InfoFromContext returns the invocation info set by the runner loop.
func InfoFromContext(ctx context.Context) (Info, bool) {
	if ctx == nil {
		return Info{}, false
	}
	info, ok := ctx.Value(infoKey{}).(Info)
	return info, ok
}

func chain(h Handler, mws []Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}
