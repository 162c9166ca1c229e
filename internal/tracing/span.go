package tracing

import (
	"context"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"taskrunner/pkg/runner"
)

// Middleware starts one span per invocation. The span is the parent of
// anything the callable traces through ctx.
func Middleware(tracer trace.Tracer) runner.Middleware {
	return Dynamic(func() trace.Tracer { return tracer })
}

// Dynamic is Middleware with the tracer resolved on every invocation, so a
// provider swapped at runtime takes effect on runners already built.
func Dynamic(get func() trace.Tracer) runner.Middleware {
	return func(next runner.Handler) runner.Handler {
		return func(ctx context.Context) error {
			tracer := get()
			if tracer == nil {
				return next(ctx)
			}
			info, _ := runner.InfoFromContext(ctx)
			name := "runner invoke"
			if info.Runner != "" {
				name = "runner " + info.Runner
			}
			ctx, span := tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
			span.SetAttributes(
				attribute.String("runner.name", info.Runner),
				attribute.String("runner.run_id", info.RunID),
				attribute.Int("runner.slot", info.Slot),
			)
			err := next(ctx)
			EndSpan(span, err)
			return err
		}
	}
}

// EndSpan finishes a span, recording error status if applicable. Cancellation
// is recorded as an event, not as an error.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, context.Canceled):
		span.AddEvent("canceled")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// InjectHTTPHeaders injects W3C trace context into HTTP headers.
func InjectHTTPHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}
