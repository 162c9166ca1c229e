package tracing_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"taskrunner/internal/config"
	"taskrunner/internal/tracing"
	"taskrunner/pkg/runner"
)

func setupTestTracer(t *testing.T) (*tracetest.InMemoryExporter, trace.Tracer) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter, tp.Tracer("test")
}

func TestInitDisabledByDefault(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	p, err := tracing.Init(context.Background(), config.TracingConfig{})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	if p.Enabled() {
		t.Fatal("Enabled() = true without an endpoint")
	}

	_, span := p.Tracer().Start(context.Background(), "test")
	span.End()
	if span.SpanContext().IsValid() {
		t.Fatal("disabled provider produced a recording span")
	}
}

func TestInitProtocols(t *testing.T) {
	tests := []struct {
		name     string
		protocol string
		endpoint string
		wantErr  bool
	}{
		{name: "default http", endpoint: "localhost:4318"},
		{name: "grpc", protocol: "grpc", endpoint: "localhost:4317"},
		{name: "unsupported", protocol: "thrift", endpoint: "localhost:4317", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tracing.Init(context.Background(), config.TracingConfig{
				Endpoint:    tt.endpoint,
				Protocol:    tt.protocol,
				ServiceName: "test-service",
				Insecure:    true,
			})
			if tt.wantErr {
				if err == nil {
					t.Fatal("Init() should fail")
				}
				return
			}
			if err != nil {
				t.Fatalf("Init() error = %v", err)
			}
			t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
			if !p.Enabled() {
				t.Fatal("Enabled() = false with an endpoint")
			}
		})
	}
}

func TestInitInvalidSampleRate(t *testing.T) {
	for _, rate := range []float64{-0.5, 1.5} {
		_, err := tracing.Init(context.Background(), config.TracingConfig{
			Endpoint:   "localhost:4317",
			Protocol:   "grpc",
			Insecure:   true,
			SampleRate: rate,
		})
		if err == nil {
			t.Fatalf("Init() with sample_rate=%g should return error", rate)
		}
	}
}

func TestNilProviderSafety(t *testing.T) {
	t.Parallel()
	var p *tracing.Provider
	if p.Enabled() {
		t.Error("nil provider Enabled() = true")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("nil provider Shutdown() error = %v", err)
	}
	if p.Tracer() == nil {
		t.Error("nil provider returned a nil tracer")
	}
}

func TestMiddlewareSpans(t *testing.T) {
	t.Parallel()
	exporter, tracer := setupTestTracer(t)

	calls := 0
	r := runner.New("traced", func(ctx context.Context) error {
		calls++
		if !trace.SpanContextFromContext(ctx).IsValid() {
			return errors.New("no span in context")
		}
		if calls == 2 {
			return errors.New("boom")
		}
		return nil
	},
		runner.WithDefaults(runner.NewOptions().SetDelay(0)),
		runner.WithMiddleware(tracing.Middleware(tracer)),
	)
	if err := r.Fire(runner.CmdStart, runner.WithCount(2)).Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	for _, s := range spans {
		if s.Name != "runner traced" {
			t.Fatalf("span name = %q", s.Name)
		}
	}
	if spans[0].Status.Code != codes.Ok {
		t.Fatalf("first span status = %v", spans[0].Status)
	}
	if spans[1].Status.Code != codes.Error || len(spans[1].Events) == 0 {
		t.Fatalf("second span status = %v, events = %d", spans[1].Status, len(spans[1].Events))
	}
	var runID string
	for _, kv := range spans[0].Attributes {
		if kv.Key == "runner.run_id" {
			runID = kv.Value.AsString()
		}
	}
	if runID == "" {
		t.Fatal("span missing runner.run_id")
	}
}

func TestEndSpanCanceled(t *testing.T) {
	t.Parallel()
	exporter, tracer := setupTestTracer(t)

	_, span := tracer.Start(context.Background(), "op")
	tracing.EndSpan(span, context.Canceled)
	got := exporter.GetSpans()
	if len(got) != 1 || got[0].Status.Code == codes.Error {
		t.Fatalf("canceled span = %+v", got)
	}
}

func TestInjectHTTPHeaders(t *testing.T) {
	_, tracer := setupTestTracer(t)
	tracing.Install(noop.NewTracerProvider())

	ctx, span := tracer.Start(context.Background(), "op")
	defer span.End()
	h := http.Header{}
	tracing.InjectHTTPHeaders(ctx, h)
	if h.Get("traceparent") == "" {
		t.Fatal("traceparent header not injected")
	}
}
