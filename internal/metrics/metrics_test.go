package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"taskrunner/internal/eventbus"
	"taskrunner/internal/trigger"
	logx "taskrunner/pkg/logx"
	"taskrunner/pkg/runner"
)

func newCollector(t *testing.T) (*Collector, *prom.Registry) {
	t.Helper()
	reg := prom.NewRegistry()
	c, err := New("test", reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, reg
}

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want string
	}{
		{nil, ResultOK},
		{errors.New("boom"), ResultError},
		{fmt.Errorf("unit: %w", runner.ErrPanic), ResultPanic},
		{context.Canceled, ResultCanceled},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), ResultCanceled},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestMiddlewareRecordsRunnerInvocations(t *testing.T) {
	t.Parallel()

	c, _ := newCollector(t)
	calls := 0
	r := runner.New("probe", func(context.Context) error {
		calls++
		if calls == 2 {
			return errors.New("flaky")
		}
		time.Sleep(time.Millisecond)
		return nil
	},
		runner.WithDefaults(runner.NewOptions().SetCount(3).SetDelay(0)),
		runner.WithMiddleware(c.Middleware()),
		runner.WithListener(c.ObserveState),
	)

	run := r.Fire(runner.CmdStart, runner.WithCount(3))
	if err := run.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if got := testutil.ToFloat64(c.invocations.WithLabelValues("probe", ResultOK)); got != 2 {
		t.Fatalf("ok invocations = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.invocations.WithLabelValues("probe", ResultError)); got != 1 {
		t.Fatalf("error invocations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.inflight.WithLabelValues("probe")); got != 0 {
		t.Fatalf("in flight = %v, want 0", got)
	}
	if n, err := histogramSampleCount(c.duration.WithLabelValues("probe")); err != nil || n != 3 {
		t.Fatalf("duration samples = %d, %v", n, err)
	}
	if got := testutil.ToFloat64(c.state.WithLabelValues("probe", runner.StateCompleted.String())); got != 1 {
		t.Fatalf("completed gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.state.WithLabelValues("probe", runner.StateRunning.String())); got != 0 {
		t.Fatalf("running gauge = %v, want 0", got)
	}

	st, ok := c.Latency("probe")
	if !ok || st.Count != 3 || st.P99 < st.P50 || st.Max < st.Min {
		t.Fatalf("latency = %+v, %v", st, ok)
	}

	c.Forget("probe")
	if _, ok := c.Latency("probe"); ok {
		t.Fatalf("Forget kept the histogram")
	}
	if n := testutil.CollectAndCount(c.invocations); n != 0 {
		t.Fatalf("Forget kept %d invocation series", n)
	}
}

func TestAlreadyRegisteredReuse(t *testing.T) {
	t.Parallel()

	reg := prom.NewRegistry()
	first, err := New("test", reg)
	if err != nil {
		t.Fatalf("first New: %v", err)
	}
	second, err := New("test", reg)
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	first.ObserveTrigger(eventbus.Event{Type: eventbus.TriggerFired, Data: trigger.Fired{Trigger: "t"}})
	second.ObserveTrigger(eventbus.Event{Type: eventbus.TriggerFired, Data: trigger.Fired{Trigger: "t"}})
	if got := testutil.ToFloat64(first.triggerFires.WithLabelValues("t", ResultOK)); got != 2 {
		t.Fatalf("shared trigger counter = %v, want 2", got)
	}
}

func TestConsumeCountsTriggerEvents(t *testing.T) {
	t.Parallel()

	c, _ := newCollector(t)
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Consume(ctx, bus) }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		bus.Publish(eventbus.Event{Type: eventbus.TriggerFailed, Data: trigger.Fired{Trigger: "nightly"}})
		bus.Publish(eventbus.Event{Type: eventbus.RunnerState})
		if testutil.ToFloat64(c.triggerFires.WithLabelValues("nightly", ResultError)) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if testutil.ToFloat64(c.triggerFires.WithLabelValues("nightly", ResultError)) == 0 {
		t.Fatalf("trigger failure not counted")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Consume: %v", err)
	}
}

func TestHandlerServesMetricsAndLatency(t *testing.T) {
	t.Parallel()

	c, reg := newCollector(t)
	c.record("slow", 20*time.Millisecond)
	c.invocations.WithLabelValues("slow", ResultOK).Inc()

	srv := NewServer(reg, c, logx.Nop())
	ts := httptest.NewServer(srv.Handler(ServerConfig{Path: "/m"}))
	defer ts.Close()

	body := get(t, ts.URL+"/m", http.StatusOK)
	if !strings.Contains(body, `test_invocations_total{result="ok",runner="slow"} 1`) {
		t.Fatalf("metrics body missing counter:\n%s", body)
	}

	var stats []LatencyStats
	if err := json.Unmarshal([]byte(get(t, ts.URL+"/latency", http.StatusOK)), &stats); err != nil {
		t.Fatalf("decode latency: %v", err)
	}
	if len(stats) != 1 || stats[0].Runner != "slow" || stats[0].Count != 1 || stats[0].P50Ms < 19 {
		t.Fatalf("latency = %+v", stats)
	}
	get(t, ts.URL+"/latency?runner=missing", http.StatusNotFound)
	get(t, ts.URL+"/debug/pprof/", http.StatusNotFound)
}

func TestServerApplyEnableDisable(t *testing.T) {
	t.Parallel()

	c, reg := newCollector(t)
	srv := NewServer(reg, c, logx.Nop())
	ctx := context.Background()
	t.Cleanup(func() { srv.Stop(ctx) })

	if err := srv.Apply(ctx, ServerConfig{Enabled: true, Addr: "127.0.0.1:0", Pprof: true}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	addr := srv.Addr()
	if addr == "" {
		t.Fatalf("server not listening")
	}
	get(t, "http://"+addr+"/metrics", http.StatusOK)
	get(t, "http://"+addr+"/debug/pprof/", http.StatusOK)

	if err := srv.Apply(ctx, ServerConfig{Enabled: false}); err != nil {
		t.Fatalf("Apply disable: %v", err)
	}
	if srv.Addr() != "" {
		t.Fatalf("server still listening after disable")
	}
}

func get(t *testing.T, url string, want int) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		t.Fatalf("GET %s = %d, want %d", url, resp.StatusCode, want)
	}
	return string(b)
}

func histogramSampleCount(observer prom.Observer) (uint64, error) {
	collector, ok := observer.(prom.Collector)
	if !ok {
		return 0, nil
	}

	metricCh := make(chan prom.Metric, 1)
	collector.Collect(metricCh)
	close(metricCh)
	for metric := range metricCh {
		msg := &dto.Metric{}
		if err := metric.Write(msg); err != nil {
			return 0, err
		}
		if msg.Histogram != nil {
			return msg.Histogram.GetSampleCount(), nil
		}
	}
	return 0, nil
}
