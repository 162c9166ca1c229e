// Package metrics exports runner activity to Prometheus and keeps HDR latency
// summaries per runner.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	prom "github.com/prometheus/client_golang/prometheus"

	"taskrunner/internal/eventbus"
	"taskrunner/internal/trigger"
	"taskrunner/pkg/runner"
)

const DefaultNamespace = "taskrunner"

// Invocation outcomes used as the "result" label.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultPanic    = "panic"
	ResultCanceled = "canceled"
)

// Track latencies from 1µs up to 60s with 3 significant figures.
const (
	hdrMin    = 1
	hdrMax    = 60_000_000
	hdrDigits = 3
)

// Collector owns the Prometheus collectors and the HDR histograms.
type Collector struct {
	invocations  *prom.CounterVec
	duration     *prom.HistogramVec
	inflight     *prom.GaugeVec
	state        *prom.GaugeVec
	transitions  *prom.CounterVec
	triggerFires *prom.CounterVec

	mu   sync.Mutex
	hist map[string]*hdrhistogram.Histogram
}

// New creates and registers the collectors on reg. Collectors that are already
// registered under the same name are reused.
func New(namespace string, reg prom.Registerer) (*Collector, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}

	invocations := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "invocations_total",
		Help:      "Callable invocations by outcome.",
	}, []string{"runner", "result"})
	duration := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "invocation_duration_seconds",
		Help:      "Callable invocation duration in seconds.",
		Buckets:   prom.DefBuckets,
	}, []string{"runner"})
	inflight := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "invocations_in_flight",
		Help:      "Invocations currently executing.",
	}, []string{"runner"})
	state := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "runner_state",
		Help:      "1 for the state a runner is currently in, 0 otherwise.",
	}, []string{"runner", "state"})
	transitions := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "state_transitions_total",
		Help:      "Runner state transitions by target state.",
	}, []string{"runner", "state"})
	triggerFires := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "trigger_fires_total",
		Help:      "Trigger activations by outcome.",
	}, []string{"trigger", "result"})

	var err error
	if invocations, err = registerCollector(reg, invocations); err != nil {
		return nil, err
	}
	if duration, err = registerCollector(reg, duration); err != nil {
		return nil, err
	}
	if inflight, err = registerCollector(reg, inflight); err != nil {
		return nil, err
	}
	if state, err = registerCollector(reg, state); err != nil {
		return nil, err
	}
	if transitions, err = registerCollector(reg, transitions); err != nil {
		return nil, err
	}
	if triggerFires, err = registerCollector(reg, triggerFires); err != nil {
		return nil, err
	}

	return &Collector{
		invocations:  invocations,
		duration:     duration,
		inflight:     inflight,
		state:        state,
		transitions:  transitions,
		triggerFires: triggerFires,
		hist:         map[string]*hdrhistogram.Histogram{},
	}, nil
}

// Middleware records every invocation, fan-out members included.
func (c *Collector) Middleware() runner.Middleware {
	return func(next runner.Handler) runner.Handler {
		return func(ctx context.Context) error {
			name := "unknown"
			if info, ok := runner.InfoFromContext(ctx); ok && info.Runner != "" {
				name = info.Runner
			}
			c.inflight.WithLabelValues(name).Inc()
			start := time.Now()
			err := next(ctx)
			took := time.Since(start)
			c.inflight.WithLabelValues(name).Dec()

			c.invocations.WithLabelValues(name, Classify(err)).Inc()
			c.duration.WithLabelValues(name).Observe(took.Seconds())
			c.record(name, took)
			return err
		}
	}
}

// Classify maps an invocation error to a result label.
func Classify(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, runner.ErrPanic):
		return ResultPanic
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ResultCanceled
	default:
		return ResultError
	}
}

// ObserveState is a runner state listener.
func (c *Collector) ObserveState(ch runner.StateChange) {
	for _, s := range runner.States() {
		v := 0.0
		if s == ch.To {
			v = 1
		}
		c.state.WithLabelValues(ch.Runner, s.String()).Set(v)
	}
	c.transitions.WithLabelValues(ch.Runner, ch.To.String()).Inc()
}

// Forget drops every series and histogram kept for a runner.
func (c *Collector) Forget(name string) {
	labels := prom.Labels{"runner": name}
	c.invocations.DeletePartialMatch(labels)
	c.duration.DeletePartialMatch(labels)
	c.inflight.DeletePartialMatch(labels)
	c.state.DeletePartialMatch(labels)
	c.transitions.DeletePartialMatch(labels)

	c.mu.Lock()
	delete(c.hist, name)
	c.mu.Unlock()
}

// Consume counts trigger events from bus until ctx ends.
func (c *Collector) Consume(ctx context.Context, bus eventbus.Bus) error {
	events, unsub := bus.Subscribe(64, "trigger.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.ObserveTrigger(ev)
		}
	}
}

// ObserveTrigger counts one trigger event. Other events are ignored.
func (c *Collector) ObserveTrigger(ev eventbus.Event) {
	name := triggerName(ev.Data)
	switch ev.Type {
	case eventbus.TriggerFired:
		c.triggerFires.WithLabelValues(name, ResultOK).Inc()
	case eventbus.TriggerFailed:
		c.triggerFires.WithLabelValues(name, ResultError).Inc()
	}
}

func triggerName(data any) string {
	if f, ok := data.(trigger.Fired); ok && f.Trigger != "" {
		return f.Trigger
	}
	return "unknown"
}

func (c *Collector) record(name string, took time.Duration) {
	us := took.Microseconds()
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hist[name]
	if !ok {
		h = hdrhistogram.New(hdrMin, hdrMax, hdrDigits)
		c.hist[name] = h
	}
	us = min(max(us, h.LowestTrackableValue()), h.HighestTrackableValue())
	_ = h.RecordValue(us)
}

// LatencyStats summarises the HDR histogram of one runner.
type LatencyStats struct {
	Runner string        `json:"runner"`
	Count  int64         `json:"count"`
	Min    time.Duration `json:"-"`
	Max    time.Duration `json:"-"`
	Mean   time.Duration `json:"-"`
	P50    time.Duration `json:"-"`
	P90    time.Duration `json:"-"`
	P99    time.Duration `json:"-"`

	MinMs  float64 `json:"min_ms"`
	MaxMs  float64 `json:"max_ms"`
	MeanMs float64 `json:"mean_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P90Ms  float64 `json:"p90_ms"`
	P99Ms  float64 `json:"p99_ms"`
}

// Latency returns the summary for name. ok is false when nothing was recorded.
func (c *Collector) Latency(name string) (LatencyStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hist[name]
	if !ok || h.TotalCount() == 0 {
		return LatencyStats{Runner: name}, false
	}
	return summarize(name, h), true
}

// Latencies returns every summary sorted by runner name.
func (c *Collector) Latencies() []LatencyStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LatencyStats, 0, len(c.hist))
	for name, h := range c.hist {
		if h.TotalCount() > 0 {
			out = append(out, summarize(name, h))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Runner < out[j].Runner })
	return out
}

func summarize(name string, h *hdrhistogram.Histogram) LatencyStats {
	us := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
	s := LatencyStats{
		Runner: name,
		Count:  h.TotalCount(),
		Min:    us(h.Min()),
		Max:    us(h.Max()),
		Mean:   us(int64(h.Mean())),
		P50:    us(h.ValueAtQuantile(50)),
		P90:    us(h.ValueAtQuantile(90)),
		P99:    us(h.ValueAtQuantile(99)),
	}
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	s.MinMs, s.MaxMs, s.MeanMs = ms(s.Min), ms(s.Max), ms(s.Mean)
	s.P50Ms, s.P90Ms, s.P99Ms = ms(s.P50), ms(s.P90), ms(s.P99)
	return s
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
