// Package app wires the config file to a live registry of runners, their
// triggers, the metrics endpoint and tracing, and keeps them in sync on reload.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"

	"taskrunner/internal/config"
	"taskrunner/internal/eventbus"
	"taskrunner/internal/metrics"
	"taskrunner/internal/runtime/supervisor"
	"taskrunner/internal/tasks"
	"taskrunner/internal/tracing"
	"taskrunner/internal/trigger"
	logx "taskrunner/pkg/logx"
	"taskrunner/pkg/registry"
	"taskrunner/pkg/runner"
)

type Option func(*App)

// WithLineSink replaces stdout as the destination of plain log lines and
// runner journals.
func WithLineSink(sink logx.LineSink) Option {
	return func(a *App) {
		if sink != nil {
			a.lines = sink
		}
	}
}

// WithMetricsAddr overrides metrics.addr from the config file. A non-empty
// address also enables the listener.
func WithMetricsAddr(addr string) Option {
	return func(a *App) { a.metricsAddr = strings.TrimSpace(addr) }
}

// WithHTTPClient sets the client used by http tasks.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) {
		if c != nil {
			a.client = c
		}
	}
}

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	root    logx.Logger
	log     logx.Logger
	logs    *logx.Service
	lines   logx.LineSink
	linesOn atomic.Bool

	bus       eventbus.Bus
	reg       *registry.Registry
	triggers  *trigger.Service
	promReg   *prom.Registry
	collector *metrics.Collector
	server    *metrics.Server
	tracer    atomic.Pointer[tracing.Provider]
	client    *http.Client

	metricsAddr string

	mu            sync.Mutex // serializes Apply
	cfg           *config.Config
	cancelMonitor context.CancelFunc
}

// New loads and validates the config file and builds every component. Nothing
// runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:   cfgm,
		lines:  logx.WriterSink(os.Stdout),
		client: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}

	logSvc, log := logx.New(cfg.Logging.LogConfig(), a.lines)
	a.logs = logSvc
	a.root = log
	a.log = log.With(logx.String("comp", "app"))
	a.linesOn.Store(cfg.Logging.Lines.Enabled)

	a.bus = eventbus.New()
	a.reg = registry.New(
		registry.WithLogger(log.With(logx.String("comp", "registry"))),
		registry.WithBus(a.bus),
	)
	a.triggers = trigger.New(a.reg,
		trigger.WithLogger(log.With(logx.String("comp", "trigger"))),
		trigger.WithBus(a.bus),
	)

	a.promReg = prom.NewRegistry()
	a.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.collector, err = metrics.New(cfg.Metrics.NamespaceOrDefault(), a.promReg)
	if err != nil {
		return nil, err
	}
	a.server = metrics.NewServer(a.promReg, a.collector, log)

	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(a.validate)
	return a, nil
}

func (a *App) Registry() *registry.Registry { return a.reg }
func (a *App) Triggers() *trigger.Service   { return a.triggers }
func (a *App) Bus() eventbus.Bus             { return a.bus }
func (a *App) Logger() logx.Logger           { return a.log }

// Config returns the config currently applied.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start registers the configured runners, arms their triggers, fires the
// autostart commands and starts the background loops.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	prov, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	a.tracer.Store(prov)

	if err := a.server.Apply(ctx, a.serverConfig(cfg)); err != nil {
		return err
	}

	a.mu.Lock()
	var autostart []config.RunnerConfig
	for _, rc := range cfg.Runners {
		if err := a.addRunnerLocked(rc); err != nil {
			a.mu.Unlock()
			return err
		}
		if strings.TrimSpace(rc.Autostart) != "" {
			autostart = append(autostart, rc)
		}
	}
	a.cfg = cfg
	a.startMonitorLocked(cfg)
	a.mu.Unlock()

	a.triggers.Start(a.sup.Context())
	for _, rc := range autostart {
		a.autostart(rc)
	}

	a.sup.GoRestart("metrics.consume", func(c context.Context) error {
		return a.collector.Consume(c, a.bus)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("config.reload", a.reloadLoop)

	a.log.Info("app started",
		logx.Int("runners", a.reg.Len()),
		logx.Int("triggers", len(a.triggers.Entries())),
		logx.Bool("tracing", prov.Enabled()),
		logx.String("metrics", a.server.Addr()),
	)
	return nil
}

// validate runs on every reloaded config before it is committed. Collectors
// are registered once, so their namespace is fixed for the process lifetime.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	cur := a.cfgm.Get()
	if cur != nil && cur.Metrics.NamespaceOrDefault() != cfg.Metrics.NamespaceOrDefault() {
		return fmt.Errorf("%w: metrics.namespace cannot change at runtime", config.ErrInvalid)
	}
	return nil
}

func (a *App) serverConfig(cfg *config.Config) metrics.ServerConfig {
	sc := metrics.ServerConfig{
		Enabled: cfg.Metrics.Enabled,
		Addr:    cfg.Metrics.AddrOrDefault(),
		Path:    cfg.Metrics.PathOrDefault(),
		Pprof:   cfg.Metrics.Pprof,
	}
	if a.metricsAddr != "" {
		sc.Enabled = true
		sc.Addr = a.metricsAddr
	}
	return sc
}

func (a *App) currentTracer() trace.Tracer {
	return a.tracer.Load().Tracer()
}

// journalLine forwards runner journals while the line sink is enabled.
func (a *App) journalLine(line string) {
	if a.linesOn.Load() {
		a.lines.Line(line)
	}
}

func (a *App) buildRunner(rc config.RunnerConfig) (runner.Controller, error) {
	defaults, err := rc.Options.ToOptions("runners." + rc.Name + ".options")
	if err != nil {
		return nil, err
	}
	return tasks.Build(rc.Name, rc.Task, a.client,
		runner.WithLogger(a.root.With(logx.String("comp", "runner"))),
		runner.WithSink(runner.LineFunc(a.journalLine)),
		runner.WithBaseContext(a.sup.Context()),
		runner.WithMiddleware(a.collector.Middleware(), tracing.Dynamic(a.currentTracer)),
		runner.WithListener(a.collector.ObserveState),
		runner.WithDefaults(defaults),
	)
}

func (a *App) addRunnerLocked(rc config.RunnerConfig) error {
	c, err := a.buildRunner(rc)
	if err != nil {
		return fmt.Errorf("runner %q: %w", rc.Name, err)
	}
	if err := a.reg.Register(rc.Name, c); err != nil {
		return err
	}
	return a.armTriggers(rc)
}

// armTriggers replaces every trigger of rc.Name with the ones in rc.
func (a *App) armTriggers(rc config.RunnerConfig) error {
	a.triggers.RemoveRunner(rc.Name)
	for i, tc := range rc.Triggers {
		cmd, err := runner.ParseCommand(tc.Command)
		if err != nil {
			return err
		}
		t := trigger.Trigger{
			Name:     TriggerName(rc.Name, i),
			Runner:   rc.Name,
			Schedule: tc.Schedule,
			Command:  cmd,
		}
		if tc.Count > 0 || tc.MaxParallel > 0 || tc.Cycles > 0 {
			count := tc.Count
			if count <= 0 {
				count = rc.Options.Count
			}
			t.Options = append(t.Options, runner.WithCounts(count, tc.MaxParallel, tc.Cycles))
		}
		if err := a.triggers.Add(t); err != nil {
			return fmt.Errorf("runner %q trigger %d: %w", rc.Name, i, err)
		}
	}
	return nil
}

// TriggerName is the name given to the i-th trigger of a runner.
func TriggerName(runnerName string, i int) string {
	return fmt.Sprintf("%s#%d", runnerName, i)
}

// autostart fires the configured command in the background; FireWait and
// the blocking commands must not hold up startup.
func (a *App) autostart(rc config.RunnerConfig) {
	cmd, err := runner.ParseCommand(rc.Autostart)
	if err != nil {
		a.log.Warn("autostart skipped", logx.String("runner", rc.Name), logx.Err(err))
		return
	}
	name := rc.Name
	a.sup.Go0("autostart."+name, func(context.Context) {
		status := a.reg.Fire(name, cmd)
		a.log.Info("autostart", logx.String("runner", name), logx.String("command", cmd.String()), logx.String("status", status))
	})
}

func (a *App) startMonitorLocked(cfg *config.Config) {
	if a.cancelMonitor != nil {
		a.cancelMonitor()
	}
	every, err := cfg.MonitorInterval()
	if err != nil {
		every = config.DefaultMonitorEvery
	}
	ctx, cancel := context.WithCancel(a.sup.Context())
	a.cancelMonitor = cancel
	a.sup.Go("registry.monitor", func(context.Context) error {
		return a.reg.Monitor(ctx, every)
	})
}
