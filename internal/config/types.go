package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"taskrunner/internal/trigger"
	logx "taskrunner/pkg/logx"
	"taskrunner/pkg/runner"
)

// Task kinds understood by internal/tasks.
const (
	TaskExec  = "exec"
	TaskHTTP  = "http"
	TaskSleep = "sleep"
)

const (
	DefaultMetricsAddr      = ":9090"
	DefaultMetricsPath      = "/metrics"
	DefaultMetricsNamespace = "taskrunner"
	DefaultServiceName      = "taskrunner"
	DefaultMonitorEvery     = time.Second
)

var ErrInvalid = errors.New("invalid config")

// Config is the whole configuration file.
//
// All durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging      LoggingConfig  `json:"logging"`
	Metrics      MetricsConfig  `json:"metrics"`
	Tracing      TracingConfig  `json:"tracing"`
	MonitorEvery string         `json:"monitor_every,omitempty"`
	Runners      []RunnerConfig `json:"runners"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LogFileConfig  `json:"file"`
	Lines   LogLinesConfig `json:"lines"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// LogLinesConfig forwards log records and runner journals to stdout as plain lines.
type LogLinesConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Addr      string `json:"addr,omitempty"`
	Path      string `json:"path,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Pprof     bool   `json:"pprof,omitempty"`
}

// TracingConfig enables OTLP export when Endpoint is set.
// Protocol is "http" (default) or "grpc".
type TracingConfig struct {
	Endpoint    string  `json:"endpoint,omitempty"`
	Protocol    string  `json:"protocol,omitempty"`
	ServiceName string  `json:"service_name,omitempty"`
	SampleRate  float64 `json:"sample_rate,omitempty"`
	Insecure    bool    `json:"insecure,omitempty"`
}

type RunnerConfig struct {
	Name      string          `json:"name"`
	Task      TaskConfig      `json:"task"`
	Options   OptionsConfig   `json:"options"`
	Autostart string          `json:"autostart,omitempty"`
	Triggers  []TriggerConfig `json:"triggers,omitempty"`
}

type TaskConfig struct {
	Kind     string `json:"kind"`
	Command  string `json:"command,omitempty"`
	URL      string `json:"url,omitempty"`
	Duration string `json:"duration,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type OptionsConfig struct {
	Count        int           `json:"count,omitempty"`
	Delay        string        `json:"delay,omitempty"`
	Endless      bool          `json:"endless,omitempty"`
	MaxParallel  int           `json:"max_parallel,omitempty"`
	Cycles       int           `json:"cycles,omitempty"`
	UseSemaphore bool          `json:"use_semaphore,omitempty"`
	UseLog       bool          `json:"use_log,omitempty"`
	Errors       *ErrorsConfig `json:"errors,omitempty"`
}

// ErrorsConfig sets failure thresholds. Max applies to every listed category
// (All when none is listed); Limits sets per-category thresholds on top.
type ErrorsConfig struct {
	Max        int            `json:"max,omitempty"`
	Categories []string       `json:"categories,omitempty"`
	Limits     map[string]int `json:"limits,omitempty"`
}

type TriggerConfig struct {
	Schedule    string `json:"schedule"`
	Command     string `json:"command"`
	Count       int    `json:"count,omitempty"`
	MaxParallel int    `json:"max_parallel,omitempty"`
	Cycles      int    `json:"cycles,omitempty"`
}

// LogConfig maps the logging block onto logx.
func (l LoggingConfig) LogConfig() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Lines: logx.LinesConfig{
			Enabled:    l.Lines.Enabled,
			MinLevel:   l.Lines.MinLevel,
			RatePerSec: l.Lines.RatePerSec,
		},
	}
}

func (m MetricsConfig) AddrOrDefault() string      { return orDefault(m.Addr, DefaultMetricsAddr) }
func (m MetricsConfig) PathOrDefault() string      { return orDefault(m.Path, DefaultMetricsPath) }
func (m MetricsConfig) NamespaceOrDefault() string { return orDefault(m.Namespace, DefaultMetricsNamespace) }

func (t TracingConfig) Enabled() bool { return strings.TrimSpace(t.Endpoint) != "" }

// MonitorInterval is monitor_every, or DefaultMonitorEvery when unset or zero.
func (c *Config) MonitorInterval() (time.Duration, error) {
	d, err := ParseDuration("monitor_every", c.MonitorEvery)
	if err != nil || d > 0 {
		return d, err
	}
	return DefaultMonitorEvery, nil
}

// ParseDuration reads the Go duration at path ("runners[0].options.delay").
// Blank is zero.
func ParseDuration(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration (use e.g. 250ms, 30s, 1h)", path, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: %q is negative", path, raw)
	}
	return d, nil
}

// Runner returns the runner block named name.
func (c *Config) Runner(name string) (RunnerConfig, bool) {
	for _, rc := range c.Runners {
		if rc.Name == name {
			return rc, true
		}
	}
	return RunnerConfig{}, false
}

// ToOptions builds validated runner options from the config block.
func (o OptionsConfig) ToOptions(path string) (*runner.Options, error) {
	// An omitted delay is the runner default; "0s" means no delay.
	delay := runner.DefaultDelay
	if strings.TrimSpace(o.Delay) != "" {
		d, err := ParseDuration(path+".delay", o.Delay)
		if err != nil {
			return nil, err
		}
		delay = d
	}

	opts := runner.NewOptions().
		SetCount(o.Count).
		SetDelay(delay).
		SetEndless(o.Endless).
		SetMaxParallel(o.MaxParallel).
		SetCycles(o.Cycles).
		SetUseSemaphore(o.UseSemaphore).
		SetLog(o.UseLog)
	if o.Errors != nil {
		opts.SetErrors(o.Errors.Counter())
	}
	return opts.Validate(), nil
}

// Counter builds the error counter described by the block.
func (e ErrorsConfig) Counter() *runner.ErrorCounter {
	cats := e.Categories
	if len(cats) == 0 {
		cats = []string{runner.CategoryAll}
	}
	c := runner.NewErrorCounter(e.Max, cats...)
	for name, max := range e.Limits {
		c.SetErrorLimit(name, max)
	}
	return c
}

// Validate checks every field the runtime depends on. It reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := c.MonitorInterval(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Tracing.Protocol)) {
	case "", "http", "grpc":
	default:
		add("tracing.protocol: unsupported %q", c.Tracing.Protocol)
	}
	if r := c.Tracing.SampleRate; r < 0 || r > 1 {
		add("tracing.sample_rate: must be within [0, 1]")
	}

	seen := make(map[string]bool, len(c.Runners))
	for i, rc := range c.Runners {
		path := fmt.Sprintf("runners[%d]", i)
		name := strings.TrimSpace(rc.Name)
		switch {
		case name == "":
			add("%s.name: required", path)
		case seen[name]:
			add("%s.name: duplicate %q", path, name)
		}
		seen[name] = true

		if err := rc.Task.validate(path + ".task"); err != nil {
			errs = append(errs, err)
		}
		if _, err := rc.Options.ToOptions(path + ".options"); err != nil {
			errs = append(errs, err)
		}
		if rc.Options.Errors != nil && rc.Options.Errors.Max < 0 {
			add("%s.options.errors.max: must be >= 0", path)
		}
		if s := strings.TrimSpace(rc.Autostart); s != "" {
			if _, err := runner.ParseCommand(s); err != nil {
				add("%s.autostart: %w", path, err)
			}
		}
		for j, tc := range rc.Triggers {
			tpath := fmt.Sprintf("%s.triggers[%d]", path, j)
			if _, err := trigger.ParseSchedule(tc.Schedule); err != nil {
				add("%s.schedule: %w", tpath, err)
			}
			if _, err := runner.ParseCommand(tc.Command); err != nil {
				add("%s.command: %w", tpath, err)
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (t TaskConfig) validate(path string) error {
	switch strings.ToLower(strings.TrimSpace(t.Kind)) {
	case TaskExec:
		if strings.TrimSpace(t.Command) == "" {
			return fmt.Errorf("%s.command: required for kind exec", path)
		}
	case TaskHTTP:
		if strings.TrimSpace(t.URL) == "" {
			return fmt.Errorf("%s.url: required for kind http", path)
		}
	case TaskSleep:
		if _, err := ParseDuration(path+".duration", t.Duration); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%s.kind: unsupported %q", path, t.Kind)
	}
	_, err := ParseDuration(path+".timeout", t.Timeout)
	return err
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}
