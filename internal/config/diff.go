package config

import (
	"reflect"
	"sort"

	logx "taskrunner/pkg/logx"
)

// Change describes the difference between two configs at runner granularity.
type Change struct {
	Sections []string // top-level blocks that differ, sorted
	Added    []string
	Removed  []string
	Updated  []string // runners present in both with a different block
}

func (c Change) Empty() bool {
	return len(c.Sections) == 0 && len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Updated) == 0
}

// Fields renders the change for structured logs.
func (c Change) Fields() []logx.Field {
	return []logx.Field{
		logx.Strings("sections", c.Sections),
		logx.Strings("added", c.Added),
		logx.Strings("removed", c.Removed),
		logx.Strings("updated", c.Updated),
	}
}

// Diff compares two configs. A nil config is treated as empty.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var ch Change
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		ch.Sections = append(ch.Sections, "logging")
	}
	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		ch.Sections = append(ch.Sections, "metrics")
	}
	if !reflect.DeepEqual(oldCfg.Tracing, newCfg.Tracing) {
		ch.Sections = append(ch.Sections, "tracing")
	}
	if oldCfg.MonitorEvery != newCfg.MonitorEvery {
		ch.Sections = append(ch.Sections, "monitor_every")
	}

	before := make(map[string]RunnerConfig, len(oldCfg.Runners))
	for _, rc := range oldCfg.Runners {
		before[rc.Name] = rc
	}
	after := make(map[string]RunnerConfig, len(newCfg.Runners))
	for _, rc := range newCfg.Runners {
		after[rc.Name] = rc
		prev, ok := before[rc.Name]
		switch {
		case !ok:
			ch.Added = append(ch.Added, rc.Name)
		case !reflect.DeepEqual(prev, rc):
			ch.Updated = append(ch.Updated, rc.Name)
		}
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			ch.Removed = append(ch.Removed, name)
		}
	}
	if len(ch.Added)+len(ch.Removed)+len(ch.Updated) > 0 {
		ch.Sections = append(ch.Sections, "runners")
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.Added)
	sort.Strings(ch.Removed)
	sort.Strings(ch.Updated)
	return ch
}

// TaskChanged reports whether the callable of a runner must be rebuilt, as
// opposed to only its options or triggers.
func TaskChanged(a, b RunnerConfig) bool {
	return !reflect.DeepEqual(a.Task, b.Task)
}
