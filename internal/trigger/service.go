// Package trigger fires runner commands on cron, interval and one-shot schedules.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskrunner/internal/eventbus"
	logx "taskrunner/pkg/logx"
	"taskrunner/pkg/runner"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var (
	ErrNoName        = errors.New("trigger name required")
	ErrNoRunner      = errors.New("trigger runner required")
	ErrNotFound      = errors.New("trigger not found")
	ErrUnknownRunner = errors.New("runner not found")
)

// Target resolves runner names. *registry.Registry satisfies it.
type Target interface {
	Get(name string) (runner.Controller, bool)
}

// Trigger fires Command at Runner whenever Schedule activates.
type Trigger struct {
	Name     string
	Runner   string
	Schedule string
	Command  runner.Command
	Options  []runner.FireOption
}

// Fired is the payload of TriggerFired and TriggerFailed events.
type Fired struct {
	Trigger string `json:"trigger"`
	Runner  string `json:"runner"`
	Command string `json:"command"`
	RunID   string `json:"run_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Err     string `json:"err,omitempty"`
}

// Entry describes a registered trigger.
type Entry struct {
	Name     string
	Runner   string
	Schedule string
	Kind     Kind
	Next     time.Time
	Fired    int64
}

type def struct {
	t       Trigger
	spec    ParsedSpec
	entryID cron.EntryID
	fired   int64
	spread  time.Duration

	// one-shot timer, the version it was armed with and whether it went off
	timer *time.Timer
	ver   uint64
	done  bool
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(s *Service) { s.bus = bus } }

// WithLocation sets the time zone cron expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithStartupSpread caps the random delay added to the first activation of
// interval triggers. 0 disables it.
func WithStartupSpread(d time.Duration) Option {
	return func(s *Service) { s.spread = d }
}

type Service struct {
	mu sync.Mutex

	target Target
	log    logx.Logger
	bus    eventbus.Bus
	loc    *time.Location
	spread time.Duration

	c    *cron.Cron
	defs map[string]*def
	ver  uint64

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

func New(target Target, opts ...Option) *Service {
	s := &Service{
		target:   target,
		log:      logx.Nop(),
		loc:      time.Local,
		spread:   maxStartupSpread,
		defs:     map[string]*def{},
		lastWarn: map[string]time.Time{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// Add registers t, replacing any trigger with the same name. Triggers added
// before Start are armed when Start runs.
func (s *Service) Add(t Trigger) error {
	t.Name = strings.TrimSpace(t.Name)
	t.Runner = strings.TrimSpace(t.Runner)
	if t.Name == "" {
		return ErrNoName
	}
	if t.Runner == "" {
		return ErrNoRunner
	}
	spec, err := ParseSchedule(t.Schedule)
	if err != nil {
		return fmt.Errorf("trigger %q: %w", t.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(t.Name)
	d := &def{t: t, spec: spec}
	s.defs[t.Name] = d
	if s.c == nil {
		return nil
	}
	if err := s.armLocked(d); err != nil {
		delete(s.defs, t.Name)
		return fmt.Errorf("trigger %q: %w", t.Name, err)
	}
	s.log.Debug("trigger registered", s.entryFieldsLocked(d)...)
	return nil
}

// Remove unregisters the trigger named name.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.removeLocked(strings.TrimSpace(name))
	if ok {
		s.log.Debug("trigger removed", logx.String("trigger", name))
	}
	return ok
}

// RemoveRunner unregisters every trigger aimed at runnerName and returns how many were removed.
func (s *Service) RemoveRunner(runnerName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for name, d := range s.defs {
		if d.t.Runner == runnerName {
			s.removeLocked(name)
			n++
		}
	}
	return n
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	s.disarmLocked(d)
	delete(s.defs, name)
	return true
}

// Entries lists the registered triggers sorted by name.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, Entry{
			Name:     d.t.Name,
			Runner:   d.t.Runner,
			Schedule: d.spec.String(),
			Kind:     d.spec.Kind,
			Next:     s.nextLocked(d),
			Fired:    d.fired,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start arms every registered trigger. Calling Start twice is a no-op.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	for name, d := range s.defs {
		if err := s.armLocked(d); err != nil {
			s.log.Error("trigger register failed", logx.String("trigger", name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("triggers started", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.defs)))
}

// Stop disarms every trigger and waits for in-flight cron jobs until ctx ends.
// Definitions are kept so a later Start re-arms them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		s.disarmLocked(d)
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("triggers stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) armLocked(d *def) error {
	name := d.t.Name
	job := cron.FuncJob(func() { s.fire(name) })

	switch d.spec.Kind {
	case KindInterval:
		sched, jitter := intervalSchedule(d.spec.Every, s.spread, time.Now().In(s.loc), name)
		d.spread = jitter
		d.entryID = s.c.Schedule(sched, job)
		return nil
	case KindOnce:
		if d.done {
			return nil
		}
		s.ver++
		ver := s.ver
		d.ver = ver
		d.timer = time.AfterFunc(max(time.Until(d.spec.At), 0), func() {
			s.mu.Lock()
			cur, ok := s.defs[name]
			if !ok || cur.ver != ver {
				s.mu.Unlock()
				return
			}
			cur.timer = nil
			cur.done = true
			s.mu.Unlock()
			s.fire(name)
		})
		return nil
	default:
		id, err := s.c.AddJob(d.spec.Cron, job)
		if err != nil {
			return err
		}
		d.entryID = id
		return nil
	}
}

func (s *Service) disarmLocked(d *def) {
	if d.entryID != 0 && s.c != nil {
		s.c.Remove(d.entryID)
	}
	d.entryID = 0
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.ver = 0
}

func (s *Service) nextLocked(d *def) time.Time {
	switch {
	case d.spec.Kind == KindOnce:
		if d.timer == nil {
			return time.Time{}
		}
		return d.spec.At
	case d.entryID != 0 && s.c != nil:
		return s.c.Entry(d.entryID).Next
	default:
		return time.Time{}
	}
}

func (s *Service) entryFieldsLocked(d *def) []logx.Field {
	fields := []logx.Field{
		logx.String("trigger", d.t.Name),
		logx.String("runner", d.t.Runner),
		logx.String("schedule", d.spec.String()),
		logx.String("command", d.t.Command.String()),
	}
	if next := s.nextLocked(d); !next.IsZero() {
		fields = append(fields, logx.Time("next", next))
	}
	if d.spread > 0 {
		fields = append(fields, logx.Duration("spread", d.spread))
	}
	return fields
}

// Fire runs the trigger named name immediately, outside its schedule.
func (s *Service) Fire(name string) error {
	s.mu.Lock()
	_, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return s.fire(name)
}

func (s *Service) fire(name string) error {
	s.mu.Lock()
	d, ok := s.defs[name]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	d.fired++
	t := d.t
	s.mu.Unlock()

	ev := Fired{Trigger: t.Name, Runner: t.Runner, Command: t.Command.String()}
	c, ok := s.target.Get(t.Runner)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownRunner, t.Runner)
		ev.Err = err.Error()
		s.publish(eventbus.TriggerFailed, ev)
		s.report(t.Name, err)
		return err
	}

	run := c.Fire(t.Command, t.Options...)
	ev.RunID = run.ID()
	ev.Status = c.Status()
	s.publish(eventbus.TriggerFired, ev)
	s.log.Debug("trigger fired",
		logx.String("trigger", t.Name),
		logx.String("runner", t.Runner),
		logx.String("command", ev.Command),
		logx.String("run_id", ev.RunID),
	)
	return nil
}

func (s *Service) publish(typ string, ev Fired) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

const warnThrottle = 5 * time.Second

// report logs a failed activation at most once per warnThrottle per trigger.
func (s *Service) report(name string, err error) {
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < warnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()

	s.log.Warn("trigger failed", logx.String("trigger", name), logx.Err(err))
}
