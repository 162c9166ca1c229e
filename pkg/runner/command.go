package runner

import (
	"fmt"
	"strings"
)

// Command is a lifecycle directive accepted by Runner.Fire.
type Command int

const (
	CmdStart Command = iota
	CmdStop
	CmdPause
	CmdUnPause
	CmdToggle
	CmdRestart
	CmdFire
	CmdFireWait
	CmdFireEndless
)

var commandNames = [...]string{
	CmdStart:       "Start",
	CmdStop:        "Stop",
	CmdPause:       "Pause",
	CmdUnPause:     "UnPause",
	CmdToggle:      "Toggle",
	CmdRestart:     "Restart",
	CmdFire:        "Fire",
	CmdFireWait:    "FireWait",
	CmdFireEndless: "FireEndless",
}

func (c Command) String() string {
	if c < 0 || int(c) >= len(commandNames) {
		return fmt.Sprintf("Command(%d)", int(c))
	}
	return commandNames[c]
}

// ParseCommand accepts command names case-insensitively, with "-" and "_"
// ignored ("fire-wait", "FIRE_WAIT", "FireWait"). "resume" is an alias of UnPause.
func ParseCommand(v string) (Command, error) {
	key := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.TrimSpace(v)))
	if key == "resume" {
		return CmdUnPause, nil
	}
	for i, name := range commandNames {
		if strings.ToLower(name) == key {
			return Command(i), nil
		}
	}
	return 0, fmt.Errorf("unknown command %q", v)
}

// FireOption overrides execution options right before a command dispatches.
type FireOption func(o *Options)

// WithCount sets the repeat count and resets fan-out to sequential execution.
func WithCount(count int) FireOption {
	return func(o *Options) { o.SetCounts(count, 0, 0) }
}

// WithParallel sets the repeat count and a fan-out width of maxParallel,
// admitting maxParallel invocations per slot.
func WithParallel(count, maxParallel int) FireOption {
	return func(o *Options) { o.SetCounts(count, maxParallel, maxParallel) }
}

// WithCounts sets count, fan-out width and semaphore cycles.
func WithCounts(count, maxParallel, cycles int) FireOption {
	return func(o *Options) { o.SetCounts(count, maxParallel, cycles) }
}

// WithOptions replaces every option (validated, error counter reset).
func WithOptions(next *Options) FireOption {
	return func(o *Options) {
		if next == nil {
			return
		}
		_ = o.CopyFrom(next)
		o.Validate()
	}
}
