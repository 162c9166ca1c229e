package runner

import (
	"context"
	"strings"

	"github.com/looplab/fsm"
)

// State is the lifecycle state of a Runner.
type State int

const (
	StateJustInited State = iota
	StateNotStarted
	StateRunning
	StatePaused
	StateStopping
	StateStopped
	StateCompleted
	StateCanceled
	StateFaulted
)

var stateNames = [...]string{
	StateJustInited: "JustInited",
	StateNotStarted: "NotStarted",
	StateRunning:    "Running",
	StatePaused:     "Paused",
	StateStopping:   "Stopping",
	StateStopped:    "Stopped",
	StateCompleted:  "Completed",
	StateCanceled:   "Canceled",
	StateFaulted:    "Faulted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// States lists every state in declaration order.
func States() []State {
	out := make([]State, len(stateNames))
	for i := range stateNames {
		out[i] = State(i)
	}
	return out
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCanceled, StateStopped, StateFaulted:
		return true
	}
	return false
}

// ParseState is case-insensitive. Unknown names return (0, false).
func ParseState(v string) (State, bool) {
	v = strings.TrimSpace(v)
	for i, name := range stateNames {
		if strings.EqualFold(name, v) {
			return State(i), true
		}
	}
	return 0, false
}

// Transition events.
const (
	evStart    = "start"
	evPause    = "pause"
	evResume   = "resume"
	evStop     = "stop"
	evCancel   = "cancel"
	evFail     = "fail"
	evComplete = "complete"
	evHalt     = "halt"
	evReset    = "reset"
)

func states(ss ...State) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.String()
	}
	return out
}

// transitionTable lists every legal lifecycle move.
//
// resume from Faulted is the rule for a failure below the error threshold: the
// failed slot is consumed and the loop continues with the next one. A paused
// slot never leaves Paused until the flag clears, so it is retried in place.
// Self-loops (Running→Running, Paused→Paused, Faulted→Faulted) are listed so
// repeated loop assertions are no-ops rather than rejected events.
func transitionTable() fsm.Events {
	return fsm.Events{
		{Name: evStart, Src: states(StateJustInited, StateNotStarted, StateCompleted, StateCanceled, StateStopped, StateFaulted), Dst: StateRunning.String()},
		{Name: evPause, Src: states(StateRunning, StateFaulted, StatePaused), Dst: StatePaused.String()},
		{Name: evResume, Src: states(StatePaused, StateFaulted, StateRunning), Dst: StateRunning.String()},
		{Name: evStop, Src: states(StateRunning, StatePaused, StateFaulted, StateCanceled, StateStopping), Dst: StateStopping.String()},
		{Name: evCancel, Src: states(StateRunning, StatePaused, StateStopping, StateFaulted, StateCanceled), Dst: StateCanceled.String()},
		{Name: evFail, Src: states(StateRunning, StatePaused, StateStopping, StateCanceled, StateFaulted), Dst: StateFaulted.String()},
		{Name: evComplete, Src: states(StateRunning), Dst: StateCompleted.String()},
		{Name: evHalt, Src: states(StateStopping, StateCanceled, StateRunning, StatePaused, StateCompleted, StateStopped), Dst: StateStopped.String()},
		{Name: evReset, Src: states(StateJustInited, StateNotStarted, StateCompleted, StateCanceled, StateStopped, StateFaulted), Dst: StateJustInited.String()},
	}
}

// newMachine builds the lifecycle FSM. onEnter runs after every state change.
func newMachine(onEnter func(event string, from, to State)) *fsm.FSM {
	return fsm.NewFSM(
		StateNotStarted.String(),
		transitionTable(),
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onEnter == nil {
					return
				}
				from, _ := ParseState(e.Src)
				to, _ := ParseState(e.Dst)
				onEnter(e.Event, from, to)
			},
		},
	)
}
