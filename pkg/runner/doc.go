// Package runner repeats a caller-supplied callable under a small lifecycle
// state machine.
//
// A Runner owns one callable, one Options value and its current State. Fire
// dispatches a Command (Start, Stop, Pause, UnPause, Toggle, Restart, Fire,
// FireWait, FireEndless); Start returns a *Run handle the caller may wait on,
// cancel or ignore.
//
// Each run walks Count slots. A slot is one invocation, MaxParallel concurrent
// invocations, or Cycles invocations gated by a MaxParallel-wide semaphore.
// Failures are counted per category in an ErrorCounter; once any category
// reaches its threshold the run stops as Faulted.
package runner
