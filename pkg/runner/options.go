package runner

import "time"

// DefaultDelay is the pause between two successful slots when none is configured.
const DefaultDelay = time.Second

// Options configures how a Runner repeats its callable.
//
// Setters clamp their own field immediately. Validate applies the cross-field
// rules and is idempotent. A Runner never aliases a caller's Options: it copies
// them through CopyFrom, which always installs a fresh error counter.
type Options struct {
	Count        int
	Delay        time.Duration
	Endless      bool
	MaxParallel  int
	Cycles       int
	UseSemaphore bool
	UseLog       bool
	Errors       *ErrorCounter
}

// NewOptions returns the defaults: one slot, 1s delay, sequential execution and
// an inactive error counter.
func NewOptions() *Options {
	return &Options{
		Count:  1,
		Delay:  DefaultDelay,
		Cycles: 1,
		Errors: NewErrorCounterLimits(nil),
	}
}

func (o *Options) SetCount(count int) *Options {
	o.Count = max(count, 1)
	return o
}

// SetMaxParallel sets the fan-out width. 0 means a single synchronous invocation.
func (o *Options) SetMaxParallel(maxParallel int) *Options {
	o.MaxParallel = max(maxParallel, 0)
	return o
}

// SetCycles sets the total admissions of a semaphore-gated slot.
func (o *Options) SetCycles(cycles int) *Options {
	o.Cycles = max(cycles, 1)
	return o
}

// SetCounts sets count, fan-out width and cycles in one call.
// Cross-field rules are left to Validate, so cycles may exceed maxParallel here.
func (o *Options) SetCounts(count, maxParallel, cycles int) *Options {
	return o.SetCount(count).SetMaxParallel(maxParallel).SetCycles(cycles)
}

func (o *Options) SetEndless(endless bool) *Options {
	o.Endless = endless
	return o
}

func (o *Options) SetDelay(d time.Duration) *Options {
	o.Delay = max(d, 0)
	return o
}

// SetErrors installs the counter as is. A nil counter becomes an inactive one.
func (o *Options) SetErrors(c *ErrorCounter) *Options {
	if c == nil {
		c = NewErrorCounterLimits(nil)
	}
	o.Errors = c
	return o
}

func (o *Options) SetUseSemaphore(enabled bool) *Options {
	o.UseSemaphore = enabled
	return o
}

func (o *Options) SetLog(enabled bool) *Options {
	o.UseLog = enabled
	return o
}

// Validate re-applies every clamp and the cross-field invariants.
func (o *Options) Validate() *Options {
	if o.Count < 1 {
		o.Count = 1
	}
	if o.Cycles < 1 {
		o.Cycles = 1
	}
	if o.MaxParallel < 0 {
		o.MaxParallel = 0
	}
	if o.MaxParallel > 0 && o.Cycles == 0 {
		o.Cycles = 1
	}
	if o.MaxParallel > 0 && o.MaxParallel < o.Cycles {
		o.MaxParallel = o.Cycles
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	if o.Errors == nil {
		o.Errors = NewErrorCounterLimits(nil)
	}
	return o
}

// CopyFrom copies every field of other. The error counter is replaced by a
// fresh one with other's thresholds, so accumulated failures never carry over.
func (o *Options) CopyFrom(other *Options) error {
	if other == nil {
		return ErrNilOptions
	}
	o.Count = other.Count
	o.Delay = other.Delay
	o.Endless = other.Endless
	o.MaxParallel = other.MaxParallel
	o.Cycles = other.Cycles
	o.UseSemaphore = other.UseSemaphore
	o.UseLog = other.UseLog
	o.Errors = other.Errors.Clone()
	return nil
}

// Clone returns a deep copy with a fresh error counter.
func (o *Options) Clone() *Options {
	if o == nil {
		return NewOptions()
	}
	cp := &Options{}
	_ = cp.CopyFrom(o)
	return cp
}
