package runner

import (
	"sort"
	"strings"
	"sync"
)

// Failure categories marked by the runner loop.
const (
	CategoryRunner = "Runner"
	CategoryError  = "Error"
	CategoryAll    = "All"
)

// ErrorValue is one named failure counter with its threshold.
type ErrorValue struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	Max   int    `json:"max"`
}

// IsLimit reports whether the counter reached its threshold.
// A non-positive threshold never reports reached.
func (v ErrorValue) IsLimit() bool { return v.Max > 0 && v.Count >= v.Max }

// ErrorCounter tracks consecutive failures per named category.
//
// A counter built without valid categories is inactive: every method is a no-op
// and Reached/ReachedAll always report false. The nil *ErrorCounter behaves the same.
type ErrorCounter struct {
	mu     sync.Mutex
	values map[string]*ErrorValue
}

// NewErrorCounter creates a counter where every named category shares max.
func NewErrorCounter(max int, names ...string) *ErrorCounter {
	limits := make(map[string]int, len(names))
	if max >= 1 {
		for _, n := range names {
			limits[n] = max
		}
	}
	return NewErrorCounterLimits(limits)
}

// NewErrorCounterLimits creates a counter with a threshold per category.
// Blank names and thresholds below 1 are skipped.
func NewErrorCounterLimits(limits map[string]int) *ErrorCounter {
	c := &ErrorCounter{values: make(map[string]*ErrorValue, len(limits))}
	for name, max := range limits {
		name = strings.TrimSpace(name)
		if name == "" || max < 1 {
			continue
		}
		c.values[name] = &ErrorValue{Name: name, Max: max}
	}
	return c
}

// Active reports whether at least one category is tracked.
func (c *ErrorCounter) Active() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.values) > 0
}

// Error increments the named categories. Unknown names are ignored.
func (c *ErrorCounter) Error(names ...string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	for _, n := range names {
		if v := c.values[n]; v != nil {
			v.Count++
		}
	}
	c.mu.Unlock()
}

// ErrorAll increments every category.
func (c *ErrorCounter) ErrorAll() {
	if c == nil {
		return
	}
	c.mu.Lock()
	for _, v := range c.values {
		v.Count++
	}
	c.mu.Unlock()
}

// Clear resets the named categories.
func (c *ErrorCounter) Clear(names ...string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	for _, n := range names {
		if v := c.values[n]; v != nil {
			v.Count = 0
		}
	}
	c.mu.Unlock()
}

func (c *ErrorCounter) ClearAll() {
	if c == nil {
		return
	}
	c.mu.Lock()
	for _, v := range c.values {
		v.Count = 0
	}
	c.mu.Unlock()
}

// Reached reports whether any of the named categories is at its limit.
func (c *ErrorCounter) Reached(names ...string) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range names {
		if v := c.values[n]; v != nil && v.IsLimit() {
			return true
		}
	}
	return false
}

// ReachedAll reports whether any category is at its limit.
func (c *ErrorCounter) ReachedAll() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.values {
		if v.IsLimit() {
			return true
		}
	}
	return false
}

// SetErrorLimit adds or replaces a category with a zeroed count.
// Blank names and thresholds below 1 are ignored.
func (c *ErrorCounter) SetErrorLimit(name string, max int) {
	name = strings.TrimSpace(name)
	if c == nil || name == "" || max < 1 {
		return
	}
	c.mu.Lock()
	if c.values == nil {
		c.values = make(map[string]*ErrorValue)
	}
	c.values[name] = &ErrorValue{Name: name, Max: max}
	c.mu.Unlock()
}

func (c *ErrorCounter) Value(name string) (ErrorValue, bool) {
	if c == nil {
		return ErrorValue{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.values[name]
	if v == nil {
		return ErrorValue{}, false
	}
	return *v, true
}

// Snapshot returns the categories sorted by name.
func (c *ErrorCounter) Snapshot() []ErrorValue {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	out := make([]ErrorValue, 0, len(c.values))
	for _, v := range c.values {
		out = append(out, *v)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Clone returns a counter with the same thresholds and zeroed counts.
func (c *ErrorCounter) Clone() *ErrorCounter {
	if c == nil {
		return NewErrorCounterLimits(nil)
	}
	c.mu.Lock()
	limits := make(map[string]int, len(c.values))
	for name, v := range c.values {
		limits[name] = v.Max
	}
	c.mu.Unlock()
	return NewErrorCounterLimits(limits)
}
