package runner

import (
	"fmt"
	"sync"
	"time"
)

// LineSink receives one line of diagnostic text.
type LineSink interface {
	Line(line string)
}

// LineFunc adapts a function to LineSink.
type LineFunc func(line string)

func (f LineFunc) Line(line string) {
	if f != nil {
		f(line)
	}
}

// Journal entry kinds.
const (
	KindState   = "state"
	KindFailure = "failure"
	KindInfo    = "info"
)

// LogEntry is one tracked runner event.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	State   State     `json:"state"`
	Message string    `json:"message"`
	Err     string    `json:"err,omitempty"`
}

func (e LogEntry) String() string {
	s := fmt.Sprintf("[%s] [%s]: %s", e.Time.UTC().Format("2006-01-02 15:04:05Z"), e.Kind, e.Message)
	if e.Err != "" {
		s += " Exception: " + e.Err
	}
	return s
}

const defaultJournalSize = 100

// journal keeps the most recent entries.
type journal struct {
	mu    sync.Mutex
	size  int
	items []LogEntry
}

func (j *journal) add(e LogEntry) {
	j.mu.Lock()
	j.items = append(j.items, e)
	if j.size > 0 && len(j.items) > j.size {
		j.items = j.items[len(j.items)-j.size:]
	}
	j.mu.Unlock()
}

func (j *journal) list() []LogEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]LogEntry, len(j.items))
	copy(out, j.items)
	return out
}

func (j *journal) clear() {
	j.mu.Lock()
	j.items = nil
	j.mu.Unlock()
}
