package logging

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultTailCapacity = 500

// Entry is one retained log record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Tail retains the most recent log entries in a fixed-size ring so the
// status and doctor surfaces can show what the bridge did lately without
// reading log files.
type Tail struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	full     bool
	minLevel slog.Level
	dropped  atomic.Int64
}

// TailConfig configures the diagnostics tail.
type TailConfig struct {
	Capacity int
	MinLevel string // "debug", "info", "warn", "error"
}

// NewTail creates a tail with the given capacity and minimum level.
func NewTail(cfg TailConfig) *Tail {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultTailCapacity
	}
	return &Tail{
		entries:  make([]Entry, capacity),
		minLevel: parseLevel(cfg.MinLevel),
	}
}

// Append records an entry, overwriting the oldest when full.
func (t *Tail) Append(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.full {
		t.dropped.Add(1)
	}
	t.entries[t.next] = e
	t.next++
	if t.next == len(t.entries) {
		t.next = 0
		t.full = true
	}
}

// Recent returns up to n of the most recent entries, oldest first.
func (t *Tail) Recent(n int) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	size := t.next
	if t.full {
		size = len(t.entries)
	}
	if n <= 0 || n > size {
		n = size
	}
	if n == 0 {
		return nil
	}

	out := make([]Entry, 0, n)
	start := t.next - n
	if start < 0 {
		start += len(t.entries)
	}
	for i := 0; i < n; i++ {
		out = append(out, t.entries[(start+i)%len(t.entries)])
	}
	return out
}

// Overwritten returns how many entries have been displaced from the ring.
func (t *Tail) Overwritten() int64 {
	return t.dropped.Load()
}

// SetMinLevel dynamically adjusts the minimum retained level.
func (t *Tail) SetMinLevel(level string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.minLevel = parseLevel(level)
}

// ShouldRetain returns true if the given level meets the minimum threshold.
func (t *Tail) ShouldRetain(level slog.Level) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return level >= t.minLevel
}
