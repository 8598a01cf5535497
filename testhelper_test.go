package promzone

import (
	"sync"
	"testing"
)

// newTestEngine builds an engine driven by a ManualScheduler so tests
// control exactly when physical ticks run.
func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *ManualScheduler) {
	t.Helper()
	s := NewManualScheduler()
	e, err := NewEngine(append([]EngineOption{WithScheduler(s)}, opts...)...)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return e, s
}

// captureLogger records every entry for assertion.
type captureLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (c *captureLogger) Log(entry LogEntry) {
	c.mu.Lock()
	c.entries = append(c.entries, entry)
	c.mu.Unlock()
}

func (c *captureLogger) IsEnabled(LogLevel) bool { return true }

func (c *captureLogger) snapshot() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LogEntry, len(c.entries))
	copy(out, c.entries)
	return out
}
