package timing

import (
	"sync"
	"time"
)

// Window counts recent events per key over a trailing window.
type Window struct {
	mu     sync.Mutex
	window time.Duration
	events map[string][]time.Time
}

// NewWindow builds a window; non-positive durations default to 15 minutes.
func NewWindow(window time.Duration) *Window {
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &Window{window: window, events: make(map[string][]time.Time)}
}

// Record notes an event for key.
func (w *Window) Record(key string, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events[key] = append(w.prune(key, at), at)
}

// Count returns the events for key inside the window ending at now.
func (w *Window) Count(key string, now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.prune(key, now)
	if len(kept) == 0 {
		delete(w.events, key)
		return 0
	}
	w.events[key] = kept
	return len(kept)
}

// Reset forgets every event for key.
func (w *Window) Reset(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.events, key)
}

func (w *Window) prune(key string, now time.Time) []time.Time {
	cutoff := now.Add(-w.window)
	events := w.events[key]
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	return events[i:]
}
