package orchestrator

import (
	"sync"
	"time"

	"github.com/JakeFAU/crawl-digest/internal/metrics"
)

// BackendHealth is the last probe observation for one backend.
type BackendHealth struct {
	Name      string    `json:"name"`
	Up        bool      `json:"up"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

// healthTracker remembers the latest probe or submission outcome per
// backend. A backend that was never observed counts as available.
type healthTracker struct {
	mu   sync.RWMutex
	last map[string]BackendHealth
}

func newHealthTracker() *healthTracker {
	return &healthTracker{last: make(map[string]BackendHealth)}
}

func (h *healthTracker) record(name string, err error, at time.Time) {
	entry := BackendHealth{Name: name, Up: err == nil, CheckedAt: at}
	if err != nil {
		entry.Error = err.Error()
	}
	h.mu.Lock()
	h.last[name] = entry
	h.mu.Unlock()
	metrics.SetBackendUp(name, err == nil)
}

func (h *healthTracker) available(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, seen := h.last[name]
	return !seen || entry.Up
}

func (h *healthTracker) snapshot(names []string) []BackendHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]BackendHealth, 0, len(names))
	for _, name := range names {
		entry, seen := h.last[name]
		if !seen {
			entry = BackendHealth{Name: name, Up: true}
		}
		out = append(out, entry)
	}
	return out
}
