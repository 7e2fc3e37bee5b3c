// Package clock provides the monotonic device-time source and the
// device-to-media time mapping that anchors playback. Every component that
// reasons about time takes a Clock so tests can substitute a hand-advanced
// one.
package clock

import (
	"sync"
	"time"
)

// Clock is a monotonic device time reference.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System is the process-wide wall clock. time.Time carries a monotonic
// reading on this platform, so Sub between two readings is drift-free.
var System Clock = systemClock{}

// Manual is a hand-advanced Clock for tests.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a Manual clock starting at the given instant.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
