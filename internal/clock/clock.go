package clock

import (
	"sync"
	"time"
)

// Clock provides current time abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
// Params: none.
// Returns: current UTC timestamp.
type RealClock struct{}

// Now returns current UTC time.
// Params: none.
// Returns: current UTC timestamp.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Manual is a settable clock shared by sweeps under test.
// Params: start time passed to NewManual.
// Returns: clock advanced only by Set/Advance.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates manual clock at given instant.
// Params: initial time.
// Returns: manual clock.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns current manual time.
// Params: none.
// Returns: stored timestamp.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves clock forward.
// Params: duration to add.
// Returns: new current time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Set replaces current time.
// Params: new time.
// Returns: none.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.UTC()
}
