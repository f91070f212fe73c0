package signaling

import "time"

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time
}

// DefaultTimeProvider implements TimeProvider using the standard library.
type DefaultTimeProvider struct{}

// Now returns the current time using time.Now().
func (DefaultTimeProvider) Now() time.Time { return time.Now() }
