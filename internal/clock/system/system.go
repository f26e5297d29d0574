// Package system provides the UTC clock used for job and record timestamps.
package system

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock implements crawler.Clock on top of a clockwork clock, normalizing to UTC.
type Clock struct {
	base clockwork.Clock
}

// New creates a Clock backed by the real wall clock.
func New() *Clock {
	return &Clock{base: clockwork.NewRealClock()}
}

// Wrap adapts any clockwork clock, such as a fake clock in tests.
func Wrap(base clockwork.Clock) *Clock {
	if base == nil {
		base = clockwork.NewRealClock()
	}
	return &Clock{base: base}
}

// Now returns the current time in UTC.
func (c *Clock) Now() time.Time {
	return c.base.Now().UTC()
}

// Since returns the elapsed time since t.
func (c *Clock) Since(t time.Time) time.Duration {
	return c.base.Since(t)
}

// Base exposes the underlying clockwork clock.
func (c *Clock) Base() clockwork.Clock {
	return c.base
}
