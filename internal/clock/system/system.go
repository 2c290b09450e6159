// Package system provides the wall clock.
package system

import "time"

// Clock implements crawler.Clock. Times are UTC and truncated to the
// microsecond so they survive a round trip through a timestamptz column.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
