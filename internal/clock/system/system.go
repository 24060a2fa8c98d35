// Package system provides a real clock implementation.
package system

import "time"

// Clock implements crawler.Clock using time.Now. Readings keep their
// monotonic component, so attempt durations survive wall clock jumps.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current local time.
func (Clock) Now() time.Time {
	return time.Now()
}
