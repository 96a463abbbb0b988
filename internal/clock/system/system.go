// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements crawler.Clock with UTC wall time.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Since reports the elapsed time from start using the same clock.
func (c Clock) Since(start time.Time) time.Duration {
	d := c.Now().Sub(start)
	if d < 0 {
		return 0
	}
	return d
}
