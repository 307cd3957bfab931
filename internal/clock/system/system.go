// Package system provides the wall clock used outside tests.
package system

import "time"

// Resolution is the precision of status times. The statistics endpoint reports
// them in epoch milliseconds, so anything finer would not survive a round trip.
const Resolution = time.Millisecond

// Clock implements crawler.Clock.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to Resolution.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(Resolution)
}
