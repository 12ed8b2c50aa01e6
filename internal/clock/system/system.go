// Package system provides the wall clock behind record timestamps.
package system

import "time"

// Precision is the resolution every store persists. The SQLite backend keeps
// unix milliseconds, so coarser stamps compare equal after a round trip.
const Precision = time.Millisecond

// Clock implements harvest.Clock with UTC times truncated to Precision.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time without a monotonic reading.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(Precision)
}
