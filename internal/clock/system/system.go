// Package system provides the wall clock used to stamp token records.
package system

import "time"

// Clock implements token.Clock using the host clock. Readings are UTC and
// truncated to whole seconds so persisted timestamps compare equal after a
// round trip through the token file or the tokens table.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
