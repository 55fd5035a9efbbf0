// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements rarity.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Today formats the calendar date of now in loc, the key of a daily run.
func Today(c interface{ Now() time.Time }, loc *time.Location) string {
	return c.Now().In(loc).Format("2006-01-02")
}
