// Package clock abstracts time for components that arm deadlines, so tests
// can drive watchdog timers deterministically.
package clock

import "time"

// Clock supplies the current time and timer channels.
type Clock interface {
	Now() time.Time
	// AfterMs returns a channel that delivers a single tick after ms milliseconds.
	AfterMs(ms int64) <-chan time.Time
}

// System is the wall-clock implementation backed by the time package.
type System struct{}

// NewSystem returns the wall-clock Clock.
func NewSystem() System { return System{} }

func (System) Now() time.Time { return time.Now() }

func (System) AfterMs(ms int64) <-chan time.Time {
	return time.After(time.Duration(ms) * time.Millisecond)
}
