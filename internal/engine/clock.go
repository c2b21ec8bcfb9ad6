package engine

import "time"

type (
	// Clock provides the current time for instance and step timestamps
	Clock func() time.Time

	// AfterFunc schedules fn to run after delay and returns a stop function
	// reporting whether the call was prevented
	AfterFunc func(delay time.Duration, fn func()) func() bool
)

// SystemAfterFunc schedules with time.AfterFunc
func SystemAfterFunc(delay time.Duration, fn func()) func() bool {
	return time.AfterFunc(delay, fn).Stop
}

// Now returns the current time from the engine's clock
func (e *Engine) Now() time.Time {
	return e.clock()
}
