package stream

import "time"

// afterFunc schedules f after d and returns a function that cancels it.
// The stop function reports whether the call was cancelled before firing.
//
// Production code uses time.AfterFunc; tests swap in a manual scheduler so
// reconnect and debounce timers fire exactly when the test says so.
type afterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}
