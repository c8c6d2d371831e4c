package gateway

import "time"

// Clock abstracts time so the debounce, retry, and expiry machinery can be
// driven deterministically in tests.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancelable pending callback.
type Timer interface {
	Stop() bool
}

// systemClock is the real-time Clock.
type systemClock struct{}

// SystemClock returns the wall-clock implementation.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }
func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
