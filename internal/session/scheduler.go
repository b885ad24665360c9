package session

import "time"

// Timer is a pending one-shot callback.
type Timer interface {
	// Stop cancels the timer. It reports false if the timer already fired
	// or was stopped.
	Stop() bool
}

// Scheduler creates timers and reports the current time.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) Now() time.Time { return time.Now() }

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
