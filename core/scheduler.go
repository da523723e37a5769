package core

import "time"

// Scheduler registers one-shot deferred actions. Implementations run fn at
// most once, at or after fireAt; the returned cancel drops a pending action
// and reports whether it was still pending.
type Scheduler interface {
	Schedule(fireAt time.Time, fn func()) (cancel func() bool)
}
