package streams

import "time"

// Clock returns the current instant. Monotonicity is not required;
// wall-clock time suffices, since it is only used to compute and
// compare session lease expiry.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a plain func() time.Time to a Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the default Clock, backed by time.Now.
var SystemClock Clock = ClockFunc(time.Now)
