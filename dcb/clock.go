package dcb

import "time"

// Clock is a monotonic wall-clock source, replaceable in tests so
// heartbeat/backoff/occurred_at assertions don't depend on real time
// passing (C1).
type Clock interface {
	Now() time.Time
}

// systemClock delegates to time.Now.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default Clock used outside of tests.
var SystemClock Clock = systemClock{}

// FixedClock returns a Clock that always answers t, for deterministic
// tests.
type FixedClock struct{ T time.Time }

func (f FixedClock) Now() time.Time { return f.T }
