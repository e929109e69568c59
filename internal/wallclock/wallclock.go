// Package wallclock provides a single injectable time source used
// throughout the runtime (the HLC, context timeouts, the reconnect backoff
// policy) so that tests can substitute a fake clock instead of sleeping in
// real time.
package wallclock

import (
	"context"
	"time"
)

// Source abstracts the operations the runtime needs from the wall clock.
type Source interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	WithTimeoutCause(parent context.Context, d time.Duration, cause error) (context.Context, context.CancelFunc)
}

// Instance is the process-wide wall clock source. Tests may replace it with
// a fake implementation for the duration of a test.
var Instance Source = realClock{}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) WithTimeoutCause(
	parent context.Context, d time.Duration, cause error,
) (context.Context, context.CancelFunc) {
	return context.WithTimeoutCause(parent, d, cause)
}
