// Package deadline validates and applies user-configured timeouts as
// context deadlines, deriving the MQTT message-expiry-interval alongside.
package deadline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nimbusedge/mqttproto/errors"
	"github.com/nimbusedge/mqttproto/internal/wallclock"
)

// Timeout is an optional duration applied as both a context deadline and an
// MQTT message-expiry-interval.
type Timeout struct {
	time.Duration
	Name string
	Text string
}

// Validate rejects a negative timeout or one that overflows the
// message-expiry-interval's 32-bit second encoding.
func (to *Timeout) Validate() error {
	switch {
	case to.Duration < 0:
		return &errors.Error{Message: "timeout cannot be negative", Kind: errors.ConfigurationInvalid, PropertyName: "Timeout", PropertyValue: to.Duration}
	case to.Seconds() > math.MaxUint32:
		return &errors.Error{Message: "timeout too large", Kind: errors.ConfigurationInvalid, PropertyName: "Timeout", PropertyValue: to.Duration}
	default:
		return nil
	}
}

// Context derives a child context bounded by the timeout, or an
// uncancellable-by-deadline child if the timeout is zero (no limit).
func (to *Timeout) Context(ctx context.Context) (context.Context, context.CancelFunc) {
	if to.Duration == 0 {
		return context.WithCancel(ctx)
	}
	return wallclock.Instance.WithTimeoutCause(ctx, to.Duration,
		&errors.Error{
			Message:      fmt.Sprintf("%s timed out", to.Text),
			Kind:         errors.Timeout,
			TimeoutName:  to.Name,
			TimeoutValue: to.Duration,
		},
	)
}

// MessageExpiry returns the timeout rounded down to whole seconds, for the
// MQTT message-expiry-interval property.
func (to *Timeout) MessageExpiry() uint32 {
	return uint32(to.Seconds())
}
