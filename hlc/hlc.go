// Package hlc implements a hybrid logical clock: a monotonic, causally
// ordered timestamp combining a wall-clock reading, a per-node counter, and a
// node identifier, used to order RPC and telemetry events across a
// distributed set of invokers, executors, senders, and receivers that share
// no synchronized clock.
package hlc

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusedge/mqttproto/errors"
	"github.com/nimbusedge/mqttproto/internal/wallclock"
)

// Timestamp is a single hybrid logical clock reading. The zero value is not
// a valid Timestamp for comparison purposes except via IsZero.
type Timestamp struct {
	physical time.Time
	counter  uint64
	nodeID   string
}

// Clock is a mutex-guarded, process-wide hybrid logical clock. Applications
// construct exactly one per Application instance (see the root package's
// Application type) and pass it explicitly to every RPC/telemetry envoy; the
// runtime never reaches for an implicit global.
type Clock struct {
	mu            sync.Mutex
	value         Timestamp
	maxClockDrift time.Duration
}

// DefaultMaxClockDrift is used when no explicit drift bound is configured.
const DefaultMaxClockDrift = time.Minute

// NewClock creates a new shared hybrid logical clock instance. maxClockDrift
// of 0 selects DefaultMaxClockDrift.
func NewClock(maxClockDrift time.Duration) *Clock {
	if maxClockDrift == 0 {
		maxClockDrift = DefaultMaxClockDrift
	}
	id := uuid.Must(uuid.NewRandom()).String()
	return &Clock{
		maxClockDrift: maxClockDrift,
		value: Timestamp{
			physical: wallNow(),
			nodeID:   id,
		},
	}
}

// Now advances the clock to the current wall-clock time (or increments its
// counter if the wall clock has not advanced) and returns the new reading.
// This is called once per outbound RPC/telemetry message.
func (c *Clock) Now() (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	updated, err := c.value.merge(Timestamp{}, c.maxClockDrift)
	if err != nil {
		return Timestamp{}, err
	}
	c.value = updated
	return c.value, nil
}

// Update merges an externally observed Timestamp into the clock, as happens
// on every inbound RPC/telemetry message, and returns the merged reading.
func (c *Clock) Update(other Timestamp) (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	updated, err := c.value.merge(other, c.maxClockDrift)
	if err != nil {
		return Timestamp{}, err
	}
	c.value = updated
	return c.value, nil
}

// merge computes the result of combining self, other, and the wall clock
// per the hybrid logical clock update rule in spec §4.2.
func (self Timestamp) merge(other Timestamp, maxDrift time.Duration) (Timestamp, error) {
	wall := wallNow()

	if err := self.validateDrift(wall, maxDrift); err != nil {
		return Timestamp{}, err
	}
	if !other.IsZero() {
		if err := other.validateDrift(wall, maxDrift); err != nil {
			return Timestamp{}, err
		}
	}

	nodeID := self.nodeID
	if nodeID == "" {
		nodeID = other.nodeID
	}

	updated := Timestamp{nodeID: nodeID}
	switch {
	case wall.After(self.physical) && wall.After(other.physical):
		updated.physical = wall
		updated.counter = 0

	case self.physical.Equal(other.physical):
		updated.physical = self.physical
		updated.counter = max(self.counter, other.counter)
		if err := bumpCounter(&updated); err != nil {
			return Timestamp{}, err
		}

	case self.physical.After(other.physical):
		updated.physical = self.physical
		updated.counter = self.counter
		if err := bumpCounter(&updated); err != nil {
			return Timestamp{}, err
		}

	default:
		updated.physical = other.physical
		updated.counter = other.counter
		if err := bumpCounter(&updated); err != nil {
			return Timestamp{}, err
		}
	}

	return updated, nil
}

func bumpCounter(ts *Timestamp) error {
	if ts.counter == math.MaxUint64 {
		return &errors.Error{
			Message:      "hybrid logical clock counter overflow",
			Kind:         errors.InternalLogicError,
			PropertyName: "Counter",
		}
	}
	ts.counter++
	return nil
}

func (ts Timestamp) validateDrift(wall time.Time, maxDrift time.Duration) error {
	if ts.physical.Sub(wall) > maxDrift {
		return &errors.Error{
			Message:      "timestamp exceeds maximum allowed clock drift",
			Kind:         errors.StateInvalid,
			PropertyName: "MaxClockDrift",
		}
	}
	return nil
}

// Compare orders two Timestamps lexicographically by (physical, counter,
// nodeID).
func (ts Timestamp) Compare(other Timestamp) int {
	if !ts.physical.Equal(other.physical) {
		return ts.physical.Compare(other.physical)
	}
	switch {
	case ts.counter > other.counter:
		return 1
	case ts.counter < other.counter:
		return -1
	default:
		return strings.Compare(ts.nodeID, other.nodeID)
	}
}

// IsZero reports whether ts is the zero Timestamp.
func (ts Timestamp) IsZero() bool {
	return ts.physical.IsZero()
}

// UTC returns the physical component of the timestamp.
func (ts Timestamp) UTC() time.Time {
	return ts.physical
}

// String serializes the timestamp as "PPPPPPPPPPPPPPP:CCCCC:UUID".
func (ts Timestamp) String() string {
	return fmt.Sprintf("%015d:%05d:%s", ts.physical.UnixMilli(), ts.counter, ts.nodeID)
}

// Parse decodes a Timestamp from its wire string form. headerName is used
// only to annotate errors.
func Parse(headerName, value string) (Timestamp, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return Timestamp{}, &errors.Error{
			Message:     "hybrid logical clock must contain three ':'-separated segments",
			Kind:        errors.HeaderInvalid,
			HeaderName:  headerName,
			HeaderValue: value,
		}
	}

	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Timestamp{}, &errors.Error{
			Message:     "hybrid logical clock timestamp segment is not an integer",
			Kind:        errors.HeaderInvalid,
			HeaderName:  headerName,
			HeaderValue: value,
		}
	}
	counter, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Timestamp{}, &errors.Error{
			Message:     "hybrid logical clock counter segment is not an integer",
			Kind:        errors.HeaderInvalid,
			HeaderName:  headerName,
			HeaderValue: value,
		}
	}

	return Timestamp{
		physical: time.UnixMilli(ms).UTC(),
		counter:  counter,
		nodeID:   parts[2],
	}, nil
}

func wallNow() time.Time {
	return wallclock.Instance.Now().UTC().Truncate(time.Millisecond)
}
