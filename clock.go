package lockin

import (
	"sync"
	"time"
)

// Clock is the time source used for phase-consistent wave generation and
// frequency averaging. Elapsed times are always computed as Now().Sub(epoch).
type Clock interface {
	Now() time.Time
}

// SystemClock reads the system clock. The time.Time values it returns carry
// a monotonic reading, so differences between them are immune to wall-clock
// adjustments.
type SystemClock struct{}

// Now returns time.Now()
func (SystemClock) Now() time.Time {
	return time.Now()
}

// ManualClock is a Clock whose time only moves when told to. It lets
// simulations and tests place data and reference generation on the same
// time base.
type ManualClock struct {
	now time.Time
	sync.Mutex
}

// NewManualClock creates a ManualClock reading t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

// Now returns the current manual time.
func (mc *ManualClock) Now() time.Time {
	mc.Lock()
	defer mc.Unlock()
	return mc.now
}

// Advance moves the clock forward by d.
func (mc *ManualClock) Advance(d time.Duration) {
	mc.Lock()
	defer mc.Unlock()
	mc.now = mc.now.Add(d)
}

// Set moves the clock to t.
func (mc *ManualClock) Set(t time.Time) {
	mc.Lock()
	defer mc.Unlock()
	mc.now = t
}

// clockOrSystem returns c, or a SystemClock if c is nil.
func clockOrSystem(c Clock) Clock {
	if c == nil {
		return SystemClock{}
	}
	return c
}
