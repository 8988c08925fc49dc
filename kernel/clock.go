package kernel

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// Instant is a point on the monotonic timeline, in microseconds since boot.
type Instant uint64

// MaxInstant is the latest representable instant.
const MaxInstant = Instant(math.MaxUint64)

// At returns the instant d after boot. Negative durations map to boot.
func At(d time.Duration) Instant {
	return Instant(0).Add(d)
}

// Add returns i+d, saturating at 0 and MaxInstant.
func (i Instant) Add(d time.Duration) Instant {
	us := d / time.Microsecond
	if us >= 0 {
		if uint64(us) > uint64(MaxInstant-i) {
			return MaxInstant
		}
		return i + Instant(us)
	}
	back := uint64(-us)
	if back > uint64(i) {
		return 0
	}
	return i - Instant(back)
}

// Sub returns i-j, saturating at 0 when j is later than i.
func (i Instant) Sub(j Instant) time.Duration {
	if j >= i {
		return 0
	}
	us := uint64(i - j)
	if us > uint64(math.MaxInt64/int64(time.Microsecond)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(us) * time.Microsecond
}

// Before reports whether i is strictly earlier than j.
func (i Instant) Before(j Instant) bool { return i < j }

// After reports whether i is strictly later than j.
func (i Instant) After(j Instant) bool { return i > j }

// Since returns the duration from boot to i.
func (i Instant) Since() time.Duration { return i.Sub(0) }

func (i Instant) String() string {
	return fmt.Sprintf("%d.%06ds", uint64(i)/1_000_000, uint64(i)%1_000_000)
}

// Timer is the hardware timer peripheral: a free-running microsecond counter
// plus a single compare interrupt.
//
// Arm replaces any previously armed compare. The handler runs in interrupt
// context and must only do bounded work.
type Timer interface {
	Now() uint64
	Arm(at uint64)
	Disarm()
	SetHandler(fn func())
}

// Clock is the monotonic time source used for every deadline and timeout.
type Clock struct {
	t    Timer
	last atomic.Uint64
}

// NewClock wraps a hardware timer.
func NewClock(t Timer) *Clock {
	return &Clock{t: t}
}

// Now returns the current instant. It never goes backwards, even if the
// counter is read concurrently from an interrupt handler.
func (c *Clock) Now() Instant {
	v := c.t.Now()
	for {
		last := c.last.Load()
		if v <= last {
			return Instant(last)
		}
		if c.last.CompareAndSwap(last, v) {
			return Instant(v)
		}
	}
}
