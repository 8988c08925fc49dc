package hal

import (
	"sync"
	"time"
)

// clockTimer backs the Timer contract with the runtime monotonic clock.
type clockTimer struct {
	boot time.Time

	mu    sync.Mutex
	fn    func()
	t     *time.Timer
	gen   uint64
	armed bool
}

func newClockTimer() *clockTimer {
	return &clockTimer{boot: time.Now()}
}

func (c *clockTimer) Now() uint64 {
	return uint64(time.Since(c.boot) / time.Microsecond)
}

func (c *clockTimer) SetHandler(fn func()) {
	c.mu.Lock()
	c.fn = fn
	c.mu.Unlock()
}

func (c *clockTimer) Arm(at uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.t != nil {
		c.t.Stop()
	}
	var d time.Duration
	if now := c.Now(); at > now {
		d = time.Duration(at-now) * time.Microsecond
	}
	c.gen++
	gen := c.gen
	c.armed = true
	c.t = time.AfterFunc(d, func() { c.fire(gen) })
}

func (c *clockTimer) Disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.armed = false
	if c.t != nil {
		c.t.Stop()
	}
}

func (c *clockTimer) fire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.armed {
		c.mu.Unlock()
		return
	}
	c.armed = false
	fn := c.fn
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// ManualTimer is a Timer whose counter only moves when told to. It makes
// scheduling deterministic in tests and in stepped simulations.
type ManualTimer struct {
	mu    sync.Mutex
	now   uint64
	armed bool
	at    uint64
	fn    func()
}

// NewManualTimer returns a timer at 0.
func NewManualTimer() *ManualTimer {
	return &ManualTimer{}
}

func (t *ManualTimer) Now() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now
}

func (t *ManualTimer) SetHandler(fn func()) {
	t.mu.Lock()
	t.fn = fn
	t.mu.Unlock()
}

func (t *ManualTimer) Arm(at uint64) {
	t.mu.Lock()
	t.armed, t.at = true, at
	t.mu.Unlock()
}

func (t *ManualTimer) Disarm() {
	t.mu.Lock()
	t.armed = false
	t.mu.Unlock()
}

// Armed returns the pending compare value.
func (t *ManualTimer) Armed() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.at, t.armed
}

// Advance moves the counter forward by d.
func (t *ManualTimer) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	to := t.now + uint64(d/time.Microsecond)
	t.mu.Unlock()
	t.Set(to)
}

// Set moves the counter to at, firing the compare interrupt if it is due.
// The counter never moves backwards.
func (t *ManualTimer) Set(at uint64) {
	t.mu.Lock()
	if at > t.now {
		t.now = at
	}
	var fn func()
	if t.armed && t.at <= t.now {
		t.armed = false
		fn = t.fn
	}
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}
