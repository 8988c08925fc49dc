// Package netlink keeps the network lease alive: it drives the DHCP engine
// on a schedule, reacts to link changes and publishes network readiness to
// the application tasks.
package netlink

import (
	"errors"
	"fmt"
	"sync/atomic"

	"pinode/dhcp"
	"pinode/internal/w5500"
	"pinode/kernel"
	"pinode/lease"
	"pinode/logger"
	"pinode/policy"
)

// Bus is the arbitrated chip handle.
type Bus = kernel.Resource[*w5500.Device]

// maxLinkAttempts caps the link-down backoff exponent.
const maxLinkAttempts = 16

// Event is published whenever readiness or the held lease changes.
type Event struct {
	At    kernel.Instant
	Kind  lease.Kind
	Ready bool
	Lease lease.Lease
}

// Coordinator owns the lease state machine and the link state. Its methods
// run in task context; the snapshot accessors may be called from anywhere.
type Coordinator struct {
	engine dhcp.Engine
	policy policy.Config
	log    logger.Logger

	bus  *Bus
	poll kernel.TaskID

	state        lease.State
	link         bool
	linkAttempts uint
	stale        bool

	linkUp  atomic.Bool
	kind    atomic.Uint32
	current atomic.Pointer[lease.Lease]
	ready   bool
	events  kernel.Mailbox[Event]
}

// New returns a coordinator with the link down and no lease.
func New(engine dhcp.Engine, pol policy.Config, log logger.Logger) *Coordinator {
	if log == nil {
		log = logger.Nop{}
	}
	return &Coordinator{engine: engine, policy: pol, log: log, poll: kernel.NoTask}
}

// Attach binds the coordinator to the chip resource and to the task that
// runs OnPollDeadline. It must be called before the kernel starts.
func (c *Coordinator) Attach(bus *Bus, poll kernel.TaskID) {
	c.bus = bus
	c.poll = poll
}

// Run implements kernel.Task for the DHCP poll task.
func (c *Coordinator) Run(ctx *kernel.Context) { c.OnPollDeadline(ctx) }

// Lease returns the held lease while Bound or Renewing.
func (c *Coordinator) Lease() (lease.Lease, bool) {
	l := c.current.Load()
	if l == nil {
		return lease.Lease{}, false
	}
	return *l, true
}

// Ready reports whether the link is up and an address is held.
func (c *Coordinator) Ready() bool {
	return c.linkUp.Load() && c.current.Load() != nil
}

// Kind returns the lease state as last published.
func (c *Coordinator) Kind() lease.Kind { return lease.Kind(c.kind.Load()) }

// LinkUp returns the link state as last reported by the link monitor.
func (c *Coordinator) LinkUp() bool { return c.linkUp.Load() }

// Events is the readiness event queue. It has a single consumer.
func (c *Coordinator) Events() *kernel.Mailbox[Event] { return &c.events }

// Failures returns the consecutive engine error count.
func (c *Coordinator) Failures() uint8 { return c.state.Failures() }

// OnLinkInterrupt records a link state change. Going down drops the lease
// at once and replaces the pending poll with one due now; coming up polls
// now.
func (c *Coordinator) OnLinkInterrupt(ctx *kernel.Context, up bool) {
	if up == c.link {
		return
	}
	c.link = up
	c.linkUp.Store(up)
	c.linkAttempts = 0
	now := ctx.Now()
	if up {
		c.log.Infof("link up")
	} else {
		c.log.Warnf("link down, dropping %v", c.state.Kind())
		c.restart()
	}
	c.schedule(ctx, now)
	c.publish(now)
}

// OnPollDeadline runs when the poll deadline elapses or the engine socket
// signals traffic.
func (c *Coordinator) OnPollDeadline(ctx *kernel.Context) {
	now := ctx.Now()
	if !c.link {
		if c.stale {
			err := c.bus.With(ctx, func(dev *w5500.Device) error { return dev.ClearAddress() })
			if err != nil {
				c.fatal(ctx, err)
				return
			}
			c.stale = false
		}
		at := c.policy.LinkRetryAt(c.linkAttempts, now)
		if c.linkAttempts < maxLinkAttempts {
			c.linkAttempts++
		}
		c.log.Debugf("link down, next check at %v", at)
		c.schedule(ctx, at)
		return
	}

	if c.state.Expire(now) {
		c.log.Warnf("lease %v expired", c.state.Held().Addr)
		c.restart()
	}
	if !c.prepare(now) {
		c.schedule(ctx, c.policy.Next(&c.state, now).At)
		return
	}

	var out dhcp.Outcome
	err := c.bus.With(ctx, func(dev *w5500.Device) error {
		if c.stale {
			if err := dev.ClearAddress(); err != nil {
				return err
			}
			c.stale = false
		}
		out = c.engine.Process(dev, now)
		return c.apply(dev, out)
	})
	if err != nil {
		c.fatal(ctx, err)
		return
	}

	now = ctx.Now()
	d := c.policy.Next(&c.state, now)
	if d.Restart {
		c.log.Warnf("lease %v expired", c.state.Held().Addr)
		c.restart()
		d.At = now
	}
	c.schedule(ctx, d.At)
	c.publish(now)
}

// prepare enters the state in which the engine is polled. It returns false
// when there is nothing to ask the engine yet.
func (c *Coordinator) prepare(now kernel.Instant) bool {
	switch c.state.Kind() {
	case lease.Unconfigured:
		if err := c.state.Begin(); err != nil {
			c.log.Errorf("%v", err)
		}
		c.log.Infof("negotiating")
	case lease.Bound:
		l := c.state.Held()
		if now.Before(l.RenewAt) {
			return false
		}
		if err := c.state.Renew(now); err != nil {
			c.log.Errorf("%v", err)
		}
		c.log.Infof("renewing %v", l.Addr)
	}
	return true
}

// apply maps an engine outcome onto the lease state. It runs under the bus
// guard and only returns errors that are hardware faults.
func (c *Coordinator) apply(dev *w5500.Device, out dhcp.Outcome) error {
	switch out.Status {
	case dhcp.Bound:
		if err := c.state.Bind(out.Lease); err != nil {
			c.log.Warnf("engine lease rejected: %v", err)
			_ = c.state.Fail()
			return nil
		}
		c.log.Infof("bound %v", out.Lease)
		if err := dev.SetAddress(out.Lease.Addr, out.Lease.Gateway); err != nil {
			return err
		}
	case dhcp.Error:
		if errors.Is(out.Err, w5500.ErrBus) {
			return out.Err
		}
		_ = c.state.Fail()
		c.log.Warnf("engine error (%d in a row): %v", c.state.Failures(), out.Err)
	}
	return nil
}

func (c *Coordinator) restart() {
	c.state.Reset()
	c.engine.Reset()
	c.stale = true
}

// schedule replaces the poll deadline. Every path that ends a poll arms a
// new one.
func (c *Coordinator) schedule(ctx *kernel.Context, at kernel.Instant) {
	if err := ctx.Schedule(c.poll, at); err != nil {
		c.fatal(ctx, err)
	}
}

func (c *Coordinator) fatal(ctx *kernel.Context, err error) {
	c.log.Errorf("fatal: %v", err)
	ctx.Fatal(fmt.Errorf("netlink: %w", err))
}

func (c *Coordinator) publish(now kernel.Instant) {
	kind := c.state.Kind()
	prevKind := lease.Kind(c.kind.Swap(uint32(kind)))

	l, held := c.state.Lease()
	prev := c.current.Load()
	changed := held != (prev != nil) || (held && *prev != l)
	if held {
		if changed {
			c.current.Store(&l)
		}
	} else {
		c.current.Store(nil)
	}

	ready := c.link && held
	if !changed && ready == c.ready && kind == prevKind {
		return
	}
	c.ready = ready
	if kind != prevKind {
		c.log.Debugf("%v -> %v", prevKind, kind)
	}
	if !c.events.TrySend(Event{At: now, Kind: kind, Ready: ready, Lease: l}) {
		c.log.Debugf("event queue full, dropped %v", kind)
	}
}
