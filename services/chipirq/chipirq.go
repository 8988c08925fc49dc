// Package chipirq services the W5500 interrupt line. The task bound to the
// line only acknowledges socket interrupts and pends the task that owns
// each socket; the real work happens there.
package chipirq

import (
	"fmt"
	"sync/atomic"

	"pinode/internal/w5500"
	"pinode/kernel"
	"pinode/logger"
)

// Line is the kernel interrupt line the chip INT pin is bound to.
const Line kernel.Line = 0

// maxPasses bounds how often SIR is re-read in one dispatch. Interrupts
// raised between reading and acknowledging keep INT asserted without a new
// edge, so the handler loops until SIR reads zero.
const maxPasses = 4

// Handler is the interrupt service task.
type Handler struct {
	bus    *kernel.Resource[*w5500.Device]
	log    logger.Logger
	routes [w5500.Sockets]kernel.TaskID
	link   kernel.TaskID

	spurious atomic.Uint32
	served   atomic.Uint32
}

// New returns a handler with no routes.
func New(log logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop{}
	}
	h := &Handler{log: log, link: kernel.NoTask}
	for i := range h.routes {
		h.routes[i] = kernel.NoTask
	}
	return h
}

// Attach binds the handler to the chip resource.
func (h *Handler) Attach(bus *kernel.Resource[*w5500.Device]) { h.bus = bus }

// Route pends task whenever socket sn raises an interrupt.
func (h *Handler) Route(sn uint8, task kernel.TaskID) error {
	if sn >= w5500.Sockets {
		return fmt.Errorf("chipirq: %w: %d", w5500.ErrBadSocket, sn)
	}
	h.routes[sn] = task
	return nil
}

// WatchLink pends task when a socket reports a disconnect or timeout, both
// of which follow a cable pull.
func (h *Handler) WatchLink(task kernel.TaskID) { h.link = task }

// Spurious returns how many interrupts found SIR empty.
func (h *Handler) Spurious() uint32 { return h.spurious.Load() }

// Served returns how many socket interrupts were acknowledged.
func (h *Handler) Served() uint32 { return h.served.Load() }

func (h *Handler) Run(ctx *kernel.Context) {
	var pend uint32
	drained := false
	err := h.bus.With(ctx, func(dev *w5500.Device) error {
		for pass := 0; pass < maxPasses; pass++ {
			sir, err := dev.SIR()
			if err != nil {
				return err
			}
			if sir == 0 {
				if pass == 0 {
					h.spurious.Add(1)
					h.log.Warnf("spurious interrupt")
				}
				drained = true
				return nil
			}
			for sn := uint8(0); sn < w5500.Sockets; sn++ {
				if sir&(1<<sn) == 0 {
					continue
				}
				ir, err := dev.SocketIR(sn)
				if err != nil {
					return err
				}
				if err := dev.AckSocketIR(sn, ir); err != nil {
					return err
				}
				h.served.Add(1)
				h.log.Debugf("socket %d: %v", sn, ir)
				if id := h.routes[sn]; id != kernel.NoTask {
					pend |= 1 << id
				}
				if ir&(w5500.IntDiscon|w5500.IntTimeout) != 0 && h.link != kernel.NoTask {
					pend |= 1 << h.link
				}
			}
		}
		return nil
	})
	if err != nil {
		ctx.Fatal(fmt.Errorf("chipirq: %w", err))
		return
	}
	for id := kernel.TaskID(0); pend != 0; id++ {
		if pend&1 != 0 {
			ctx.Pend(id)
		}
		pend >>= 1
	}
	if !drained {
		h.log.Debugf("interrupt still asserted after %d passes", maxPasses)
		ctx.Pend(ctx.TaskID())
	}
}
