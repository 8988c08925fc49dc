package netlink

import (
	"fmt"
	"time"

	"pinode/internal/w5500"
	"pinode/kernel"
)

// DefaultLinkPollPeriod is how often the PHY link bit is sampled.
const DefaultLinkPollPeriod = time.Second

// LinkMonitor samples the PHY link bit and reports changes to the
// coordinator. It runs periodically and whenever the interrupt task pends
// it.
type LinkMonitor struct {
	c      *Coordinator
	period time.Duration
}

// NewLinkMonitor returns a monitor feeding c. A zero period means
// DefaultLinkPollPeriod.
func NewLinkMonitor(c *Coordinator, period time.Duration) *LinkMonitor {
	if period <= 0 {
		period = DefaultLinkPollPeriod
	}
	return &LinkMonitor{c: c, period: period}
}

func (m *LinkMonitor) Run(ctx *kernel.Context) {
	var up bool
	err := m.c.bus.With(ctx, func(dev *w5500.Device) (err error) {
		up, err = dev.LinkUp()
		return err
	})
	if err != nil {
		ctx.Fatal(fmt.Errorf("netlink: link poll: %w", err))
		return
	}
	m.c.OnLinkInterrupt(ctx, up)
	ctx.ScheduleAfter(m.period)
}
