package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pinode/dhcp"
	"pinode/hal"
	"pinode/internal/buildinfo"
	"pinode/internal/w5500"
	"pinode/kernel"
	"pinode/logger"
	"pinode/services/chipirq"
	"pinode/services/echo"
	"pinode/services/netlink"
)

// Task priorities. Higher runs first.
const (
	prioEcho    kernel.Priority = 1
	prioDHCP    kernel.Priority = 2
	prioLink    kernel.Priority = 3
	prioChipIRQ kernel.Priority = 4
)

// Boot link probe, as the chip needs a moment after reset to bring the PHY up.
const (
	bootLinkPeriod   = 100 * time.Millisecond
	bootLinkAttempts = 50
)

// System is the wired firmware: kernel, chip bus and the four tasks.
type System struct {
	h   hal.HAL
	k   *kernel.Kernel
	log logger.Logger
	dev *w5500.Device

	coord *netlink.Coordinator
	echo  *echo.Server
	irq   *chipirq.Handler

	ids struct {
		echo, dhcp, link, irq kernel.TaskID
	}
}

// New brings the chip up and builds the task table. The kernel is started
// and every periodic task is due immediately; call Run to dispatch.
func New(h hal.HAL, engine dhcp.Engine, cfg Config) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if engine == nil {
		return nil, fmt.Errorf("%w: no DHCP engine", ErrInvalidConfig)
	}

	s := &System{h: h, k: kernel.New(h.Timer())}
	root := logger.New(h.Logger(), s.k.Now, cfg.LogLevel)
	s.log = root.Named("app")
	s.log.Infof("%s", buildinfo.Banner(cfg.Hostname))

	bootDiagStart(h)
	step := func(name string) { bootDiagSetStep(name); s.log.Debugf("boot: %s", name) }

	step("chip reset")
	w5500.Reset(h.ChipReset(), h.Sleep)
	s.dev = w5500.New(h.SPI(), h.ChipSelect())

	step("chip version")
	if err := s.dev.CheckVersion(); err != nil {
		return nil, bootError("chip version", err)
	}

	step("chip identity")
	if err := s.dev.SetMAC(cfg.MAC); err != nil {
		return nil, bootError("chip identity", err)
	}
	s.log.Infof("mac %x hostname %s", cfg.MAC[:], cfg.Hostname)

	step("phy")
	if err := s.dev.SetPHYAuto(); err != nil {
		return nil, bootError("phy", err)
	}

	step("link probe")
	s.probeLink()

	step("sockets")
	s.coord = netlink.New(engine, cfg.Policy, root.Named("netlink"))
	s.echo = echo.New(cfg.Echo, s.coord, root.Named("echo"))
	s.irq = chipirq.New(root.Named("chipirq"))
	if err := engine.Setup(s.dev); err != nil {
		return nil, bootError("dhcp socket", err)
	}
	if err := s.dev.SetSocketIMR(dhcp.Socket, w5500.IntRecv|w5500.IntTimeout); err != nil {
		return nil, bootError("dhcp socket", err)
	}
	if err := s.echo.Setup(s.dev); err != nil {
		return nil, bootError("echo socket", err)
	}
	if err := s.dev.SetSIMR(1<<dhcp.Socket | 1<<cfg.Echo.Socket); err != nil {
		return nil, bootError("sockets", err)
	}

	step("tasks")
	if err := s.addTasks(cfg); err != nil {
		return nil, bootError("tasks", err)
	}
	bus, err := kernel.NewResource(s.k, "w5500", s.dev, s.ids.echo, s.ids.dhcp, s.ids.link, s.ids.irq)
	if err != nil {
		return nil, bootError("tasks", err)
	}
	s.coord.Attach(bus, s.ids.dhcp)
	s.echo.Attach(bus)
	s.irq.Attach(bus)
	if err := s.irq.Route(dhcp.Socket, s.ids.dhcp); err != nil {
		return nil, bootError("tasks", err)
	}
	if err := s.irq.Route(cfg.Echo.Socket, s.ids.echo); err != nil {
		return nil, bootError("tasks", err)
	}
	s.irq.WatchLink(s.ids.link)

	if cfg.OverrunLog {
		s.k.SetOverrunHandler(func(d kernel.TaskDesc, took time.Duration) {
			s.log.Warnf("task %s overran its %v budget: %v", d.Name, d.Budget, took)
		})
	}
	installFatalHandler(s.k, h)

	step("start")
	if err := s.k.Start(); err != nil {
		return nil, bootError("start", err)
	}
	if err := h.ChipIRQ().Enable(func() { s.k.Interrupt(chipirq.Line) }); err != nil {
		return nil, bootError("interrupt", err)
	}
	now := s.k.Now()
	for _, id := range []kernel.TaskID{s.ids.link, s.ids.dhcp, s.ids.echo} {
		if err := s.k.Schedule(id, now); err != nil {
			return nil, bootError("start", err)
		}
	}
	step("running")
	s.log.Infof("up, echo on port %d", cfg.Echo.Port)
	return s, nil
}

func (s *System) addTasks(cfg Config) error {
	descs := []struct {
		id   *kernel.TaskID
		desc kernel.TaskDesc
	}{
		{&s.ids.echo, kernel.TaskDesc{Name: "echo", Priority: prioEcho, Trigger: kernel.TriggerDeadline,
			Budget: 5 * time.Millisecond, Task: s.echo}},
		{&s.ids.dhcp, kernel.TaskDesc{Name: "dhcp", Priority: prioDHCP, Trigger: kernel.TriggerDeadline,
			Budget: 5 * time.Millisecond, Task: s.coord}},
		{&s.ids.link, kernel.TaskDesc{Name: "link", Priority: prioLink, Trigger: kernel.TriggerDeadline,
			Budget: time.Millisecond, Task: netlink.NewLinkMonitor(s.coord, cfg.LinkPollPeriod)}},
		{&s.ids.irq, kernel.TaskDesc{Name: "chipirq", Priority: prioChipIRQ, Trigger: kernel.TriggerInterrupt,
			Line: chipirq.Line, Budget: time.Millisecond, Task: s.irq}},
	}
	for _, d := range descs {
		id, err := s.k.AddTask(d.desc)
		if err != nil {
			return fmt.Errorf("task %s: %w", d.desc.Name, err)
		}
		*d.id = id
	}
	return nil
}

// probeLink waits for the PHY after reset. A cable plugged in later is
// picked up by the link monitor.
func (s *System) probeLink() {
	for i := 0; i < bootLinkAttempts; i++ {
		up, err := s.dev.LinkUp()
		if err == nil && up {
			s.log.Infof("link up after %v", time.Duration(i)*bootLinkPeriod)
			return
		}
		s.h.Sleep(bootLinkPeriod)
	}
	s.log.Warnf("no link after %v, waiting for cable", bootLinkAttempts*bootLinkPeriod)
}

func bootError(step string, err error) error {
	bootDiagSetStep(step + " failed")
	return fmt.Errorf("app: boot: %s: %w", step, err)
}

// Run dispatches until ctx is done or a task faults. A cancelled context
// is a clean stop.
func (s *System) Run(ctx context.Context) error {
	err := s.k.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Poll runs everything that is due now.
func (s *System) Poll() error { return s.k.Poll() }

func (s *System) Kernel() *kernel.Kernel            { return s.k }
func (s *System) Coordinator() *netlink.Coordinator { return s.coord }
func (s *System) Echo() *echo.Server                { return s.echo }
func (s *System) IRQ() *chipirq.Handler             { return s.irq }
func (s *System) Logger() logger.Logger             { return s.log }

// Run boots the firmware and blocks forever. Any boot or runtime fault
// halts with the LED blinking.
func Run(h hal.HAL, engine dhcp.Engine, cfg Config) {
	s, err := New(h, engine, cfg)
	if err != nil {
		h.Logger().WriteLineString(err.Error())
		halt(h)
		return
	}
	err = s.Run(context.Background())
	h.Logger().WriteLineString(fmt.Sprintf("app: stopped: %v", err))
	halt(h)
}
