// Package echo is the application network task: a TCP echo server on one
// chip socket, served only while the network is ready.
package echo

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"pinode/internal/w5500"
	"pinode/kernel"
	"pinode/logger"
	"pinode/services/netlink"
)

const (
	// DefaultSocket is the chip socket used by the server.
	DefaultSocket = 1
	// DefaultPort is the SECoP port.
	DefaultPort = 10767
	// DefaultPeriod is how often the server is poked without an interrupt.
	DefaultPeriod = time.Second
	// chunk is the most bytes echoed per dispatch.
	chunk = 256
)

// Interrupts is the socket interrupt mask the server needs.
const Interrupts = w5500.IntRecv | w5500.IntCon | w5500.IntDiscon

// Readiness is the view of the network the server needs.
type Readiness interface {
	Ready() bool
	Events() *kernel.Mailbox[netlink.Event]
}

// Config configures a Server.
type Config struct {
	Socket uint8
	Port   uint16
	Period time.Duration
}

// DefaultConfig returns socket 1, port 10767, one second period.
func DefaultConfig() Config {
	return Config{Socket: DefaultSocket, Port: DefaultPort, Period: DefaultPeriod}
}

// Server echoes whatever a TCP peer sends.
type Server struct {
	cfg Config
	net Readiness
	log logger.Logger
	bus *kernel.Resource[*w5500.Device]

	ready     bool
	connected bool
	buf       [chunk]byte

	echoed   atomic.Uint64
	sessions atomic.Uint32
}

// New returns a server gated on net.
func New(cfg Config, net Readiness, log logger.Logger) *Server {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if log == nil {
		log = logger.Nop{}
	}
	return &Server{cfg: cfg, net: net, log: log}
}

// Attach binds the server to the chip resource.
func (s *Server) Attach(bus *kernel.Resource[*w5500.Device]) { s.bus = bus }

// Setup opens the listening socket and unmasks its interrupts. It runs at
// boot, before the kernel starts.
func (s *Server) Setup(dev *w5500.Device) error {
	if err := dev.SetSocketIMR(s.cfg.Socket, Interrupts); err != nil {
		return err
	}
	if err := dev.Listen(s.cfg.Socket, s.cfg.Port); err != nil {
		return fmt.Errorf("echo: listen on %d: %w", s.cfg.Port, err)
	}
	return nil
}

// Echoed returns the number of bytes sent back so far.
func (s *Server) Echoed() uint64 { return s.echoed.Load() }

// Sessions returns the number of connections accepted.
func (s *Server) Sessions() uint32 { return s.sessions.Load() }

func (s *Server) Run(ctx *kernel.Context) {
	defer ctx.ScheduleAfter(s.cfg.Period)

	lost := s.drainEvents()
	if !s.ready && !lost && s.net.Ready() {
		// Events were dropped on a full queue.
		s.ready = true
	}
	if !s.ready && !lost {
		return
	}

	more := false
	err := s.bus.With(ctx, func(dev *w5500.Device) error {
		if lost {
			// The address changed under any open connection.
			if err := dev.Close(s.cfg.Socket); err != nil {
				return err
			}
		}
		var err error
		more, err = s.serve(dev)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, w5500.ErrBus):
		ctx.Fatal(fmt.Errorf("echo: %w", err))
		return
	default:
		s.log.Warnf("%v", err)
	}
	if more {
		ctx.Pend(ctx.TaskID())
	}
}

// drainEvents consumes readiness events. It reports whether readiness was
// lost since the last run.
func (s *Server) drainEvents() bool {
	lost := false
	for {
		ev, ok := s.net.Events().TryRecv()
		if !ok {
			break
		}
		if ev.Ready == s.ready {
			continue
		}
		s.ready = ev.Ready
		if ev.Ready {
			s.log.Infof("network ready at %v, serving on %v:%d", ev.At, ev.Lease.Addr.Addr(), s.cfg.Port)
		} else {
			s.log.Infof("network lost (%v)", ev.Kind)
			lost = true
		}
	}
	return lost
}

func (s *Server) serve(dev *w5500.Device) (more bool, err error) {
	sn := s.cfg.Socket
	st, err := dev.Status(sn)
	if err != nil {
		return false, err
	}
	if st == w5500.StatusEstablished && !s.connected {
		s.sessions.Add(1)
		s.log.Infof("peer connected")
	}
	s.connected = st == w5500.StatusEstablished
	switch st {
	case w5500.StatusClosed:
		s.log.Debugf("socket %d closed, listening on %d", sn, s.cfg.Port)
		return false, dev.Listen(sn, s.cfg.Port)
	case w5500.StatusCloseWait:
		s.log.Infof("peer closed")
		if err := dev.Disconnect(sn); err != nil {
			return false, err
		}
		if st, err = dev.Status(sn); err != nil || st != w5500.StatusClosed {
			return false, err
		}
		return false, dev.Listen(sn, s.cfg.Port)
	case w5500.StatusEstablished:
		return s.echo(dev)
	}
	return false, nil
}

func (s *Server) echo(dev *w5500.Device) (bool, error) {
	sn := s.cfg.Socket
	n, err := dev.Recv(sn, s.buf[:])
	if err != nil || n == 0 {
		return false, err
	}
	s.log.Debugf("got %d bytes: %q", n, s.buf[:n])
	for sent := 0; sent < n; {
		m, err := dev.Send(sn, s.buf[sent:n])
		if err != nil {
			return false, err
		}
		if m == 0 {
			return false, fmt.Errorf("echo: transmit buffer full, dropped %d bytes", n-sent)
		}
		sent += m
		s.echoed.Add(uint64(m))
	}
	avail, err := dev.Available(sn)
	return avail > 0, err
}
