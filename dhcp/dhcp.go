// Package dhcp defines the interface to the DHCP client engine driven by
// the link coordinator.
package dhcp

import (
	"fmt"
	"net/netip"
	"time"

	"pinode/internal/w5500"
	"pinode/kernel"
	"pinode/lease"
)

// Socket is the chip socket reserved for the DHCP engine.
const Socket = 0

// ClientPort is the DHCP client UDP port.
const ClientPort = 68

// Status is what an engine reports after a poll.
type Status uint8

const (
	// StillNegotiating means the engine needs more polls.
	StillNegotiating Status = iota
	// Bound means Outcome.Lease holds a granted lease.
	Bound
	// Error is a transient protocol or transport error.
	Error
)

func (s Status) String() string {
	switch s {
	case StillNegotiating:
		return "negotiating"
	case Bound:
		return "bound"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Outcome is the result of one Process call.
type Outcome struct {
	Status Status
	Lease  lease.Lease
	Err    error
}

func (o Outcome) String() string {
	switch o.Status {
	case Bound:
		return fmt.Sprintf("bound %v", o.Lease)
	case Error:
		return fmt.Sprintf("error: %v", o.Err)
	default:
		return o.Status.String()
	}
}

// Engine is a DHCP client state machine. All methods run with exclusive
// access to the chip and must return promptly: an engine never waits on the
// wire, it reports StillNegotiating and is polled again later.
type Engine interface {
	// Setup prepares the engine's socket. It is called once at boot.
	Setup(dev *w5500.Device) error
	// Process advances the engine. Bus errors are returned as Error
	// outcomes wrapping w5500.ErrBus.
	Process(dev *w5500.Device, now kernel.Instant) Outcome
	// Reset drops any negotiation or lease and starts over on the next
	// Process call.
	Reset()
}

// Static is an engine that binds a fixed address on the first poll and
// renews it forever. It serves boards on networks without a DHCP server.
type Static struct {
	Addr    netip.Prefix
	Gateway netip.Addr
	// Lifetime is the reported lease time; zero means one day.
	Lifetime time.Duration
}

var _ Engine = (*Static)(nil)

func (s *Static) Setup(dev *w5500.Device) error { return nil }

func (s *Static) Process(dev *w5500.Device, now kernel.Instant) Outcome {
	life := s.Lifetime
	if life <= 0 {
		life = 24 * time.Hour
	}
	return Outcome{Status: Bound, Lease: Grant(s.Addr, s.Gateway, netip.Addr{}, now, life)}
}

func (s *Static) Reset() {}

// Grant builds a lease with the standard timers: renew at one half and
// rebind at seven eighths of the lease time.
func Grant(addr netip.Prefix, gw, server netip.Addr, now kernel.Instant, life time.Duration) lease.Lease {
	return lease.Lease{
		Addr:       addr,
		Gateway:    gw,
		Server:     server,
		AcquiredAt: now,
		RenewAt:    now.Add(life / 2),
		RebindAt:   now.Add(life / 8 * 7),
		Expiry:     now.Add(life),
	}
}
