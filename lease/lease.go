// Package lease holds the DHCP lease record and the lease state machine
// owned by the link coordinator.
package lease

import (
	"errors"
	"fmt"
	"net/netip"

	"pinode/kernel"
)

var (
	ErrInvalidLease = errors.New("lease: invalid lease")
	ErrTransition   = errors.New("lease: disallowed transition")
)

// Kind is the lease state.
type Kind uint8

const (
	Unconfigured Kind = iota
	Negotiating
	Bound
	Renewing
	Expired
)

func (k Kind) String() string {
	switch k {
	case Unconfigured:
		return "unconfigured"
	case Negotiating:
		return "negotiating"
	case Bound:
		return "bound"
	case Renewing:
		return "renewing"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Lease is a granted address with its renewal checkpoints, all in clock
// time.
type Lease struct {
	Addr    netip.Prefix
	Gateway netip.Addr
	Server  netip.Addr

	AcquiredAt kernel.Instant
	RenewAt    kernel.Instant
	RebindAt   kernel.Instant
	Expiry     kernel.Instant
}

// Validate checks the address and that RenewAt < RebindAt < Expiry.
func (l Lease) Validate() error {
	if !l.Addr.IsValid() || !l.Addr.Addr().Is4() {
		return fmt.Errorf("%w: address %v", ErrInvalidLease, l.Addr)
	}
	if !(l.RenewAt < l.RebindAt && l.RebindAt < l.Expiry) {
		return fmt.Errorf("%w: renew %v rebind %v expiry %v", ErrInvalidLease, l.RenewAt, l.RebindAt, l.Expiry)
	}
	return nil
}

func (l Lease) String() string {
	return fmt.Sprintf("%v gw %v renew %v rebind %v expiry %v", l.Addr, l.Gateway, l.RenewAt, l.RebindAt, l.Expiry)
}

// State is the lease state machine. The zero value is Unconfigured.
//
// A State is owned by a single task; it is not safe for concurrent use.
type State struct {
	kind     Kind
	lease    Lease
	failures uint8
}

func (s *State) Kind() Kind { return s.kind }

// Failures is the number of consecutive engine errors in the current
// negotiation or renewal.
func (s *State) Failures() uint8 { return s.failures }

// Lease returns the held lease while Bound or Renewing. The address stays
// usable until expiry.
func (s *State) Lease() (Lease, bool) {
	if s.kind == Bound || s.kind == Renewing {
		return s.lease, true
	}
	return Lease{}, false
}

// Held returns the stored lease regardless of kind. It is the zero Lease
// in Unconfigured and Negotiating.
func (s *State) Held() Lease { return s.lease }

func (s *State) String() string {
	switch s.kind {
	case Bound, Renewing:
		return fmt.Sprintf("%v (%v)", s.kind, s.lease)
	case Negotiating:
		return fmt.Sprintf("%v (failures %d)", s.kind, s.failures)
	default:
		return s.kind.String()
	}
}

func isAllowedTransition(from, to Kind) bool {
	switch from {
	case Unconfigured:
		return to == Negotiating
	case Negotiating:
		return to == Bound
	case Bound:
		return to == Renewing || to == Expired
	case Renewing:
		return to == Bound || to == Expired
	default:
		return false
	}
}

func (s *State) transition(to Kind) error {
	if !isAllowedTransition(s.kind, to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransition, s.kind, to)
	}
	s.kind = to
	return nil
}

// Begin starts a negotiation from Unconfigured.
func (s *State) Begin() error {
	if err := s.transition(Negotiating); err != nil {
		return err
	}
	s.failures = 0
	return nil
}

// Bind records a granted lease. It is valid from Negotiating and Renewing.
// An invalid lease leaves the state untouched.
func (s *State) Bind(l Lease) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if err := s.transition(Bound); err != nil {
		return err
	}
	s.lease = l
	s.failures = 0
	return nil
}

// Renew moves a Bound lease to Renewing once now has reached RenewAt.
func (s *State) Renew(now kernel.Instant) error {
	if s.kind == Bound && now.Before(s.lease.RenewAt) {
		return fmt.Errorf("%w: renew before %v", ErrTransition, s.lease.RenewAt)
	}
	if err := s.transition(Renewing); err != nil {
		return err
	}
	s.failures = 0
	return nil
}

// Fail counts an engine error. Errors never end a negotiation; they only
// lengthen the retry backoff. The count saturates.
func (s *State) Fail() error {
	if s.kind != Negotiating && s.kind != Renewing {
		return fmt.Errorf("%w: failure in %s", ErrTransition, s.kind)
	}
	if s.failures < 255 {
		s.failures++
	}
	return nil
}

// Expire moves a Bound or Renewing lease to Expired once now has reached
// Expiry. It reports whether the lease expired.
func (s *State) Expire(now kernel.Instant) bool {
	if s.kind != Bound && s.kind != Renewing {
		return false
	}
	if now.Before(s.lease.Expiry) {
		return false
	}
	s.kind = Expired
	return true
}

// Reset returns to Unconfigured from any state, dropping the lease. It is
// the override transition taken on link-down and after expiry.
func (s *State) Reset() {
	*s = State{}
}
