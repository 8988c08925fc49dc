// Package dhcpsim simulates DHCP for host runs and tests. Engine is a
// stand-in engine that grants a lease after a configurable number of polls
// and lets callers inject errors, script outcomes and take the server away.
// Server is a wire-level server that answers the real client through a
// SimChip.
package dhcpsim

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"pinode/dhcp"
	"pinode/internal/w5500"
	"pinode/kernel"
)

// ErrInjected is the error reported for injected failures.
var ErrInjected = errors.New("dhcpsim: injected failure")

// Config describes the simulated server.
type Config struct {
	Addr    netip.Prefix
	Gateway netip.Addr
	Server  netip.Addr
	// Lifetime is the granted lease time.
	Lifetime time.Duration
	// Polls is how many polls a negotiation or renewal takes. A reply
	// received on the engine socket completes the exchange early.
	Polls int
}

// DefaultConfig returns a one hour lease in 192.168.1.0/24 granted on the
// second poll.
func DefaultConfig() Config {
	return Config{
		Addr:     netip.MustParsePrefix("192.168.1.50/24"),
		Gateway:  netip.MustParseAddr("192.168.1.1"),
		Server:   netip.MustParseAddr("192.168.1.1"),
		Lifetime: time.Hour,
		Polls:    2,
	}
}

// Engine implements dhcp.Engine.
type Engine struct {
	cfg Config

	mu         sync.Mutex
	polls      int
	bound      bool
	fail       int
	serverDown bool
	script     []dhcp.Outcome
	calls      int
	resets     int
	rx         [64]byte
}

var _ dhcp.Engine = (*Engine)(nil)

// New returns an engine for cfg.
func New(cfg Config) *Engine {
	if cfg.Polls <= 0 {
		cfg.Polls = 1
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) Setup(dev *w5500.Device) error {
	if err := dev.OpenUDP(dhcp.Socket, dhcp.ClientPort); err != nil {
		return fmt.Errorf("dhcpsim: setup: %w", err)
	}
	return nil
}

func (e *Engine) Process(dev *w5500.Device, now kernel.Instant) dhcp.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++

	if err := e.ensureSocket(dev); err != nil {
		return dhcp.Outcome{Status: dhcp.Error, Err: err}
	}
	replies, err := e.drain(dev)
	if err != nil {
		return dhcp.Outcome{Status: dhcp.Error, Err: err}
	}

	if len(e.script) > 0 {
		out := e.script[0]
		e.script = e.script[1:]
		return out
	}
	if e.fail > 0 {
		e.fail--
		return dhcp.Outcome{Status: dhcp.Error, Err: ErrInjected}
	}
	if e.serverDown {
		return dhcp.Outcome{Status: dhcp.StillNegotiating}
	}

	e.polls += 1 + replies
	if e.polls < e.cfg.Polls {
		return dhcp.Outcome{Status: dhcp.StillNegotiating}
	}
	e.polls = 0
	e.bound = true
	l := dhcp.Grant(e.cfg.Addr, e.cfg.Gateway, e.cfg.Server, now, e.cfg.Lifetime)
	return dhcp.Outcome{Status: dhcp.Bound, Lease: l}
}

func (e *Engine) ensureSocket(dev *w5500.Device) error {
	st, err := dev.Status(dhcp.Socket)
	if err != nil {
		return err
	}
	if st == w5500.StatusUDP {
		return nil
	}
	return dev.OpenUDP(dhcp.Socket, dhcp.ClientPort)
}

// drain consumes datagrams waiting on the engine socket and returns how
// many reads returned data.
func (e *Engine) drain(dev *w5500.Device) (int, error) {
	replies := 0
	for i := 0; i < 4; i++ {
		n, err := dev.Recv(dhcp.Socket, e.rx[:])
		if err != nil {
			return replies, err
		}
		if n == 0 {
			break
		}
		replies++
	}
	return replies, nil
}

func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.polls = 0
	e.bound = false
	e.resets++
}

// FailNext makes the next n polls report ErrInjected.
func (e *Engine) FailNext(n int) {
	e.mu.Lock()
	e.fail = n
	e.mu.Unlock()
}

// SetServerDown stops the server from answering, so renewals stall until
// the lease expires.
func (e *Engine) SetServerDown(down bool) {
	e.mu.Lock()
	e.serverDown = down
	e.mu.Unlock()
}

// Script queues outcomes returned verbatim by the next polls, ahead of the
// simulated server.
func (e *Engine) Script(out ...dhcp.Outcome) {
	e.mu.Lock()
	e.script = append(e.script, out...)
	e.mu.Unlock()
}

// Calls returns how many times Process ran.
func (e *Engine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Resets returns how many times Reset ran.
func (e *Engine) Resets() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resets
}

// Bound reports whether the simulated server considers the lease active.
func (e *Engine) Bound() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bound
}
