//go:build !tinygo

package main

import (
	"bytes"
	"context"
	"time"

	"pinode/dhcp"
	"pinode/dhcp/dhcpsim"
	"pinode/hal"
	"pinode/internal/w5500"
	"pinode/logger"
)

// scenarioStep is the simulated peer's tick. On virtual time each tick
// advances the clock by this much and takes a millisecond of real time.
const scenarioStep = 100 * time.Millisecond

// sendEvery is how often the peer writes to the echo port.
const sendEvery = time.Second

type readiness interface {
	Ready() bool
	LinkUp() bool
}

// scenario plays the network around the chip: the cable, one TCP peer of
// the echo server and, when set, a DHCP server.
type scenario struct {
	chip    *hal.SimChip
	net     readiness
	socket  uint8
	message []byte
	flap    time.Duration
	dhcpd   *dhcpsim.Server
	log     logger.Logger

	link      bool
	sinceFlap time.Duration
	lastSend  time.Duration
	sentOnce  bool
	pending   []byte

	sent, echoed, flaps, sessions int
}

func (s *scenario) run(ctx context.Context, mt *hal.ManualTimer) error {
	period := scenarioStep
	if mt != nil {
		period = time.Millisecond
	}
	tick := time.NewTicker(period)
	defer tick.Stop()

	var elapsed time.Duration
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
		if mt != nil {
			mt.Advance(scenarioStep)
		}
		elapsed += scenarioStep
		s.step(elapsed)
	}
}

// step advances the peer by one tick.
func (s *scenario) step(elapsed time.Duration) {
	if s.log == nil {
		s.log = logger.Nop{}
	}
	if s.flap > 0 {
		s.sinceFlap += scenarioStep
		if s.sinceFlap >= s.flap {
			s.sinceFlap = 0
			s.link = !s.net.LinkUp()
			s.chip.SetLink(s.link)
			s.flaps++
			if s.link {
				s.log.Infof("cable plugged")
			} else {
				s.log.Infof("cable pulled")
			}
		}
	}

	if s.dhcpd != nil {
		if s.net.LinkUp() {
			s.dhcpd.Serve(s.chip, dhcp.Socket)
		} else {
			s.chip.Datagrams(dhcp.Socket)
		}
	}

	s.collect()
	if !s.net.Ready() {
		return
	}
	sn := int(s.socket)
	switch s.chip.SocketStatus(sn) {
	case byte(w5500.StatusListen):
		if s.chip.Accept(sn) {
			s.sessions++
			s.log.Infof("connected")
		}
	case byte(w5500.StatusEstablished):
		if s.sentOnce && elapsed-s.lastSend < sendEvery {
			return
		}
		if n := s.chip.Deliver(sn, s.message); n > 0 {
			s.sent++
			s.lastSend, s.sentOnce = elapsed, true
		}
	}
}

func (s *scenario) collect() {
	s.pending = append(s.pending, s.chip.Sent(int(s.socket))...)
	for len(s.message) > 0 && bytes.HasPrefix(s.pending, s.message) {
		s.pending = s.pending[len(s.message):]
		s.echoed++
		s.log.Debugf("echo %q", s.message)
	}
}

func (s *scenario) report() {
	s.log.Infof("%d sessions, %d sent, %d echoed, %d cable flaps", s.sessions, s.sent, s.echoed, s.flaps)
}
