// Package dhcpc is the DHCPv4 client engine. It speaks the protocol on the
// chip's UDP socket: discover and request to bind, then unicast renewal and
// broadcast rebinding, with the hostname option on every message.
package dhcpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/iana"

	"pinode/dhcp"
	"pinode/internal/w5500"
	"pinode/kernel"
	"pinode/lease"
)

var (
	// ErrNak means the server declined a request. Negotiation starts over.
	ErrNak = errors.New("dhcpc: server declined the request")
	// ErrBadAck means an ACK carried no usable address or lease time.
	ErrBadAck = errors.New("dhcpc: unusable ack")
)

// ServerPort is the DHCP server UDP port.
const ServerPort = 67

const (
	defaultRetransmit = 4 * time.Second
	// maxMessage bounds received messages; longer ones are truncated and
	// fail to parse.
	maxMessage = 1024
	// maxReads bounds the datagrams drained per poll.
	maxReads = 4
)

var broadcast = netip.AddrPortFrom(netip.AddrFrom4([4]byte{255, 255, 255, 255}), ServerPort)

// Config identifies the client on the wire.
type Config struct {
	MAC      [6]byte
	Hostname string
	// Retransmit is how long a message may go unanswered before the next
	// poll sends it again. Zero means four seconds.
	Retransmit time.Duration
}

type phase uint8

const (
	phaseInit phase = iota
	phaseSelecting
	phaseRequesting
	phaseBound
	phaseRenewing
)

func (p phase) String() string {
	switch p {
	case phaseInit:
		return "init"
	case phaseSelecting:
		return "selecting"
	case phaseRequesting:
		return "requesting"
	case phaseBound:
		return "bound"
	case phaseRenewing:
		return "renewing"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Stats counts protocol traffic.
type Stats struct {
	Sent     int
	Received int
	Ignored  int
	Naks     int
}

// Engine implements dhcp.Engine. It never waits on the wire: each Process
// call handles whatever replies arrived and sends at most one message.
type Engine struct {
	cfg Config

	phase  phase
	xid    dhcpv4.TransactionID
	seq    uint32
	offer  *dhcpv4.DHCPv4
	held   lease.Lease
	sent   bool
	sentAt kernel.Instant
	stats  Stats

	rx [maxMessage]byte
}

var _ dhcp.Engine = (*Engine)(nil)

// New returns an engine for cfg.
func New(cfg Config) *Engine {
	if cfg.Retransmit <= 0 {
		cfg.Retransmit = defaultRetransmit
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) Setup(dev *w5500.Device) error {
	if err := dev.OpenUDP(dhcp.Socket, dhcp.ClientPort); err != nil {
		return fmt.Errorf("dhcpc: setup: %w", err)
	}
	return nil
}

func (e *Engine) Process(dev *w5500.Device, now kernel.Instant) dhcp.Outcome {
	if err := e.ensureSocket(dev); err != nil {
		return dhcp.Outcome{Status: dhcp.Error, Err: err}
	}
	for i := 0; i < maxReads; i++ {
		n, from, err := dev.RecvFrom(dhcp.Socket, e.rx[:])
		if err != nil {
			return dhcp.Outcome{Status: dhcp.Error, Err: err}
		}
		if !from.IsValid() {
			break
		}
		if from.Port() != ServerPort {
			e.stats.Ignored++
			continue
		}
		if out, done := e.handle(e.rx[:n], from, now); done {
			return out
		}
	}

	if e.sent && now.Sub(e.sentAt) < e.cfg.Retransmit {
		return dhcp.Outcome{Status: dhcp.StillNegotiating}
	}
	if err := e.transmit(dev, now); err != nil {
		return dhcp.Outcome{Status: dhcp.Error, Err: err}
	}
	return dhcp.Outcome{Status: dhcp.StillNegotiating}
}

func (e *Engine) Reset() {
	e.phase = phaseInit
	e.offer = nil
	e.held = lease.Lease{}
	e.sent = false
}

// Stats returns the traffic counters.
func (e *Engine) Stats() Stats { return e.stats }

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

// handle applies one server message. done reports that the poll has an
// outcome for the coordinator.
func (e *Engine) handle(b []byte, from netip.AddrPort, now kernel.Instant) (dhcp.Outcome, bool) {
	m, err := dhcpv4.FromBytes(b)
	if err != nil || m.OpCode != dhcpv4.OpcodeBootReply || m.TransactionID != e.xid {
		e.stats.Ignored++
		return dhcp.Outcome{}, false
	}
	e.stats.Received++

	switch m.MessageType() {
	case dhcpv4.MessageTypeOffer:
		if e.phase != phaseSelecting {
			break
		}
		e.offer = m
		e.phase = phaseRequesting
		e.sent = false
		return dhcp.Outcome{}, false
	case dhcpv4.MessageTypeAck:
		if e.phase != phaseRequesting && e.phase != phaseRenewing {
			break
		}
		l, err := e.bind(m, from, now)
		if err != nil {
			e.Reset()
			return dhcp.Outcome{Status: dhcp.Error, Err: err}, true
		}
		e.held = l
		e.phase = phaseBound
		e.sent = false
		return dhcp.Outcome{Status: dhcp.Bound, Lease: l}, true
	case dhcpv4.MessageTypeNak:
		if e.phase != phaseRequesting && e.phase != phaseRenewing {
			break
		}
		e.stats.Naks++
		e.Reset()
		return dhcp.Outcome{Status: dhcp.Error, Err: ErrNak}, true
	}
	e.stats.Ignored++
	return dhcp.Outcome{}, false
}

func (e *Engine) bind(m *dhcpv4.DHCPv4, from netip.AddrPort, now kernel.Instant) (lease.Lease, error) {
	ip, ok := netip.AddrFromSlice(m.YourIPAddr.To4())
	if !ok || ip.IsUnspecified() {
		return lease.Lease{}, fmt.Errorf("%w: yiaddr %v", ErrBadAck, m.YourIPAddr)
	}
	mask := m.SubnetMask()
	if mask == nil {
		mask = m.YourIPAddr.To4().DefaultMask()
	}
	bits, size := mask.Size()
	if size != 32 {
		return lease.Lease{}, fmt.Errorf("%w: mask %v", ErrBadAck, mask)
	}
	life := m.IPAddressLeaseTime(0)
	if life <= 0 {
		return lease.Lease{}, fmt.Errorf("%w: no lease time", ErrBadAck)
	}

	var gw netip.Addr
	if routers := m.Router(); len(routers) > 0 {
		gw, _ = netip.AddrFromSlice(routers[0].To4())
	}
	server, ok := netip.AddrFromSlice(m.ServerIdentifier().To4())
	if !ok {
		server = from.Addr()
	}
	return dhcp.Grant(netip.PrefixFrom(ip, bits), gw, server, now, life), nil
}

// transmit sends the message the current phase calls for.
func (e *Engine) transmit(dev *w5500.Device, now kernel.Instant) error {
	var m *dhcpv4.DHCPv4
	dst := broadcast
	switch e.phase {
	case phaseInit, phaseSelecting:
		if e.phase == phaseInit {
			e.newXID(now)
			e.phase = phaseSelecting
		}
		m = e.message(dhcpv4.MessageTypeDiscover)
		m.SetBroadcast()
	case phaseRequesting:
		if e.sent {
			// The request went unanswered: go back to discovery.
			e.newXID(now)
			e.offer = nil
			e.phase = phaseSelecting
			m = e.message(dhcpv4.MessageTypeDiscover)
		} else {
			m = e.message(dhcpv4.MessageTypeRequest)
			m.UpdateOption(dhcpv4.OptRequestedIPAddress(e.offer.YourIPAddr))
			if sid := e.offer.ServerIdentifier(); sid != nil {
				m.UpdateOption(dhcpv4.OptServerIdentifier(sid))
			}
		}
		m.SetBroadcast()
	case phaseBound, phaseRenewing:
		if e.phase == phaseBound {
			e.newXID(now)
			e.phase = phaseRenewing
		}
		m = e.message(dhcpv4.MessageTypeRequest)
		m.ClientIPAddr = net.IP(e.held.Addr.Addr().AsSlice())
		if now.Before(e.held.RebindAt) && e.held.Server.Is4() {
			dst = netip.AddrPortFrom(e.held.Server, ServerPort)
		}
	}

	if _, err := dev.SendTo(dhcp.Socket, dst, m.ToBytes()); err != nil {
		return err
	}
	e.sent, e.sentAt = true, now
	e.stats.Sent++
	return nil
}

func (e *Engine) message(mt dhcpv4.MessageType) *dhcpv4.DHCPv4 {
	m := &dhcpv4.DHCPv4{
		OpCode:        dhcpv4.OpcodeBootRequest,
		HWType:        iana.HWTypeEthernet,
		TransactionID: e.xid,
		ClientHWAddr:  net.HardwareAddr(e.cfg.MAC[:]),
		ClientIPAddr:  net.IPv4zero,
		YourIPAddr:    net.IPv4zero,
		ServerIPAddr:  net.IPv4zero,
		GatewayIPAddr: net.IPv4zero,
		Options:       make(dhcpv4.Options),
	}
	m.UpdateOption(dhcpv4.OptMessageType(mt))
	if e.cfg.Hostname != "" {
		m.UpdateOption(dhcpv4.OptHostName(e.cfg.Hostname))
	}
	m.UpdateOption(dhcpv4.OptParameterRequestList(
		dhcpv4.OptionSubnetMask,
		dhcpv4.OptionRouter,
		dhcpv4.OptionDomainNameServer,
		dhcpv4.OptionIPAddressLeaseTime,
	))
	return m
}

// newXID starts a new exchange. The ID mixes the clock with the MAC so
// boards booting together pick different IDs.
func (e *Engine) newXID(now kernel.Instant) {
	e.seq++
	mac := uint32(e.cfg.MAC[3])<<16 | uint32(e.cfg.MAC[4])<<8 | uint32(e.cfg.MAC[5])
	v := uint32(now) ^ uint32(now>>32) ^ (e.seq * 0x9E3779B9) ^ (mac << 8)
	binary.BigEndian.PutUint32(e.xid[:], v)
}
