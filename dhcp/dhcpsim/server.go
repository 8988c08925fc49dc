package dhcpsim

import (
	"net"
	"net/netip"
	"sync"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"pinode/hal"
)

const serverPort = 67

// Server answers DHCP messages on the wire side of a SimChip the way a
// small router does: every discover gets an offer of cfg.Addr and every
// request an ACK, unless the server is down or told to decline.
type Server struct {
	cfg Config

	mu       sync.Mutex
	down     bool
	nak      int
	offers   int
	acks     int
	naks     int
	hostname string
	renewals int
}

// NewServer returns a server handing out cfg.Addr. Polls is ignored.
func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg}
}

// Serve answers every datagram the chip sent to the server port on socket
// sn and returns how many replies it delivered.
func (s *Server) Serve(chip *hal.SimChip, sn int) int {
	n := 0
	for _, d := range chip.Datagrams(sn) {
		if d.Addr.Port() != serverPort {
			continue
		}
		reply, ok := s.Answer(d.Data)
		if ok && chip.DeliverFrom(sn, netip.AddrPortFrom(s.cfg.Server, serverPort), reply) {
			n++
		}
	}
	return n
}

// Answer builds the reply to one client message. ok is false when the
// server stays silent.
func (s *Server) Answer(req []byte) ([]byte, bool) {
	m, err := dhcpv4.FromBytes(req)
	if err != nil || m.OpCode != dhcpv4.OpcodeBootRequest {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, false
	}
	s.hostname = m.HostName()

	var mt dhcpv4.MessageType
	switch m.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		mt = dhcpv4.MessageTypeOffer
		s.offers++
	case dhcpv4.MessageTypeRequest:
		if s.nak > 0 {
			s.nak--
			mt = dhcpv4.MessageTypeNak
			s.naks++
			break
		}
		mt = dhcpv4.MessageTypeAck
		s.acks++
		if !m.ClientIPAddr.IsUnspecified() {
			s.renewals++
		}
	default:
		return nil, false
	}

	reply, err := dhcpv4.NewReplyFromRequest(m,
		dhcpv4.WithMessageType(mt),
		dhcpv4.WithServerIP(ip(s.cfg.Server)),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(ip(s.cfg.Server))),
	)
	if err != nil {
		return nil, false
	}
	if mt != dhcpv4.MessageTypeNak {
		reply.YourIPAddr = ip(s.cfg.Addr.Addr())
		reply.UpdateOption(dhcpv4.OptSubnetMask(net.CIDRMask(s.cfg.Addr.Bits(), 32)))
		reply.UpdateOption(dhcpv4.OptIPAddressLeaseTime(s.cfg.Lifetime))
		if s.cfg.Gateway.Is4() {
			reply.UpdateOption(dhcpv4.OptRouter(ip(s.cfg.Gateway)))
		}
	}
	return reply.ToBytes(), true
}

// SetDown makes the server ignore every message.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// DeclineNext answers the next n requests with a NAK.
func (s *Server) DeclineNext(n int) {
	s.mu.Lock()
	s.nak = n
	s.mu.Unlock()
}

// ServerStats counts what the server answered.
type ServerStats struct {
	Offers, Acks, Naks, Renewals int
	// Hostname is the host name option of the last client message.
	Hostname string
}

func (s *Server) Stats() ServerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ServerStats{Offers: s.offers, Acks: s.acks, Naks: s.naks, Renewals: s.renewals, Hostname: s.hostname}
}

func ip(a netip.Addr) net.IP { return net.IP(a.AsSlice()) }
