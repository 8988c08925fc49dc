package w5500

import (
	"fmt"
	"net/netip"
)

// udpHeaderLen is the header the chip prepends to every received UDP
// datagram: source address, source port, payload length.
const udpHeaderLen = 8

func checkSocket(sn uint8) error {
	if sn >= Sockets {
		return fmt.Errorf("%w: %d", ErrBadSocket, sn)
	}
	return nil
}

// SocketIR reads Sn_IR.
func (d *Device) SocketIR(sn uint8) (Interrupt, error) {
	if err := checkSocket(sn); err != nil {
		return 0, err
	}
	v, err := d.read8(SocketBlock(sn), SnIR)
	return Interrupt(v), err
}

// AckSocketIR clears the given Sn_IR bits (write one to clear).
func (d *Device) AckSocketIR(sn uint8, bits Interrupt) error {
	if err := checkSocket(sn); err != nil {
		return err
	}
	return d.write8(SocketBlock(sn), SnIR, byte(bits))
}

// SetSocketIMR selects which Sn_IR bits contribute to SIR.
func (d *Device) SetSocketIMR(sn uint8, mask Interrupt) error {
	if err := checkSocket(sn); err != nil {
		return err
	}
	return d.write8(SocketBlock(sn), SnIMR, byte(mask))
}

// Status reads Sn_SR.
func (d *Device) Status(sn uint8) (Status, error) {
	if err := checkSocket(sn); err != nil {
		return 0, err
	}
	v, err := d.read8(SocketBlock(sn), SnSR)
	return Status(v), err
}

// Command issues cmd on socket sn and waits for Sn_CR to clear.
func (d *Device) Command(sn uint8, cmd Command) error {
	if err := checkSocket(sn); err != nil {
		return err
	}
	if err := d.write8(SocketBlock(sn), SnCR, byte(cmd)); err != nil {
		return err
	}
	for i := 0; i < commandPolls; i++ {
		v, err := d.read8(SocketBlock(sn), SnCR)
		if err != nil {
			return err
		}
		if v == 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: socket %d cmd %#02x", ErrCommandTimeout, sn, byte(cmd))
}

func (d *Device) open(sn uint8, mode byte, port uint16, want Status) error {
	if err := d.Command(sn, CmdClose); err != nil {
		return err
	}
	if err := d.write8(SocketBlock(sn), SnMR, mode); err != nil {
		return err
	}
	if err := d.write16(SocketBlock(sn), SnPORT, port); err != nil {
		return err
	}
	if err := d.Command(sn, CmdOpen); err != nil {
		return err
	}
	st, err := d.Status(sn)
	if err != nil {
		return err
	}
	if st != want {
		return fmt.Errorf("%w: socket %d is %v after open", ErrSocketState, sn, st)
	}
	return nil
}

// OpenUDP opens socket sn in UDP mode bound to port.
func (d *Device) OpenUDP(sn uint8, port uint16) error {
	return d.open(sn, modeUDP, port, StatusUDP)
}

// Listen opens socket sn in TCP mode and listens on port.
func (d *Device) Listen(sn uint8, port uint16) error {
	if err := d.open(sn, modeTCP, port, StatusInit); err != nil {
		return err
	}
	if err := d.Command(sn, CmdListen); err != nil {
		return err
	}
	st, err := d.Status(sn)
	if err != nil {
		return err
	}
	if st != StatusListen {
		return fmt.Errorf("%w: socket %d is %v after listen", ErrSocketState, sn, st)
	}
	return nil
}

// Available returns the number of received bytes waiting on sn.
func (d *Device) Available(sn uint8) (int, error) {
	if err := checkSocket(sn); err != nil {
		return 0, err
	}
	n, err := d.read16Stable(SocketBlock(sn), SnRXRSR)
	return int(n), err
}

// Recv copies up to len(p) received bytes from sn and frees them in the
// receive buffer.
func (d *Device) Recv(sn uint8, p []byte) (int, error) {
	avail, err := d.Available(sn)
	if err != nil || avail == 0 || len(p) == 0 {
		return 0, err
	}
	n := len(p)
	if avail < n {
		n = avail
	}
	rd, err := d.read16(SocketBlock(sn), SnRXRD)
	if err != nil {
		return 0, err
	}
	if err := d.Read(RXBlock(sn), rd, p[:n]); err != nil {
		return 0, err
	}
	if err := d.write16(SocketBlock(sn), SnRXRD, rd+uint16(n)); err != nil {
		return 0, err
	}
	return n, d.Command(sn, CmdRecv)
}

// Send queues as much of p as fits in the transmit buffer and issues SEND.
func (d *Device) Send(sn uint8, p []byte) (int, error) {
	if err := checkSocket(sn); err != nil {
		return 0, err
	}
	free, err := d.read16Stable(SocketBlock(sn), SnTXFSR)
	if err != nil || free == 0 || len(p) == 0 {
		return 0, err
	}
	n := len(p)
	if int(free) < n {
		n = int(free)
	}
	wr, err := d.read16(SocketBlock(sn), SnTXWR)
	if err != nil {
		return 0, err
	}
	if err := d.Write(TXBlock(sn), wr, p[:n]); err != nil {
		return 0, err
	}
	if err := d.write16(SocketBlock(sn), SnTXWR, wr+uint16(n)); err != nil {
		return 0, err
	}
	return n, d.Command(sn, CmdSend)
}

// SendTo sends p as one datagram from UDP socket sn to dst. The whole
// datagram must fit the free transmit buffer.
func (d *Device) SendTo(sn uint8, dst netip.AddrPort, p []byte) (int, error) {
	if err := checkSocket(sn); err != nil {
		return 0, err
	}
	if !dst.Addr().Is4() {
		return 0, fmt.Errorf("w5500: destination %v is not IPv4", dst)
	}
	free, err := d.read16Stable(SocketBlock(sn), SnTXFSR)
	if err != nil {
		return 0, err
	}
	if int(free) < len(p) {
		return 0, fmt.Errorf("%w: %d bytes, %d free", ErrNoBuffer, len(p), free)
	}
	ip := dst.Addr().As4()
	if err := d.Write(SocketBlock(sn), SnDIPR, ip[:]); err != nil {
		return 0, err
	}
	if err := d.write16(SocketBlock(sn), SnDPORT, dst.Port()); err != nil {
		return 0, err
	}
	return d.Send(sn, p)
}

// RecvFrom reads the next datagram waiting on UDP socket sn into p and
// frees it. A datagram longer than p is truncated. It returns 0 and an
// invalid address when nothing is waiting.
func (d *Device) RecvFrom(sn uint8, p []byte) (int, netip.AddrPort, error) {
	avail, err := d.Available(sn)
	if err != nil || avail < udpHeaderLen {
		return 0, netip.AddrPort{}, err
	}
	rd, err := d.read16(SocketBlock(sn), SnRXRD)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	var hdr [udpHeaderLen]byte
	if err := d.Read(RXBlock(sn), rd, hdr[:]); err != nil {
		return 0, netip.AddrPort{}, err
	}
	from := netip.AddrPortFrom(netip.AddrFrom4([4]byte(hdr[:4])), uint16(hdr[4])<<8|uint16(hdr[5]))
	size := int(hdr[6])<<8 | int(hdr[7])
	if size > avail-udpHeaderLen {
		size = avail - udpHeaderLen
	}
	n := min(size, len(p))
	if n > 0 {
		if err := d.Read(RXBlock(sn), rd+udpHeaderLen, p[:n]); err != nil {
			return 0, netip.AddrPort{}, err
		}
	}
	if err := d.write16(SocketBlock(sn), SnRXRD, rd+uint16(udpHeaderLen+size)); err != nil {
		return 0, netip.AddrPort{}, err
	}
	return n, from, d.Command(sn, CmdRecv)
}

// Disconnect starts a graceful TCP close.
func (d *Device) Disconnect(sn uint8) error {
	return d.Command(sn, CmdDiscon)
}

// Close closes sn immediately.
func (d *Device) Close(sn uint8) error {
	return d.Command(sn, CmdClose)
}
