// Package w5500 talks to a WIZnet W5500 Ethernet controller over SPI using
// variable length data mode frames.
package w5500

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"tinygo.org/x/drivers"
)

var (
	// ErrBus wraps every SPI transfer failure.
	ErrBus = errors.New("w5500: bus error")
	// ErrChipUnresponsive means VERSIONR did not read back as expected.
	ErrChipUnresponsive = errors.New("w5500: chip unresponsive")
	// ErrCommandTimeout means Sn_CR did not clear after a command.
	ErrCommandTimeout = errors.New("w5500: command timeout")
	ErrBadSocket      = errors.New("w5500: bad socket")
	ErrSocketState    = errors.New("w5500: socket in wrong state")
	// ErrNoBuffer means a datagram does not fit the free transmit buffer.
	ErrNoBuffer = errors.New("w5500: no transmit buffer space")
)

// ChipVersion is the fixed VERSIONR value of a W5500.
const ChipVersion = 0x04

// Sockets is the number of hardware sockets.
const Sockets = 8

// BufferSize is the per-socket TX and RX buffer size after reset.
const BufferSize = 2048

// Common register offsets.
const (
	RegMR      = 0x0000
	RegGAR     = 0x0001
	RegSUBR    = 0x0005
	RegSHAR    = 0x0009
	RegSIPR    = 0x000F
	RegIR      = 0x0015
	RegIMR     = 0x0016
	RegSIR     = 0x0017
	RegSIMR    = 0x0018
	RegPHYCFGR = 0x002E
	RegVERSION = 0x0039
)

// Socket register offsets.
const (
	SnMR    = 0x0000
	SnCR    = 0x0001
	SnIR    = 0x0002
	SnSR    = 0x0003
	SnPORT  = 0x0004
	SnDIPR  = 0x000C
	SnDPORT = 0x0010
	SnTXFSR = 0x0020
	SnTXRD  = 0x0022
	SnTXWR  = 0x0024
	SnRXRSR = 0x0026
	SnRXRD  = 0x0028
	SnRXWR  = 0x002A
	SnIMR   = 0x002C
)

const (
	modeTCP = 0x01
	modeUDP = 0x02
)

// PHYCFGR bits.
const (
	phyLink = 0x01
	// phyOPMDCAuto selects all capable modes with auto-negotiation.
	phyOPMDCAuto = 0x38
	phyOPMD      = 0x40
	phyRST       = 0x80
)

// Command is a Sn_CR command.
type Command byte

const (
	CmdOpen    Command = 0x01
	CmdListen  Command = 0x02
	CmdConnect Command = 0x04
	CmdDiscon  Command = 0x08
	CmdClose   Command = 0x10
	CmdSend    Command = 0x20
	CmdRecv    Command = 0x40
)

// Interrupt is a set of Sn_IR bits.
type Interrupt byte

const (
	IntCon     Interrupt = 0x01
	IntDiscon  Interrupt = 0x02
	IntRecv    Interrupt = 0x04
	IntTimeout Interrupt = 0x08
	IntSendOK  Interrupt = 0x10
)

func (i Interrupt) String() string {
	if i == 0 {
		return "none"
	}
	names := [...]string{"CON", "DISCON", "RECV", "TIMEOUT", "SENDOK"}
	s := ""
	for bit, name := range names {
		if i&(1<<bit) == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += name
	}
	if rest := i &^ 0x1F; rest != 0 {
		if s != "" {
			s += "|"
		}
		s += fmt.Sprintf("%#02x", byte(rest))
	}
	return s
}

// Status is the Sn_SR socket status.
type Status byte

const (
	StatusClosed      Status = 0x00
	StatusInit        Status = 0x13
	StatusListen      Status = 0x14
	StatusEstablished Status = 0x17
	StatusCloseWait   Status = 0x1C
	StatusUDP         Status = 0x22
)

func (s Status) String() string {
	switch s {
	case StatusClosed:
		return "closed"
	case StatusInit:
		return "init"
	case StatusListen:
		return "listen"
	case StatusEstablished:
		return "established"
	case StatusCloseWait:
		return "close-wait"
	case StatusUDP:
		return "udp"
	default:
		return fmt.Sprintf("status(%#02x)", byte(s))
	}
}

// Block select bits for the control phase.
const (
	BlockCommon = 0
)

// SocketBlock returns the register block of socket sn.
func SocketBlock(sn uint8) uint8 { return sn*4 + 1 }

// TXBlock returns the transmit buffer block of socket sn.
func TXBlock(sn uint8) uint8 { return sn*4 + 2 }

// RXBlock returns the receive buffer block of socket sn.
func RXBlock(sn uint8) uint8 { return sn*4 + 3 }

// Pin is a chip select or reset output.
type Pin interface {
	High()
	Low()
}

// commandPolls bounds the wait for Sn_CR to clear.
const commandPolls = 64

// Device is a W5500 on a shared SPI bus. It is not safe for concurrent
// use; callers serialise access through the bus resource.
type Device struct {
	spi drivers.SPI
	cs  Pin
	hdr [3]byte
	reg [6]byte
}

// New returns a device behind spi selected by cs. The chip select is
// driven high.
func New(spi drivers.SPI, cs Pin) *Device {
	cs.High()
	return &Device{spi: spi, cs: cs}
}

// Reset pulses the active-low reset line and waits for the PLL to lock.
func Reset(rst Pin, sleep func(time.Duration)) {
	rst.Low()
	sleep(time.Millisecond)
	rst.High()
	sleep(3 * time.Millisecond)
}

func (d *Device) header(block uint8, addr uint16, write bool) []byte {
	d.hdr[0] = byte(addr >> 8)
	d.hdr[1] = byte(addr)
	d.hdr[2] = block << 3
	if write {
		d.hdr[2] |= 0x04
	}
	return d.hdr[:]
}

// Read fills buf starting at addr in block.
func (d *Device) Read(block uint8, addr uint16, buf []byte) error {
	d.cs.Low()
	defer d.cs.High()
	if err := d.spi.Tx(d.header(block, addr, false), nil); err != nil {
		return fmt.Errorf("%w: read %d/%#04x: %v", ErrBus, block, addr, err)
	}
	if len(buf) == 0 {
		return nil
	}
	if err := d.spi.Tx(nil, buf); err != nil {
		return fmt.Errorf("%w: read %d/%#04x: %v", ErrBus, block, addr, err)
	}
	return nil
}

// Write stores data starting at addr in block.
func (d *Device) Write(block uint8, addr uint16, data []byte) error {
	d.cs.Low()
	defer d.cs.High()
	if err := d.spi.Tx(d.header(block, addr, true), nil); err != nil {
		return fmt.Errorf("%w: write %d/%#04x: %v", ErrBus, block, addr, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := d.spi.Tx(data, nil); err != nil {
		return fmt.Errorf("%w: write %d/%#04x: %v", ErrBus, block, addr, err)
	}
	return nil
}

func (d *Device) read8(block uint8, addr uint16) (byte, error) {
	if err := d.Read(block, addr, d.reg[:1]); err != nil {
		return 0, err
	}
	return d.reg[0], nil
}

func (d *Device) write8(block uint8, addr uint16, v byte) error {
	d.reg[0] = v
	return d.Write(block, addr, d.reg[:1])
}

func (d *Device) read16(block uint8, addr uint16) (uint16, error) {
	if err := d.Read(block, addr, d.reg[:2]); err != nil {
		return 0, err
	}
	return uint16(d.reg[0])<<8 | uint16(d.reg[1]), nil
}

// read16Stable reads a register the chip may update between the two byte
// reads until two consecutive reads agree.
func (d *Device) read16Stable(block uint8, addr uint16) (uint16, error) {
	prev, err := d.read16(block, addr)
	if err != nil {
		return 0, err
	}
	for i := 0; i < 4; i++ {
		v, err := d.read16(block, addr)
		if err != nil {
			return 0, err
		}
		if v == prev {
			return v, nil
		}
		prev = v
	}
	return prev, nil
}

func (d *Device) write16(block uint8, addr uint16, v uint16) error {
	d.reg[0], d.reg[1] = byte(v>>8), byte(v)
	return d.Write(block, addr, d.reg[:2])
}

// Version reads VERSIONR.
func (d *Device) Version() (byte, error) {
	return d.read8(BlockCommon, RegVERSION)
}

// CheckVersion returns ErrChipUnresponsive unless VERSIONR reads ChipVersion.
func (d *Device) CheckVersion() error {
	v, err := d.Version()
	if err != nil {
		return err
	}
	if v != ChipVersion {
		return fmt.Errorf("%w: VERSIONR=%#02x", ErrChipUnresponsive, v)
	}
	return nil
}

// LinkUp reports the PHY link bit.
func (d *Device) LinkUp() (bool, error) {
	v, err := d.read8(BlockCommon, RegPHYCFGR)
	if err != nil {
		return false, err
	}
	return v&phyLink != 0, nil
}

// SetPHYAuto switches the PHY to register-configured mode with
// auto-negotiation of all capable modes and resets it so the mode takes
// effect.
func (d *Device) SetPHYAuto() error {
	cfg := byte(phyOPMD | phyOPMDCAuto)
	if err := d.write8(BlockCommon, RegPHYCFGR, cfg); err != nil {
		return err
	}
	return d.write8(BlockCommon, RegPHYCFGR, cfg|phyRST)
}

// SetMAC programs SHAR.
func (d *Device) SetMAC(mac [6]byte) error {
	return d.Write(BlockCommon, RegSHAR, mac[:])
}

// MAC reads SHAR.
func (d *Device) MAC() ([6]byte, error) {
	var mac [6]byte
	err := d.Read(BlockCommon, RegSHAR, mac[:])
	return mac, err
}

// SetAddress programs SIPR, SUBR and GAR. An invalid gateway clears GAR.
func (d *Device) SetAddress(addr netip.Prefix, gw netip.Addr) error {
	if !addr.Addr().Is4() {
		return fmt.Errorf("w5500: address %v is not IPv4", addr)
	}
	ip := addr.Addr().As4()
	mask := prefixMask(addr.Bits())
	var gar [4]byte
	if gw.Is4() {
		gar = gw.As4()
	}
	if err := d.Write(BlockCommon, RegSIPR, ip[:]); err != nil {
		return err
	}
	if err := d.Write(BlockCommon, RegSUBR, mask[:]); err != nil {
		return err
	}
	return d.Write(BlockCommon, RegGAR, gar[:])
}

// ClearAddress zeroes SIPR, SUBR and GAR.
func (d *Device) ClearAddress() error {
	var zero [4]byte
	for _, reg := range []uint16{RegSIPR, RegSUBR, RegGAR} {
		if err := d.Write(BlockCommon, reg, zero[:]); err != nil {
			return err
		}
	}
	return nil
}

// Address reads SIPR and SUBR back as a prefix.
func (d *Device) Address() (netip.Prefix, error) {
	var ip, mask [4]byte
	if err := d.Read(BlockCommon, RegSIPR, ip[:]); err != nil {
		return netip.Prefix{}, err
	}
	if err := d.Read(BlockCommon, RegSUBR, mask[:]); err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(netip.AddrFrom4(ip), maskBits(mask)), nil
}

func prefixMask(bits int) [4]byte {
	var m [4]byte
	for i := 0; i < 4 && bits > 0; i++ {
		if bits >= 8 {
			m[i] = 0xFF
		} else {
			m[i] = byte(0xFF << (8 - bits))
		}
		bits -= 8
	}
	return m
}

func maskBits(m [4]byte) int {
	n := 0
	for _, b := range m {
		for b&0x80 != 0 {
			n++
			b <<= 1
		}
		if b != 0 || n%8 != 0 {
			break
		}
	}
	return n
}

// SIR reads the socket interrupt summary register.
func (d *Device) SIR() (byte, error) {
	return d.read8(BlockCommon, RegSIR)
}

// SetSIMR sets which sockets may assert the interrupt line.
func (d *Device) SetSIMR(mask byte) error {
	return d.write8(BlockCommon, RegSIMR, mask)
}
