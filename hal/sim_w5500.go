package hal

import (
	"errors"
	"net/netip"
	"sync"

	"tinygo.org/x/drivers"
)

// ErrSimBusFault is returned by SimChip transfers while a bus fault is
// injected.
var ErrSimBusFault = errors.New("simchip: bus fault")

const (
	simBlockSize  = 0x800
	simBlocks     = 32
	simSockets    = 8
	simVersion    = 0x04
	simPHYLinkBit = 0x01
	simPHYReset   = 0x80
	simPHYDefault = 0xB8

	simRegSIR     = 0x0017
	simRegSIMR    = 0x0018
	simRegPHYCFGR = 0x002E
	simRegVERSION = 0x0039

	simSnMR     = 0x00
	simSnCR     = 0x01
	simSnIR     = 0x02
	simSnSR     = 0x03
	simSnDIPR   = 0x0C
	simSnDPORT  = 0x10
	simSnTXFSR  = 0x20
	simSnTXRD   = 0x22
	simSnTXWR   = 0x24
	simSnRXRSR  = 0x26
	simSnRXRD   = 0x28
	simSnRXWR   = 0x2A
	simSnIMR    = 0x2C
	simCmdOpen  = 0x01
	simCmdListn = 0x02
	simCmdDisc  = 0x08
	simCmdClose = 0x10
	simCmdSend  = 0x20
	simCmdRecv  = 0x40

	simIRCon    = 0x01
	simIRDiscon = 0x02
	simIRRecv   = 0x04
	simIRSendOK = 0x10

	simSockClosed      = 0x00
	simSockInit        = 0x13
	simSockListen      = 0x14
	simSockEstablished = 0x17
	simSockCloseWait   = 0x1C
	simSockUDP         = 0x22
)

// Datagram is a UDP payload and its remote endpoint: the destination of a
// datagram the chip sent, the source of one delivered to it.
type Datagram struct {
	Addr netip.AddrPort
	Data []byte
}

// SimChip is an in-memory W5500 on a simulated SPI bus. It decodes variable
// length data mode frames, models the socket command and interrupt
// registers, and raises its interrupt line on the asserting edge.
type SimChip struct {
	mu sync.Mutex

	mem [simBlocks][simBlockSize]byte

	selected bool
	inReset  bool
	pos      int
	hdr      [3]byte

	link     bool
	fault    bool
	version  byte
	asserted bool
	resets   int
	phyRsts  int
	frames   int
	sent     [simSockets][]byte
	dgrams   [simSockets][]Datagram

	cs  *virtualPin
	rst *virtualPin
	irq virtualIRQ
}

var _ drivers.SPI = (*SimChip)(nil)

// NewSimChip returns a chip fresh out of reset with the link down.
func NewSimChip() *SimChip {
	c := &SimChip{version: simVersion}
	c.cs = newVirtualPin("CS", true, c.onSelect)
	c.rst = newVirtualPin("RST", true, c.onReset)
	c.initRegs()
	return c
}

func (c *SimChip) initRegs() {
	c.mem[0][simRegPHYCFGR] = simPHYDefault
	for sn := 0; sn < simSockets; sn++ {
		c.mem[c.regBlock(sn)][simSnIMR] = 0xFF
	}
}

// ChipSelect is the active-low chip select wired to the chip.
func (c *SimChip) ChipSelect() OutputPin { return c.cs }

// ResetPin is the active-low reset input.
func (c *SimChip) ResetPin() OutputPin { return c.rst }

// IRQ is the active-low interrupt output, reported on its falling edge.
func (c *SimChip) IRQ() InterruptLine { return &c.irq }

func (c *SimChip) onSelect(level bool) {
	c.mu.Lock()
	c.selected = !level
	c.pos = 0
	if !level {
		c.frames++
	}
	c.mu.Unlock()
}

func (c *SimChip) onReset(level bool) {
	c.mu.Lock()
	if !level {
		c.inReset = true
		c.resets++
		c.mem = [simBlocks][simBlockSize]byte{}
		c.sent = [simSockets][]byte{}
		c.dgrams = [simSockets][]Datagram{}
		c.asserted = false
		c.initRegs()
	} else {
		c.inReset = false
	}
	c.mu.Unlock()
}

// Tx clocks w out and r in at the same time. A nil w clocks zeros; a nil r
// discards the input.
func (c *SimChip) Tx(w, r []byte) error {
	n := len(w)
	if len(r) > n {
		n = len(r)
	}
	c.mu.Lock()
	if c.fault {
		c.mu.Unlock()
		return ErrSimBusFault
	}
	for i := 0; i < n; i++ {
		var out byte
		if i < len(w) {
			out = w[i]
		}
		in := c.clock(out)
		if i < len(r) {
			r[i] = in
		}
	}
	fire := c.updateIRQ()
	c.mu.Unlock()
	if fire {
		c.irq.trigger()
	}
	return nil
}

// Transfer clocks a single byte.
func (c *SimChip) Transfer(b byte) (byte, error) {
	var r [1]byte
	err := c.Tx([]byte{b}, r[:])
	return r[0], err
}

func (c *SimChip) clock(b byte) byte {
	if !c.selected || c.inReset {
		return 0xFF
	}
	if c.pos < 3 {
		c.hdr[c.pos] = b
		c.pos++
		return 0
	}
	addr := uint16(c.hdr[0])<<8 | uint16(c.hdr[1])
	block := c.hdr[2] >> 3
	write := c.hdr[2]&0x04 != 0
	off := addr + uint16(c.pos-3)
	c.pos++
	if write {
		c.store(block, off, b)
		return 0
	}
	return c.load(block, off)
}

func simSocketOf(block uint8) (sn int, kind uint8) {
	if block == 0 {
		return -1, 0
	}
	return int(block-1) / 4, (block - 1) % 4
}

func (c *SimChip) load(block uint8, off uint16) byte {
	off &= simBlockSize - 1
	if block == 0 {
		switch off {
		case simRegVERSION:
			return c.version
		case simRegSIR:
			return c.sir()
		case simRegPHYCFGR:
			v := c.mem[0][off] &^ simPHYLinkBit
			if c.link {
				v |= simPHYLinkBit
			}
			return v
		}
		return c.mem[0][off]
	}
	sn, kind := simSocketOf(block)
	if kind != 0 {
		return c.mem[block][off]
	}
	switch off {
	case simSnCR:
		return 0
	case simSnTXFSR, simSnTXFSR + 1:
		free := uint16(simBlockSize) - (c.reg16(sn, simSnTXWR) - c.reg16(sn, simSnTXRD))
		return simByteOf(free, off-simSnTXFSR)
	case simSnRXRSR, simSnRXRSR + 1:
		avail := c.reg16(sn, simSnRXWR) - c.reg16(sn, simSnRXRD)
		return simByteOf(avail, off-simSnRXRSR)
	}
	return c.mem[block][off]
}

func simByteOf(v uint16, idx uint16) byte {
	if idx == 0 {
		return byte(v >> 8)
	}
	return byte(v)
}

func (c *SimChip) store(block uint8, off uint16, b byte) {
	off &= simBlockSize - 1
	if block == 0 {
		switch off {
		case simRegSIR, simRegVERSION:
			return
		case simRegPHYCFGR:
			if b&simPHYReset == 0 {
				c.phyRsts++
			}
			c.mem[0][off] = b &^ simPHYLinkBit
			return
		}
		c.mem[0][off] = b
		return
	}
	sn, kind := simSocketOf(block)
	if kind != 0 {
		c.mem[block][off] = b
		return
	}
	switch off {
	case simSnCR:
		c.command(sn, b)
	case simSnIR:
		c.mem[block][off] &^= b
	case simSnSR, simSnTXFSR, simSnTXFSR + 1, simSnRXRSR, simSnRXRSR + 1, simSnRXWR, simSnRXWR + 1:
	default:
		c.mem[block][off] = b
	}
}

func (c *SimChip) regBlock(sn int) uint8 { return uint8(sn*4 + 1) }
func (c *SimChip) txBlock(sn int) uint8  { return uint8(sn*4 + 2) }
func (c *SimChip) rxBlock(sn int) uint8  { return uint8(sn*4 + 3) }

func (c *SimChip) reg16(sn int, off uint16) uint16 {
	m := &c.mem[c.regBlock(sn)]
	return uint16(m[off])<<8 | uint16(m[off+1])
}

func (c *SimChip) setReg16(sn int, off uint16, v uint16) {
	m := &c.mem[c.regBlock(sn)]
	m[off] = byte(v >> 8)
	m[off+1] = byte(v)
}

func (c *SimChip) command(sn int, cmd byte) {
	regs := &c.mem[c.regBlock(sn)]
	switch cmd {
	case simCmdOpen:
		switch regs[simSnMR] & 0x0F {
		case 0x01:
			regs[simSnSR] = simSockInit
		case 0x02:
			regs[simSnSR] = simSockUDP
		default:
			return
		}
		for _, off := range []uint16{simSnTXRD, simSnTXWR, simSnRXRD, simSnRXWR} {
			c.setReg16(sn, off, 0)
		}
	case simCmdListn:
		if regs[simSnSR] == simSockInit {
			regs[simSnSR] = simSockListen
		}
	case simCmdDisc:
		regs[simSnSR] = simSockClosed
		regs[simSnIR] |= simIRDiscon
	case simCmdClose:
		regs[simSnSR] = simSockClosed
	case simCmdSend:
		rd, wr := c.reg16(sn, simSnTXRD), c.reg16(sn, simSnTXWR)
		tx := &c.mem[c.txBlock(sn)]
		var out []byte
		for p := rd; p != wr; p++ {
			out = append(out, tx[p&(simBlockSize-1)])
		}
		if regs[simSnSR] == simSockUDP {
			ip := [4]byte(regs[simSnDIPR : simSnDIPR+4])
			port := c.reg16(sn, simSnDPORT)
			c.dgrams[sn] = append(c.dgrams[sn], Datagram{Addr: netip.AddrPortFrom(netip.AddrFrom4(ip), port), Data: out})
		} else {
			c.sent[sn] = append(c.sent[sn], out...)
		}
		c.setReg16(sn, simSnTXRD, wr)
		regs[simSnIR] |= simIRSendOK
	case simCmdRecv:
	}
}

func (c *SimChip) sir() byte {
	var v byte
	for sn := 0; sn < simSockets; sn++ {
		regs := &c.mem[c.regBlock(sn)]
		if regs[simSnIR]&regs[simSnIMR] != 0 {
			v |= 1 << sn
		}
	}
	return v
}

// updateIRQ recomputes the interrupt output and reports an asserting edge.
func (c *SimChip) updateIRQ() bool {
	on := c.sir()&c.mem[0][simRegSIMR] != 0 && !c.inReset
	edge := on && !c.asserted
	c.asserted = on
	return edge
}

func (c *SimChip) change(fn func()) {
	c.mu.Lock()
	fn()
	fire := c.updateIRQ()
	c.mu.Unlock()
	if fire {
		c.irq.trigger()
	}
}

// SetLink sets the PHY link status.
func (c *SimChip) SetLink(up bool) {
	c.change(func() { c.link = up })
}

// SetFault makes every transfer fail until cleared.
func (c *SimChip) SetFault(on bool) {
	c.change(func() { c.fault = on })
}

// SetVersion overrides the VERSIONR value.
func (c *SimChip) SetVersion(v byte) {
	c.change(func() { c.version = v })
}

// Accept completes an incoming TCP connection on a listening socket.
func (c *SimChip) Accept(sn int) bool {
	ok := false
	c.change(func() {
		regs := &c.mem[c.regBlock(sn)]
		if regs[simSnSR] != simSockListen {
			return
		}
		regs[simSnSR] = simSockEstablished
		regs[simSnIR] |= simIRCon
		ok = true
	})
	return ok
}

// Deliver places data in the receive buffer of an open socket and raises
// the receive interrupt. It returns the number of bytes accepted.
func (c *SimChip) Deliver(sn int, data []byte) int {
	n := 0
	c.change(func() {
		regs := &c.mem[c.regBlock(sn)]
		if regs[simSnSR] != simSockEstablished && regs[simSnSR] != simSockUDP {
			return
		}
		rd, wr := c.reg16(sn, simSnRXRD), c.reg16(sn, simSnRXWR)
		free := int(simBlockSize) - int(wr-rd)
		rx := &c.mem[c.rxBlock(sn)]
		for n < len(data) && n < free {
			rx[wr&(simBlockSize-1)] = data[n]
			wr++
			n++
		}
		c.setReg16(sn, simSnRXWR, wr)
		if n > 0 {
			regs[simSnIR] |= simIRRecv
		}
	})
	return n
}

// DeliverFrom queues one datagram from src on an open UDP socket, framed
// with the header the chip prepends, and raises the receive interrupt. It
// reports false if the socket is not in UDP mode or the buffer is full.
func (c *SimChip) DeliverFrom(sn int, src netip.AddrPort, data []byte) bool {
	ok := false
	c.change(func() {
		regs := &c.mem[c.regBlock(sn)]
		if regs[simSnSR] != simSockUDP || !src.Addr().Is4() {
			return
		}
		rd, wr := c.reg16(sn, simSnRXRD), c.reg16(sn, simSnRXWR)
		free := int(simBlockSize) - int(wr-rd)
		if free < 8+len(data) {
			return
		}
		ip := src.Addr().As4()
		frame := append(ip[:], byte(src.Port()>>8), byte(src.Port()), byte(len(data)>>8), byte(len(data)))
		frame = append(frame, data...)
		rx := &c.mem[c.rxBlock(sn)]
		for _, b := range frame {
			rx[wr&(simBlockSize-1)] = b
			wr++
		}
		c.setReg16(sn, simSnRXWR, wr)
		regs[simSnIR] |= simIRRecv
		ok = true
	})
	return ok
}

// Datagrams drains the datagrams the chip sent on a UDP socket.
func (c *SimChip) Datagrams(sn int) []Datagram {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.dgrams[sn]
	c.dgrams[sn] = nil
	return out
}

// Hangup closes the remote end of an established connection.
func (c *SimChip) Hangup(sn int) {
	c.change(func() {
		regs := &c.mem[c.regBlock(sn)]
		if regs[simSnSR] != simSockEstablished {
			return
		}
		regs[simSnSR] = simSockCloseWait
		regs[simSnIR] |= simIRDiscon
	})
}

// Sent drains the bytes the chip transmitted on a socket.
func (c *SimChip) Sent(sn int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.sent[sn]
	c.sent[sn] = nil
	return out
}

// SocketStatus returns Sn_SR.
func (c *SimChip) SocketStatus(sn int) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mem[c.regBlock(sn)][simSnSR]
}

// Common returns a byte of the common register block.
func (c *SimChip) Common(off uint16) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(0, off)
}

// Asserted reports whether the interrupt output is active.
func (c *SimChip) Asserted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.asserted
}

// Resets returns how many reset pulses the chip has seen.
func (c *SimChip) Resets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

// PHYResets returns how many times PHYCFGR was written with RST low.
func (c *SimChip) PHYResets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phyRsts
}

// Frames returns how many chip select frames the chip has seen.
func (c *SimChip) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}
