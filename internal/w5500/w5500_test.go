package w5500

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"pinode/hal"
)

func newTestDevice(t *testing.T) (*Device, *hal.SimChip) {
	t.Helper()
	chip := hal.NewSimChip()
	return New(chip, chip.ChipSelect()), chip
}

func TestVersionAndReset(t *testing.T) {
	dev, chip := newTestDevice(t)

	var slept time.Duration
	Reset(chip.ResetPin(), func(d time.Duration) { slept += d })
	if chip.Resets() != 1 || slept != 4*time.Millisecond {
		t.Fatalf("resets=%d slept=%v", chip.Resets(), slept)
	}
	if err := dev.CheckVersion(); err != nil {
		t.Fatalf("CheckVersion: %v", err)
	}

	chip.SetVersion(0x00)
	if err := dev.CheckVersion(); !errors.Is(err, ErrChipUnresponsive) {
		t.Fatalf("err = %v, want ErrChipUnresponsive", err)
	}
}

func TestBusErrorWrapped(t *testing.T) {
	dev, chip := newTestDevice(t)
	chip.SetFault(true)
	_, err := dev.LinkUp()
	if !errors.Is(err, ErrBus) {
		t.Fatalf("err = %v, want ErrBus", err)
	}
}

func TestMACAndAddress(t *testing.T) {
	dev, chip := newTestDevice(t)
	mac := [6]byte{0x46, 0x52, 0x4d, 0x01, 0x02, 0x03}
	if err := dev.SetMAC(mac); err != nil {
		t.Fatal(err)
	}
	got, err := dev.MAC()
	if err != nil || got != mac {
		t.Fatalf("MAC = %v, %v", got, err)
	}

	addr := netip.MustParsePrefix("192.168.1.50/24")
	gw := netip.MustParseAddr("192.168.1.1")
	if err := dev.SetAddress(addr, gw); err != nil {
		t.Fatal(err)
	}
	if chip.Common(RegSUBR+2) != 0xFF || chip.Common(RegSUBR+3) != 0x00 {
		t.Fatalf("SUBR = %d.%d", chip.Common(RegSUBR+2), chip.Common(RegSUBR+3))
	}
	if chip.Common(RegGAR+3) != 1 {
		t.Fatalf("GAR last octet = %d", chip.Common(RegGAR+3))
	}
	back, err := dev.Address()
	if err != nil || back != addr {
		t.Fatalf("Address = %v, %v", back, err)
	}

	if err := dev.ClearAddress(); err != nil {
		t.Fatal(err)
	}
	back, _ = dev.Address()
	if back.Addr() != netip.AddrFrom4([4]byte{}) || back.Bits() != 0 {
		t.Fatalf("after clear = %v", back)
	}

	if err := dev.SetAddress(netip.MustParsePrefix("fe80::1/64"), netip.Addr{}); err == nil {
		t.Fatal("expected error for IPv6 address")
	}
}

func TestMaskBits(t *testing.T) {
	tests := []struct {
		mask [4]byte
		want int
	}{
		{[4]byte{255, 255, 255, 0}, 24},
		{[4]byte{255, 255, 255, 128}, 25},
		{[4]byte{255, 0, 0, 0}, 8},
		{[4]byte{0, 0, 0, 0}, 0},
		{[4]byte{255, 255, 255, 255}, 32},
	}
	for _, tt := range tests {
		if got := maskBits(tt.mask); got != tt.want {
			t.Errorf("maskBits(%v) = %d, want %d", tt.mask, got, tt.want)
		}
		if got := prefixMask(tt.want); got != tt.mask {
			t.Errorf("prefixMask(%d) = %v, want %v", tt.want, got, tt.mask)
		}
	}
}

func TestLinkUp(t *testing.T) {
	dev, chip := newTestDevice(t)
	up, err := dev.LinkUp()
	if err != nil || up {
		t.Fatalf("LinkUp = %v, %v", up, err)
	}
	chip.SetLink(true)
	up, err = dev.LinkUp()
	if err != nil || !up {
		t.Fatalf("LinkUp = %v, %v", up, err)
	}
}

func TestSetPHYAuto(t *testing.T) {
	dev, chip := newTestDevice(t)
	chip.SetLink(true)
	if err := dev.SetPHYAuto(); err != nil {
		t.Fatalf("SetPHYAuto: %v", err)
	}
	if got := chip.Common(RegPHYCFGR); got&0xF8 != 0xF8 {
		t.Fatalf("PHYCFGR = %#02x, want RST|OPMD|OPMDC=111", got)
	}
	if chip.PHYResets() != 1 {
		t.Fatalf("PHY resets = %d, want 1", chip.PHYResets())
	}
	if up, err := dev.LinkUp(); err != nil || !up {
		t.Fatalf("LinkUp after SetPHYAuto = %v, %v", up, err)
	}
}

func TestTCPEcho(t *testing.T) {
	dev, chip := newTestDevice(t)
	const sn = 1

	if err := dev.Listen(sn, 10767); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if st, _ := dev.Status(sn); st != StatusListen {
		t.Fatalf("status = %v", st)
	}
	if err := dev.SetSocketIMR(sn, IntRecv|IntCon|IntDiscon); err != nil {
		t.Fatal(err)
	}
	if err := dev.SetSIMR(1 << sn); err != nil {
		t.Fatal(err)
	}

	chip.Accept(sn)
	chip.Deliver(sn, []byte("hello, pinode"))

	sir, err := dev.SIR()
	if err != nil || sir != 1<<sn {
		t.Fatalf("SIR = %#x, %v", sir, err)
	}
	ir, _ := dev.SocketIR(sn)
	if ir != IntCon|IntRecv {
		t.Fatalf("Sn_IR = %v", ir)
	}
	if err := dev.AckSocketIR(sn, ir); err != nil {
		t.Fatal(err)
	}
	if chip.Asserted() {
		t.Fatal("interrupt still asserted after ack")
	}

	buf := make([]byte, 5)
	n, err := dev.Recv(sn, buf)
	if err != nil || string(buf[:n]) != "hello" {
		t.Fatalf("Recv = %q, %v", buf[:n], err)
	}
	if avail, _ := dev.Available(sn); avail != 8 {
		t.Fatalf("Available = %d, want 8", avail)
	}
	if _, err := dev.Send(sn, buf[:n]); err != nil {
		t.Fatal(err)
	}
	if got := chip.Sent(sn); string(got) != "hello" {
		t.Fatalf("sent %q", got)
	}

	chip.Hangup(sn)
	if st, _ := dev.Status(sn); st != StatusCloseWait {
		t.Fatalf("status = %v", st)
	}
	if err := dev.Close(sn); err != nil {
		t.Fatal(err)
	}
	if st, _ := dev.Status(sn); st != StatusClosed {
		t.Fatalf("status = %v", st)
	}
}

func TestRecvWrapsAroundBuffer(t *testing.T) {
	dev, chip := newTestDevice(t)
	const sn = 2
	if err := dev.Listen(sn, 7); err != nil {
		t.Fatal(err)
	}
	chip.Accept(sn)

	chunk := make([]byte, 1500)
	buf := make([]byte, 1500)
	for round := 0; round < 3; round++ {
		for i := range chunk {
			chunk[i] = byte(i + round)
		}
		if n := chip.Deliver(sn, chunk); n != len(chunk) {
			t.Fatalf("round %d: Deliver = %d", round, n)
		}
		n, err := dev.Recv(sn, buf)
		if err != nil || n != len(chunk) {
			t.Fatalf("round %d: Recv = %d, %v", round, n, err)
		}
		for i := range chunk {
			if buf[i] != chunk[i] {
				t.Fatalf("round %d: byte %d = %d, want %d", round, i, buf[i], chunk[i])
			}
		}
	}
}

func TestOpenUDP(t *testing.T) {
	dev, chip := newTestDevice(t)
	if err := dev.OpenUDP(0, 68); err != nil {
		t.Fatal(err)
	}
	if chip.SocketStatus(0) != byte(StatusUDP) {
		t.Fatalf("status = %#x", chip.SocketStatus(0))
	}
}

func TestUDPDatagrams(t *testing.T) {
	dev, chip := newTestDevice(t)
	if err := dev.OpenUDP(0, 68); err != nil {
		t.Fatal(err)
	}

	dst := netip.MustParseAddrPort("255.255.255.255:67")
	if n, err := dev.SendTo(0, dst, []byte("discover")); err != nil || n != 8 {
		t.Fatalf("SendTo = %d, %v", n, err)
	}
	got := chip.Datagrams(0)
	if len(got) != 1 || got[0].Addr != dst || string(got[0].Data) != "discover" {
		t.Fatalf("datagrams = %+v", got)
	}
	if _, err := dev.SendTo(0, dst, make([]byte, 0x801)); !errors.Is(err, ErrNoBuffer) {
		t.Fatalf("oversized SendTo = %v, want ErrNoBuffer", err)
	}

	src := netip.MustParseAddrPort("192.168.1.1:67")
	chip.DeliverFrom(0, src, []byte("offer"))
	chip.DeliverFrom(0, src, []byte("a longer ack"))
	buf := make([]byte, 4)
	n, from, err := dev.RecvFrom(0, buf)
	if err != nil || from != src || string(buf[:n]) != "offe" {
		t.Fatalf("RecvFrom = %q, %v, %v", buf[:n], from, err)
	}
	buf = make([]byte, 64)
	n, from, err = dev.RecvFrom(0, buf)
	if err != nil || from != src || string(buf[:n]) != "a longer ack" {
		t.Fatalf("RecvFrom after truncation = %q, %v, %v", buf[:n], from, err)
	}
	if n, from, err := dev.RecvFrom(0, buf); n != 0 || from.IsValid() || err != nil {
		t.Fatalf("RecvFrom on empty socket = %d, %v, %v", n, from, err)
	}
}

func TestBadSocket(t *testing.T) {
	dev, _ := newTestDevice(t)
	if _, err := dev.Status(8); !errors.Is(err, ErrBadSocket) {
		t.Fatalf("err = %v", err)
	}
}

func TestInterruptString(t *testing.T) {
	if s := (IntCon | IntRecv).String(); s != "CON|RECV" {
		t.Fatalf("String = %q", s)
	}
	if s := Interrupt(0).String(); s != "none" {
		t.Fatalf("String = %q", s)
	}
}
