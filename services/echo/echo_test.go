package echo

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"

	"pinode/hal"
	"pinode/internal/w5500"
	"pinode/kernel"
	"pinode/lease"
	"pinode/logger"
	"pinode/services/netlink"
)

type fakeNet struct {
	ready  bool
	events kernel.Mailbox[netlink.Event]
}

func (n *fakeNet) Ready() bool                            { return n.ready }
func (n *fakeNet) Events() *kernel.Mailbox[netlink.Event] { return &n.events }

func (n *fakeNet) set(ready bool) {
	n.ready = ready
	ev := netlink.Event{Ready: ready, Kind: lease.Unconfigured}
	if ready {
		ev.Kind = lease.Bound
		ev.Lease.Addr = netip.MustParsePrefix("192.168.1.50/24")
	}
	n.events.TrySend(ev)
}

type fixture struct {
	chip *hal.SimChip
	k    *kernel.Kernel
	net  *fakeNet
	srv  *Server
	id   kernel.TaskID
	rec  *logger.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{chip: hal.NewSimChip(), net: &fakeNet{}, rec: logger.NewRecorder()}
	dev := w5500.New(f.chip, f.chip.ChipSelect())
	f.k = kernel.New(hal.NewManualTimer())
	f.srv = New(DefaultConfig(), f.net, f.rec)

	var err error
	f.id, err = f.k.AddTask(kernel.TaskDesc{Name: "echo", Priority: 1, Trigger: kernel.TriggerDeadline, Task: f.srv})
	if err != nil {
		t.Fatal(err)
	}
	bus, err := kernel.NewResource(f.k, "w5500", dev, f.id)
	if err != nil {
		t.Fatal(err)
	}
	f.srv.Attach(bus)
	if err := f.srv.Setup(dev); err != nil {
		t.Fatal(err)
	}
	if err := f.k.Start(); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) run(t *testing.T) {
	t.Helper()
	f.k.Pend(f.id)
	if err := f.k.Poll(); err != nil {
		t.Fatalf("Poll: %v", err)
	}
}

func TestSetupListens(t *testing.T) {
	f := newFixture(t)
	if f.chip.SocketStatus(DefaultSocket) != byte(w5500.StatusListen) {
		t.Fatalf("status = %#x", f.chip.SocketStatus(DefaultSocket))
	}
}

func TestIdleUntilReady(t *testing.T) {
	f := newFixture(t)
	f.chip.Accept(DefaultSocket)
	f.chip.Deliver(DefaultSocket, []byte("hello"))
	f.run(t)
	if got := f.chip.Sent(DefaultSocket); len(got) != 0 {
		t.Fatalf("sent %q before network ready", got)
	}

	f.net.set(true)
	f.run(t)
	if got := f.chip.Sent(DefaultSocket); string(got) != "hello" {
		t.Fatalf("sent %q", got)
	}
	if f.srv.Echoed() != 5 || f.srv.Sessions() != 1 {
		t.Fatalf("echoed=%d sessions=%d", f.srv.Echoed(), f.srv.Sessions())
	}
	if d, ok := f.k.Deadline(f.id); !ok || d != kernel.At(DefaultPeriod) {
		t.Fatalf("deadline = %v, %v", d, ok)
	}
}

func TestLargeMessageEchoedInChunks(t *testing.T) {
	f := newFixture(t)
	f.net.set(true)
	f.chip.Accept(DefaultSocket)
	msg := bytes.Repeat([]byte("0123456789"), 60)
	f.chip.Deliver(DefaultSocket, msg)
	f.run(t)

	if got := f.chip.Sent(DefaultSocket); !bytes.Equal(got, msg) {
		t.Fatalf("sent %d bytes, want %d", len(got), len(msg))
	}
	if runs := f.k.Stats(f.id).Runs; runs != 3 {
		t.Fatalf("runs = %d, want 3 chunks", runs)
	}
}

func TestRelistensAfterPeerClose(t *testing.T) {
	f := newFixture(t)
	f.net.set(true)
	f.chip.Accept(DefaultSocket)
	f.run(t)
	f.chip.Hangup(DefaultSocket)
	f.run(t)
	if f.chip.SocketStatus(DefaultSocket) != byte(w5500.StatusListen) {
		t.Fatalf("status = %#x", f.chip.SocketStatus(DefaultSocket))
	}
	f.chip.Accept(DefaultSocket)
	f.run(t)
	if f.srv.Sessions() != 2 {
		t.Fatalf("sessions = %d", f.srv.Sessions())
	}
}

func TestClosesConnectionWhenNetworkLost(t *testing.T) {
	f := newFixture(t)
	f.net.set(true)
	f.chip.Accept(DefaultSocket)
	f.run(t)

	f.net.set(false)
	f.run(t)
	if f.chip.SocketStatus(DefaultSocket) != byte(w5500.StatusListen) {
		t.Fatalf("status = %#x", f.chip.SocketStatus(DefaultSocket))
	}
	f.chip.Deliver(DefaultSocket, []byte("x"))
	f.run(t)
	if got := f.chip.Sent(DefaultSocket); len(got) != 0 {
		t.Fatalf("sent %q while not ready", got)
	}
}

func TestBusFaultIsFatal(t *testing.T) {
	f := newFixture(t)
	f.net.set(true)
	f.chip.SetFault(true)
	f.k.Pend(f.id)
	if err := f.k.Poll(); !errors.Is(err, w5500.ErrBus) {
		t.Fatalf("Poll = %v", err)
	}
}
