package dhcp

import (
	"net/netip"
	"testing"
	"time"

	"pinode/kernel"
)

func TestGrantTimers(t *testing.T) {
	now := kernel.At(100 * time.Second)
	l := Grant(netip.MustParsePrefix("10.1.2.3/16"), netip.MustParseAddr("10.1.0.1"), netip.Addr{}, now, time.Hour)
	if l.RenewAt != kernel.At(1900*time.Second) {
		t.Fatalf("renew = %v", l.RenewAt)
	}
	if l.RebindAt != kernel.At(3250*time.Second) {
		t.Fatalf("rebind = %v", l.RebindAt)
	}
	if l.Expiry != kernel.At(3700*time.Second) {
		t.Fatalf("expiry = %v", l.Expiry)
	}
	if err := l.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestStaticBindsImmediately(t *testing.T) {
	s := &Static{Addr: netip.MustParsePrefix("10.0.0.2/8")}
	out := s.Process(nil, 0)
	if out.Status != Bound {
		t.Fatalf("status = %v", out.Status)
	}
	if out.Lease.Expiry != kernel.At(24*time.Hour) {
		t.Fatalf("expiry = %v", out.Lease.Expiry)
	}
	if err := out.Lease.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestStatusString(t *testing.T) {
	for s, want := range map[Status]string{StillNegotiating: "negotiating", Bound: "bound", Error: "error", 9: "status(9)"} {
		if s.String() != want {
			t.Errorf("%d: %q, want %q", s, s.String(), want)
		}
	}
}
