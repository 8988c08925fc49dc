package policy

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"pinode/kernel"
	"pinode/lease"
)

func sec(n int) kernel.Instant { return kernel.At(time.Duration(n) * time.Second) }

func boundState(t *testing.T) *lease.State {
	t.Helper()
	var s lease.State
	if err := s.Begin(); err != nil {
		t.Fatal(err)
	}
	err := s.Bind(lease.Lease{
		Addr:     netip.MustParsePrefix("10.0.0.42/24"),
		RenewAt:  sec(1800),
		RebindAt: sec(3150),
		Expiry:   sec(3600),
	})
	if err != nil {
		t.Fatal(err)
	}
	return &s
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	c := DefaultConfig()
	want := []time.Duration{5, 10, 20, 40, 64, 64, 64}
	for n, w := range want {
		if got := c.Backoff(uint(n)); got != w*time.Second {
			t.Fatalf("Backoff(%d) = %v, want %v", n, got, w*time.Second)
		}
	}
	prev := time.Duration(0)
	for n := uint(0); n < 300; n++ {
		d := c.Backoff(n)
		if d < prev || d > c.MaxBackoff {
			t.Fatalf("Backoff(%d) = %v after %v", n, d, prev)
		}
		prev = d
	}
}

func TestLinkBackoff(t *testing.T) {
	c := DefaultConfig()
	if got := c.LinkRetryAt(0, sec(10)); got != sec(11) {
		t.Fatalf("LinkRetryAt(0) = %v", got)
	}
	if got := c.LinkBackoff(10); got != c.LinkMaxBackoff {
		t.Fatalf("LinkBackoff(10) = %v", got)
	}
}

func TestNextUnconfiguredAndNegotiating(t *testing.T) {
	c := DefaultConfig()
	var s lease.State
	if d := c.Next(&s, sec(7)); d.At != sec(7) || d.Restart {
		t.Fatalf("unconfigured: %v", d)
	}
	_ = s.Begin()
	if d := c.Next(&s, sec(7)); d.At != sec(12) {
		t.Fatalf("negotiating: %v", d)
	}
	_ = s.Fail()
	_ = s.Fail()
	if d := c.Next(&s, sec(7)); d.At != sec(27) {
		t.Fatalf("negotiating after 2 failures: %v", d)
	}
}

func TestNextBoundWaitsForRenew(t *testing.T) {
	c := DefaultConfig()
	s := boundState(t)
	if d := c.Next(s, 0); d.At != sec(1800) || d.Restart {
		t.Fatalf("bound at 0: %v", d)
	}
}

func TestNextRenewing(t *testing.T) {
	c := DefaultConfig()
	s := boundState(t)
	if err := s.Renew(sec(1800)); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name     string
		now      kernel.Instant
		failures int
		want     Decision
	}{
		{"before rebind", sec(1800), 0, Decision{At: sec(1805)}},
		{"before rebind with failures", sec(1800), 2, Decision{At: sec(1820)}},
		{"after rebind", sec(3150), 0, Decision{At: sec(3160)}},
		{"clamped to expiry", sec(3590), 3, Decision{At: sec(3600)}},
		{"at expiry", sec(3600), 0, Decision{At: sec(3600), Restart: true}},
		{"past expiry", sec(4000), 0, Decision{At: sec(4000), Restart: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := *s
			for i := 0; i < tt.failures; i++ {
				_ = st.Fail()
			}
			if got := c.Next(&st, tt.now); got != tt.want {
				t.Fatalf("Next = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextBoundPastRenewActsAsRenewing(t *testing.T) {
	c := DefaultConfig()
	s := boundState(t)
	if d := c.Next(s, sec(1900)); d.At != sec(1905) {
		t.Fatalf("bound past renew: %v", d)
	}
}

func TestNextExpired(t *testing.T) {
	c := DefaultConfig()
	s := boundState(t)
	s.Expire(sec(3600))
	if d := c.Next(s, sec(3600)); !d.Restart {
		t.Fatalf("expired: %v", d)
	}
}

func TestValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatal(err)
	}
	c := DefaultConfig()
	c.MaxBackoff = time.Second
	if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v", err)
	}
	c = DefaultConfig()
	c.LinkRetry = 0
	if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v", err)
	}
}
