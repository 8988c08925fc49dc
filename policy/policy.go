// Package policy computes when the link coordinator should next poll the
// DHCP engine, and how long to back off after failures.
package policy

import (
	"errors"
	"fmt"
	"time"

	"pinode/kernel"
	"pinode/lease"
)

// Config holds the retry intervals.
type Config struct {
	// ShortRetry is the first retry interval during negotiation and renewal.
	ShortRetry time.Duration
	// MaxBackoff caps the exponential backoff.
	MaxBackoff time.Duration
	// LinkRetry is the first poll interval while the link is down.
	LinkRetry time.Duration
	// LinkMaxBackoff caps the link-down backoff.
	LinkMaxBackoff time.Duration
}

// DefaultConfig returns the intervals used by the firmware.
func DefaultConfig() Config {
	return Config{
		ShortRetry:     5 * time.Second,
		MaxBackoff:     64 * time.Second,
		LinkRetry:      time.Second,
		LinkMaxBackoff: 16 * time.Second,
	}
}

var ErrInvalidConfig = errors.New("policy: invalid config")

// Validate checks that every interval is positive and each cap is at least
// its first interval.
func (c Config) Validate() error {
	if c.ShortRetry <= 0 || c.LinkRetry <= 0 {
		return fmt.Errorf("%w: retry intervals must be positive", ErrInvalidConfig)
	}
	if c.MaxBackoff < c.ShortRetry {
		return fmt.Errorf("%w: max backoff %v below short retry %v", ErrInvalidConfig, c.MaxBackoff, c.ShortRetry)
	}
	if c.LinkMaxBackoff < c.LinkRetry {
		return fmt.Errorf("%w: link max backoff %v below link retry %v", ErrInvalidConfig, c.LinkMaxBackoff, c.LinkRetry)
	}
	return nil
}

// Decision is the outcome of Next.
type Decision struct {
	// At is when to poll next.
	At kernel.Instant
	// Restart means the lease is gone and negotiation starts over from
	// Unconfigured.
	Restart bool
}

func (d Decision) String() string {
	if d.Restart {
		return fmt.Sprintf("restart at %v", d.At)
	}
	return fmt.Sprintf("poll at %v", d.At)
}

func backoff(base, limit time.Duration, n uint) time.Duration {
	d := base
	for i := uint(0); i < n; i++ {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

// Backoff returns min(ShortRetry << n, MaxBackoff).
func (c Config) Backoff(n uint) time.Duration {
	return backoff(c.ShortRetry, c.MaxBackoff, n)
}

// LinkBackoff returns min(LinkRetry << n, LinkMaxBackoff).
func (c Config) LinkBackoff(n uint) time.Duration {
	return backoff(c.LinkRetry, c.LinkMaxBackoff, n)
}

// LinkRetryAt is the next link-down poll after attempt polls found the link
// still down.
func (c Config) LinkRetryAt(attempt uint, now kernel.Instant) kernel.Instant {
	return now.Add(c.LinkBackoff(attempt))
}

// Next returns the next poll for the given lease state. It is a pure
// function of its arguments.
func (c Config) Next(s *lease.State, now kernel.Instant) Decision {
	failures := uint(s.Failures())
	switch s.Kind() {
	case lease.Unconfigured:
		return Decision{At: now}
	case lease.Negotiating:
		return Decision{At: now.Add(c.Backoff(failures))}
	case lease.Bound:
		l := s.Held()
		if now.Before(l.RenewAt) {
			return Decision{At: l.RenewAt}
		}
		return c.renewing(l, failures, now)
	case lease.Renewing:
		return c.renewing(s.Held(), failures, now)
	default:
		return Decision{At: now, Restart: true}
	}
}

func (c Config) renewing(l lease.Lease, failures uint, now kernel.Instant) Decision {
	if !now.Before(l.Expiry) {
		return Decision{At: now, Restart: true}
	}
	var at kernel.Instant
	if now.Before(l.RebindAt) {
		at = now.Add(c.Backoff(failures))
	} else {
		at = now.Add(c.Backoff(failures + 1))
	}
	if at.After(l.Expiry) {
		at = l.Expiry
	}
	return Decision{At: at}
}
