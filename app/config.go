package app

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"pinode/dhcp"
	"pinode/logger"
	"pinode/policy"
	"pinode/services/echo"
)

// Config is everything the firmware needs at boot.
type Config struct {
	Hostname string
	MAC      [6]byte

	Policy         policy.Config
	LinkPollPeriod time.Duration
	Echo           echo.Config

	LogLevel logger.Level
	// OverrunLog reports tasks that exceed their budget.
	OverrunLog bool
}

// DefaultMAC is a locally administered address.
var DefaultMAC = [6]byte{0x46, 0x52, 0x4d, 0x01, 0x02, 0x03}

// DefaultConfig returns the board defaults.
func DefaultConfig() Config {
	return Config{
		Hostname:       "pinode",
		MAC:            DefaultMAC,
		Policy:         policy.DefaultConfig(),
		LinkPollPeriod: time.Second,
		Echo:           echo.DefaultConfig(),
		LogLevel:       logger.LevelInfo,
		OverrunLog:     true,
	}
}

var ErrInvalidConfig = errors.New("app: invalid config")

// Validate checks the config before any hardware is touched.
func (c Config) Validate() error {
	if c.Hostname == "" || len(c.Hostname) > 63 {
		return fmt.Errorf("%w: hostname %q", ErrInvalidConfig, c.Hostname)
	}
	if c.MAC[0]&0x01 != 0 {
		return fmt.Errorf("%w: MAC %x is multicast", ErrInvalidConfig, c.MAC[:])
	}
	if c.MAC == ([6]byte{}) {
		return fmt.Errorf("%w: MAC is zero", ErrInvalidConfig)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.LinkPollPeriod <= 0 {
		return fmt.Errorf("%w: link poll period %v", ErrInvalidConfig, c.LinkPollPeriod)
	}
	if c.Echo.Socket == dhcp.Socket || c.Echo.Socket >= 8 {
		return fmt.Errorf("%w: echo socket %d", ErrInvalidConfig, c.Echo.Socket)
	}
	if c.Echo.Port == 0 {
		return fmt.Errorf("%w: echo port 0", ErrInvalidConfig)
	}
	return nil
}

// ParseMAC parses aa:bb:cc:dd:ee:ff.
func ParseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	n, err := fmt.Sscanf(s, "%x:%x:%x:%x:%x:%x", &mac[0], &mac[1], &mac[2], &mac[3], &mac[4], &mac[5])
	if err != nil || n != 6 {
		return mac, fmt.Errorf("%w: MAC %q", ErrInvalidConfig, s)
	}
	return mac, nil
}

// StaticLease builds a fixed-address engine config from a CIDR and gateway.
func StaticLease(cidr, gateway string) (netip.Prefix, netip.Addr, error) {
	p, err := netip.ParsePrefix(cidr)
	if err != nil || !p.Addr().Is4() {
		return netip.Prefix{}, netip.Addr{}, fmt.Errorf("%w: address %q", ErrInvalidConfig, cidr)
	}
	var gw netip.Addr
	if gateway != "" {
		if gw, err = netip.ParseAddr(gateway); err != nil || !gw.Is4() {
			return netip.Prefix{}, netip.Addr{}, fmt.Errorf("%w: gateway %q", ErrInvalidConfig, gateway)
		}
	}
	return p, gw, nil
}
