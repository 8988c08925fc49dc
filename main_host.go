//go:build !tinygo

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"pinode/app"
	"pinode/dhcp"
	"pinode/dhcp/dhcpc"
	"pinode/dhcp/dhcpsim"
	"pinode/hal"
	"pinode/internal/buildinfo"
	"pinode/logger"
)

var (
	runFor     time.Duration
	leaseTime  time.Duration
	dhcpPolls  int
	linkFlap   time.Duration
	logLevel   string
	macAddr    string
	staticAddr string
	gateway    string
	message    string
	virtual    bool
	wire       bool
	hostname   string
)

var simFlags = []cli.Flag{
	cli.DurationFlag{
		Name:        "duration, d",
		Usage:       "how long to run the simulation (0 = until interrupted)",
		Value:       30 * time.Second,
		Destination: &runFor,
	},
	cli.DurationFlag{
		Name:        "lease",
		Usage:       "lease time granted by the simulated DHCP server",
		Value:       time.Hour,
		Destination: &leaseTime,
	},
	cli.IntFlag{
		Name:        "polls",
		Usage:       "engine polls before the simulated server grants a lease",
		Value:       2,
		Destination: &dhcpPolls,
	},
	cli.DurationFlag{
		Name:        "link-flap",
		Usage:       "toggle the cable at this period (0 = never)",
		Destination: &linkFlap,
	},
	cli.StringFlag{
		Name:        "log-level, l",
		Usage:       "debug, info, warn or error",
		Value:       "info",
		EnvVar:      "PINODE_LOG_LEVEL",
		Destination: &logLevel,
	},
	cli.StringFlag{
		Name:        "mac",
		Usage:       "chip MAC address",
		Value:       "46:52:4d:01:02:03",
		Destination: &macAddr,
	},
	cli.StringFlag{
		Name:        "static",
		Usage:       "use a fixed address (CIDR) instead of the simulated DHCP server",
		Destination: &staticAddr,
	},
	cli.StringFlag{
		Name:        "gateway, g",
		Usage:       "gateway for --static",
		Destination: &gateway,
	},
	cli.StringFlag{
		Name:        "message, m",
		Usage:       "what the simulated peer sends to the echo port",
		Value:       "hello pinode",
		Destination: &message,
	},
	cli.BoolFlag{
		Name:        "wire",
		Usage:       "run the DHCP client protocol against a simulated server on the wire",
		Destination: &wire,
	},
	cli.StringFlag{
		Name:        "hostname",
		Usage:       "host name sent to the DHCP server",
		Value:       "pinode",
		Destination: &hostname,
	},
	cli.BoolFlag{
		Name:        "virtual",
		Usage:       "run on simulated time, 100x faster than real time",
		Destination: &virtual,
	},
}

func main() {
	cliApp := cli.App{
		Name:      "pinode",
		HelpName:  "pinode",
		Usage:     "run the pinode firmware against a simulated W5500",
		Version:   buildinfo.Short(),
		UsageText: "pinode [options]",
		Flags:     simFlags,
		Action:    simulate,
	}
	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "pinode: %s\n", err.Error())
		os.Exit(1)
	}
}

func simulate(c *cli.Context) error {
	cfg, engine, server, err := buildConfig()
	if err != nil {
		return err
	}

	var mt *hal.ManualTimer
	hcfg := hal.HostConfig{}
	if virtual {
		mt = hal.NewManualTimer()
		hcfg.Timer = mt
	}
	h := hal.NewHost(hcfg)
	h.Chip().SetLink(true)

	sys, err := app.New(h, engine, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if runFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runFor)
		defer cancel()
	}

	sc := &scenario{
		chip:    h.Chip(),
		net:     sys.Coordinator(),
		socket:  cfg.Echo.Socket,
		message: []byte(message),
		flap:    linkFlap,
		dhcpd:   server,
		log:     sys.Logger().Named("peer"),
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sys.Run(ctx) })
	g.Go(func() error { return sc.run(ctx, mt) })
	if err := g.Wait(); err != nil {
		return err
	}
	sc.report()
	return nil
}

// buildConfig picks the engine from the flags. With --wire it also returns
// the server the scenario runs on the other end of the cable.
func buildConfig() (app.Config, dhcp.Engine, *dhcpsim.Server, error) {
	cfg := app.DefaultConfig()
	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return cfg, nil, nil, err
	}
	cfg.LogLevel = level
	if cfg.MAC, err = app.ParseMAC(macAddr); err != nil {
		return cfg, nil, nil, err
	}
	cfg.Hostname = hostname
	if err := cfg.Validate(); err != nil {
		return cfg, nil, nil, err
	}

	if staticAddr != "" {
		addr, gw, err := app.StaticLease(staticAddr, gateway)
		if err != nil {
			return cfg, nil, nil, err
		}
		return cfg, &dhcp.Static{Addr: addr, Gateway: gw, Lifetime: leaseTime}, nil, nil
	}
	sim := dhcpsim.DefaultConfig()
	sim.Lifetime = leaseTime
	sim.Polls = dhcpPolls
	if wire {
		engine := dhcpc.New(dhcpc.Config{MAC: cfg.MAC, Hostname: cfg.Hostname})
		return cfg, engine, dhcpsim.NewServer(sim), nil
	}
	return cfg, dhcpsim.New(sim), nil, nil
}
