//go:build tinygo

package main

import (
	"pinode/app"
	"pinode/dhcp"
	"pinode/dhcp/dhcpc"
	"pinode/hal"
)

// staticAddr pins a fixed address instead of running the DHCP client, for
// networks without a server. Set it at build time with
// -ldflags "-X main.staticAddr=192.168.1.50/24 -X main.staticGateway=192.168.1.1".
var (
	staticAddr    string
	staticGateway string
)

func main() {
	h := hal.New()
	cfg := app.DefaultConfig()

	var engine dhcp.Engine = dhcpc.New(dhcpc.Config{MAC: cfg.MAC, Hostname: cfg.Hostname})
	if staticAddr != "" {
		addr, gw, err := app.StaticLease(staticAddr, staticGateway)
		if err != nil {
			h.Logger().WriteLineString(err.Error())
			select {}
		}
		engine = &dhcp.Static{Addr: addr, Gateway: gw}
	}
	app.Run(h, engine, cfg)
}
