package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"overlay-go/pkg/log"
	"overlay-go/pkg/mesh"

	"github.com/urfave/cli/v2"
)

var upCommand = &cli.Command{
	Name:        "up",
	Usage:       "starts the overlay node",
	UsageText:   "up [options]",
	Description: `starts the overlay node and serves the HTTP API and management socket until interrupted`,
	Flags: []cli.Flag{
		configFlag,
		&cli.DurationFlag{Name: "teardown-timeout", Usage: "silence after which a direct path is considered lost"},
		&cli.DurationFlag{Name: "keepalive-interval", Usage: "interval between keepalive probes"},
		&cli.DurationFlag{Name: "evict-after", Usage: "silence after which a peer is forgotten"},
		&cli.StringFlag{Name: "api", Usage: "HTTP API listen `ADDRESS`, empty to disable"},
		&cli.StringFlag{Name: "relay", Usage: "relay `HOST:PORT`, used to pick the local address for port mapping"},
		&cli.StringFlag{Name: "insecure-direct", Usage: "what to do with direct traffic before the handshake: reject, queue or relay"},
		&cli.StringFlag{Name: "interface", Usage: "overlay interface `NAME` to configure, empty to leave the system alone"},
		&cli.BoolFlag{Name: "port-mapping", Usage: "request a UPnP or NAT-PMP port mapping"},
		&cli.IntFlag{Name: "listen-port", Usage: "UDP `PORT` of the transport"},
		&cli.StringFlag{Name: "hints-file", Usage: "address hints `FILE`, empty to disable"},
		&cli.StringFlag{Name: "management-socket", Usage: "management socket `PATH`, empty to disable"},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		&cli.StringFlag{Name: "log-db", Usage: "sqlite log `FILE`, empty to log to stdout"},
	},
	Action: upCmd,
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"teardown-timeout":   "teardown_timeout",
	"keepalive-interval": "keepalive_interval",
	"evict-after":        "evict_after",
	"api":                "api_listen_address",
	"relay":              "relay_address",
	"insecure-direct":    "insecure_direct_policy",
	"interface":          "interface_name",
	"port-mapping":       "port_mapping",
	"listen-port":        "listen_port",
	"hints-file":         "address_hints_file",
	"management-socket":  "management_socket",
	"log-level":          "log_level",
	"log-db":             "log_db",
}

func flagOverrides(c *cli.Context) map[string]any {
	overrides := make(map[string]any)
	for flag, key := range flagKeys {
		if c.IsSet(flag) {
			overrides[key] = c.Value(flag)
		}
	}
	return overrides
}

func setupLogging(cfg *mesh.Config) error {
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	if cfg.LogDB == "" {
		log.SetStd()
		return nil
	}
	return log.Init(cfg.LogDB)
}

func upCmd(c *cli.Context) error {
	cfg, err := mesh.LoadConfig(c.String("config"), flagOverrides(c))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to load configuration: %v", err), 1)
	}
	if err := setupLogging(cfg); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to initialize logging: %v", err), 1)
	}
	defer log.Close()

	fmt.Printf(banner, Version, BuildTime)
	log.Printf("starting overlayd %s, config %s", Version, cfg.ConfigFile)

	session, err := mesh.NewSession(cfg)
	if err != nil {
		log.Printf("overlayd setup failed: %v", err)
		return cli.Exit(err.Error(), 127)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("node %s (%s) is running. Press Ctrl+C to stop.\n", session.Self(), session.SelfAddress())
	err = session.Run(ctx)
	log.Printf("shutting down gracefully...")
	session.Close()
	if err != nil {
		log.Printf("overlayd stopped: %v", err)
		return cli.Exit(err.Error(), 1)
	}
	log.Printf("overlayd has been shut down.")
	return nil
}
