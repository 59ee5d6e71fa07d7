package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

const banner = `
  _____   _____ _ __| | __ _ _  _ __| |
 / _ \ \ / / -_) '_ | |/ _' | || / _' |
 \___/\_/\___|_|  |_|\__,_|\_, \__,_|
                           |__/
 version %s, built %s

`

// configFlag is shared by every command that reads the daemon configuration.
var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "configuration `FILE` (default: overlayd.yaml in ., /etc/overlay-go, ~/.overlay-go)",
	EnvVars: []string{"OVERLAY_CONFIG"},
}

func main() {
	app := &cli.App{
		Name:    "overlayd",
		Usage:   "peer-to-peer overlay node",
		Version: Version,
		Commands: []*cli.Command{
			upCommand,
			ctlCommand,
			logsCommand,
			idCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
