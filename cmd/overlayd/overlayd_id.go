package main

import (
	"fmt"

	"overlay-go/pkg/deviceid"
	"overlay-go/pkg/mesh"
	"overlay-go/pkg/overlay"

	"github.com/urfave/cli/v2"
)

var idCommand = &cli.Command{
	Name:        "id",
	Usage:       "prints the device id and overlay address of this node",
	UsageText:   "id [options]",
	Description: `loads the device key, creating it on first use, and prints the identity derived from it`,
	Flags: []cli.Flag{
		configFlag,
		&cli.StringFlag{Name: "key", Usage: "device key `FILE` (default: device_key_file from the configuration)"},
	},
	Action: idCmd,
}

func idCmd(c *cli.Context) error {
	path := c.String("key")
	if path == "" {
		cfg, err := mesh.LoadConfig(c.String("config"), nil)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Failed to load configuration: %v", err), 1)
		}
		path = cfg.DeviceKeyFile
	}
	key, err := deviceid.LoadOrCreateKey(path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to load device key: %v", err), 1)
	}
	id := key.ID()
	fmt.Printf("id:      %s\n", id)
	fmt.Printf("hex:     %s\n", id.Hex())
	fmt.Printf("address: %s\n", overlay.DeviceIDToIPAddress(id))
	fmt.Printf("key:     %s\n", path)
	return nil
}
