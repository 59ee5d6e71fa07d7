package main

import (
	"errors"
	"fmt"
	"strings"

	"overlay-go/pkg/management"
	"overlay-go/pkg/mesh"

	"github.com/urfave/cli/v2"
)

var ctlCommand = &cli.Command{
	Name:        "ctl",
	Usage:       "controls a running node via the management socket",
	UsageText:   "ctl [options] command [args...]",
	Description: `sends one command to the management socket and prints the answer; "ctl help" lists the commands`,
	Flags: []cli.Flag{
		configFlag,
		&cli.StringFlag{Name: "socket", Usage: "management socket `PATH`"},
		&cli.StringFlag{Name: "password", Usage: "management password", EnvVars: []string{"OVERLAY_MANAGEMENT_PASSWORD"}},
	},
	Action: ctlCmd,
}

func managementClient(c *cli.Context) (*management.Client, error) {
	cfg, err := mesh.LoadConfig(c.String("config"), nil)
	if err != nil {
		return nil, err
	}
	socket, password := cfg.ManagementSocket, cfg.ManagementPassword
	if c.IsSet("socket") {
		socket = c.String("socket")
	}
	if c.IsSet("password") {
		password = c.String("password")
	}
	if socket == "" {
		return nil, errors.New("management socket is disabled in the configuration")
	}
	return management.NewClient(socket, password), nil
}

func ctlCmd(c *cli.Context) error {
	mgmt, err := managementClient(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to instantiate management client: %v", err), 1)
	}
	res, err := mgmt.SendCommand(strings.Join(c.Args().Slice(), " "))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Println(res)
	if strings.HasPrefix(res, "Error:") {
		return cli.Exit("", 2)
	}
	return nil
}
