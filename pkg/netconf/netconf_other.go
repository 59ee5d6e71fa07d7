//go:build !linux

package netconf

import "overlay-go/pkg/log"

// New returns a Noop: host routes are only managed through netlink.
func New(ifName string) (Configurator, error) {
	if ifName != "" {
		log.Printf("netconf: route management is linux only, ignoring interface %q", ifName)
	}
	return NewNoop(), nil
}
