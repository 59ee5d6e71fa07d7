//go:build linux

package netconf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"overlay-go/pkg/log"
	"overlay-go/pkg/overlay"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

type linkConfigurator struct {
	ifName string
}

// New returns a netlink backed Configurator for the existing interface
// ifName, or a Noop when ifName is empty.
func New(ifName string) (Configurator, error) {
	if ifName == "" {
		log.Printf("netconf: no interface configured, routes are not installed")
		return NewNoop(), nil
	}
	if _, err := netlink.LinkByName(ifName); err != nil {
		return nil, fmt.Errorf("netconf: interface %q: %w", ifName, err)
	}
	return &linkConfigurator{ifName: ifName}, nil
}

func (c *linkConfigurator) link() (netlink.Link, error) {
	link, err := netlink.LinkByName(c.ifName)
	if err != nil {
		return nil, fmt.Errorf("netconf: interface %q: %w", c.ifName, err)
	}
	return link, nil
}

func (c *linkConfigurator) AssignSelf(_ context.Context, addr netip.Addr) error {
	if _, err := hostPrefix(addr); err != nil {
		return err
	}
	link, err := c.link()
	if err != nil {
		return err
	}
	nlAddr := &netlink.Addr{IPNet: &net.IPNet{
		IP:   net.IP(addr.AsSlice()),
		Mask: net.CIDRMask(overlay.Prefix.Bits(), 128),
	}}
	if err := netlink.AddrAdd(link, nlAddr); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("netconf: add %s to %s: %w", addr, c.ifName, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("netconf: bring up %s: %w", c.ifName, err)
	}
	log.Printf("netconf: assigned %s/%d to %s", addr, overlay.Prefix.Bits(), c.ifName)
	return nil
}

func (c *linkConfigurator) route(addr netip.Addr) (*netlink.Route, error) {
	dst, err := hostPrefix(addr)
	if err != nil {
		return nil, err
	}
	link, err := c.link()
	if err != nil {
		return nil, err
	}
	return &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       dst,
		Table:     unix.RT_TABLE_MAIN,
		Protocol:  unix.RTPROT_STATIC,
	}, nil
}

func (c *linkConfigurator) AddPeer(_ context.Context, addr netip.Addr) error {
	r, err := c.route(addr)
	if err != nil {
		return err
	}
	if err := netlink.RouteReplace(r); err != nil {
		return fmt.Errorf("netconf: route %s via %s: %w", addr, c.ifName, err)
	}
	log.Debug().Stringer("peer", addr).Str("dev", c.ifName).Msg("netconf: route installed")
	return nil
}

func (c *linkConfigurator) RemovePeer(_ context.Context, addr netip.Addr) error {
	r, err := c.route(addr)
	if err != nil {
		return err
	}
	if err := netlink.RouteDel(r); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("netconf: delete route %s: %w", addr, err)
	}
	return nil
}
