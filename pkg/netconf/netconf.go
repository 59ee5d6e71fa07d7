// Package netconf hands overlay addresses to the operating system: the local
// address on the overlay interface and one host route per reachable peer.
// The interface itself is created elsewhere.
package netconf

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"

	"overlay-go/pkg/log"
)

var ErrNotOverlay = errors.New("netconf: address is not an IPv6 overlay address")

// Configurator is the OS network collaborator of the mesh session.
type Configurator interface {
	AssignSelf(ctx context.Context, addr netip.Addr) error
	AddPeer(ctx context.Context, addr netip.Addr) error
	RemovePeer(ctx context.Context, addr netip.Addr) error
}

// hostPrefix is the /128 route destination for addr.
func hostPrefix(addr netip.Addr) (*net.IPNet, error) {
	if !addr.Is6() || addr.Is4In6() {
		return nil, ErrNotOverlay
	}
	return &net.IPNet{IP: net.IP(addr.AsSlice()), Mask: net.CIDRMask(128, 128)}, nil
}

// Noop records the requested routes without touching the system. It backs
// platforms without netlink and runs where the daemon lacks privileges.
type Noop struct {
	mu     sync.Mutex
	self   netip.Addr
	routes map[netip.Addr]struct{}
}

func NewNoop() *Noop {
	return &Noop{routes: make(map[netip.Addr]struct{})}
}

func (n *Noop) AssignSelf(_ context.Context, addr netip.Addr) error {
	if _, err := hostPrefix(addr); err != nil {
		return err
	}
	n.mu.Lock()
	n.self = addr
	n.mu.Unlock()
	log.Debug().Stringer("addr", addr).Msg("netconf: self address recorded (noop)")
	return nil
}

func (n *Noop) AddPeer(_ context.Context, addr netip.Addr) error {
	if _, err := hostPrefix(addr); err != nil {
		return err
	}
	n.mu.Lock()
	n.routes[addr] = struct{}{}
	n.mu.Unlock()
	return nil
}

func (n *Noop) RemovePeer(_ context.Context, addr netip.Addr) error {
	n.mu.Lock()
	delete(n.routes, addr)
	n.mu.Unlock()
	return nil
}

// Routes lists the peer addresses currently routed.
func (n *Noop) Routes() []netip.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]netip.Addr, 0, len(n.routes))
	for a := range n.routes {
		out = append(out, a)
	}
	return out
}

func (n *Noop) Self() netip.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.self
}
