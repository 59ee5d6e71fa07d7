// Package natclient maps the direct-path UDP port on the local gateway so that
// remote peers can reach this node without hole punching. UPnP IGD is tried
// first, then NAT-PMP/PCP.
package natclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"overlay-go/pkg/log"
)

var (
	ErrNoGateway       = errors.New("natclient: no port mapping gateway found")
	ErrInvalidProtocol = errors.New("natclient: protocol must be udp or tcp")
)

// Mapping is one port forwarding entry on the gateway.
type Mapping struct {
	Protocol     string
	InternalPort uint16
	ExternalPort uint16
	Description  string
	Lease        time.Duration
}

// Mapper is implemented by each gateway protocol.
type Mapper interface {
	// Add installs m and returns the mapping actually granted by the gateway.
	Add(ctx context.Context, m Mapping) (Mapping, error)
	Delete(ctx context.Context, m Mapping) error
	ExternalIP() netip.Addr
	LocalIP() netip.Addr
	Kind() string
}

type discoverFunc func(ctx context.Context, local netip.Addr) (Mapper, error)

// discoverers are tried in order.
var discoverers = []discoverFunc{
	discoverUPnP,
	discoverNATPMP,
}

// Client tracks the mappings installed through one Mapper so they can be
// removed on shutdown.
type Client struct {
	mapper Mapper

	mu       sync.Mutex
	mappings []Mapping
}

func (c *Client) Kind() string { return c.mapper.Kind() }

// Map installs a mapping and remembers it for Cleanup.
func (c *Client) Map(ctx context.Context, m Mapping) (Mapping, error) {
	m.Protocol = strings.ToLower(m.Protocol)
	if m.Protocol != "udp" && m.Protocol != "tcp" {
		return Mapping{}, fmt.Errorf("%w: %q", ErrInvalidProtocol, m.Protocol)
	}
	got, err := c.mapper.Add(ctx, m)
	if err != nil {
		return Mapping{}, err
	}
	if got.ExternalPort != m.ExternalPort {
		log.Printf("NAT: %s granted external port %d instead of %d", c.mapper.Kind(), got.ExternalPort, m.ExternalPort)
	}
	c.mu.Lock()
	c.mappings = append(c.mappings, got)
	c.mu.Unlock()
	return got, nil
}

// ExternalEndpoint is the address remote peers should use for a mapping, or
// the zero value when the gateway did not report its external IP.
func (c *Client) ExternalEndpoint(m Mapping) netip.AddrPort {
	ip := c.mapper.ExternalIP()
	if !ip.IsValid() {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ip, m.ExternalPort)
}

// Cleanup removes every mapping installed by Map. Failures are logged and
// the remaining mappings are still attempted.
func (c *Client) Cleanup(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	pending := c.mappings
	c.mappings = nil
	c.mu.Unlock()

	var errs []error
	for _, m := range pending {
		if err := c.mapper.Delete(ctx, m); err != nil {
			log.Printf("NAT Cleanup: failed to remove %s mapping %d->%d: %v", m.Protocol, m.ExternalPort, m.InternalPort, err)
			errs = append(errs, err)
			continue
		}
		log.Printf("NAT Cleanup: removed %s mapping %d->%d", m.Protocol, m.ExternalPort, m.InternalPort)
	}
	return errors.Join(errs...)
}

// Setup discovers a gateway and maps port for udp. dialAddr is only used to
// find the local address when no interface qualifies. It returns ErrNoGateway
// joined with every discovery error when nothing answered.
func Setup(ctx context.Context, port uint16, description, dialAddr string) (*Client, Mapping, error) {
	local, err := localIP(ctx, dialAddr)
	if err != nil {
		return nil, Mapping{}, err
	}
	return setup(ctx, local, port, description)
}

func setup(ctx context.Context, local netip.Addr, port uint16, description string) (*Client, Mapping, error) {
	want := Mapping{Protocol: "udp", InternalPort: port, ExternalPort: port, Description: description}

	errs := []error{ErrNoGateway}
	for _, discover := range discoverers {
		mapper, err := discover(ctx, local)
		if err != nil {
			log.Printf("NAT Setup: %v", err)
			errs = append(errs, err)
			continue
		}
		c := &Client{mapper: mapper}
		got, err := c.Map(ctx, want)
		if err != nil {
			log.Printf("NAT Setup: %s mapping failed: %v", mapper.Kind(), err)
			errs = append(errs, err)
			continue
		}
		log.Printf("NAT Setup: mapped udp %d via %s, external address %s", port, mapper.Kind(), c.ExternalEndpoint(got))
		return c, got, nil
	}
	return nil, Mapping{}, errors.Join(errs...)
}

// localIP returns a non-loopback, non-link-local IPv4 address of this host.
// When no interface qualifies, the source address of a UDP dial towards
// dialAddr is used.
func localIP(ctx context.Context, dialAddr string) (netip.Addr, error) {
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipnet.IP)
			if ok && usableLocal(ip.Unmap()) {
				return ip.Unmap(), nil
			}
		}
	}
	if dialAddr == "" {
		dialAddr = "8.8.8.8:53"
	}
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "udp4", dialAddr)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("natclient: no usable local IPv4 address: %w", err)
	}
	defer conn.Close()
	ap, err := netip.ParseAddrPort(conn.LocalAddr().String())
	if err != nil || !usableLocal(ap.Addr().Unmap()) {
		return netip.Addr{}, errors.New("natclient: no usable local IPv4 address")
	}
	return ap.Addr().Unmap(), nil
}

func usableLocal(ip netip.Addr) bool {
	return ip.Is4() && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() && !ip.IsUnspecified()
}
