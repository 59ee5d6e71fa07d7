package natclient

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"overlay-go/pkg/log"

	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
)

// defaultPMPLease is requested when no lease is given; a zero lifetime means
// delete in NAT-PMP.
const defaultPMPLease = 24 * time.Hour

type pmpClient interface {
	GetExternalAddress() (*natpmp.GetExternalAddressResult, error)
	AddPortMapping(protocol string, internalPort, requestedExternalPort int, lifetime int) (*natpmp.AddPortMappingResult, error)
}

type pmpMapper struct {
	client   pmpClient
	gateway  netip.Addr
	local    netip.Addr
	external netip.Addr
}

// guessGateway assumes the router sits on .1 of the local /24.
func guessGateway(local netip.Addr) (netip.Addr, bool) {
	if !local.Is4() {
		return netip.Addr{}, false
	}
	b := local.As4()
	b[3] = 1
	return netip.AddrFrom4(b), true
}

func discoverNATPMP(_ context.Context, local netip.Addr) (Mapper, error) {
	var gw netip.Addr
	ip, err := gateway.DiscoverGateway()
	if err == nil {
		gw, _ = netip.AddrFromSlice(ip)
		gw = gw.Unmap()
	}
	if !gw.IsValid() {
		guess, ok := guessGateway(local)
		if !ok {
			return nil, fmt.Errorf("natclient: NAT-PMP gateway discovery failed: %w", err)
		}
		log.Printf("NAT Setup: gateway discovery failed (%v), assuming %s", err, guess)
		gw = guess
	}

	m := &pmpMapper{
		client:  natpmp.NewClientWithTimeout(net.IP(gw.AsSlice()), 3*time.Second),
		gateway: gw,
		local:   local,
	}
	res, err := m.client.GetExternalAddress()
	if err != nil {
		return nil, fmt.Errorf("natclient: NAT-PMP gateway %s did not answer: %w", gw, err)
	}
	m.external = netip.AddrFrom4(res.ExternalIPAddress)
	return m, nil
}

func (m *pmpMapper) Kind() string           { return "NAT-PMP/PCP" }
func (m *pmpMapper) LocalIP() netip.Addr    { return m.local }
func (m *pmpMapper) ExternalIP() netip.Addr { return m.external }

func (m *pmpMapper) Add(_ context.Context, want Mapping) (Mapping, error) {
	lease := want.Lease
	if lease <= 0 {
		lease = defaultPMPLease
	}
	res, err := m.client.AddPortMapping(want.Protocol, int(want.InternalPort), int(want.ExternalPort), int(lease/time.Second))
	if err != nil {
		return Mapping{}, fmt.Errorf("natclient: NAT-PMP add %d/%s: %w", want.ExternalPort, want.Protocol, err)
	}
	got := want
	got.ExternalPort = res.MappedExternalPort
	got.Lease = time.Duration(res.PortMappingLifetimeInSeconds) * time.Second
	return got, nil
}

func (m *pmpMapper) Delete(_ context.Context, mp Mapping) error {
	if _, err := m.client.AddPortMapping(mp.Protocol, int(mp.InternalPort), 0, 0); err != nil {
		return fmt.Errorf("natclient: NAT-PMP delete %d/%s: %w", mp.ExternalPort, mp.Protocol, err)
	}
	return nil
}
