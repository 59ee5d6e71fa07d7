package natclient

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"overlay-go/pkg/log"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
)

const upnpCallTimeout = 3 * time.Second

// igdService is the subset shared by the IGDv1 and IGDv2 WAN connection services.
type igdService interface {
	AddPortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string,
		internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) error
	DeletePortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string) error
	GetExternalIPAddressCtx(ctx context.Context) (string, error)
}

type upnpMapper struct {
	svc      igdService
	kind     string
	local    netip.Addr
	external netip.Addr
}

func firstService[T igdService](clients []T, err error) (igdService, error) {
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, errors.New("no device")
	}
	return clients[0], nil
}

func discoverUPnP(ctx context.Context, local netip.Addr) (Mapper, error) {
	probes := []struct {
		kind  string
		probe func(context.Context) (igdService, error)
	}{
		{"UPnP-IGDv2-IP2", func(ctx context.Context) (igdService, error) {
			c, _, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx)
			return firstService(c, err)
		}},
		{"UPnP-IGDv2-PPP1", func(ctx context.Context) (igdService, error) {
			c, _, err := internetgateway2.NewWANPPPConnection1ClientsCtx(ctx)
			return firstService(c, err)
		}},
		{"UPnP-IGDv1-IP1", func(ctx context.Context) (igdService, error) {
			c, _, err := internetgateway1.NewWANIPConnection1ClientsCtx(ctx)
			return firstService(c, err)
		}},
		{"UPnP-IGDv1-PPP1", func(ctx context.Context) (igdService, error) {
			c, _, err := internetgateway1.NewWANPPPConnection1ClientsCtx(ctx)
			return firstService(c, err)
		}},
	}

	for _, p := range probes {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		svc, err := p.probe(pctx)
		cancel()
		if err != nil {
			log.Debug().Str("kind", p.kind).Err(err).Msg("NAT Setup: UPnP probe failed")
			continue
		}
		m := &upnpMapper{svc: svc, kind: p.kind, local: local}
		m.external = m.fetchExternalIP(ctx)
		return m, nil
	}
	return nil, errors.New("natclient: no UPnP internet gateway device found")
}

func (m *upnpMapper) fetchExternalIP(ctx context.Context) netip.Addr {
	ctx, cancel := context.WithTimeout(ctx, upnpCallTimeout)
	defer cancel()
	s, err := m.svc.GetExternalIPAddressCtx(ctx)
	if err != nil {
		log.Printf("NAT Setup: %s did not report its external IP: %v", m.kind, err)
		return netip.Addr{}
	}
	ip, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}
	}
	return ip
}

func (m *upnpMapper) Kind() string           { return m.kind }
func (m *upnpMapper) LocalIP() netip.Addr    { return m.local }
func (m *upnpMapper) ExternalIP() netip.Addr { return m.external }

func (m *upnpMapper) Add(ctx context.Context, want Mapping) (Mapping, error) {
	ctx, cancel := context.WithTimeout(ctx, upnpCallTimeout)
	defer cancel()
	proto := strings.ToUpper(want.Protocol)
	lease := uint32(want.Lease / time.Second)

	err := m.svc.AddPortMappingCtx(ctx, "", want.ExternalPort, proto, want.InternalPort, m.local.String(), true, want.Description, lease)
	if err != nil && lease != 0 && strings.Contains(err.Error(), "OnlyPermanentLeasesSupported") {
		want.Lease = 0
		err = m.svc.AddPortMappingCtx(ctx, "", want.ExternalPort, proto, want.InternalPort, m.local.String(), true, want.Description, 0)
	}
	if err != nil {
		return Mapping{}, fmt.Errorf("natclient: %s add %d/%s: %w", m.kind, want.ExternalPort, proto, err)
	}
	return want, nil
}

func (m *upnpMapper) Delete(ctx context.Context, mp Mapping) error {
	ctx, cancel := context.WithTimeout(ctx, upnpCallTimeout)
	defer cancel()
	proto := strings.ToUpper(mp.Protocol)
	err := m.svc.DeletePortMappingCtx(ctx, "", mp.ExternalPort, proto)
	if err != nil && !strings.Contains(err.Error(), "NoSuchEntryInArray") {
		return fmt.Errorf("natclient: %s delete %d/%s: %w", m.kind, mp.ExternalPort, proto, err)
	}
	return nil
}
