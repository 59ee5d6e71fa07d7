package natclient

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMapper struct {
	kind    string
	addErr  error
	remap   uint16
	added   []Mapping
	deleted []Mapping
}

func (f *fakeMapper) Add(_ context.Context, m Mapping) (Mapping, error) {
	if f.addErr != nil {
		return Mapping{}, f.addErr
	}
	if f.remap != 0 {
		m.ExternalPort = f.remap
	}
	f.added = append(f.added, m)
	return m, nil
}

func (f *fakeMapper) Delete(_ context.Context, m Mapping) error {
	f.deleted = append(f.deleted, m)
	return nil
}

func (f *fakeMapper) ExternalIP() netip.Addr { return netip.MustParseAddr("198.51.100.20") }
func (f *fakeMapper) LocalIP() netip.Addr    { return netip.MustParseAddr("192.168.1.10") }
func (f *fakeMapper) Kind() string           { return f.kind }

func withDiscoverers(t *testing.T, ds ...discoverFunc) {
	t.Helper()
	saved := discoverers
	discoverers = ds
	t.Cleanup(func() { discoverers = saved })
}

func TestSetupFallsBackToNextGateway(t *testing.T) {
	broken := &fakeMapper{kind: "upnp", addErr: errors.New("ConflictInMappingEntry")}
	pmp := &fakeMapper{kind: "pmp", remap: 40000}
	withDiscoverers(t,
		func(context.Context, netip.Addr) (Mapper, error) { return broken, nil },
		func(context.Context, netip.Addr) (Mapper, error) { return pmp, nil },
	)

	local := netip.MustParseAddr("192.168.1.10")
	c, got, err := setup(context.Background(), local, 5582, "overlay-go")
	require.NoError(t, err)
	assert.Equal(t, "pmp", c.Kind())
	assert.EqualValues(t, 5582, got.InternalPort)
	assert.EqualValues(t, 40000, got.ExternalPort)
	assert.Equal(t, netip.MustParseAddrPort("198.51.100.20:40000"), c.ExternalEndpoint(got))

	require.NoError(t, c.Cleanup(context.Background()))
	assert.Equal(t, []Mapping{got}, pmp.deleted)
	require.NoError(t, c.Cleanup(context.Background()), "second cleanup has nothing left")
	assert.Len(t, pmp.deleted, 1)
}

func TestSetupWithoutGateway(t *testing.T) {
	withDiscoverers(t, func(context.Context, netip.Addr) (Mapper, error) {
		return nil, errors.New("timeout")
	})
	_, _, err := setup(context.Background(), netip.MustParseAddr("10.0.0.2"), 5582, "x")
	assert.ErrorIs(t, err, ErrNoGateway)
}

func TestMapRejectsUnknownProtocol(t *testing.T) {
	c := &Client{mapper: &fakeMapper{kind: "fake"}}
	_, err := c.Map(context.Background(), Mapping{Protocol: "sctp", InternalPort: 1, ExternalPort: 1})
	assert.ErrorIs(t, err, ErrInvalidProtocol)
}

func TestGuessGateway(t *testing.T) {
	gw, ok := guessGateway(netip.MustParseAddr("192.168.7.42"))
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("192.168.7.1"), gw)

	_, ok = guessGateway(netip.MustParseAddr("2001:db8::1"))
	assert.False(t, ok)
}

func TestUsableLocal(t *testing.T) {
	assert.True(t, usableLocal(netip.MustParseAddr("192.168.1.5")))
	assert.False(t, usableLocal(netip.MustParseAddr("127.0.0.1")))
	assert.False(t, usableLocal(netip.MustParseAddr("169.254.3.3")))
	assert.False(t, usableLocal(netip.MustParseAddr("fe80::1")))
}
