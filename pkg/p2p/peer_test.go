package p2p

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"overlay-go/pkg/deviceid"
	"overlay-go/pkg/overlay"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	idA = deviceid.MustParse("fc94:b01d:1803:8dd8:b293:5c7d:7639:e7c1")
	idB = deviceid.MustParse("fc94:a67f:1b28:ce11:5f2e:3a09:c8a4:7702")

	endpoint = netip.MustParseAddrPort("192.0.2.10:5582")
)

func newTestRegistry(t *testing.T) (*Registry, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	reg, err := NewRegistry(WithClock(mock))
	require.NoError(t, err)
	return reg, mock
}

func TestFreshPeerDefaults(t *testing.T) {
	reg, _ := newTestRegistry(t)
	p := reg.GetOrCreate(idA)

	assert.False(t, p.IsActive())
	assert.True(t, p.IsTunnelled())
	assert.False(t, p.IsReestablishing())
	assert.False(t, p.IsSecure())
	assert.False(t, p.UsedTargetAddress().IsValid())
	assert.False(t, p.LinkLocalAddress().IsValid())
	assert.True(t, p.LastPacket().IsZero())
	assert.Equal(t, idA, p.DeviceID())
	assert.Equal(t, overlay.DeviceIDToIPAddress(idA), p.IPAddress())
	assert.Equal(t, StatusNoPath, p.Status())
}

func TestTunnelledTruthTable(t *testing.T) {
	cases := []struct {
		name      string
		target    netip.AddrPort
		connected bool
		tunnelled bool
		status    Status
	}{
		{"no target, not connected", netip.AddrPort{}, false, true, StatusNoPath},
		{"no target, connected", netip.AddrPort{}, true, true, StatusNoPath},
		{"target, not connected", endpoint, false, true, StatusTunnelled},
		{"target, connected", endpoint, true, false, StatusDirect},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg, _ := newTestRegistry(t)
			p := reg.GetOrCreate(idA)
			p.SetTargetAddress(tc.target)
			p.SetConnected(tc.connected)

			assert.Equal(t, tc.tunnelled, p.IsTunnelled())
			assert.Equal(t, tc.status, p.Status())
			assert.False(t, p.IsSecure(), "transport state must not affect security")
		})
	}
}

func TestTeardownBoundary(t *testing.T) {
	reg, mock := newTestRegistry(t)
	p := reg.GetOrCreate(idA)

	p.RecordPacket()
	assert.True(t, p.IsActive())

	mock.Add(TeardownTimeout - time.Nanosecond)
	assert.True(t, p.IsActive(), "silence just under the timeout keeps the peer active")

	mock.Add(time.Nanosecond)
	assert.False(t, p.IsActive(), "silence of exactly the timeout deactivates the peer")
}

func TestLongSilenceDeactivatesButKeepsState(t *testing.T) {
	reg, mock := newTestRegistry(t)
	p := reg.GetOrCreate(idA)
	p.SetTargetAddress(endpoint)
	p.SetConnected(true)
	p.SetNegotiated(true)
	p.RecordPacket()

	mock.Add(31 * time.Second)

	assert.False(t, p.IsActive())
	assert.False(t, p.IsTunnelled(), "activity does not alter the path classification")
	assert.True(t, p.IsSecure())
	assert.Equal(t, endpoint, p.UsedTargetAddress())

	p.RecordPacket()
	assert.True(t, p.IsActive())
}

func TestLastPacketIsMonotonic(t *testing.T) {
	reg, mock := newTestRegistry(t)
	p := reg.GetOrCreate(idA)

	mock.Add(time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.RecordPacket()
		}()
	}
	wg.Wait()
	first := p.LastPacket()
	assert.Equal(t, mock.Now(), first)

	mock.Add(time.Second)
	p.RecordPacket()
	assert.True(t, p.LastPacket().After(first))
}

func TestSilentForCountsFromCreation(t *testing.T) {
	reg, mock := newTestRegistry(t)
	p := reg.GetOrCreate(idA)
	mock.Add(10 * time.Second)
	assert.Equal(t, 10*time.Second, p.SilentFor())

	p.RecordPacket()
	mock.Add(2 * time.Second)
	assert.Equal(t, 2*time.Second, p.SilentFor())
}

func TestPathDiscoveryScenario(t *testing.T) {
	reg, _ := newTestRegistry(t)
	p := reg.GetOrCreate(idA)

	assert.True(t, p.SetTargetAddress(endpoint))
	assert.True(t, p.IsTunnelled(), "a target alone does not make the path direct")

	assert.True(t, p.SetConnected(true))
	assert.False(t, p.IsTunnelled())
	assert.Equal(t, StatusDirect, p.Status())

	assert.True(t, p.ClearTargetAddress())
	assert.True(t, p.IsTunnelled())
}

func TestReestablishmentTransitions(t *testing.T) {
	reg, _ := newTestRegistry(t)
	p := reg.GetOrCreate(idA)
	p.SetTargetAddress(endpoint)
	p.SetConnected(true)
	p.SetNegotiated(true)

	require.True(t, p.BeginReestablishment())
	assert.True(t, p.IsReestablishing())
	assert.True(t, p.IsTunnelled())
	assert.Equal(t, StatusReestablishing, p.Status())
	assert.True(t, p.IsSecure(), "path loss does not drop the security session")
	assert.False(t, p.BeginReestablishment(), "repeated begin is a no-op")

	next := netip.MustParseAddrPort("198.51.100.7:5582")
	require.True(t, p.CompleteReestablishment(next))
	assert.False(t, p.IsReestablishing())
	assert.False(t, p.IsTunnelled())
	assert.Equal(t, next, p.UsedTargetAddress())
	assert.Equal(t, StatusDirect, p.Status())
}

func TestCompleteReestablishmentWithoutTarget(t *testing.T) {
	reg, _ := newTestRegistry(t)
	p := reg.GetOrCreate(idA)
	p.SetReestablishing(true)

	p.CompleteReestablishment(netip.AddrPort{})
	assert.False(t, p.IsReestablishing())
	assert.True(t, p.IsTunnelled())
	assert.Equal(t, StatusNoPath, p.Status())
}

func TestCompleteReestablishmentReportsChange(t *testing.T) {
	reg, mock := newTestRegistry(t)
	p := reg.GetOrCreate(idA)
	p.SetTargetAddress(endpoint)
	require.True(t, p.CompleteReestablishment(netip.AddrPort{}), "connects a peer with a target")
	updated := p.Snapshot().UpdatedAt

	mock.Add(time.Second)
	assert.False(t, p.CompleteReestablishment(netip.AddrPort{}))
	assert.False(t, p.CompleteReestablishment(endpoint))
	assert.Equal(t, updated, p.Snapshot().UpdatedAt)

	require.True(t, p.BeginReestablishment())
	assert.True(t, p.CompleteReestablishment(endpoint))
	assert.Equal(t, StatusDirect, p.Status())
}

func TestIndependentSettersAllowReestablishingWhileConnected(t *testing.T) {
	reg, _ := newTestRegistry(t)
	p := reg.GetOrCreate(idA)
	p.SetTargetAddress(endpoint)
	p.SetConnected(true)
	p.SetReestablishing(true)

	assert.True(t, p.IsReestablishing())
	assert.False(t, p.IsTunnelled())
	assert.Equal(t, StatusReestablishing, p.Status())

	st := p.Snapshot()
	assert.True(t, st.Connected)
	assert.True(t, st.Reestablishing)
	assert.False(t, st.Tunnelled)
}

func TestSetterReportsChange(t *testing.T) {
	reg, _ := newTestRegistry(t)
	p := reg.GetOrCreate(idA)

	assert.True(t, p.SetNegotiated(true))
	assert.False(t, p.SetNegotiated(true))
	assert.True(t, p.Invalidate())
	assert.False(t, p.IsSecure())

	ll := netip.MustParseAddrPort("[fe80::1%eth0]:5582")
	assert.True(t, p.SetLinkLocalAddress(ll))
	assert.Equal(t, ll, p.LinkLocalAddress())
	assert.True(t, p.IsTunnelled(), "link-local address does not affect classification")
}

func TestSnapshotReflectsFields(t *testing.T) {
	reg, mock := newTestRegistry(t)
	p := reg.GetOrCreate(idB)
	mock.Add(time.Second)
	p.RecordPacket()
	p.SetTargetAddress(endpoint)
	p.SetConnected(true)

	st := p.Snapshot()
	assert.Equal(t, idB, st.ID)
	assert.Equal(t, p.IPAddress(), st.IPAddress)
	assert.Equal(t, endpoint, st.TargetAddress)
	assert.True(t, st.Active)
	assert.Equal(t, StatusDirect, st.Status)
	assert.Equal(t, mock.Now(), st.LastPacket)
	assert.False(t, st.Secure())
}

func TestSnapshotActivityIsConsistent(t *testing.T) {
	reg, mock := newTestRegistry(t)
	p := reg.GetOrCreate(idA)
	p.RecordPacket()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 1000 {
			p.RecordPacket()
		}
	}()
	for range 1000 {
		st := p.Snapshot()
		assert.Equal(t, !st.LastPacket.IsZero() && mock.Now().Sub(st.LastPacket) < TeardownTimeout, st.Active)
	}
	wg.Wait()
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "Direct", StatusDirect.String())
	assert.Equal(t, "NoPath", StatusNoPath.String())
	assert.Equal(t, "Status(9)", Status(9).String())
	b, err := StatusTunnelled.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "Tunnelled", string(b))
}

func TestStatusUnmarshalText(t *testing.T) {
	var s Status
	require.NoError(t, s.UnmarshalText([]byte("Reestablishing")))
	assert.Equal(t, StatusReestablishing, s)
	assert.Error(t, s.UnmarshalText([]byte("Sideways")))
}
