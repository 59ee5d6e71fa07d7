package overlay

import (
	"fmt"
	"net/netip"
	"testing"

	"overlay-go/pkg/deviceid"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceIDToIPAddressDeterministic(t *testing.T) {
	id := deviceid.FromPublicKey([]byte("peer-1"))
	assert.Equal(t, DeviceIDToIPAddress(id), DeviceIDToIPAddress(id))
	assert.Equal(t, id.String(), DeviceIDToIPAddress(id).String())
}

func TestDeviceIDToIPAddressInjective(t *testing.T) {
	seen := make(map[netip.Addr]deviceid.DeviceID)
	for i := 0; i < 2000; i++ {
		id := deviceid.FromPublicKey([]byte(fmt.Sprintf("key-%d", i)))
		addr := DeviceIDToIPAddress(id)
		if prev, ok := seen[addr]; ok {
			require.Equal(t, prev, id, "two identities mapped to %s", addr)
		}
		seen[addr] = id
	}

	var a, b deviceid.DeviceID
	b[deviceid.Size-1] = 1
	assert.NotEqual(t, DeviceIDToIPAddress(a), DeviceIDToIPAddress(b))
}

func TestIPAddressToDeviceIDRoundTrip(t *testing.T) {
	id := deviceid.FromPublicKey([]byte("peer-2"))
	back, ok := IPAddressToDeviceID(DeviceIDToIPAddress(id))
	require.True(t, ok)
	assert.Equal(t, id, back)
	assert.True(t, IsOverlayAddress(DeviceIDToIPAddress(id)))
}

func TestIPAddressToDeviceIDRejectsForeignAddresses(t *testing.T) {
	for _, s := range []string{"10.1.2.3", "::ffff:10.1.2.3", "fe80::1", "2001:db8::1"} {
		_, ok := IPAddressToDeviceID(netip.MustParseAddr(s))
		assert.False(t, ok, s)
	}
}
