// Package overlay maps device identities to the virtual addresses routed
// inside the mesh. The mapping holds no state and is identical on every node.
package overlay

import (
	"net/netip"

	"overlay-go/pkg/deviceid"
)

// Prefix covers every overlay address derived from a public key.
var Prefix = netip.PrefixFrom(netip.AddrFrom16([16]byte{deviceid.Prefix[0], deviceid.Prefix[1]}), 16)

// DeviceIDToIPAddress returns the overlay address of id. The identity bytes are
// the address bytes, so distinct identities never share an address.
func DeviceIDToIPAddress(id deviceid.DeviceID) netip.Addr {
	return netip.AddrFrom16(id)
}

// IPAddressToDeviceID reverses DeviceIDToIPAddress. It reports false for
// addresses that cannot belong to a mesh node.
func IPAddressToDeviceID(addr netip.Addr) (deviceid.DeviceID, bool) {
	if !IsOverlayAddress(addr) {
		return deviceid.DeviceID{}, false
	}
	return deviceid.DeviceID(addr.As16()), true
}

// IsOverlayAddress reports whether addr lies inside the overlay prefix.
func IsOverlayAddress(addr netip.Addr) bool {
	if !addr.Is6() || addr.Is4In6() {
		return false
	}
	return Prefix.Contains(addr.WithZone(""))
}
