// Package deviceid defines the fixed-width cryptographic identity of a mesh node.
package deviceid

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Size is the width of a DeviceID in bytes. It matches an IPv6 address so the
// overlay address can be derived without loss.
const Size = 16

// Prefix is the leading two bytes shared by every identity derived with FromPublicKey.
var Prefix = [2]byte{0xfc, 0x94}

// DeviceID identifies a mesh node. The zero value is not a valid identity.
type DeviceID [Size]byte

// FromPublicKey derives the identity of the node owning pub.
func FromPublicKey(pub []byte) DeviceID {
	sum := blake2b.Sum512(pub)
	var id DeviceID
	id[0], id[1] = Prefix[0], Prefix[1]
	copy(id[len(Prefix):], sum[:Size-len(Prefix)])
	return id
}

// FromBytes copies b into a DeviceID.
func FromBytes(b []byte) (DeviceID, error) {
	var id DeviceID
	if len(b) != Size {
		return id, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidLength, len(b), Size)
	}
	copy(id[:], b)
	return id, nil
}

// Parse accepts either the IPv6 textual form ("fc94:...") or 32 hex characters.
func Parse(s string) (DeviceID, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ":") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return DeviceID{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
		if !addr.Is6() || addr.Is4In6() || addr.Zone() != "" {
			return DeviceID{}, fmt.Errorf("%w: %q is not a plain IPv6 literal", ErrInvalidFormat, s)
		}
		return DeviceID(addr.As16()), nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return DeviceID{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return FromBytes(b)
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) DeviceID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id DeviceID) IsZero() bool { return id == DeviceID{} }

// String renders the identity the same way its overlay address is rendered.
func (id DeviceID) String() string {
	return netip.AddrFrom16(id).String()
}

// Hex is the compact 32 character form.
func (id DeviceID) Hex() string {
	return hex.EncodeToString(id[:])
}

// Short returns the last four bytes in hex, used for labels.
func (id DeviceID) Short() string {
	return hex.EncodeToString(id[Size-4:])
}

func (id DeviceID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *DeviceID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
