package p2p

import (
	"fmt"
	"net/netip"
	"time"

	"overlay-go/pkg/deviceid"
)

// Status is a reporting view over the peer flags. Routing never switches on
// it; it uses the individual queries.
type Status uint8

const (
	StatusNoPath Status = iota
	StatusTunnelled
	StatusReestablishing
	StatusDirect
)

func (s Status) String() string {
	switch s {
	case StatusNoPath:
		return "NoPath"
	case StatusTunnelled:
		return "Tunnelled"
	case StatusReestablishing:
		return "Reestablishing"
	case StatusDirect:
		return "Direct"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for _, st := range []Status{StatusNoPath, StatusTunnelled, StatusReestablishing, StatusDirect} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("p2p: unknown status %q", text)
}

// State is a consistent copy of a peer, as returned by Peer.Snapshot.
type State struct {
	ID               deviceid.DeviceID `json:"id"`
	IPAddress        netip.Addr        `json:"ipAddress"`
	TargetAddress    netip.AddrPort    `json:"targetAddress"`
	LinkLocalAddress netip.AddrPort    `json:"linkLocalAddress"`
	Connected        bool              `json:"connected"`
	Negotiated       bool              `json:"negotiated"`
	Reestablishing   bool              `json:"reestablishing"`
	Active           bool              `json:"active"`
	Tunnelled        bool              `json:"tunnelled"`
	Status           Status            `json:"status"`
	LastPacket       time.Time         `json:"lastPacket"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Secure mirrors Peer.IsSecure for a snapshot.
func (s State) Secure() bool { return s.Negotiated }
