// Package router picks the transport path for outgoing traffic from the
// classification of a peer.
package router

import (
	"fmt"
	"net/netip"
	"strings"

	"overlay-go/pkg/p2p"
)

// Strategy selects how strictly a packet follows the peer classification.
type Strategy uint8

const (
	// EnforceRelay always tunnels through the relay, e.g. for control messages.
	EnforceRelay Strategy = iota
	// BestEffort goes direct when the peer is not tunnelled, relay otherwise.
	BestEffort
	// EnforceDirect targets the direct endpoint whatever its state, e.g. for path probes.
	EnforceDirect
)

func (s Strategy) String() string {
	switch s {
	case EnforceRelay:
		return "EnforceRelay"
	case BestEffort:
		return "BestEffort"
	case EnforceDirect:
		return "EnforceDirect"
	default:
		return fmt.Sprintf("Strategy(%d)", uint8(s))
	}
}

// ParseStrategy accepts "relay", "best-effort" and "direct".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "relay", "enforce-relay":
		return EnforceRelay, nil
	case "best-effort", "besteffort", "":
		return BestEffort, nil
	case "direct", "enforce-direct":
		return EnforceDirect, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// Path is the transport chosen for one packet.
type Path uint8

const (
	PathRelay Path = iota
	PathDirect
	PathLinkLocal
)

func (p Path) String() string {
	switch p {
	case PathRelay:
		return "relay"
	case PathDirect:
		return "direct"
	case PathLinkLocal:
		return "link-local"
	default:
		return fmt.Sprintf("Path(%d)", uint8(p))
	}
}

func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// InsecureDirect is what to do when a direct path is up but the security
// handshake has not completed yet.
type InsecureDirect uint8

const (
	InsecureReject InsecureDirect = iota
	InsecureQueue
	InsecureRelay
)

func (i InsecureDirect) String() string {
	switch i {
	case InsecureReject:
		return "reject"
	case InsecureQueue:
		return "queue"
	case InsecureRelay:
		return "relay"
	default:
		return fmt.Sprintf("InsecureDirect(%d)", uint8(i))
	}
}

// ParseInsecureDirect accepts the names printed by String, case-insensitively.
func ParseInsecureDirect(s string) (InsecureDirect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reject":
		return InsecureReject, nil
	case "queue":
		return InsecureQueue, nil
	case "relay", "":
		return InsecureRelay, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

type Policy struct {
	InsecureDirect InsecureDirect
}

// Decision describes where a packet goes. Endpoint is set for direct and
// link-local paths; Overlay is the tunnel destination and is always set.
type Decision struct {
	Path     Path           `json:"path"`
	Endpoint netip.AddrPort `json:"endpoint"`
	Overlay  netip.Addr     `json:"overlay"`
	Secure   bool           `json:"secure"`
	Queued   bool           `json:"queued"`
}

func (d Decision) String() string {
	if d.Path == PathRelay {
		return fmt.Sprintf("relay to %s secure=%t", d.Overlay, d.Secure)
	}
	return fmt.Sprintf("%s to %s secure=%t queued=%t", d.Path, d.Endpoint, d.Secure, d.Queued)
}

type Router struct {
	policy Policy
}

func New(policy Policy) *Router {
	return &Router{policy: policy}
}

func (r *Router) Policy() Policy { return r.policy }

// Route decides the path for p. Only the peer classification is consulted:
// activity and the reestablishing flag do not change the decision.
func (r *Router) Route(p *p2p.Peer, strategy Strategy) (Decision, error) {
	if p == nil {
		return Decision{}, ErrUnknownPeer
	}
	return r.RouteState(p.Snapshot(), strategy)
}

// RouteState is Route over an already captured snapshot.
func (r *Router) RouteState(st p2p.State, strategy Strategy) (Decision, error) {
	relay := Decision{Path: PathRelay, Overlay: st.IPAddress, Secure: st.Negotiated}

	switch strategy {
	case EnforceRelay:
		return relay, nil
	case EnforceDirect:
		if !st.TargetAddress.IsValid() {
			return Decision{}, fmt.Errorf("%w: peer %s", ErrNoDirectPath, st.ID)
		}
		return Decision{Path: PathDirect, Endpoint: st.TargetAddress, Overlay: st.IPAddress, Secure: st.Negotiated}, nil
	case BestEffort:
	default:
		return Decision{}, fmt.Errorf("router: unknown strategy %s", strategy)
	}

	if st.Tunnelled {
		return relay, nil
	}

	direct := Decision{Path: PathDirect, Endpoint: st.TargetAddress, Overlay: st.IPAddress, Secure: st.Negotiated}
	if st.LinkLocalAddress.IsValid() {
		direct.Path = PathLinkLocal
		direct.Endpoint = st.LinkLocalAddress
	}
	if st.Negotiated {
		return direct, nil
	}

	switch r.policy.InsecureDirect {
	case InsecureQueue:
		direct.Queued = true
		return direct, nil
	case InsecureRelay:
		return relay, nil
	default:
		return Decision{}, fmt.Errorf("%w: peer %s", ErrInsecureDirect, st.ID)
	}
}
