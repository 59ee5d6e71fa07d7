package mesh

import (
	"context"
	"fmt"
	"net/netip"

	"overlay-go/pkg/deviceid"
	"overlay-go/pkg/log"
)

// Prober sends a keepalive probe to the direct endpoint of a peer. The
// answer is fed back through Session.OnProbeAck with the same check id.
type Prober interface {
	Probe(ctx context.Context, id deviceid.DeviceID, target netip.AddrPort, checkID string) error
}

// PathDiscovery is asked to rebuild the direct path of a peer that went
// silent while connected.
type PathDiscovery interface {
	Reestablish(ctx context.Context, id deviceid.DeviceID) error
}

// PathOp names a path discovery result.
type PathOp uint8

const (
	PathSetTarget PathOp = iota + 1
	PathClearTarget
	PathSetLinkLocal
	PathSetConnected
	PathSetReestablishing
	PathBeginReestablishment
	PathCompleteReestablishment
)

func (op PathOp) String() string {
	switch op {
	case PathSetTarget:
		return "set-target"
	case PathClearTarget:
		return "clear-target"
	case PathSetLinkLocal:
		return "set-link-local"
	case PathSetConnected:
		return "set-connected"
	case PathSetReestablishing:
		return "set-reestablishing"
	case PathBeginReestablishment:
		return "begin-reestablishment"
	case PathCompleteReestablishment:
		return "complete-reestablishment"
	default:
		return fmt.Sprintf("PathOp(%d)", uint8(op))
	}
}

// PathUpdate carries one path discovery result. Addr is read by the target,
// link-local and complete operations; Value by the connected and
// reestablishing setters.
type PathUpdate struct {
	Op    PathOp
	Addr  netip.AddrPort
	Value bool
}

type logProber struct{}

func (logProber) Probe(_ context.Context, id deviceid.DeviceID, target netip.AddrPort, checkID string) error {
	log.Debug().Str("peer", id.String()).Stringer("target", target).Str("check", checkID).Msg("Session: probe (no transport attached)")
	return nil
}

type logDiscovery struct{}

func (logDiscovery) Reestablish(_ context.Context, id deviceid.DeviceID) error {
	log.Printf("Session: path to %s lost, no discovery attached", id)
	return nil
}
