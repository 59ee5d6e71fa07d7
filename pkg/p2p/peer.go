package p2p

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"overlay-go/pkg/deviceid"
	"overlay-go/pkg/log"
	"overlay-go/pkg/overlay"
)

// Peer is the connection state kept for one remote node. Classification is
// recomputed from the current fields on every query; there are no stored
// transitions.
//
// lastPacket is updated lock-free from the receive path. The remaining fields
// share one RWMutex so that multi-field transitions are observed atomically.
type Peer struct {
	id deviceid.DeviceID
	lv *liveness

	lastPacket atomic.Int64
	createdAt  int64

	mu               sync.RWMutex
	targetAddress    netip.AddrPort
	linkLocalAddress netip.AddrPort
	connected        bool
	negotiated       bool
	reestablishing   bool
	updatedAt        time.Time
}

func newPeer(id deviceid.DeviceID, lv *liveness) *Peer {
	now := lv.now()
	p := &Peer{
		id:        id,
		lv:        lv,
		createdAt: now,
		updatedAt: lv.at(now),
	}
	p.lastPacket.Store(neverSeen)
	return p
}

// RecordPacket marks the arrival of a packet from this peer. lastPacket never
// moves backwards, even when concurrent receivers race.
func (p *Peer) RecordPacket() {
	now := p.lv.now()
	for {
		last := p.lastPacket.Load()
		if now <= last || p.lastPacket.CompareAndSwap(last, now) {
			return
		}
	}
}

// IsActive reports whether a packet arrived within the teardown timeout.
func (p *Peer) IsActive() bool {
	return p.activeAt(p.lastPacket.Load())
}

func (p *Peer) activeAt(last int64) bool {
	return p.lv.now()-last < int64(p.lv.teardown)
}

// IsTunnelled reports whether traffic must be relayed: no direct target is
// known, or the direct path has not completed connection setup.
func (p *Peer) IsTunnelled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tunnelledLocked()
}

func (p *Peer) tunnelledLocked() bool {
	return !p.targetAddress.IsValid() || !p.connected
}

// IsReestablishing reports whether a previously working direct path is being
// rebuilt. It may be true while the peer is still classified as direct when
// the path collaborator uses the individual setters.
func (p *Peer) IsReestablishing() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reestablishing
}

// IsSecure reports whether the security handshake completed. It is independent
// of the transport classification.
func (p *Peer) IsSecure() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.negotiated
}

func (p *Peer) DeviceID() deviceid.DeviceID { return p.id }

// IPAddress is always derived from the identity, never stored.
func (p *Peer) IPAddress() netip.Addr {
	return overlay.DeviceIDToIPAddress(p.id)
}

func (p *Peer) UsedTargetAddress() netip.AddrPort {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.targetAddress
}

func (p *Peer) LinkLocalAddress() netip.AddrPort {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.linkLocalAddress
}

// LastPacket returns the arrival time of the newest packet, or the zero time
// if nothing was ever received.
func (p *Peer) LastPacket() time.Time {
	return p.lastPacketAt(p.lastPacket.Load())
}

func (p *Peer) lastPacketAt(last int64) time.Time {
	if last == neverSeen {
		return time.Time{}
	}
	return p.lv.at(last)
}

// SilentFor is the time elapsed since the last packet, or since creation for a
// peer that never sent anything.
func (p *Peer) SilentFor() time.Duration {
	ref := max(p.lastPacket.Load(), p.createdAt)
	return time.Duration(p.lv.now() - ref)
}

// Status derives the reporting variant from the current flags.
func (p *Peer) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.statusLocked()
}

func (p *Peer) statusLocked() Status {
	switch {
	case p.reestablishing:
		return StatusReestablishing
	case !p.targetAddress.IsValid():
		return StatusNoPath
	case !p.connected:
		return StatusTunnelled
	default:
		return StatusDirect
	}
}

// Snapshot reads every field under a single read lock.
func (p *Peer) Snapshot() State {
	p.mu.RLock()
	s := State{
		ID:               p.id,
		IPAddress:        p.IPAddress(),
		TargetAddress:    p.targetAddress,
		LinkLocalAddress: p.linkLocalAddress,
		Connected:        p.connected,
		Negotiated:       p.negotiated,
		Reestablishing:   p.reestablishing,
		Tunnelled:        p.tunnelledLocked(),
		Status:           p.statusLocked(),
		UpdatedAt:        p.updatedAt,
	}
	p.mu.RUnlock()
	last := p.lastPacket.Load()
	s.Active = p.activeAt(last)
	s.LastPacket = p.lastPacketAt(last)
	return s
}

// update runs fn under the write lock and logs the resulting status when it changed.
func (p *Peer) update(fn func() bool) bool {
	p.mu.Lock()
	before := p.statusLocked()
	changed := fn()
	if changed {
		p.updatedAt = p.lv.at(p.lv.now())
	}
	after := p.statusLocked()
	p.mu.Unlock()

	if before != after {
		log.Debug().Str("peer", p.id.String()).Stringer("from", before).Stringer("to", after).Msg("Peers: status changed")
	}
	return changed
}

// SetTargetAddress records the best known direct endpoint. The connected flag
// is owned by the path collaborator and left untouched.
func (p *Peer) SetTargetAddress(addr netip.AddrPort) bool {
	return p.update(func() bool {
		if p.targetAddress == addr {
			return false
		}
		p.targetAddress = addr
		return true
	})
}

// ClearTargetAddress forgets the direct endpoint; the peer becomes tunnelled
// whatever the connected flag says.
func (p *Peer) ClearTargetAddress() bool {
	return p.SetTargetAddress(netip.AddrPort{})
}

func (p *Peer) SetLinkLocalAddress(addr netip.AddrPort) bool {
	return p.update(func() bool {
		if p.linkLocalAddress == addr {
			return false
		}
		p.linkLocalAddress = addr
		return true
	})
}

func (p *Peer) SetConnected(connected bool) bool {
	return p.update(func() bool {
		if p.connected == connected {
			return false
		}
		p.connected = connected
		return true
	})
}

func (p *Peer) SetReestablishing(reestablishing bool) bool {
	return p.update(func() bool {
		if p.reestablishing == reestablishing {
			return false
		}
		p.reestablishing = reestablishing
		return true
	})
}

// SetNegotiated records the outcome of the security handshake.
func (p *Peer) SetNegotiated(negotiated bool) bool {
	return p.update(func() bool {
		if p.negotiated == negotiated {
			return false
		}
		p.negotiated = negotiated
		return true
	})
}

// Invalidate drops the security session so a new handshake is required.
func (p *Peer) Invalidate() bool {
	return p.SetNegotiated(false)
}

// BeginReestablishment marks the direct path as broken and being rebuilt in a
// single step. Traffic falls back to the relay meanwhile.
func (p *Peer) BeginReestablishment() bool {
	return p.update(func() bool {
		if p.reestablishing && !p.connected {
			return false
		}
		p.reestablishing = true
		p.connected = false
		return true
	})
}

// CompleteReestablishment installs target as the working direct path, sets
// connected and clears reestablishing in a single step. An invalid target
// keeps the current one.
func (p *Peer) CompleteReestablishment(target netip.AddrPort) bool {
	return p.update(func() bool {
		changed := false
		if target.IsValid() && target != p.targetAddress {
			p.targetAddress = target
			changed = true
		}
		if p.reestablishing {
			p.reestablishing = false
			changed = true
		}
		if p.targetAddress.IsValid() && !p.connected {
			p.connected = true
			changed = true
		}
		return changed
	})
}
