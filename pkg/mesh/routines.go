package mesh

import (
	"context"

	"overlay-go/pkg/deviceid"
	"overlay-go/pkg/log"
	"overlay-go/pkg/p2p"
	"overlay-go/pkg/router"

	"github.com/google/uuid"
)

// housekeeping drives the periodic work of the session on the injected
// clock: probes and liveness every keepalive interval, eviction, hint
// pruning and route resync every sweep interval.
func (s *Session) housekeeping(ctx context.Context) error {
	keepalive := s.clock.Ticker(s.cfg.KeepaliveInterval)
	defer keepalive.Stop()
	sweep := s.clock.Ticker(s.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-keepalive.C:
			s.keepaliveSweep(ctx)
			s.livenessSweep(ctx)
			s.metrics.refresh(s.reg.Counts())
		case <-sweep.C:
			s.evictionSweep()
			if s.routesDirty.Swap(false) {
				s.resyncRoutes(ctx)
			}
			s.saveHints()
			s.metrics.refresh(s.reg.Counts())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// keepaliveSweep probes the direct endpoint of every peer that has one. Each
// probe carries a fresh check id and supersedes the previous one.
func (s *Session) keepaliveSweep(ctx context.Context) {
	type probe struct {
		id     deviceid.DeviceID
		target router.Decision
	}
	var probes []probe
	s.reg.ForEach(func(p *p2p.Peer) bool {
		d, err := s.router.Route(p, router.EnforceDirect)
		if err == nil {
			probes = append(probes, probe{id: p.DeviceID(), target: d})
		}
		return true
	})

	for _, pr := range probes {
		checkID := uuid.NewString()
		s.checksMu.Lock()
		s.checks[pr.id] = checkID
		s.checksMu.Unlock()
		if err := s.prober.Probe(ctx, pr.id, pr.target.Endpoint, checkID); err != nil {
			log.Printf("Session: probe to %s via %s failed: %v", pr.id, pr.target.Endpoint, err)
			continue
		}
		s.metrics.probes.Inc()
	}
}

// livenessSweep hands every connected peer that went silent for the
// teardown timeout over to path discovery. Traffic falls back to the relay
// until the path is rebuilt.
func (s *Session) livenessSweep(ctx context.Context) {
	var lost []*p2p.Peer
	s.reg.ForEach(func(p *p2p.Peer) bool {
		st := p.Snapshot()
		if st.Connected && !st.Active && !st.Reestablishing {
			lost = append(lost, p)
		}
		return true
	})

	for _, p := range lost {
		if !p.BeginReestablishment() {
			continue
		}
		s.metrics.reestablishments.Inc()
		log.Printf("Session: direct path to %s silent for %s, reestablishing", p.DeviceID(), p.SilentFor())
		if err := s.discovery.Reestablish(ctx, p.DeviceID()); err != nil {
			log.Printf("Session: path discovery for %s: %v", p.DeviceID(), err)
		}
	}
}

func (s *Session) evictionSweep() {
	if evicted := s.reg.EvictInactive(s.cfg.EvictAfter); len(evicted) > 0 {
		s.metrics.evictions.Add(float64(len(evicted)))
	}
	if s.book != nil && s.cfg.HintsMaxAge > 0 {
		if n := s.book.Prune(s.clock.Now().Add(-s.cfg.HintsMaxAge)); n > 0 {
			log.Printf("Session: pruned %d stale address hints", n)
		}
	}
}

// processRouteEvents installs and withdraws host routes for peers as they
// enter and leave the registry.
func (s *Session) processRouteEvents(ctx context.Context) error {
	for {
		select {
		case ev := <-s.routeEvents:
			s.applyRoute(ctx, ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) applyRoute(ctx context.Context, ev routeEvent) {
	var err error
	if ev.remove {
		err = s.netconf.RemovePeer(ctx, ev.addr)
	} else {
		err = s.netconf.AddPeer(ctx, ev.addr)
	}
	if err != nil {
		log.Printf("Session: route for %s (remove=%t): %v", ev.addr, ev.remove, err)
	}
}

// resyncRoutes reinstalls a route for every registered peer after route
// events were dropped.
func (s *Session) resyncRoutes(ctx context.Context) {
	n := 0
	s.reg.ForEach(func(p *p2p.Peer) bool {
		if err := s.netconf.AddPeer(ctx, p.IPAddress()); err != nil {
			log.Printf("Session: route resync for %s: %v", p.IPAddress(), err)
		}
		n++
		return ctx.Err() == nil
	})
	log.Printf("Session: resynced %d peer routes", n)
}
