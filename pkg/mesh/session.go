// Package mesh runs the peer-connection core of one node: the peer registry,
// route decisions, housekeeping and the management surfaces around them.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"overlay-go/pkg/addrbook"
	"overlay-go/pkg/deviceid"
	"overlay-go/pkg/log"
	"overlay-go/pkg/management"
	"overlay-go/pkg/natclient"
	"overlay-go/pkg/netconf"
	"overlay-go/pkg/overlay"
	"overlay-go/pkg/p2p"
	"overlay-go/pkg/router"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
)

const routeEventBuffer = 1024

type routeEvent struct {
	addr   netip.Addr
	remove bool
}

// Session owns the registry of one node and is the entry point for every
// collaborator: receive path, path discovery, handshake and router clients.
type Session struct {
	cfg   *Config
	key   *deviceid.Key
	self  deviceid.DeviceID
	clock clock.Clock

	reg       *p2p.Registry
	router    *router.Router
	metrics   *metrics
	prober    Prober
	discovery PathDiscovery
	netconf   netconf.Configurator
	book      *addrbook.Book
	mgmt      *management.Server
	api       *API

	routeEvents chan routeEvent
	routesDirty atomic.Bool

	checksMu sync.Mutex
	checks   map[deviceid.DeviceID]string

	mu      sync.Mutex
	nat     *natclient.Client
	cancel  context.CancelFunc
	running bool
	closed  bool
	done    chan struct{}
}

type Option func(*Session)

func WithClock(c clock.Clock) Option { return func(s *Session) { s.clock = c } }

// WithKey uses k instead of loading DeviceKeyFile.
func WithKey(k *deviceid.Key) Option { return func(s *Session) { s.key = k } }

func WithProber(p Prober) Option { return func(s *Session) { s.prober = p } }

func WithPathDiscovery(d PathDiscovery) Option { return func(s *Session) { s.discovery = d } }

func WithConfigurator(c netconf.Configurator) Option { return func(s *Session) { s.netconf = c } }

func NewSession(cfg *Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		cfg:         cfg,
		clock:       clock.New(),
		prober:      logProber{},
		discovery:   logDiscovery{},
		metrics:     newMetrics(),
		routeEvents: make(chan routeEvent, routeEventBuffer),
		checks:      make(map[deviceid.DeviceID]string),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.key == nil {
		k, err := deviceid.LoadOrCreateKey(cfg.DeviceKeyFile)
		if err != nil {
			return nil, fmt.Errorf("mesh: device key: %w", err)
		}
		s.key = k
	}
	s.self = s.key.ID()

	reg, err := p2p.NewRegistry(
		p2p.WithClock(s.clock),
		p2p.WithTeardownTimeout(cfg.TeardownTimeout),
		p2p.WithKeepaliveInterval(cfg.KeepaliveInterval),
	)
	if err != nil {
		return nil, fmt.Errorf("mesh: %w", err)
	}
	s.reg = reg
	s.router = router.New(router.Policy{InsecureDirect: cfg.insecurePolicy()})

	if s.netconf == nil {
		nc, err := netconf.New(cfg.InterfaceName)
		if err != nil {
			return nil, err
		}
		s.netconf = nc
	}

	if cfg.AddressHintsFile != "" {
		book, err := addrbook.Load(cfg.AddressHintsFile)
		if errors.Is(err, addrbook.ErrCorrupt) {
			log.Printf("Session: discarding unreadable address hints: %v", err)
			book, err = addrbook.New(cfg.AddressHintsFile), nil
		}
		if err != nil {
			return nil, fmt.Errorf("mesh: %w", err)
		}
		s.book = book
	}

	reg.OnAdded(s.peerAdded)
	reg.OnRemoved(s.peerRemoved)

	if cfg.ManagementSocket != "" {
		s.mgmt = management.NewServer(cfg.ManagementSocket, cfg.ManagementPassword)
		s.registerCommands()
	}
	s.api = newAPI(s)

	log.Printf("Session: device %s, overlay address %s", s.self.Hex(), s.SelfAddress())
	return s, nil
}

func (s *Session) Self() deviceid.DeviceID { return s.self }
func (s *Session) SelfAddress() netip.Addr { return overlay.DeviceIDToIPAddress(s.self) }
func (s *Session) Registry() *p2p.Registry { return s.reg }
func (s *Session) Config() *Config { return s.cfg }
func (s *Session) API() *API { return s.api }
func (s *Session) Hints() *addrbook.Book { return s.book }
func (s *Session) Management() *management.Server { return s.mgmt }

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) peerAdded(p *p2p.Peer) {
	if s.book != nil {
		if h, ok := s.book.Lookup(p.DeviceID()); ok {
			p.SetTargetAddress(h.Target)
			if h.LinkLocal.IsValid() {
				p.SetLinkLocalAddress(h.LinkLocal)
			}
			log.Debug().Str("peer", p.DeviceID().String()).Stringer("target", h.Target).Msg("Session: seeded target from hints")
		}
	}
	s.queueRoute(routeEvent{addr: p.IPAddress()})
}

func (s *Session) peerRemoved(p *p2p.Peer) {
	s.checksMu.Lock()
	delete(s.checks, p.DeviceID())
	s.checksMu.Unlock()
	s.queueRoute(routeEvent{addr: p.IPAddress(), remove: true})
}

// queueRoute never blocks the caller, which may be the receive path. On
// overflow the next sweep reinstalls every route.
func (s *Session) queueRoute(ev routeEvent) {
	select {
	case s.routeEvents <- ev:
	default:
		if !s.routesDirty.Swap(true) {
			log.Warn().Msg("Session: route event queue full, scheduling a full route resync")
		}
	}
}

// OnPacketReceived attributes an incoming packet to id, creating the peer on
// first contact.
func (s *Session) OnPacketReceived(id deviceid.DeviceID) (*p2p.Peer, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	if id == s.self || id.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	p := s.reg.GetOrCreate(id)
	p.RecordPacket()
	s.metrics.packets.Inc()
	return p, nil
}

// OnPathUpdate applies a path discovery result to the peer id.
func (s *Session) OnPathUpdate(id deviceid.DeviceID, u PathUpdate) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if id == s.self || id.IsZero() {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	p := s.reg.GetOrCreate(id)
	switch u.Op {
	case PathSetTarget:
		p.SetTargetAddress(u.Addr)
	case PathClearTarget:
		p.ClearTargetAddress()
	case PathSetLinkLocal:
		p.SetLinkLocalAddress(u.Addr)
	case PathSetConnected:
		p.SetConnected(u.Value)
	case PathSetReestablishing:
		p.SetReestablishing(u.Value)
	case PathBeginReestablishment:
		p.BeginReestablishment()
	case PathCompleteReestablishment:
		p.CompleteReestablishment(u.Addr)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownPathOp, u.Op)
	}
	s.rememberDirect(p)
	return nil
}

// OnHandshakeResult records the outcome of the security handshake. A failed
// or invalidated session clears the secure flag.
func (s *Session) OnHandshakeResult(id deviceid.DeviceID, ok bool) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if id == s.self || id.IsZero() {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	p := s.reg.GetOrCreate(id)
	if p.SetNegotiated(ok) {
		log.Printf("Session: peer %s secure=%t", id, ok)
	}
	return nil
}

// OnProbeAck handles the answer to a keepalive probe. Only the latest check
// id of a peer is accepted; it proves the direct path works.
func (s *Session) OnProbeAck(id deviceid.DeviceID, checkID string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.checksMu.Lock()
	want, ok := s.checks[id]
	if ok && want == checkID {
		delete(s.checks, id)
	}
	s.checksMu.Unlock()
	if !ok || want != checkID {
		return ErrStaleProbe
	}

	p, found := s.reg.Find(id)
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	p.RecordPacket()
	if p.CompleteReestablishment(netip.AddrPort{}) {
		log.Printf("Session: direct path to %s confirmed via %s", id, p.UsedTargetAddress())
	}
	s.rememberDirect(p)
	return nil
}

func (s *Session) rememberDirect(p *p2p.Peer) {
	if s.book == nil {
		return
	}
	st := p.Snapshot()
	if st.Tunnelled {
		return
	}
	s.book.Record(st.ID, st.TargetAddress, st.LinkLocalAddress, s.clock.Now())
}

// Route returns the transport decision for the peer id.
func (s *Session) Route(id deviceid.DeviceID, strategy router.Strategy) (router.Decision, error) {
	p, ok := s.reg.Find(id)
	if !ok {
		s.metrics.observeRoute(router.Decision{}, router.ErrUnknownPeer)
		return router.Decision{}, fmt.Errorf("%w: %s", router.ErrUnknownPeer, id)
	}
	d, err := s.router.Route(p, strategy)
	s.metrics.observeRoute(d, err)
	return d, err
}

// RouteAddr is Route keyed by overlay destination address, as read from an
// outgoing packet.
func (s *Session) RouteAddr(dst netip.Addr, strategy router.Strategy) (router.Decision, error) {
	id, ok := overlay.IPAddressToDeviceID(dst)
	if !ok {
		return router.Decision{}, fmt.Errorf("%w: %s is not an overlay address", router.ErrUnknownPeer, dst)
	}
	return s.Route(id, strategy)
}

func (s *Session) Peer(id deviceid.DeviceID) (p2p.State, bool) {
	p, ok := s.reg.Find(id)
	if !ok {
		return p2p.State{}, false
	}
	return p.Snapshot(), true
}

func (s *Session) Peers() []p2p.State {
	return s.reg.Snapshots()
}

func (s *Session) RemovePeer(id deviceid.DeviceID) bool {
	return s.reg.Remove(id)
}

func (s *Session) Topology() *p2p.Topology {
	return p2p.NewTopology(s.self, s.reg)
}

// Run configures the host, then serves housekeeping, the route worker, the
// HTTP API and the management socket until ctx is done or one of them fails.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer close(s.done)
	defer cancel()

	if err := s.netconf.AssignSelf(ctx, s.SelfAddress()); err != nil {
		s.shutdown()
		return fmt.Errorf("mesh: %w", err)
	}
	if s.cfg.PortMapping {
		s.setupPortMapping(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.housekeeping(gctx) })
	g.Go(func() error { return s.processRouteEvents(gctx) })
	if s.cfg.APIListenAddr != "" {
		g.Go(func() error { return s.api.Serve(gctx, s.cfg.APIListenAddr) })
	}
	if s.mgmt != nil {
		g.Go(func() error { return s.mgmt.Serve(gctx) })
	}
	log.Printf("Session: running")

	err := g.Wait()
	s.shutdown()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (s *Session) setupPortMapping(ctx context.Context) {
	desc := fmt.Sprintf("overlay-go/%s", s.self.Short())
	nat, m, err := natclient.Setup(ctx, uint16(s.cfg.ListenPort), desc, s.cfg.RelayAddress)
	if err != nil {
		log.Printf("Session: port mapping unavailable: %v", err)
		return
	}
	s.mu.Lock()
	s.nat = nat
	s.mu.Unlock()
	log.Printf("Session: reachable directly at %s (%s)", nat.ExternalEndpoint(m), nat.Kind())
}

// shutdown persists hints and releases gateway mappings.
func (s *Session) shutdown() {
	s.saveHints()
	s.mu.Lock()
	nat := s.nat
	s.nat = nil
	s.mu.Unlock()
	if nat != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := nat.Cleanup(ctx); err != nil {
			log.Printf("Session: port mapping cleanup: %v", err)
		}
	}
}

func (s *Session) saveHints() {
	if s.book == nil {
		return
	}
	if err := s.book.Save(); err != nil {
		log.Printf("Session: saving address hints: %v", err)
	}
}

// Close stops a running session and waits for Run to return. Further
// collaborator calls fail with ErrSessionClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	running, cancel := s.running, s.cancel
	s.mu.Unlock()

	if running {
		cancel()
		<-s.done
	} else {
		s.shutdown()
	}
	log.Printf("Session: shutdown complete")
	return nil
}
