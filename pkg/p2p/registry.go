package p2p

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"overlay-go/pkg/deviceid"
	"overlay-go/pkg/log"

	"github.com/benbjohnson/clock"
)

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	peers map[deviceid.DeviceID]*Peer
}

// Registry owns every Peer of the node, keyed by device identity. All methods
// are safe for concurrent use. A Peer handed out by the registry stays valid
// after removal; it is simply no longer reachable through Find.
type Registry struct {
	shards [shardCount]shard
	lv     *liveness

	keepalive time.Duration

	hookMu    sync.RWMutex
	onAdded   []func(*Peer)
	onRemoved []func(*Peer)
}

type Option func(*registryConfig)

type registryConfig struct {
	clock     clock.Clock
	teardown  time.Duration
	keepalive time.Duration
}

// WithClock replaces the wall clock, typically with clock.NewMock in tests.
func WithClock(c clock.Clock) Option {
	return func(rc *registryConfig) { rc.clock = c }
}

func WithTeardownTimeout(d time.Duration) Option {
	return func(rc *registryConfig) { rc.teardown = d }
}

func WithKeepaliveInterval(d time.Duration) Option {
	return func(rc *registryConfig) { rc.keepalive = d }
}

// NewRegistry builds an empty registry. The teardown timeout must cover at
// least MinTeardownMultiple keepalive intervals so that a single lost probe
// never deactivates a peer.
func NewRegistry(opts ...Option) (*Registry, error) {
	rc := registryConfig{
		clock:     clock.New(),
		teardown:  TeardownTimeout,
		keepalive: KeepaliveInterval,
	}
	for _, opt := range opts {
		opt(&rc)
	}
	if rc.teardown <= 0 || rc.keepalive <= 0 {
		return nil, ErrInvalidDuration
	}
	if rc.teardown < MinTeardownMultiple*rc.keepalive {
		return nil, fmt.Errorf("%w: teardown=%s keepalive=%s", ErrTeardownTooShort, rc.teardown, rc.keepalive)
	}
	reg := &Registry{
		lv:        newLiveness(rc.clock, rc.teardown),
		keepalive: rc.keepalive,
	}
	for i := range reg.shards {
		reg.shards[i].peers = make(map[deviceid.DeviceID]*Peer)
	}
	return reg, nil
}

func (reg *Registry) shardFor(id deviceid.DeviceID) *shard {
	return &reg.shards[int(id[deviceid.Size-1])%shardCount]
}

func (reg *Registry) TeardownTimeout() time.Duration   { return reg.lv.teardown }
func (reg *Registry) KeepaliveInterval() time.Duration { return reg.keepalive }
func (reg *Registry) Clock() clock.Clock               { return reg.lv.clock }

// OnAdded registers fn to run after a peer is created. Hooks run outside the
// registry locks and may call back into it.
func (reg *Registry) OnAdded(fn func(*Peer)) {
	reg.hookMu.Lock()
	defer reg.hookMu.Unlock()
	reg.onAdded = append(reg.onAdded, fn)
}

// OnRemoved registers fn to run after a peer leaves the registry.
func (reg *Registry) OnRemoved(fn func(*Peer)) {
	reg.hookMu.Lock()
	defer reg.hookMu.Unlock()
	reg.onRemoved = append(reg.onRemoved, fn)
}

func (reg *Registry) fire(hooks *[]func(*Peer), p *Peer) {
	reg.hookMu.RLock()
	fns := *hooks
	reg.hookMu.RUnlock()
	for _, fn := range fns {
		fn(p)
	}
}

// GetOrCreate returns the peer for id, creating it with default fields when
// absent. Concurrent callers with the same id all receive the same instance.
func (reg *Registry) GetOrCreate(id deviceid.DeviceID) *Peer {
	p, _ := reg.GetOrCreateNew(id)
	return p
}

// GetOrCreateNew is GetOrCreate that also reports whether this call created the peer.
func (reg *Registry) GetOrCreateNew(id deviceid.DeviceID) (*Peer, bool) {
	s := reg.shardFor(id)

	s.mu.RLock()
	p, ok := s.peers[id]
	s.mu.RUnlock()
	if ok {
		return p, false
	}

	s.mu.Lock()
	if p, ok = s.peers[id]; ok {
		s.mu.Unlock()
		return p, false
	}
	p = newPeer(id, reg.lv)
	s.peers[id] = p
	s.mu.Unlock()

	log.Printf("Peers: Added peer id=%s", id)
	reg.fire(&reg.onAdded, p)
	return p, true
}

// Find returns the peer for id without creating it.
func (reg *Registry) Find(id deviceid.DeviceID) (*Peer, bool) {
	s := reg.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	return p, ok
}

// ForEach calls fn for every peer present when the shard holding it is
// visited. fn runs without registry locks held, so it may create or remove
// peers; such changes may or may not be seen by the ongoing iteration.
// Returning false stops the iteration.
func (reg *Registry) ForEach(fn func(*Peer) bool) {
	var batch []*Peer
	for i := range reg.shards {
		s := &reg.shards[i]
		s.mu.RLock()
		batch = batch[:0]
		for _, p := range s.peers {
			batch = append(batch, p)
		}
		s.mu.RUnlock()
		for _, p := range batch {
			if !fn(p) {
				return
			}
		}
	}
}

// Remove drops id from the registry. Removing an absent id is a no-op.
func (reg *Registry) Remove(id deviceid.DeviceID) bool {
	s := reg.shardFor(id)
	s.mu.Lock()
	p, ok := s.peers[id]
	if ok {
		delete(s.peers, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	log.Printf("Peers: Removed peer id=%s", id)
	reg.fire(&reg.onRemoved, p)
	return true
}

// Len counts peers across shards; the result may be stale under concurrent writes.
func (reg *Registry) Len() int {
	n := 0
	for i := range reg.shards {
		s := &reg.shards[i]
		s.mu.RLock()
		n += len(s.peers)
		s.mu.RUnlock()
	}
	return n
}

// Peers returns every peer sorted by identity.
func (reg *Registry) Peers() []*Peer {
	var out []*Peer
	reg.ForEach(func(p *Peer) bool {
		out = append(out, p)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].id.Hex() < out[j].id.Hex()
	})
	return out
}

// Snapshots returns a consistent State for every peer, sorted by identity.
func (reg *Registry) Snapshots() []State {
	peers := reg.Peers()
	out := make([]State, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.Snapshot())
	}
	return out
}

// EvictInactive removes peers that stayed silent for at least after. A peer is
// only removed if it is still the registered instance for its id and still
// silent when its shard lock is taken.
func (reg *Registry) EvictInactive(after time.Duration) []deviceid.DeviceID {
	var candidates []*Peer
	reg.ForEach(func(p *Peer) bool {
		if p.SilentFor() >= after {
			candidates = append(candidates, p)
		}
		return true
	})

	var evicted []deviceid.DeviceID
	for _, p := range candidates {
		s := reg.shardFor(p.id)
		s.mu.Lock()
		cur, ok := s.peers[p.id]
		gone := ok && cur == p && p.SilentFor() >= after
		if gone {
			delete(s.peers, p.id)
		}
		s.mu.Unlock()
		if !gone {
			continue
		}
		log.Printf("Peers: Evicted peer id=%s silent for %s", p.id, p.SilentFor().Truncate(time.Second))
		reg.fire(&reg.onRemoved, p)
		evicted = append(evicted, p.id)
	}
	return evicted
}

// Counts tallies peers per Status plus active and secure peers.
type Counts struct {
	ByStatus map[Status]int
	Active   int
	Secure   int
	Total    int
}

func (reg *Registry) Counts() Counts {
	c := Counts{ByStatus: make(map[Status]int, 4)}
	reg.ForEach(func(p *Peer) bool {
		st := p.Snapshot()
		c.ByStatus[st.Status]++
		c.Total++
		if st.Active {
			c.Active++
		}
		if st.Negotiated {
			c.Secure++
		}
		return true
	})
	return c
}
