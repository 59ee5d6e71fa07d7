// Package addrbook persists the last working direct endpoint of each peer so
// a restarted node can try the direct path before discovery completes.
//
// The file is JSON compressed with zstd. Hints only seed target addresses;
// they never mark a path connected or a session negotiated.
package addrbook

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"overlay-go/pkg/deviceid"
	"overlay-go/pkg/log"

	"github.com/klauspost/compress/zstd"
)

var ErrCorrupt = errors.New("addrbook: corrupt hints file")

type Hint struct {
	ID        deviceid.DeviceID `json:"id"`
	Target    netip.AddrPort    `json:"target"`
	LinkLocal netip.AddrPort    `json:"linkLocal,omitempty"`
	SeenAt    time.Time         `json:"seenAt"`
}

type Book struct {
	path string

	mu    sync.RWMutex
	hints map[deviceid.DeviceID]Hint
	// gen counts mutations; saved is the generation last written to disk.
	gen   uint64
	saved uint64

	saveMu sync.Mutex
	// afterSnapshot runs between the snapshot and the write in Save.
	afterSnapshot func()
}

// New returns an empty book that will be saved to path.
func New(path string) *Book {
	return &Book{path: path, hints: make(map[deviceid.DeviceID]Hint)}
}

// Load reads path. A missing file yields an empty book.
func Load(path string) (*Book, error) {
	b := New(path)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("addrbook: read %s: %w", path, err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("addrbook: init decoder: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var list []Hint
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	for _, h := range list {
		if h.ID.IsZero() || !h.Target.IsValid() {
			continue
		}
		b.hints[h.ID] = h
	}
	log.Printf("AddrBook: loaded %d hints from %s", len(b.hints), path)
	return b, nil
}

func (b *Book) Path() string { return b.path }

// Record remembers target as the working direct endpoint of id.
func (b *Book) Record(id deviceid.DeviceID, target, linkLocal netip.AddrPort, at time.Time) {
	if !target.IsValid() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, ok := b.hints[id]
	if ok && prev.Target == target && prev.LinkLocal == linkLocal && !at.After(prev.SeenAt) {
		return
	}
	b.hints[id] = Hint{ID: id, Target: target, LinkLocal: linkLocal, SeenAt: at}
	b.gen++
}

func (b *Book) Lookup(id deviceid.DeviceID) (Hint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.hints[id]
	return h, ok
}

func (b *Book) Forget(id deviceid.DeviceID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.hints[id]; ok {
		delete(b.hints, id)
		b.gen++
	}
}

// Prune drops hints last seen before cutoff and returns how many were dropped.
func (b *Book) Prune(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, h := range b.hints {
		if h.SeenAt.Before(cutoff) {
			delete(b.hints, id)
			n++
		}
	}
	if n > 0 {
		b.gen++
	}
	return n
}

func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.hints)
}

// Hints returns every hint sorted by identity.
func (b *Book) Hints() []Hint {
	hints, _ := b.snapshot()
	return hints
}

func (b *Book) snapshot() ([]Hint, uint64) {
	b.mu.RLock()
	out := make([]Hint, 0, len(b.hints))
	for _, h := range b.hints {
		out = append(out, h)
	}
	gen := b.gen
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Hex() < out[j].ID.Hex() })
	return out, gen
}

// Dirty reports whether the book changed since the last successful save.
func (b *Book) Dirty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.gen != b.saved
}

// Save writes the book when it changed since the last save. The file is
// replaced atomically. Changes made while a save is in flight stay dirty
// and are written by the next one.
func (b *Book) Save() error {
	b.saveMu.Lock()
	defer b.saveMu.Unlock()

	if !b.Dirty() {
		return nil
	}
	hints, gen := b.snapshot()
	if b.afterSnapshot != nil {
		b.afterSnapshot()
	}

	raw, err := json.Marshal(hints)
	if err != nil {
		return fmt.Errorf("addrbook: encode: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("addrbook: init encoder: %w", err)
	}
	data := enc.EncodeAll(raw, nil)
	enc.Close()

	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("addrbook: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".hints-*")
	if err != nil {
		return fmt.Errorf("addrbook: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("addrbook: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("addrbook: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.path); err != nil {
		return fmt.Errorf("addrbook: replace %s: %w", b.path, err)
	}

	b.mu.Lock()
	b.saved = gen
	b.mu.Unlock()
	return nil
}
