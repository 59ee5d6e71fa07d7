package addrbook

import (
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"overlay-go/pkg/deviceid"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	id1 = deviceid.MustParse("fc94:0:0:0:0:0:0:1")
	id2 = deviceid.MustParse("fc94:0:0:0:0:0:0:2")
	ep1 = netip.MustParseAddrPort("192.0.2.1:5582")
	ep2 = netip.MustParseAddrPort("[2001:db8::2]:5582")
)

func TestLoadMissingFile(t *testing.T) {
	b, err := Load(filepath.Join(t.TempDir(), "absent.zst"))
	require.NoError(t, err)
	assert.Zero(t, b.Len())
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hints", "peers.json.zst")
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	b := New(path)
	b.Record(id1, ep1, netip.AddrPort{}, now)
	b.Record(id2, ep2, netip.MustParseAddrPort("[fe80::2]:5582"), now)
	b.Record(id2, netip.AddrPort{}, netip.AddrPort{}, now)
	require.NoError(t, b.Save())

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, loaded.Len())
	h, ok := loaded.Lookup(id2)
	require.True(t, ok)
	assert.Equal(t, ep2, h.Target, "an invalid target must not overwrite a hint")
	assert.True(t, h.SeenAt.Equal(now))
	assert.Equal(t, []Hint{mustLookup(t, loaded, id1), h}, loaded.Hints())
}

func mustLookup(t *testing.T, b *Book, id deviceid.DeviceID) Hint {
	t.Helper()
	h, ok := b.Lookup(id)
	require.True(t, ok)
	return h
}

func TestSaveSkipsWhenClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.zst")
	b := New(path)
	require.NoError(t, b.Save())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRecordDuringSaveStaysDirty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.zst")
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New(path)
	b.Record(id1, ep1, netip.AddrPort{}, now)
	b.afterSnapshot = func() {
		b.afterSnapshot = nil
		b.Record(id2, ep2, netip.AddrPort{}, now)
	}

	require.NoError(t, b.Save())
	assert.True(t, b.Dirty(), "a hint recorded mid-save is not covered by that save")
	loaded, err := Load(path)
	require.NoError(t, err)
	_, ok := loaded.Lookup(id2)
	assert.False(t, ok)

	require.NoError(t, b.Save())
	assert.False(t, b.Dirty())
	loaded, err = Load(path)
	require.NoError(t, err)
	h, ok := loaded.Lookup(id2)
	require.True(t, ok)
	assert.Equal(t, ep2, h.Target)
}

func TestConcurrentRecordAndSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.zst")
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New(path)

	var ids []deviceid.DeviceID
	for i := 1; i <= 200; i++ {
		var id deviceid.DeviceID
		id[0], id[1] = 0xfc, 0x94
		id[14], id[15] = byte(i>>8), byte(i)
		ids = append(ids, id)
	}

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				assert.NoError(t, b.Save())
			}
		}
	}()
	for _, id := range ids {
		b.Record(id, ep1, netip.AddrPort{}, now)
	}
	close(done)
	wg.Wait()
	require.NoError(t, b.Save())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, len(ids), loaded.Len())
}

func TestPruneAndForget(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New(filepath.Join(t.TempDir(), "p.zst"))
	b.Record(id1, ep1, netip.AddrPort{}, now.Add(-48*time.Hour))
	b.Record(id2, ep2, netip.AddrPort{}, now)

	assert.Equal(t, 1, b.Prune(now.Add(-24*time.Hour)))
	_, ok := b.Lookup(id1)
	assert.False(t, ok)

	b.Forget(id2)
	assert.Zero(t, b.Len())
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.zst")
	require.NoError(t, os.WriteFile(path, []byte("not zstd"), 0o600))
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrCorrupt)
}
