package log

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueriesBeforeInit(t *testing.T) {
	_, err := GetLastNLogs(10)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestSetOutputCapturesEvents(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(&bytes.Buffer{}) })

	Printf("peer %s added", "fc94::1")
	Info().Str("peer", "fc94::2").Msg("removed")

	out := buf.String()
	assert.Contains(t, out, "peer fc94::1 added")
	assert.Contains(t, out, `"peer":"fc94::2"`)
}

func TestSQLiteSink(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, Init(dbPath))
	t.Cleanup(func() { _ = Close() })

	assert.Error(t, Init(dbPath), "second Init must fail")

	start := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		Printf("entry %d", i)
	}

	last, err := GetLastNLogs(2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.True(t, strings.Contains(last[0].LogData, "entry 3"))
	assert.True(t, strings.Contains(last[1].LogData, "entry 4"))

	all, err := GetLogsSinceInit()
	require.NoError(t, err)
	assert.Len(t, all, 5)

	since, err := GetLogsSince(start, 0)
	require.NoError(t, err)
	assert.Len(t, since, 5)

	require.NoError(t, Close())
	_, err = GetLastNLogs(1)
	assert.ErrorIs(t, err, ErrNotInitialized)
}
