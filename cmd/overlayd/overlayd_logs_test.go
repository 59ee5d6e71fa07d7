package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeSpec(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	ts, err := parseTimeSpec("90m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-90*time.Minute), ts)

	ts, err = parseTimeSpec("2d", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-48*time.Hour), ts)

	ts, err = parseTimeSpec("1w", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-7*24*time.Hour), ts)

	ts, err = parseTimeSpec("2024-05-01T08:30:00Z", now)
	require.NoError(t, err)
	assert.True(t, ts.Equal(time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)))

	ts, err = parseTimeSpec("2024-05-01", now)
	require.NoError(t, err)
	assert.Equal(t, 2024, ts.Year())
	assert.Equal(t, time.May, ts.Month())

	_, err = parseTimeSpec("yesterday", now)
	assert.Error(t, err)
	_, err = parseTimeSpec("xd", now)
	assert.Error(t, err)
}
