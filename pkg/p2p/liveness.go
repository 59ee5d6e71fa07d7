package p2p

import (
	"math"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// TeardownTimeout separates transient silence from a departed peer.
	TeardownTimeout = 30 * time.Second
	// KeepaliveInterval is the probe period of the housekeeping routines.
	KeepaliveInterval = 5 * time.Second
	// MinTeardownMultiple is the smallest accepted TeardownTimeout/KeepaliveInterval ratio.
	MinTeardownMultiple = 3
)

// neverSeen is older than any timeout without risking overflow in now-last.
const neverSeen int64 = math.MinInt64 / 2

// liveness is the time base shared by all peers of a registry. Timestamps are
// nanoseconds since epoch on the clock's monotonic timeline.
type liveness struct {
	clock    clock.Clock
	epoch    time.Time
	teardown time.Duration
}

func newLiveness(clk clock.Clock, teardown time.Duration) *liveness {
	return &liveness{clock: clk, epoch: clk.Now(), teardown: teardown}
}

func (l *liveness) now() int64 {
	return int64(l.clock.Since(l.epoch))
}

func (l *liveness) at(ts int64) time.Time {
	return l.epoch.Add(time.Duration(ts))
}
