package store

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"time"
)

// minJitterSeconds and maxJitterSeconds bound the random advance a
// CursorEngine applies on a cache collision (spec.md §4.H step 3).
const (
	minJitterSeconds = 1
	maxJitterSeconds = 3600
)

// CursorEngine computes the deterministic interval-quantized cache
// cursor (component H) that lets a CDN collapse concurrent live
// readers onto one cached response without looping forever on a stale
// "next" token.
type CursorEngine struct {
	Epoch    time.Time
	Interval time.Duration
}

// DefaultCursorEpoch and DefaultCursorInterval match spec.md §4.H's
// recommended defaults.
var (
	DefaultCursorEpoch    = time.Date(2025, 12, 19, 0, 0, 0, 0, time.UTC)
	DefaultCursorInterval = 20 * time.Second
)

// NewCursorEngine builds an engine, falling back to the protocol
// defaults for a zero epoch or non-positive interval.
func NewCursorEngine(epoch time.Time, interval time.Duration) *CursorEngine {
	if epoch.IsZero() {
		epoch = DefaultCursorEpoch
	}
	if interval <= 0 {
		interval = DefaultCursorInterval
	}
	return &CursorEngine{Epoch: epoch, Interval: interval}
}

// currentInterval returns floor((now - epoch) / interval).
func (c *CursorEngine) currentInterval(now time.Time) int64 {
	return int64(now.Sub(c.Epoch) / c.Interval)
}

// Next computes the cursor to echo back for a request that supplied
// clientCursor (which may be empty). Two calls within the same
// interval always agree (cache-key stability); a collision with the
// freshly computed interval is broken by a random jitter advance so a
// client can never get stuck replaying the same cursor forever.
func (c *CursorEngine) Next(clientCursor string) string {
	current := c.currentInterval(time.Now())

	if clientCursor == "" {
		return strconv.FormatInt(current, 10)
	}

	clientInterval, err := strconv.ParseInt(clientCursor, 10, 64)
	if err != nil || clientInterval < current {
		return strconv.FormatInt(current, 10)
	}

	// Collision: the client is already at (or somehow ahead of) the
	// interval we'd otherwise return. Advance by a random [1, 3600]s
	// jitter, rounded up to whole intervals, so progress is guaranteed.
	jitterSeconds := minJitterSeconds + randIntn(maxJitterSeconds-minJitterSeconds+1)
	intervalSeconds := int64(c.Interval / time.Second)
	if intervalSeconds <= 0 {
		intervalSeconds = 1
	}
	jitterIntervals := (int64(jitterSeconds) + intervalSeconds - 1) / intervalSeconds
	if jitterIntervals < 1 {
		jitterIntervals = 1
	}

	return strconv.FormatInt(clientInterval+jitterIntervals, 10)
}

// randIntn returns a uniform random int in [0, n). Falls back to the
// midpoint if the CSPRNG is unavailable, which never happens in
// practice but keeps Next total.
func randIntn(n int) int {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return n / 2
	}
	return int(v.Int64())
}
