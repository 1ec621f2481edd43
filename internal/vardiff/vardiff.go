// Package vardiff implements the per-session variable-difficulty
// controller: it watches recent share cadence and proposes a new session
// difficulty snapped to a power-of-two lattice.
package vardiff

import (
	"math"
	"sync"
	"time"
)

// Samples is the ring-buffer size K: the controller needs this many recent
// submission timestamps before it will propose a retarget.
const Samples = 16

// TargetInterval is the target share rate R: one share roughly every 20
// seconds. Chosen inside the spec's allowed [5s, 60s] range; logged once
// per session at handshake completion.
const TargetInterval = 20 * time.Second

// Ceiling is the maximum difficulty the controller will ever propose.
const Ceiling float64 = 1 << 32

// Controller tracks one session's recent share timestamps and proposes
// difficulty retargets. It is idempotent: calling Suggest repeatedly
// without a new sample in between returns the same value.
type Controller struct {
	mu    sync.Mutex
	floor float64
	times [Samples]time.Time
	count int
	next  int
}

// New creates a Controller with the given floor: the miner's own
// mining.suggest_difficulty value, or else the session's starting difficulty.
func New(floor float64) *Controller {
	if floor <= 0 {
		floor = 1
	}
	return &Controller{floor: floor}
}

// RecordShare records an accepted share's timestamp.
func (c *Controller) RecordShare(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.times[c.next] = t
	c.next = (c.next + 1) % Samples
	if c.count < Samples {
		c.count++
	}
}

// Suggest returns a new difficulty for current, or (current, false) if
// fewer than Samples timestamps have been recorded yet, or if the
// power-of-two-snapped suggestion equals the current difficulty.
func (c *Controller) Suggest(current float64) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.count < Samples {
		return current, false
	}

	oldest, newest := c.oldestAndNewestLocked()
	window := newest.Sub(oldest).Seconds()
	if window <= 0 {
		return current, false
	}

	rate := float64(Samples-1) / window // shares per second, observed
	target := 1.0 / TargetInterval.Seconds()

	suggested := current * rate / target
	suggested = snapPowerOfTwo(suggested)

	if suggested < c.floor {
		suggested = snapPowerOfTwo(c.floor)
	}
	if suggested > Ceiling {
		suggested = Ceiling
	}

	if suggested == current {
		return current, false
	}
	return suggested, true
}

// oldestAndNewestLocked returns the oldest and newest recorded timestamps.
// mu must be held by the caller.
func (c *Controller) oldestAndNewestLocked() (oldest, newest time.Time) {
	oldestIdx := c.next
	if c.count < Samples {
		oldestIdx = 0
	}
	oldest = c.times[oldestIdx]
	newestIdx := (c.next - 1 + Samples) % Samples
	newest = c.times[newestIdx]
	return oldest, newest
}

// snapPowerOfTwo rounds v to the nearest power of two, at or above 1.
func snapPowerOfTwo(v float64) float64 {
	if v <= 1 {
		return 1
	}
	exp := math.Round(math.Log2(v))
	return math.Pow(2, exp)
}
