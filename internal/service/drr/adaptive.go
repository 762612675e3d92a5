package drr

import "sync"

const (
	adaptiveWindow = 200
	// minSamples gates cap adjustment so a handful of early failures
	// cannot collapse the ceiling at startup.
	minSamples   = 20
	errThreshold = 0.05
	decayFactor  = 0.7
)

// AdaptiveCap tracks recent task outcomes and derives a concurrency
// ceiling: multiplicative decrease on sustained error, additive
// increase otherwise.
type AdaptiveCap struct {
	mu      sync.Mutex
	cap     int
	floor   int
	ceiling int

	win  []bool
	next int
	n    int
}

// NewAdaptiveCap returns a cap starting at floor, bounded to [floor, ceiling].
func NewAdaptiveCap(floor, ceiling int) *AdaptiveCap {
	if floor < 1 {
		floor = 1
	}
	if ceiling < floor {
		ceiling = floor
	}
	return &AdaptiveCap{
		cap:     floor,
		floor:   floor,
		ceiling: ceiling,
		win:     make([]bool, adaptiveWindow),
	}
}

// Record appends an outcome and adjusts the cap once enough samples
// have accumulated.
func (a *AdaptiveCap) Record(ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.win[a.next] = ok
	a.next = (a.next + 1) % len(a.win)
	if a.n < len(a.win) {
		a.n++
	}
	if a.n < minSamples {
		return
	}
	succ := 0
	for i := 0; i < a.n; i++ {
		if a.win[i] {
			succ++
		}
	}
	errRate := 1 - float64(succ)/float64(a.n)
	if errRate > errThreshold {
		a.cap = int(float64(a.cap) * decayFactor)
		if a.cap < a.floor {
			a.cap = a.floor
		}
		return
	}
	if a.cap < a.ceiling {
		a.cap++
	}
}

// Current returns the concurrency ceiling.
func (a *AdaptiveCap) Current() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cap
}
