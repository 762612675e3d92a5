// Package drr implements a deficit round-robin work scheduler with an
// adaptive concurrency ceiling and service-time accounting.
package drr

import (
	"sort"
	"sync"
)

// EWMA is an exponentially-weighted moving mean over float64 samples.
// The zero value is not usable; use NewEWMA.
type EWMA struct {
	mu    sync.Mutex
	alpha float64
	value float64
	init  bool
}

// NewEWMA returns an EWMA with the given smoothing factor.
func NewEWMA(alpha float64) *EWMA {
	return &EWMA{alpha: alpha}
}

// Update folds a sample into the mean and returns the new value.
func (e *EWMA) Update(x float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.init {
		e.value = x
		e.init = true
		return e.value
	}
	e.value = e.alpha*x + (1-e.alpha)*e.value
	return e.value
}

// Value returns the current mean, or ok=false before the first sample.
func (e *EWMA) Value() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, e.init
}

// RollingQuantile keeps a bounded FIFO of samples and answers quantile
// queries against a sorted snapshot.
type RollingQuantile struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
	maxlen  int
}

// NewRollingQuantile returns a rolling window of at most maxlen samples.
func NewRollingQuantile(maxlen int) *RollingQuantile {
	if maxlen <= 0 {
		maxlen = 1
	}
	return &RollingQuantile{samples: make([]float64, 0, maxlen), maxlen: maxlen}
}

// Update appends a sample, evicting the oldest once the window is full.
func (r *RollingQuantile) Update(x float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) < r.maxlen {
		r.samples = append(r.samples, x)
		return
	}
	r.samples[r.next] = x
	r.next = (r.next + 1) % r.maxlen
	r.full = true
}

// Quantile returns the sample at index floor(q*(n-1)) of the sorted
// window, or ok=false when the window is empty.
func (r *RollingQuantile) Quantile(q float64) (float64, bool) {
	r.mu.Lock()
	snap := make([]float64, len(r.samples))
	copy(snap, r.samples)
	r.mu.Unlock()
	if len(snap) == 0 {
		return 0, false
	}
	sort.Float64s(snap)
	idx := int(q * float64(len(snap)-1))
	if idx < 0 {
		idx = 0
	}
	if idx > len(snap)-1 {
		idx = len(snap) - 1
	}
	return snap[idx], true
}
