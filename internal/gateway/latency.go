package gateway

import (
	"math"
	"sort"
	"sync"
	"time"
)

// LatencyTracker keeps the most recent fan-out pass durations in a circular
// buffer and reports percentiles for the status route. Thread-safe.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []time.Duration
	pos     int
	count   int
}

// LatencySnapshot is a percentile summary in microseconds.
type LatencySnapshot struct {
	Samples int     `json:"samples"`
	P50us   float64 `json:"p50_us"`
	P95us   float64 `json:"p95_us"`
	P99us   float64 `json:"p99_us"`
	MaxUs   float64 `json:"max_us"`
}

// NewLatencyTracker creates a tracker holding the last capacity samples.
func NewLatencyTracker(capacity int) *LatencyTracker {
	if capacity <= 0 {
		capacity = 4096
	}
	return &LatencyTracker{samples: make([]time.Duration, capacity)}
}

// Record adds one sample.
func (lt *LatencyTracker) Record(d time.Duration) {
	lt.mu.Lock()
	lt.samples[lt.pos] = d
	lt.pos = (lt.pos + 1) % len(lt.samples)
	if lt.count < len(lt.samples) {
		lt.count++
	}
	lt.mu.Unlock()
}

// Count returns the number of retained samples.
func (lt *LatencyTracker) Count() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.count
}

// Snapshot computes percentiles over the retained samples.
// The zero snapshot is returned when nothing was recorded.
func (lt *LatencyTracker) Snapshot() LatencySnapshot {
	lt.mu.Lock()
	n := lt.count
	if n == 0 {
		lt.mu.Unlock()
		return LatencySnapshot{}
	}
	us := make([]float64, n)
	for i := 0; i < n; i++ {
		us[i] = float64(lt.samples[i]) / float64(time.Microsecond)
	}
	lt.mu.Unlock()

	sort.Float64s(us)
	return LatencySnapshot{
		Samples: n,
		P50us:   percentile(us, 0.50),
		P95us:   percentile(us, 0.95),
		P99us:   percentile(us, 0.99),
		MaxUs:   us[n-1],
	}
}

// percentile interpolates the p-th percentile (0..1) of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	switch n {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	rank := p * float64(n-1)
	lower := int(math.Floor(rank))
	if lower+1 >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lower)
	return sorted[lower]*(1-frac) + sorted[lower+1]*frac
}
