package metrics

import (
	"math"
	"slices"
	"sync"
	"time"
)

// LatencySummary is a percentile snapshot of a LatencyWindow.
type LatencySummary struct {
	Count int     `json:"count"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
	MaxMs float64 `json:"max_ms"`
}

// LatencyWindow keeps the most recent samples of one operation (a tick, an
// order round trip) for the /status view. A nil *LatencyWindow ignores Observe.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	pos     int
	count   int
}

// NewLatencyWindow holds the last size samples (default 1000).
func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 1000
	}
	return &LatencyWindow{samples: make([]time.Duration, size)}
}

func (w *LatencyWindow) Observe(d time.Duration) {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.samples[w.pos] = d
	w.pos = (w.pos + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
	w.mu.Unlock()
}

// Summary returns percentiles over the retained samples; zero when empty.
func (w *LatencyWindow) Summary() LatencySummary {
	if w == nil {
		return LatencySummary{}
	}
	w.mu.Lock()
	sorted := make([]time.Duration, w.count)
	copy(sorted, w.samples[:w.count])
	w.mu.Unlock()

	if len(sorted) == 0 {
		return LatencySummary{}
	}
	slices.Sort(sorted)
	return LatencySummary{
		Count: len(sorted),
		P50Ms: quantileMs(sorted, 0.50),
		P95Ms: quantileMs(sorted, 0.95),
		P99Ms: quantileMs(sorted, 0.99),
		MaxMs: ms(sorted[len(sorted)-1]),
	}
}

// quantileMs interpolates linearly between the two closest ranks.
func quantileMs(sorted []time.Duration, q float64) float64 {
	n := len(sorted)
	if n == 1 {
		return ms(sorted[0])
	}
	rank := q * float64(n-1)
	lo := int(math.Floor(rank))
	if lo+1 >= n {
		return ms(sorted[n-1])
	}
	frac := rank - float64(lo)
	return ms(sorted[lo])*(1-frac) + ms(sorted[lo+1])*frac
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
