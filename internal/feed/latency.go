package feed

import (
	"math"
	"sort"
	"sync"
)

// LatencyReport summarizes callback latency over the current sample window.
type LatencyReport struct {
	Count int
	P50   float64
	P95   float64
	P99   float64
	Max   float64
}

// latencyRing holds the last N callback latency samples in microseconds and
// computes percentiles on demand. Record is the tick hot path, so it does
// O(1) work under the lock; sorting happens only in Report.
type latencyRing struct {
	mu      sync.Mutex
	samples []float64
	pos     int
	count   int
	max     float64
}

func newLatencyRing(capacity int) *latencyRing {
	if capacity <= 0 {
		capacity = 10000
	}
	return &latencyRing{samples: make([]float64, capacity)}
}

func (r *latencyRing) Record(us float64) {
	r.mu.Lock()
	r.samples[r.pos] = us
	r.pos = (r.pos + 1) % len(r.samples)
	if r.count < len(r.samples) {
		r.count++
	}
	if us > r.max {
		r.max = us
	}
	r.mu.Unlock()
}

// Report computes percentiles over the current window and resets the ring,
// so each report covers a disjoint interval.
func (r *latencyRing) Report() LatencyReport {
	r.mu.Lock()
	n := r.count
	if n == 0 {
		r.mu.Unlock()
		return LatencyReport{}
	}
	sorted := make([]float64, n)
	if n == len(r.samples) {
		copy(sorted, r.samples[r.pos:])
		copy(sorted[len(r.samples)-r.pos:], r.samples[:r.pos])
	} else {
		copy(sorted, r.samples[:n])
	}
	max := r.max
	r.pos, r.count, r.max = 0, 0, 0
	r.mu.Unlock()

	sort.Float64s(sorted)
	return LatencyReport{
		Count: n,
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
		Max:   max,
	}
}

func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
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
