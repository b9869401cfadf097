// Package buffer holds the in-progress OHLC accumulator for the active
// 5-minute window. It is the only piece of state shared between the feed
// goroutine (many Update calls) and the scheduler goroutine (one Freeze and
// one SnapshotAndReset per boundary).
package buffer

import (
	"sync"
	"time"

	"volharvester/internal/model"
)

// Stats is a point-in-time view of the buffer for observability.
type Stats struct {
	ActiveWindow    time.Time
	Frozen          bool
	SymbolCount     int
	LateTickCount   int
	FutureTickCount int
	TotalTicks      int
}

// TickBuffer is a thread-safe per-window OHLC accumulator. One mutex guards
// the active window, the frozen flag, the bar map and the drop counters; all
// four public operations serialize on it and hold it only for O(1) work.
type TickBuffer struct {
	mu           sync.Mutex
	bars         map[string]*model.Bar
	activeWindow time.Time
	frozen       bool
	lateTicks    int
	futureTicks  int
}

// New creates an empty buffer with no active window.
func New() *TickBuffer {
	return &TickBuffer{bars: make(map[string]*model.Bar)}
}

// SetActiveWindow sets the window the buffer accepts ticks for, unfreezes
// the buffer, and clears the drop counters. Called by the aggregator when a
// new window begins.
func (b *TickBuffer) SetActiveWindow(windowStart time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activeWindow = windowStart
	b.frozen = false
	b.lateTicks = 0
	b.futureTicks = 0
}

// Freeze stops the buffer accepting updates. Called by the aggregator at the
// boundary crossing; the flag survives SnapshotAndReset so no tick from the
// snapshotted window can leak into the next accumulator.
func (b *TickBuffer) Freeze() {
	b.mu.Lock()
	b.frozen = true
	b.mu.Unlock()
}

// Update folds one tick into the accumulator. windowStart must come from the
// time grid's exchange-timestamp assignment, never the system clock.
//
// Returns false (and counts the drop) when the buffer is frozen, or when the
// tick belongs to a past or future window. No logging here — this is the hot
// path; the scheduler reports the counters per window.
func (b *TickBuffer) Update(symbol string, price float64, windowStart time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frozen {
		b.lateTicks++
		return false
	}
	if windowStart.Before(b.activeWindow) {
		b.lateTicks++
		return false
	}
	if windowStart.After(b.activeWindow) {
		b.futureTicks++
		return false
	}

	bar, ok := b.bars[symbol]
	if !ok {
		b.bars[symbol] = &model.Bar{
			WindowStart: windowStart,
			Open:        price,
			High:        price,
			Low:         price,
			Close:       price,
			TickCount:   1,
		}
		return true
	}

	if price > bar.High {
		bar.High = price
	}
	if price < bar.Low {
		bar.Low = price
	}
	bar.Close = price
	bar.TickCount++
	return true
}

// SnapshotAndReset atomically copies out the accumulated bars and clears the
// accumulator and drop counters. The frozen flag and active window are left
// untouched — the aggregator transitions those explicitly. The returned map
// is a deep copy owned by the caller; the drop counts are returned for the
// per-window summary log.
func (b *TickBuffer) SnapshotAndReset() (bars map[string]model.Bar, late, future int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bars = make(map[string]model.Bar, len(b.bars))
	for sym, bar := range b.bars {
		bars[sym] = *bar
	}
	late = b.lateTicks
	future = b.futureTicks

	b.bars = make(map[string]*model.Bar)
	b.lateTicks = 0
	b.futureTicks = 0
	return bars, late, future
}

// Stats returns current buffer statistics for monitoring.
func (b *TickBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, bar := range b.bars {
		total += bar.TickCount
	}
	return Stats{
		ActiveWindow:    b.activeWindow,
		Frozen:          b.frozen,
		SymbolCount:     len(b.bars),
		LateTickCount:   b.lateTicks,
		FutureTickCount: b.futureTicks,
		TotalTicks:      total,
	}
}
