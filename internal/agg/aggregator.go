// Package agg manages the 5-minute window lifecycle: the state machine that
// freezes, snapshots and validates each window, and the gap filler that
// synthesizes flat bars for instruments silent in a window.
package agg

import (
	"log"
	"sync"
	"time"

	"volharvester/internal/buffer"
	"volharvester/internal/model"
)

// State is the window lifecycle state.
type State int

const (
	StateIdle       State = iota // outside market hours
	StateCollecting              // accepting ticks for the current window
	StateFreezing                // boundary reached, waiting for in-flight ticks
	StateFrozen                  // snapshot taken, no more updates
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateCollecting:
		return "COLLECTING"
	case StateFreezing:
		return "FREEZING"
	case StateFrozen:
		return "FROZEN"
	default:
		return "UNKNOWN"
	}
}

// Aggregator drives the window lifecycle over the tick buffer:
// COLLECTING → (boundary) FREEZING → (grace elapsed) FROZEN → COLLECTING.
// Transitions come only from the scheduler goroutine; the mutex exists so
// Stats/State reads from elsewhere see consistent values.
type Aggregator struct {
	mu              sync.Mutex
	buf             *buffer.TickBuffer
	state           State
	currentWindow   time.Time
	expectedSymbols []string
}

// New creates an aggregator over the given buffer. expectedSymbols is the
// full instrument universe used for coverage validation at finalize.
func New(buf *buffer.TickBuffer, expectedSymbols []string) *Aggregator {
	return &Aggregator{
		buf:             buf,
		state:           StateIdle,
		expectedSymbols: expectedSymbols,
	}
}

// State returns the current lifecycle state.
func (a *Aggregator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// CurrentWindow returns the window currently being collected or finalized.
func (a *Aggregator) CurrentWindow() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentWindow
}

// StartWindow begins collecting ticks for a new window (session start or
// first active window after a late start).
func (a *Aggregator) StartWindow(windowStart time.Time) {
	a.mu.Lock()
	a.state = StateCollecting
	a.currentWindow = windowStart
	a.mu.Unlock()

	a.buf.SetActiveWindow(windowStart)
	log.Printf("[agg] WINDOW_START | window=%s", windowStart.Format("15:04"))
}

// BeginFreeze is called at the boundary crossing. The buffer stops accepting
// ticks immediately; after the freeze grace the scheduler calls Finalize.
func (a *Aggregator) BeginFreeze() {
	a.mu.Lock()
	if a.state != StateCollecting {
		state := a.state
		a.mu.Unlock()
		log.Printf("[agg] FREEZE_SKIP | unexpected state=%s | window=%s", state, a.currentWindow.Format("15:04"))
		return
	}
	a.state = StateFreezing
	a.mu.Unlock()

	a.buf.Freeze()
}

// Finalize snapshots the frozen window and validates the bars. Returns the
// window start and the snapshot; ok is false if no window was being
// collected (the scheduler then just transitions onward).
func (a *Aggregator) Finalize() (window time.Time, bars map[string]model.Bar, ok bool) {
	a.mu.Lock()
	if a.state != StateFreezing && a.state != StateCollecting {
		state := a.state
		a.mu.Unlock()
		log.Printf("[agg] FINALIZE_SKIP | state=%s", state)
		return time.Time{}, nil, false
	}
	a.state = StateFrozen
	window = a.currentWindow
	a.mu.Unlock()

	bars, late, future := a.buf.SnapshotAndReset()
	if late > 0 {
		log.Printf("[agg] LATE_TICKS_DROPPED | window=%s | count=%d", window.Format("15:04"), late)
	}
	if future > 0 {
		log.Printf("[agg] FUTURE_TICKS_DROPPED | window=%s | count=%d", window.Format("15:04"), future)
	}

	a.validate(window, bars)

	log.Printf("[agg] WINDOW_FINALIZED | window=%s | symbols=%d/%d",
		window.Format("15:04"), len(bars), len(a.expectedSymbols))
	return window, bars, true
}

// TransitionToNextWindow moves from FROZEN back to COLLECTING for the next
// window and re-arms the buffer.
func (a *Aggregator) TransitionToNextWindow(next time.Time) {
	a.mu.Lock()
	a.state = StateCollecting
	a.currentWindow = next
	a.mu.Unlock()

	a.buf.SetActiveWindow(next)
}

// SetIdle marks the session over (or not yet started).
func (a *Aggregator) SetIdle() {
	a.mu.Lock()
	a.state = StateIdle
	a.mu.Unlock()
}

// validate warns on missing symbols and OHLC invariant violations. Never
// fatal: a violated bar passes through unchanged as an upstream bug signal.
func (a *Aggregator) validate(window time.Time, bars map[string]model.Bar) {
	if len(bars) < len(a.expectedSymbols) {
		missing := 0
		for _, sym := range a.expectedSymbols {
			if _, ok := bars[sym]; !ok {
				missing++
			}
		}
		log.Printf("[agg] MISSING_SYMBOLS | window=%s | expected=%d | present=%d | missing=%d",
			window.Format("15:04"), len(a.expectedSymbols), len(bars), missing)
	}

	for sym, bar := range bars {
		maxOC := bar.Open
		if bar.Close > maxOC {
			maxOC = bar.Close
		}
		minOC := bar.Open
		if bar.Close < minOC {
			minOC = bar.Close
		}
		if bar.High < maxOC {
			log.Printf("[agg] OHLC_INVARIANT | symbol=%s | high=%g < max(open=%g, close=%g)",
				sym, bar.High, bar.Open, bar.Close)
		}
		if bar.Low > minOC {
			log.Printf("[agg] OHLC_INVARIANT | symbol=%s | low=%g > min(open=%g, close=%g)",
				sym, bar.Low, bar.Open, bar.Close)
		}
	}
}
