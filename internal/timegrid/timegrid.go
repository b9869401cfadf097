// Package timegrid pre-computes the 5-minute window boundaries for a trading
// session and maps exchange timestamps onto their owning window.
//
// All lookups walk the pre-computed boundary list; no modulo arithmetic is
// used, so special sessions with non-standard open times behave exactly like
// the regular session.
package timegrid

import (
	"errors"
	"time"

	"volharvester/internal/market"
)

// ErrOutsideSession is returned for timestamps before the session open or at
// or after the session close.
var ErrOutsideSession = errors.New("timestamp outside session hours")

// Grid holds the ordered window-start boundaries for one session day.
type Grid struct {
	boundaries []time.Time
	interval   time.Duration
	sessionEnd time.Time
}

// New builds the grid for the session on day: boundaries are
// [open, open+interval, open+2*interval, ...], each strictly before close.
func New(day time.Time, open, close market.ClockTime, interval time.Duration) *Grid {
	start := open.On(day)
	end := close.On(day)

	var boundaries []time.Time
	for cur := start; cur.Before(end); cur = cur.Add(interval) {
		boundaries = append(boundaries, cur)
	}
	return &Grid{boundaries: boundaries, interval: interval, sessionEnd: end}
}

// Boundaries returns the window start times, in order.
func (g *Grid) Boundaries() []time.Time {
	return append([]time.Time(nil), g.boundaries...)
}

// FinalizationTimes returns the boundary times at which each window is
// finalized: window start + interval, one per window.
func (g *Grid) FinalizationTimes() []time.Time {
	out := make([]time.Time, len(g.boundaries))
	for i, b := range g.boundaries {
		out[i] = b.Add(g.interval)
	}
	return out
}

// SessionEnd returns the session close time.
func (g *Grid) SessionEnd() time.Time {
	return g.sessionEnd
}

// Interval returns the window duration.
func (g *Grid) Interval() time.Duration {
	return g.interval
}

// AssignTick maps an exchange timestamp onto its owning window start: the
// largest boundary <= ts. A tick at exactly a boundary belongs to the window
// starting there; a tick one millisecond earlier belongs to the previous
// window. Returns ErrOutsideSession for ts before open or >= close.
func (g *Grid) AssignTick(ts time.Time) (time.Time, error) {
	if len(g.boundaries) == 0 {
		return time.Time{}, ErrOutsideSession
	}
	if ts.Before(g.boundaries[0]) || !ts.Before(g.sessionEnd) {
		return time.Time{}, ErrOutsideSession
	}

	owning := g.boundaries[0]
	for _, b := range g.boundaries[1:] {
		if b.After(ts) {
			break
		}
		owning = b
	}
	return owning, nil
}
