// Package feed is the tick ingestion hot path: decode a broker message,
// resolve the instrument, assign the tick to its window, and fold it into
// the buffer. Everything here is called once per tick, so per-message work
// stays allocation-light and logging stays out of the happy path.
package feed

import (
	"sync/atomic"
	"time"

	"volharvester/internal/buffer"
	"volharvester/internal/timegrid"
)

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Accepted       uint64
	Rejected       uint64 // malformed payloads
	UnknownToken   uint64
	OutsideSession uint64
	Dropped        uint64 // late/future/frozen, from the buffer's verdict
}

// Handler consumes decoded feed messages. The grid is swapped in at session
// start; until then every tick counts as outside-session.
type Handler struct {
	resolve func(token string) (string, bool)
	buf     *buffer.TickBuffer
	ring    *latencyRing

	grid atomic.Pointer[timegrid.Grid]

	accepted       atomic.Uint64
	rejected       atomic.Uint64
	unknownToken   atomic.Uint64
	outsideSession atomic.Uint64
	dropped        atomic.Uint64

	lastMessageNanos atomic.Int64

	// optional metrics hook, called once per accepted tick
	OnAccepted func(latencyUS float64)
}

// NewHandler creates a handler. resolve maps feed tokens to symbols.
func NewHandler(resolve func(token string) (string, bool), buf *buffer.TickBuffer, sampleSize int) *Handler {
	return &Handler{
		resolve: resolve,
		buf:     buf,
		ring:    newLatencyRing(sampleSize),
	}
}

// SetGrid installs the session's time grid. Safe to call while messages are
// flowing; ticks between sessions simply count as outside-session.
func (h *Handler) SetGrid(g *timegrid.Grid) {
	h.grid.Store(g)
}

// OnMessage processes one decoded feed message. Every message, tick or
// heartbeat, refreshes the silence clock.
func (h *Handler) OnMessage(msg map[string]interface{}) {
	start := time.Now()
	h.lastMessageNanos.Store(start.UnixNano())

	tick, err := decodeTick(msg)
	if err != nil {
		h.rejected.Add(1)
		return
	}

	symbol, ok := h.resolve(tick.Token)
	if !ok {
		h.unknownToken.Add(1)
		return
	}

	grid := h.grid.Load()
	if grid == nil {
		h.outsideSession.Add(1)
		return
	}
	window, err := grid.AssignTick(tick.ExchangeTS)
	if err != nil {
		h.outsideSession.Add(1)
		return
	}

	ok = h.buf.Update(symbol, tick.LTP, window)
	us := float64(time.Since(start).Microseconds())
	h.ring.Record(us)

	if !ok {
		h.dropped.Add(1)
		return
	}
	h.accepted.Add(1)
	if h.OnAccepted != nil {
		h.OnAccepted(us)
	}
}

// Silence returns how long the feed has been quiet. Before any message
// arrives it measures from zero time, which reads as stale; the caller
// starts the clock by calling MarkAlive at connect.
func (h *Handler) Silence(now time.Time) time.Duration {
	last := h.lastMessageNanos.Load()
	if last == 0 {
		return time.Duration(1<<62 - 1)
	}
	return now.Sub(time.Unix(0, last))
}

// MarkAlive resets the silence clock, called when a connection is (re)established.
func (h *Handler) MarkAlive(now time.Time) {
	h.lastMessageNanos.Store(now.UnixNano())
}

// LatencyReport returns and resets the callback latency percentiles.
func (h *Handler) LatencyReport() LatencyReport {
	return h.ring.Report()
}

// Stats snapshots the counters.
func (h *Handler) Stats() Stats {
	return Stats{
		Accepted:       h.accepted.Load(),
		Rejected:       h.rejected.Load(),
		UnknownToken:   h.unknownToken.Load(),
		OutsideSession: h.outsideSession.Load(),
		Dropped:        h.dropped.Load(),
	}
}
