// Package atr computes Wilder's Average True Range over finalized bars.
package atr

import (
	"log"
	"math"
	"sort"
	"time"

	"volharvester/internal/model"
)

// Engine keeps, per instrument, the previous close, a warmup history of
// true ranges, and the smoothed ATR. The first period bars emit a nil ATR;
// the bar that completes the warmup seeds ATR with the simple mean of the
// collected TRs, and every bar after that applies Wilder smoothing:
//
//	atr = (prevATR*(period-1) + tr) / period
type Engine struct {
	period    int
	precision int
	states    map[string]*model.ATRState
	lastBar   map[string]barRef // most recent finalized bar per symbol
}

type barRef struct {
	window time.Time
	close  float64
}

// StateSummary is the per-instrument snapshot persisted to the indicator
// state table after each window.
type StateSummary struct {
	Symbol        string
	LastClose     *float64
	LastATR       *float64
	LastTimestamp time.Time
}

// New creates an engine with the given Wilder period and rounding precision.
func New(period, precision int) *Engine {
	return &Engine{
		period:    period,
		precision: precision,
		states:    make(map[string]*model.ATRState),
		lastBar:   make(map[string]barRef),
	}
}

// ComputeTR returns the true range for a bar given the previous close, or
// the plain high-low range when no previous close exists.
func ComputeTR(high, low float64, prevClose *float64) float64 {
	tr := high - low
	if prevClose != nil {
		if d := math.Abs(high - *prevClose); d > tr {
			tr = d
		}
		if d := math.Abs(low - *prevClose); d > tr {
			tr = d
		}
	}
	return tr
}

// Enrich folds one finalized bar into the symbol's state and returns the
// bar's TR and ATR (nil during warmup). The previous close advances on every
// bar, gap-filled or not, so the next window's TR is measured against the
// latest carried value.
func (e *Engine) Enrich(symbol string, bar model.Bar) (tr float64, atr *float64) {
	st, ok := e.states[symbol]
	if !ok {
		st = &model.ATRState{}
		e.states[symbol] = st
	}

	tr = e.round(ComputeTR(bar.High, bar.Low, st.PrevClose))
	st.CandleCount++

	switch {
	case st.PrevATR != nil:
		if tr > 3*(*st.PrevATR) && *st.PrevATR > 0 {
			log.Printf("[atr] TR_SPIKE | symbol=%s | window=%s | tr=%g | atr=%g",
				symbol, bar.WindowStart.Format("15:04"), tr, *st.PrevATR)
		}
		v := e.round((*st.PrevATR*float64(e.period-1) + tr) / float64(e.period))
		if v < 0 {
			log.Printf("[atr] NEGATIVE_ATR_CLAMPED | symbol=%s | window=%s | atr=%g",
				symbol, bar.WindowStart.Format("15:04"), v)
			v = 0
		}
		st.PrevATR = &v
		atr = &v

	case st.CandleCount < e.period:
		st.TRHistory = append(st.TRHistory, tr)

	default:
		// warmup complete: seed with the simple mean
		st.TRHistory = append(st.TRHistory, tr)
		sum := 0.0
		for _, v := range st.TRHistory {
			sum += v
		}
		v := e.round(sum / float64(len(st.TRHistory)))
		if v < 0 {
			v = 0
		}
		st.PrevATR = &v
		st.TRHistory = nil
		atr = &v
	}

	close := bar.Close
	st.PrevClose = &close
	e.lastBar[symbol] = barRef{window: bar.WindowStart, close: close}
	return tr, atr
}

// ProcessBatch enriches every bar of a finalized window and returns the
// persisted row set, sorted by symbol for deterministic output order.
func (e *Engine) ProcessBatch(window time.Time, bars map[string]model.Bar, segments map[string]string, makeID func(symbol string, window time.Time) string) []model.EnrichedBar {
	symbols := make([]string, 0, len(bars))
	for sym := range bars {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	out := make([]model.EnrichedBar, 0, len(bars))
	for _, sym := range symbols {
		bar := bars[sym]
		tr, atr := e.Enrich(sym, bar)
		out = append(out, model.EnrichedBar{
			Symbol:      sym,
			Segment:     segments[sym],
			WindowStart: bar.WindowStart,
			Open:        bar.Open,
			High:        bar.High,
			Low:         bar.Low,
			Close:       bar.Close,
			TR:          tr,
			ATR:         atr,
			TickCount:   bar.TickCount,
			GapFilled:   bar.GapFilled,
			RowID:       makeID(sym, window),
		})
	}
	return out
}

// State returns a deep copy of all per-symbol states, keyed by symbol.
// Used by the checkpoint writer.
func (e *Engine) State() map[string]model.ATRState {
	out := make(map[string]model.ATRState, len(e.states))
	for sym, st := range e.states {
		out[sym] = st.Clone()
	}
	return out
}

// LoadState replaces the engine's state wholesale, used at startup after
// reconciliation decides which persisted state wins.
func (e *Engine) LoadState(states map[string]model.ATRState) {
	e.states = make(map[string]*model.ATRState, len(states))
	e.lastBar = make(map[string]barRef)
	for sym, st := range states {
		c := st.Clone()
		e.states[sym] = &c
	}
}

// Summary returns one row per symbol that has processed at least one bar,
// sorted by symbol, with the timestamp of its most recent finalized window.
func (e *Engine) Summary() []StateSummary {
	symbols := make([]string, 0, len(e.states))
	for sym := range e.states {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	out := make([]StateSummary, 0, len(symbols))
	for _, sym := range symbols {
		st := e.states[sym]
		s := StateSummary{Symbol: sym}
		if st.PrevClose != nil {
			v := *st.PrevClose
			s.LastClose = &v
		}
		if st.PrevATR != nil {
			v := *st.PrevATR
			s.LastATR = &v
		}
		if ref, ok := e.lastBar[sym]; ok {
			s.LastTimestamp = ref.window
		}
		out = append(out, s)
	}
	return out
}

func (e *Engine) round(v float64) float64 {
	p := math.Pow10(e.precision)
	return math.Round(v*p) / p
}
