package model

import "time"

// Bar is the OHLC record for one instrument over one 5-minute window.
//
// Invariants: low <= min(open, close) <= max(open, close) <= high, and
// TickCount >= 1 unless GapFilled, in which case open=high=low=close and
// TickCount == 0.
type Bar struct {
	WindowStart time.Time `json:"window_start"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	TickCount   int       `json:"tick_count"`
	GapFilled   bool      `json:"gap_filled"`
}

// EnrichedBar is a finalized Bar plus identity and volatility fields.
// ATR is nil for the first ATRPeriod bars of an instrument's life (warmup).
type EnrichedBar struct {
	Symbol      string    `json:"symbol"`
	Segment     string    `json:"segment"`
	WindowStart time.Time `json:"window_start"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	TR          float64   `json:"tr"`
	ATR         *float64  `json:"atr"`
	TickCount   int       `json:"tick_count"`
	GapFilled   bool      `json:"gap_filled"`
	RowID       string    `json:"row_id"`
}

// ATRState is the per-instrument Wilder ATR computation state.
// PrevATR is nil while CandleCount < the ATR period; TRHistory accumulates
// TRs only during that warmup and is empty once PrevATR is set.
type ATRState struct {
	PrevClose   *float64  `json:"prev_close"`
	PrevATR     *float64  `json:"prev_atr"`
	TRHistory   []float64 `json:"tr_history"`
	CandleCount int       `json:"candle_count"`
}

// Clone returns a deep copy of the state (TRHistory is copied).
func (s ATRState) Clone() ATRState {
	out := ATRState{CandleCount: s.CandleCount}
	if s.PrevClose != nil {
		v := *s.PrevClose
		out.PrevClose = &v
	}
	if s.PrevATR != nil {
		v := *s.PrevATR
		out.PrevATR = &v
	}
	if len(s.TRHistory) > 0 {
		out.TRHistory = append([]float64(nil), s.TRHistory...)
	}
	return out
}
