package agg

import (
	"log"
	"time"

	"volharvester/internal/model"
)

// GapFiller synthesizes flat bars for instruments that produced no ticks in a
// window, carrying forward the last known close so every window covers the
// full universe once a symbol has traded at least once in the session.
type GapFiller struct {
	symbols   []string
	lastClose map[string]float64
}

// NewGapFiller creates a gap filler for the given instrument universe.
func NewGapFiller(symbols []string) *GapFiller {
	return &GapFiller{
		symbols:   symbols,
		lastClose: make(map[string]float64, len(symbols)),
	}
}

// Fill merges synthetic bars into the snapshot for every universe symbol
// missing from it. A synthetic bar has open=high=low=close=last known close,
// zero ticks, and GapFilled set. Symbols with no close yet this session are
// returned in unfillable and stay absent from the window.
//
// Real bars in the snapshot update the lastClose map as a side effect, so
// consecutive silent windows each carry the most recent traded close.
func (g *GapFiller) Fill(windowStart time.Time, bars map[string]model.Bar) (filled int, unfillable []string) {
	for sym, bar := range bars {
		if !bar.GapFilled {
			g.lastClose[sym] = bar.Close
		}
	}

	for _, sym := range g.symbols {
		if _, ok := bars[sym]; ok {
			continue
		}
		close, ok := g.lastClose[sym]
		if !ok {
			unfillable = append(unfillable, sym)
			continue
		}
		bars[sym] = model.Bar{
			WindowStart: windowStart,
			Open:        close,
			High:        close,
			Low:         close,
			Close:       close,
			TickCount:   0,
			GapFilled:   true,
		}
		filled++
	}

	if filled > 0 || len(unfillable) > 0 {
		log.Printf("[agg] GAP_FILL | window=%s | filled=%d | unfillable=%d",
			windowStart.Format("15:04"), filled, len(unfillable))
	}
	return filled, unfillable
}

// SeedLastClose primes the carry-forward map, used at startup when prior
// closes are recovered from the persisted indicator state.
func (g *GapFiller) SeedLastClose(sym string, close float64) {
	g.lastClose[sym] = close
}
