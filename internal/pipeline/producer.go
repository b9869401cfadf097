// Package pipeline moves finalized, enriched windows into the durable store:
// a producer that renders bars into table rows, and a writer that appends
// them with dedup, retry, and a local spool for outages.
package pipeline

import (
	"strconv"
	"time"

	"volharvester/internal/market"
	"volharvester/internal/model"
)

// BuildBatch renders one finalized window into a write batch. Cell order
// follows store.MarketDataHeader; ATR renders as the empty string during
// warmup so the column round-trips as null.
func BuildBatch(window time.Time, bars []model.EnrichedBar) model.WriteBatch {
	windowISO := window.In(market.IST).Format(time.RFC3339)
	createdAt := time.Now().In(market.IST).Format(time.RFC3339)

	batch := model.WriteBatch{
		WindowStart:   windowISO,
		Rows:          make([][]string, 0, len(bars)),
		RowIDs:        make([]string, 0, len(bars)),
		ExpectedCount: len(bars),
	}
	for i := range bars {
		bar := &bars[i]
		atrCell := ""
		if bar.ATR != nil {
			atrCell = formatPrice(*bar.ATR)
		}
		row := []string{
			bar.RowID,
			windowISO,
			bar.Symbol,
			bar.Segment,
			formatPrice(bar.Open),
			formatPrice(bar.High),
			formatPrice(bar.Low),
			formatPrice(bar.Close),
			formatPrice(bar.TR),
			atrCell,
			"", // volume is reserved
			strconv.FormatBool(bar.GapFilled),
			createdAt,
		}
		batch.Rows = append(batch.Rows, row)
		batch.RowIDs = append(batch.RowIDs, bar.RowID)
	}
	return batch
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
