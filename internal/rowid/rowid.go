// Package rowid builds the deterministic row identifiers used for
// idempotent writes: the same symbol and window always produce the same id,
// so a retried batch can be deduplicated against what already landed.
package rowid

import (
	"fmt"
	"strings"
	"time"

	"volharvester/internal/market"
)

const timeLayout = "20060102_1504"

// RowID returns the identifier "{symbol}_{YYYYMMDD_HHmm}" for the symbol's
// bar at windowStart. The timestamp is rendered in IST, minute resolution.
func RowID(symbol string, windowStart time.Time) string {
	return symbol + "_" + windowStart.In(market.IST).Format(timeLayout)
}

// Parse splits a row id back into symbol and window start. Symbols may
// themselves contain underscores, so the timestamp is taken from the last two
// underscore-separated fields.
func Parse(id string) (symbol string, windowStart time.Time, err error) {
	parts := strings.Split(id, "_")
	if len(parts) < 3 {
		return "", time.Time{}, fmt.Errorf("malformed row id %q", id)
	}
	stamp := parts[len(parts)-2] + "_" + parts[len(parts)-1]
	ts, err := time.ParseInLocation(timeLayout, stamp, market.IST)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed row id %q: %w", id, err)
	}
	symbol = strings.Join(parts[:len(parts)-2], "_")
	if symbol == "" {
		return "", time.Time{}, fmt.Errorf("malformed row id %q: empty symbol", id)
	}
	return symbol, ts, nil
}
