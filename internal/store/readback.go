package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"volharvester/internal/market"
)

// StoredATR is one row of the atr_state table, parsed. LastClose/LastATR are
// nil where the cell was empty (instrument still in warmup when persisted).
type StoredATR struct {
	LastClose     *float64
	LastATR       *float64
	LastTimestamp time.Time
}

// ExistingIDsForWindow returns the set of row ids already present in the
// market data table for the given window. Used by the pipeline to
// deduplicate a batch before appending, which makes retried batches
// idempotent.
func ExistingIDsForWindow(ctx context.Context, s Store, windowStart time.Time) (map[string]bool, error) {
	rows, err := s.GetAllValues(ctx, TableMarketData)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", TableMarketData, err)
	}

	want := windowStart.In(market.IST).Format(time.RFC3339)
	ids := make(map[string]bool)
	for _, row := range skipHeader(rows) {
		if len(row) < 2 {
			continue
		}
		if row[1] == want {
			ids[row[0]] = true
		}
	}
	return ids, nil
}

// LastWindow returns the most recent window timestamp present in the market
// data table, or ok=false when the table holds no data rows.
func LastWindow(ctx context.Context, s Store) (time.Time, bool, error) {
	rows, err := s.GetAllValues(ctx, TableMarketData)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read %s: %w", TableMarketData, err)
	}

	var latest time.Time
	found := false
	for _, row := range skipHeader(rows) {
		if len(row) < 2 {
			continue
		}
		ts, err := time.Parse(time.RFC3339, row[1])
		if err != nil {
			continue
		}
		if !found || ts.After(latest) {
			latest = ts
			found = true
		}
	}
	return latest, found, nil
}

// ReadATRState parses the atr_state table into a per-symbol map.
func ReadATRState(ctx context.Context, s Store) (map[string]StoredATR, error) {
	rows, err := s.GetAllValues(ctx, TableATRState)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", TableATRState, err)
	}

	out := make(map[string]StoredATR)
	for _, row := range skipHeader(rows) {
		if len(row) < 4 || row[0] == "" {
			continue
		}
		var st StoredATR
		if v, err := strconv.ParseFloat(row[1], 64); err == nil {
			st.LastClose = &v
		}
		if v, err := strconv.ParseFloat(row[2], 64); err == nil {
			st.LastATR = &v
		}
		if ts, err := time.Parse(time.RFC3339, row[3]); err == nil {
			st.LastTimestamp = ts
		}
		out[row[0]] = st
	}
	return out, nil
}

func skipHeader(rows [][]string) [][]string {
	if len(rows) == 0 {
		return nil
	}
	return rows[1:]
}
