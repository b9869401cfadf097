package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"volharvester/internal/market"
)

// Table names.
const (
	TableMarketData = "market_data"
	TableATRState   = "atr_state"
	TableSystemLog  = "system_log"
	TableMetadata   = "metadata"
)

// Column headers per table. Row builders and readback helpers index into
// these, so order is load-bearing.
var (
	MarketDataHeader = []string{
		"id", "timestamp", "ticker", "segment",
		"open", "high", "low", "close",
		"tr", "atr", "volume", "gap_filled", "created_at",
	}
	ATRStateHeader  = []string{"ticker", "last_close", "last_atr", "last_timestamp", "updated_at"}
	SystemLogHeader = []string{"timestamp", "level", "event", "window", "details"}
	MetadataHeader  = []string{"key", "value"}
)

// Manager initializes and validates the store schema and appends audit rows
// to the system log table.
type Manager struct {
	store       Store
	tickerCount int
	atrPeriod   int
}

// NewManager creates a schema manager over the store.
func NewManager(s Store, tickerCount, atrPeriod int) *Manager {
	return &Manager{store: s, tickerCount: tickerCount, atrPeriod: atrPeriod}
}

// Initialize ensures all four tables exist and seeds the metadata table on
// first run. Idempotent: a populated metadata table is left alone.
func (m *Manager) Initialize(ctx context.Context) error {
	tables := []struct {
		name   string
		header []string
	}{
		{TableMarketData, MarketDataHeader},
		{TableATRState, ATRStateHeader},
		{TableSystemLog, SystemLogHeader},
		{TableMetadata, MetadataHeader},
	}
	for _, t := range tables {
		if err := m.store.EnsureTable(ctx, t.name, t.header); err != nil {
			return fmt.Errorf("ensure table %s: %w", t.name, err)
		}
	}

	rows, err := m.store.GetAllValues(ctx, TableMetadata)
	if err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}
	if len(rows) > 1 {
		return nil
	}

	seed := [][]string{
		{"schema_version", "1.0"},
		{"atr_period", fmt.Sprintf("%d", m.atrPeriod)},
		{"timezone", "IST"},
		{"tickers_count", fmt.Sprintf("%d", m.tickerCount)},
	}
	if _, err := m.store.AppendRows(ctx, TableMetadata, seed); err != nil {
		return fmt.Errorf("seed metadata: %w", err)
	}
	log.Printf("[store] SCHEMA_INITIALIZED | tables=%d", len(tables))
	return nil
}

// Validate checks that each table's header row matches the expected columns.
func (m *Manager) Validate(ctx context.Context) error {
	checks := []struct {
		name   string
		header []string
	}{
		{TableMarketData, MarketDataHeader},
		{TableATRState, ATRStateHeader},
		{TableSystemLog, SystemLogHeader},
		{TableMetadata, MetadataHeader},
	}
	for _, c := range checks {
		rows, err := m.store.GetAllValues(ctx, c.name)
		if err != nil {
			return fmt.Errorf("read %s: %w", c.name, err)
		}
		if len(rows) == 0 {
			return fmt.Errorf("table %s has no header row", c.name)
		}
		if err := matchHeader(rows[0], c.header); err != nil {
			return fmt.Errorf("table %s: %w", c.name, err)
		}
	}
	return nil
}

func matchHeader(got, want []string) error {
	if len(got) != len(want) {
		return fmt.Errorf("header has %d columns, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("header column %d is %q, want %q", i, got[i], want[i])
		}
	}
	return nil
}

// LogEvent appends one audit row to the system log table. window is the
// ISO-8601 window start the event refers to, or empty for session-level
// events.
func (m *Manager) LogEvent(ctx context.Context, level, event, window, details string) error {
	row := []string{
		time.Now().In(market.IST).Format(time.RFC3339),
		level, event, window, details,
	}
	if _, err := m.store.AppendRows(ctx, TableSystemLog, [][]string{row}); err != nil {
		return fmt.Errorf("append system log: %w", err)
	}
	return nil
}
