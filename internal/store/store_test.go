package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"volharvester/internal/market"
)

// memStore is a minimal in-memory Store for schema and readback tests.
type memStore struct {
	tables     map[string][][]string
	appendErr  error
	appendErrT string // fail appends to this table only
}

func newMemStore() *memStore {
	return &memStore{tables: make(map[string][][]string)}
}

func (m *memStore) AppendRows(ctx context.Context, table string, rows [][]string) (int, error) {
	if m.appendErr != nil && (m.appendErrT == "" || m.appendErrT == table) {
		return 0, m.appendErr
	}
	m.tables[table] = append(m.tables[table], rows...)
	return len(rows), nil
}

func (m *memStore) GetAllValues(ctx context.Context, table string) ([][]string, error) {
	return m.tables[table], nil
}

func (m *memStore) Resize(ctx context.Context, table string, n int) error {
	if rows := m.tables[table]; len(rows) > n {
		m.tables[table] = rows[:n]
	}
	return nil
}

func (m *memStore) EnsureTable(ctx context.Context, table string, header []string) error {
	if len(m.tables[table]) == 0 {
		m.tables[table] = [][]string{header}
	}
	return nil
}

func TestInitializeSeedsMetadataOnce(t *testing.T) {
	ms := newMemStore()
	mgr := NewManager(ms, 25, 14)
	ctx := context.Background()

	if err := mgr.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	for _, table := range []string{TableMarketData, TableATRState, TableSystemLog, TableMetadata} {
		if len(ms.tables[table]) == 0 {
			t.Errorf("table %s not created", table)
		}
	}

	meta := ms.tables[TableMetadata]
	if len(meta) != 5 {
		t.Fatalf("metadata rows = %d, want header + 4 seeds", len(meta))
	}
	seeds := map[string]string{}
	for _, row := range meta[1:] {
		seeds[row[0]] = row[1]
	}
	if seeds["schema_version"] != "1.0" || seeds["atr_period"] != "14" ||
		seeds["timezone"] != "IST" || seeds["tickers_count"] != "25" {
		t.Errorf("metadata seeds = %v", seeds)
	}

	// a second run must not duplicate the seeds
	if err := mgr.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if len(ms.tables[TableMetadata]) != 5 {
		t.Errorf("metadata rows after re-init = %d", len(ms.tables[TableMetadata]))
	}
}

func TestValidateDetectsHeaderDrift(t *testing.T) {
	ms := newMemStore()
	mgr := NewManager(ms, 25, 14)
	ctx := context.Background()

	if err := mgr.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Validate(ctx); err != nil {
		t.Fatalf("Validate on fresh schema: %v", err)
	}

	ms.tables[TableATRState][0][1] = "renamed_column"
	if err := mgr.Validate(ctx); err == nil {
		t.Error("Validate passed despite header mismatch")
	}
}

func TestLogEventAppendsRow(t *testing.T) {
	ms := newMemStore()
	mgr := NewManager(ms, 25, 14)
	ctx := context.Background()
	mgr.Initialize(ctx)

	if err := mgr.LogEvent(ctx, "INFO", "BATCH_WRITTEN", "2026-08-24T09:15:00+05:30", "rows=25"); err != nil {
		t.Fatal(err)
	}
	if err := mgr.LogEvent(ctx, "INFO", "SESSION_START", "", "tickers=25"); err != nil {
		t.Fatal(err)
	}
	logs := ms.tables[TableSystemLog]
	if len(logs) != 3 {
		t.Fatalf("system log rows = %d", len(logs))
	}
	row := logs[1]
	if row[1] != "INFO" || row[2] != "BATCH_WRITTEN" || row[3] != "2026-08-24T09:15:00+05:30" || row[4] != "rows=25" {
		t.Errorf("audit row = %v", row)
	}
	// session-level events carry no window
	if logs[2][2] != "SESSION_START" || logs[2][3] != "" {
		t.Errorf("session row = %v", logs[2])
	}
	if _, err := time.Parse(time.RFC3339, row[0]); err != nil {
		t.Errorf("audit timestamp %q not RFC3339", row[0])
	}
}

func TestLogEventPropagatesStoreError(t *testing.T) {
	ms := newMemStore()
	ms.appendErr = errors.New("store down")
	ms.appendErrT = TableSystemLog
	mgr := NewManager(ms, 25, 14)

	if err := mgr.LogEvent(context.Background(), "INFO", "X", "", ""); err == nil {
		t.Error("LogEvent swallowed the store error")
	}
}

func marketRow(id string, w time.Time) []string {
	return []string{
		id, w.In(market.IST).Format(time.RFC3339), "AAA", "NSE",
		"100", "101", "99", "100.5", "2", "", "0", "false", "",
	}
}

func TestExistingIDsForWindow(t *testing.T) {
	ms := newMemStore()
	ctx := context.Background()
	w1 := time.Date(2026, 8, 24, 9, 15, 0, 0, market.IST)
	w2 := w1.Add(5 * time.Minute)

	ms.tables[TableMarketData] = [][]string{
		MarketDataHeader,
		marketRow("AAA_20260824_0915", w1),
		marketRow("BBB_20260824_0915", w1),
		marketRow("AAA_20260824_0920", w2),
	}

	ids, err := ExistingIDsForWindow(ctx, ms, w1)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || !ids["AAA_20260824_0915"] || !ids["BBB_20260824_0915"] {
		t.Errorf("ids = %v", ids)
	}
	if ids["AAA_20260824_0920"] {
		t.Error("id from a different window matched")
	}

	// the window rendered in UTC matches the same instant
	ids, err = ExistingIDsForWindow(ctx, ms, w1.UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("UTC-expressed window matched %d ids, want 2", len(ids))
	}
}

func TestLastWindow(t *testing.T) {
	ms := newMemStore()
	ctx := context.Background()

	if _, ok, err := LastWindow(ctx, ms); err != nil || ok {
		t.Errorf("LastWindow on empty store = ok=%v err=%v", ok, err)
	}

	w1 := time.Date(2026, 8, 24, 9, 15, 0, 0, market.IST)
	w2 := w1.Add(15 * time.Minute)
	ms.tables[TableMarketData] = [][]string{
		MarketDataHeader,
		marketRow("a", w2),
		marketRow("b", w1),
	}

	got, ok, err := LastWindow(ctx, ms)
	if err != nil || !ok {
		t.Fatalf("LastWindow: ok=%v err=%v", ok, err)
	}
	if !got.Equal(w2) {
		t.Errorf("last window = %s, want %s", got, w2)
	}
}

func TestReadATRState(t *testing.T) {
	ms := newMemStore()
	w := time.Date(2026, 8, 24, 10, 30, 0, 0, market.IST)
	ms.tables[TableATRState] = [][]string{
		ATRStateHeader,
		{"AAA", "100.5", "2.1234", w.Format(time.RFC3339), ""},
		{"BBB", "50", "", w.Format(time.RFC3339), ""},
	}

	states, err := ReadATRState(context.Background(), ms)
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 2 {
		t.Fatalf("states = %d, want 2", len(states))
	}
	aaa := states["AAA"]
	if aaa.LastClose == nil || *aaa.LastClose != 100.5 || aaa.LastATR == nil || *aaa.LastATR != 2.1234 {
		t.Errorf("AAA = %+v", aaa)
	}
	if !aaa.LastTimestamp.Equal(w) {
		t.Errorf("AAA timestamp = %s", aaa.LastTimestamp)
	}
	// empty atr cell means the instrument was still warming up
	if bbb := states["BBB"]; bbb.LastATR != nil {
		t.Errorf("BBB atr = %v, want nil", *bbb.LastATR)
	}
}
