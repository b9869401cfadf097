package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"volharvester/internal/market"
	"volharvester/internal/model"
	"volharvester/internal/store"
)

func f(v float64) *float64 { return &v }

func window(h, m int) time.Time {
	return time.Date(2026, 8, 24, h, m, 0, 0, market.IST)
}

func sampleCheckpoint(w time.Time) Checkpoint {
	return Checkpoint{
		SessionDate: "2026-08-24",
		LastWindow:  w,
		ATRStates: map[string]model.ATRState{
			"AAA": {PrevClose: f(100.5), PrevATR: f(2.1234), CandleCount: 20},
			"BBB": {PrevClose: f(50), TRHistory: []float64{1, 2, 3}, CandleCount: 3},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 3, 14)

	cp := sampleCheckpoint(window(10, 30))
	if err := m.Save(cp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok := m.Load()
	if !ok {
		t.Fatal("Load found nothing")
	}
	if got.SessionDate != "2026-08-24" || !got.LastWindow.Equal(cp.LastWindow) {
		t.Errorf("loaded %s/%s, want %s/%s", got.SessionDate, got.LastWindow, cp.SessionDate, cp.LastWindow)
	}
	st := got.ATRStates["AAA"]
	if st.PrevATR == nil || *st.PrevATR != 2.1234 || st.CandleCount != 20 {
		t.Errorf("AAA state = %+v", st)
	}
	warm := got.ATRStates["BBB"]
	if warm.PrevATR != nil || len(warm.TRHistory) != 3 {
		t.Errorf("mid-warmup state lost: %+v", warm)
	}
}

func TestRotationKeepsThreeGenerations(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 3, 14)

	for i := 0; i < 5; i++ {
		if err := m.Save(sampleCheckpoint(window(9, 15+5*i))); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 3 {
		t.Fatalf("dir holds %d files, want 3", len(entries))
	}

	got, ok := m.Load()
	if !ok {
		t.Fatal("Load found nothing")
	}
	if want := window(9, 35); !got.LastWindow.Equal(want) {
		t.Errorf("newest generation has window %s, want %s", got.LastWindow.Format("15:04"), want.Format("15:04"))
	}
}

func TestLoadFallsBackPastCorruptFile(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 3, 14)

	if err := m.Save(sampleCheckpoint(window(9, 15))); err != nil {
		t.Fatal(err)
	}
	if err := m.Save(sampleCheckpoint(window(9, 20))); err != nil {
		t.Fatal(err)
	}
	// corrupt the canonical file
	if err := os.WriteFile(filepath.Join(dir, "checkpoint.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, ok := m.Load()
	if !ok {
		t.Fatal("Load gave up despite valid older generation")
	}
	if want := window(9, 15); !got.LastWindow.Equal(want) {
		t.Errorf("fallback window = %s, want %s", got.LastWindow.Format("15:04"), want.Format("15:04"))
	}
}

func TestLoadEmptyDir(t *testing.T) {
	m := NewManager(t.TempDir(), 3, 14)
	if _, ok := m.Load(); ok {
		t.Error("Load ok on empty dir")
	}
}

func TestReconcileFresh(t *testing.T) {
	m := NewManager(t.TempDir(), 3, 14)
	states, source := m.Reconcile(Checkpoint{}, false, nil, time.Time{}, false)
	if source != SourceFresh || len(states) != 0 {
		t.Errorf("source=%s states=%d, want fresh/0", source, len(states))
	}
}

func TestReconcileLocalOnly(t *testing.T) {
	m := NewManager(t.TempDir(), 3, 14)
	cp := sampleCheckpoint(window(10, 30))
	states, source := m.Reconcile(cp, true, nil, time.Time{}, false)
	if source != SourceLocal {
		t.Fatalf("source = %s, want local", source)
	}
	if *states["AAA"].PrevATR != 2.1234 {
		t.Errorf("local state not adopted")
	}
}

func TestReconcileStoreOnly(t *testing.T) {
	m := NewManager(t.TempDir(), 3, 14)
	stored := map[string]store.StoredATR{
		"AAA": {LastClose: f(100), LastATR: f(2.5), LastTimestamp: window(10, 30)},
		"BBB": {LastClose: f(50), LastTimestamp: window(10, 30)},
	}
	states, source := m.Reconcile(Checkpoint{}, false, stored, window(10, 30), true)
	if source != SourceStore {
		t.Fatalf("source = %s, want store", source)
	}
	if st := states["AAA"]; st.PrevATR == nil || *st.PrevATR != 2.5 || st.CandleCount != 14 {
		t.Errorf("AAA rebuilt state = %+v", st)
	}
	// no ATR persisted means warmup restarts
	if st := states["BBB"]; st.PrevATR != nil || st.CandleCount != 0 {
		t.Errorf("BBB rebuilt state = %+v", st)
	}
}

func TestReconcileStoreAhead(t *testing.T) {
	m := NewManager(t.TempDir(), 3, 14)
	cp := sampleCheckpoint(window(10, 30))
	stored := map[string]store.StoredATR{
		"AAA": {LastClose: f(101), LastATR: f(2.2), LastTimestamp: window(10, 35)},
	}
	states, source := m.Reconcile(cp, true, stored, window(10, 35), true)
	if source != SourceStore {
		t.Fatalf("source = %s, want store (store has the newer window)", source)
	}
	if *states["AAA"].PrevATR != 2.2 {
		t.Error("store state not adopted")
	}
}

func TestReconcileLocalAhead(t *testing.T) {
	m := NewManager(t.TempDir(), 3, 14)
	cp := sampleCheckpoint(window(10, 35))
	stored := map[string]store.StoredATR{
		"AAA": {LastClose: f(99), LastATR: f(9.9), LastTimestamp: window(10, 30)},
	}
	states, source := m.Reconcile(cp, true, stored, window(10, 30), true)
	if source != SourceLocal {
		t.Fatalf("source = %s, want local (checkpoint has the newer window)", source)
	}
	if *states["AAA"].PrevATR != 2.1234 {
		t.Error("local state not adopted when ahead")
	}
}

func TestReconcileLocalAheadConfirmed(t *testing.T) {
	m := NewManager(t.TempDir(), 3, 14)
	cp := sampleCheckpoint(window(10, 35))
	cp.Confirmed = true
	stored := map[string]store.StoredATR{
		"AAA": {LastClose: f(99), LastATR: f(9.9), LastTimestamp: window(10, 30)},
	}
	// a confirmed checkpoint ahead of the store is anomalous but local
	// still wins; the writer's dedup makes the replay harmless
	_, source := m.Reconcile(cp, true, stored, window(10, 30), true)
	if source != SourceLocal {
		t.Fatalf("source = %s, want local", source)
	}
}

func TestReconcileConsistent(t *testing.T) {
	m := NewManager(t.TempDir(), 3, 14)
	cp := sampleCheckpoint(window(10, 30))
	stored := map[string]store.StoredATR{
		"AAA": {LastClose: f(100.5), LastATR: f(2.1234), LastTimestamp: window(10, 30)},
	}
	states, source := m.Reconcile(cp, true, stored, window(10, 30), true)
	if source != SourceConsistent {
		t.Fatalf("source = %s, want consistent", source)
	}
	// local wins so mid-warmup history survives
	if len(states["BBB"].TRHistory) != 3 {
		t.Error("warmup history dropped on consistent reconcile")
	}
}

func TestReconcileDivergentKeepsLocal(t *testing.T) {
	m := NewManager(t.TempDir(), 3, 14)
	cp := sampleCheckpoint(window(10, 30))
	stored := map[string]store.StoredATR{
		"AAA": {LastClose: f(100.5), LastATR: f(2.9), LastTimestamp: window(10, 30)},
	}
	// equal windows stay consistent even when per-symbol ATR diverges;
	// the divergence is warned, not adopted
	states, source := m.Reconcile(cp, true, stored, window(10, 30), true)
	if source != SourceConsistent {
		t.Fatalf("source = %s, want consistent despite divergence", source)
	}
	if *states["AAA"].PrevATR != 2.1234 {
		t.Errorf("AAA atr = %g, want local 2.1234 kept", *states["AAA"].PrevATR)
	}
}

func TestCheckpointFileLayout(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 3, 14)

	m.Save(sampleCheckpoint(window(9, 15)))
	m.Save(sampleCheckpoint(window(9, 20)))

	// canonical file plus the first rotation
	data, err := os.ReadFile(filepath.Join(dir, "checkpoint.json"))
	if err != nil {
		t.Fatalf("canonical file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "checkpoint_1.json")); err != nil {
		t.Errorf("rotated file missing: %v", err)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"last_window", "atr_state", "saved_at", "sheets_write_confirmed"} {
		if _, ok := body[key]; !ok {
			t.Errorf("checkpoint body missing key %q", key)
		}
	}
}
