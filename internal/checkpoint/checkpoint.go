// Package checkpoint persists the indicator state to local disk after every
// window and reconciles it against the durable store at startup, so a crash
// or restart resumes with correct Wilder smoothing instead of a cold warmup.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"volharvester/internal/model"
	"volharvester/internal/store"
)

// Reconciliation outcomes.
const (
	SourceFresh      = "fresh"      // no prior state anywhere
	SourceLocal      = "local"      // local checkpoint only, or local is ahead
	SourceStore      = "store"      // durable store wins
	SourceConsistent = "consistent" // both agree; local kept for its warmup detail
)

// Values closer than this are considered equal during reconciliation.
const divergenceEpsilon = 0.0001

// Checkpoint is the on-disk snapshot written after each finalized window.
type Checkpoint struct {
	SessionDate string                    `json:"session_date"` // YYYY-MM-DD IST
	LastWindow  time.Time                 `json:"last_window"`
	ATRStates   map[string]model.ATRState `json:"atr_state"`
	Confirmed   bool                      `json:"sheets_write_confirmed"` // true only for the end-of-session save
	SavedAt     time.Time                 `json:"saved_at"`
}

// Manager owns the checkpoint directory: atomic saves with rotation, loads
// with fallback to older generations, and the startup reconciliation.
type Manager struct {
	dir      string
	maxFiles int
	period   int // ATR period, for rebuilding state from store rows
}

// NewManager creates a manager keeping maxFiles rotated checkpoints in dir.
func NewManager(dir string, maxFiles, atrPeriod int) *Manager {
	if maxFiles < 1 {
		maxFiles = 1
	}
	return &Manager{dir: dir, maxFiles: maxFiles, period: atrPeriod}
}

// path maps generation 0 to the canonical checkpoint.json; older generations
// are the numbered rotations.
func (m *Manager) path(gen int) string {
	if gen == 0 {
		return filepath.Join(m.dir, "checkpoint.json")
	}
	return filepath.Join(m.dir, fmt.Sprintf("checkpoint_%d.json", gen))
}

// Save writes the checkpoint atomically: marshal to a temp file, fsync,
// rotate the existing generations up, then rename into place. A crash at
// any point leaves either the old or the new generation intact, never a
// torn file.
func (m *Manager) Save(cp Checkpoint) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	cp.SavedAt = time.Now()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	tmp := m.path(0) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}

	// shift older generations up, discarding the oldest
	for gen := m.maxFiles - 2; gen >= 0; gen-- {
		if _, err := os.Stat(m.path(gen)); err == nil {
			if err := os.Rename(m.path(gen), m.path(gen+1)); err != nil {
				return fmt.Errorf("rotate checkpoint %d: %w", gen, err)
			}
		}
	}
	if err := os.Rename(tmp, m.path(0)); err != nil {
		return fmt.Errorf("install checkpoint: %w", err)
	}
	return nil
}

// Load returns the newest readable checkpoint, falling back through rotated
// generations when a file is missing or corrupt. ok is false when none load.
func (m *Manager) Load() (Checkpoint, bool) {
	for gen := 0; gen < m.maxFiles; gen++ {
		data, err := os.ReadFile(m.path(gen))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			log.Printf("[checkpoint] READ_FAILED | gen=%d | err=%v", gen, err)
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			log.Printf("[checkpoint] CORRUPT | gen=%d | err=%v", gen, err)
			continue
		}
		if gen > 0 {
			log.Printf("[checkpoint] LOADED_FALLBACK | gen=%d | last_window=%s", gen, cp.LastWindow)
		}
		return cp, true
	}
	return Checkpoint{}, false
}

// Reconcile decides which indicator state to resume from: the local
// checkpoint, the durable store's state table, or neither. Windows are
// compared between the checkpoint's last_window and the newest bar timestamp
// in the market data table (storeWindow). Equal windows keep the local state,
// which carries the mid-warmup TR history the store cannot hold; per-symbol
// divergences beyond the epsilon are counted and warned, never adopted. The
// store wins only when it is strictly ahead (a fallback drain landed after
// the last checkpoint).
func (m *Manager) Reconcile(local Checkpoint, hasLocal bool, stored map[string]store.StoredATR, storeWindow time.Time, hasStoreWindow bool) (map[string]model.ATRState, string) {
	switch {
	case !hasLocal && !hasStoreWindow:
		log.Printf("[checkpoint] RECONCILE | source=%s", SourceFresh)
		return map[string]model.ATRState{}, SourceFresh

	case hasLocal && !hasStoreWindow:
		log.Printf("[checkpoint] RECONCILE | source=%s | symbols=%d | last_window=%s",
			SourceLocal, len(local.ATRStates), local.LastWindow)
		return cloneStates(local.ATRStates), SourceLocal

	case !hasLocal:
		log.Printf("[checkpoint] RECONCILE | source=%s | symbols=%d", SourceStore, len(stored))
		return m.statesFromStore(stored), SourceStore
	}

	if storeWindow.After(local.LastWindow) {
		log.Printf("[checkpoint] RECONCILE | source=%s | store_window=%s > local_window=%s",
			SourceStore, storeWindow, local.LastWindow)
		return m.statesFromStore(stored), SourceStore
	}
	if local.LastWindow.After(storeWindow) {
		// expected when the checkpoint landed before the store write was
		// confirmed; a confirmed checkpoint ahead of the store means rows
		// went missing
		if local.Confirmed {
			log.Printf("[checkpoint] RECONCILE_ANOMALY | confirmed checkpoint ahead of store | local_window=%s | store_window=%s",
				local.LastWindow, storeWindow)
		}
		log.Printf("[checkpoint] RECONCILE | source=%s | local_window=%s > store_window=%s | confirmed=%t",
			SourceLocal, local.LastWindow, storeWindow, local.Confirmed)
		return cloneStates(local.ATRStates), SourceLocal
	}

	if diverged := countDivergences(local.ATRStates, stored); diverged > 0 {
		log.Printf("[checkpoint] RECONCILE_DIVERGENCE | divergent_symbols=%d | keeping local", diverged)
	}
	log.Printf("[checkpoint] RECONCILE | source=%s | symbols=%d", SourceConsistent, len(local.ATRStates))
	return cloneStates(local.ATRStates), SourceConsistent
}

// statesFromStore rebuilds engine state from the flat state table. A symbol
// with a persisted ATR resumes directly in Wilder smoothing; one without
// restarts its warmup from scratch since the store holds no TR history.
func (m *Manager) statesFromStore(stored map[string]store.StoredATR) map[string]model.ATRState {
	out := make(map[string]model.ATRState, len(stored))
	for sym, s := range stored {
		st := model.ATRState{}
		if s.LastClose != nil {
			v := *s.LastClose
			st.PrevClose = &v
		}
		if s.LastATR != nil {
			v := *s.LastATR
			st.PrevATR = &v
			st.CandleCount = m.period
		}
		out[sym] = st
	}
	return out
}

func countDivergences(local map[string]model.ATRState, stored map[string]store.StoredATR) int {
	n := 0
	for sym, s := range stored {
		l, ok := local[sym]
		if !ok {
			n++
			continue
		}
		if !floatPtrClose(l.PrevATR, s.LastATR) || !floatPtrClose(l.PrevClose, s.LastClose) {
			n++
		}
	}
	return n
}

func floatPtrClose(a, b *float64) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return math.Abs(*a-*b) < divergenceEpsilon
}

func cloneStates(states map[string]model.ATRState) map[string]model.ATRState {
	out := make(map[string]model.ATRState, len(states))
	for sym, st := range states {
		out[sym] = st.Clone()
	}
	return out
}
