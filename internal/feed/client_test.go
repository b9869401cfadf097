package feed

import (
	"testing"
	"time"

	"volharvester/internal/buffer"
	"volharvester/internal/market"
	"volharvester/internal/timegrid"
)

func testHandler() (*Handler, *buffer.TickBuffer) {
	resolve := func(token string) (string, bool) {
		if token == "2885" {
			return "RELIANCE", true
		}
		return "", false
	}
	buf := buffer.New()
	h := NewHandler(resolve, buf, 100)

	day := time.Date(2026, 8, 24, 0, 0, 0, 0, market.IST)
	grid := timegrid.New(day, market.DefaultOpen, market.DefaultClose, 5*time.Minute)
	h.SetGrid(grid)
	return h, buf
}

func tickMsg(token string, ltp float64, ts time.Time) map[string]interface{} {
	return map[string]interface{}{
		"token":              token,
		"ltp":                ltp,
		"exchange_timestamp": float64(ts.Unix()),
	}
}

func TestOnMessageAcceptsTick(t *testing.T) {
	h, buf := testHandler()
	w := time.Date(2026, 8, 24, 9, 15, 0, 0, market.IST)
	buf.SetActiveWindow(w)

	h.OnMessage(tickMsg("2885", 3450.5, w.Add(30*time.Second)))

	st := h.Stats()
	if st.Accepted != 1 {
		t.Errorf("accepted = %d, want 1", st.Accepted)
	}
	bars, _, _ := buf.SnapshotAndReset()
	bar, ok := bars["RELIANCE"]
	if !ok || bar.Close != 3450.5 {
		t.Errorf("bar = %+v, ok=%v", bar, ok)
	}
}

func TestOnMessageCountsRejects(t *testing.T) {
	h, buf := testHandler()
	w := time.Date(2026, 8, 24, 9, 15, 0, 0, market.IST)
	buf.SetActiveWindow(w)

	h.OnMessage(map[string]interface{}{"ltp": 10.0})                   // malformed
	h.OnMessage(tickMsg("999", 10, w.Add(time.Second)))                // unknown token
	h.OnMessage(tickMsg("2885", 10, w.Add(-time.Hour)))                // before open
	h.OnMessage(tickMsg("2885", 10, w.Add(5*time.Minute+time.Second))) // future window
	h.OnMessage(tickMsg("2885", 10, w.Add(time.Second)))               // good

	st := h.Stats()
	if st.Rejected != 1 || st.UnknownToken != 1 || st.OutsideSession != 1 || st.Dropped != 1 || st.Accepted != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestOnMessageWithoutGrid(t *testing.T) {
	buf := buffer.New()
	h := NewHandler(func(string) (string, bool) { return "X", true }, buf, 10)

	w := time.Date(2026, 8, 24, 9, 15, 0, 0, market.IST)
	h.OnMessage(tickMsg("1", 10, w))
	if st := h.Stats(); st.OutsideSession != 1 {
		t.Errorf("stats = %+v, want tick counted outside session before grid install", st)
	}
}

func TestSilenceClock(t *testing.T) {
	h, _ := testHandler()

	now := time.Now()
	if h.Silence(now) < 24*time.Hour {
		t.Error("silence before any message should read as stale")
	}

	h.MarkAlive(now)
	if d := h.Silence(now.Add(12 * time.Second)); d != 12*time.Second {
		t.Errorf("silence = %s, want 12s", d)
	}

	// any message refreshes the clock, even a malformed one
	h.OnMessage(map[string]interface{}{"heartbeat": true})
	if d := h.Silence(time.Now()); d > time.Minute {
		t.Errorf("silence = %s after message", d)
	}
}

func TestOnAcceptedHook(t *testing.T) {
	h, buf := testHandler()
	w := time.Date(2026, 8, 24, 9, 15, 0, 0, market.IST)
	buf.SetActiveWindow(w)

	calls := 0
	h.OnAccepted = func(us float64) { calls++ }

	h.OnMessage(tickMsg("2885", 100, w.Add(time.Second)))
	h.OnMessage(map[string]interface{}{"bad": true})
	if calls != 1 {
		t.Errorf("hook calls = %d, want 1 (malformed messages never reach the buffer)", calls)
	}
}
