package atr

import (
	"math"
	"testing"
	"time"

	"volharvester/internal/market"
	"volharvester/internal/model"
)

const eps = 1e-4

func window(i int) time.Time {
	return time.Date(2026, 8, 24, 9, 15, 0, 0, market.IST).Add(time.Duration(i) * 5 * time.Minute)
}

func bar(i int, o, h, l, c float64) model.Bar {
	return model.Bar{WindowStart: window(i), Open: o, High: h, Low: l, Close: c, TickCount: 1}
}

func TestComputeTR(t *testing.T) {
	if tr := ComputeTR(105, 100, nil); tr != 5 {
		t.Errorf("TR without prev close = %g, want 5", tr)
	}
	pc := 95.0
	if tr := ComputeTR(105, 100, &pc); tr != 10 {
		t.Errorf("TR with gap up = %g, want 10 (high - prev close)", tr)
	}
	pc = 110.0
	if tr := ComputeTR(105, 100, &pc); tr != 10 {
		t.Errorf("TR with gap down = %g, want 10 (prev close - low)", tr)
	}
}

func TestWarmupEmitsNilATR(t *testing.T) {
	e := New(14, 4)
	for i := 0; i < 13; i++ {
		_, atr := e.Enrich("AAA", bar(i, 100, 101, 99, 100))
		if atr != nil {
			t.Fatalf("bar %d: atr = %g, want nil during warmup", i, *atr)
		}
	}
}

func TestWarmupCompletionSeedsMean(t *testing.T) {
	e := New(14, 4)
	// constant 2-point range, no gaps: every TR = 2, so the seed mean is 2
	var last *float64
	for i := 0; i < 14; i++ {
		_, last = e.Enrich("AAA", bar(i, 100, 101, 99, 100))
	}
	if last == nil {
		t.Fatal("bar 14 did not produce an ATR")
	}
	if math.Abs(*last-2.0) > eps {
		t.Errorf("seed ATR = %g, want 2.0", *last)
	}
}

func TestWilderSmoothing(t *testing.T) {
	e := New(14, 4)
	for i := 0; i < 14; i++ {
		e.Enrich("AAA", bar(i, 100, 101, 99, 100))
	}
	// bar 15: high 104, low 99, prev close 100 -> TR = 5
	_, atr := e.Enrich("AAA", bar(14, 100, 104, 99, 103))
	if atr == nil {
		t.Fatal("no ATR after warmup")
	}
	// (2*13 + 5) / 14 = 2.2143
	want := (2.0*13 + 5) / 14
	if math.Abs(*atr-want) > eps {
		t.Errorf("ATR = %g, want %g", *atr, want)
	}
}

func TestATRRounding(t *testing.T) {
	e := New(14, 4)
	for i := 0; i < 15; i++ {
		_, atr := e.Enrich("AAA", bar(i, 100, 100.3333333, 99.9999999, 100.1))
		if atr == nil {
			continue
		}
		scaled := *atr * 1e4
		if math.Abs(scaled-math.Round(scaled)) > 1e-9 {
			t.Errorf("ATR %v not rounded to 4 decimal places", *atr)
		}
	}
}

func TestStateRoundTripMidWarmup(t *testing.T) {
	e := New(14, 4)
	for i := 0; i < 7; i++ {
		e.Enrich("AAA", bar(i, 100, 101, 99, 100))
	}
	saved := e.State()

	restored := New(14, 4)
	restored.LoadState(saved)

	// continue both engines identically; ATRs must match exactly
	var a1, a2 *float64
	for i := 7; i < 20; i++ {
		b := bar(i, 100, 102, 99, 101)
		_, a1 = e.Enrich("AAA", b)
		_, a2 = restored.Enrich("AAA", b)
		if (a1 == nil) != (a2 == nil) {
			t.Fatalf("bar %d: nil mismatch after restore", i)
		}
		if a1 != nil && math.Abs(*a1-*a2) > eps {
			t.Fatalf("bar %d: atr %g != restored %g", i, *a1, *a2)
		}
	}
	if a1 == nil {
		t.Fatal("expected ATR after 20 bars")
	}
}

func TestProcessBatchOrderAndIdentity(t *testing.T) {
	e := New(14, 4)
	bars := map[string]model.Bar{
		"ZZZ": bar(0, 10, 11, 9, 10),
		"AAA": bar(0, 20, 21, 19, 20),
	}
	segments := map[string]string{"AAA": "NSE", "ZZZ": "NSE"}
	makeID := func(sym string, w time.Time) string { return sym + "@" + w.Format("1504") }

	out := e.ProcessBatch(window(0), bars, segments, makeID)
	if len(out) != 2 {
		t.Fatalf("batch size = %d, want 2", len(out))
	}
	if out[0].Symbol != "AAA" || out[1].Symbol != "ZZZ" {
		t.Errorf("order = %s,%s, want AAA,ZZZ", out[0].Symbol, out[1].Symbol)
	}
	if out[0].RowID != "AAA@0915" {
		t.Errorf("row id = %s", out[0].RowID)
	}
	if out[0].Segment != "NSE" {
		t.Errorf("segment = %s, want NSE", out[0].Segment)
	}
	if out[0].TR != 2 {
		t.Errorf("TR = %g, want 2", out[0].TR)
	}
}

func TestSummaryTracksLastWindow(t *testing.T) {
	e := New(2, 4)
	e.Enrich("AAA", bar(0, 100, 101, 99, 100))
	e.Enrich("AAA", bar(1, 100, 101, 99, 100.5))

	sum := e.Summary()
	if len(sum) != 1 {
		t.Fatalf("summary size = %d, want 1", len(sum))
	}
	s := sum[0]
	if s.Symbol != "AAA" {
		t.Errorf("symbol = %s", s.Symbol)
	}
	if s.LastClose == nil || *s.LastClose != 100.5 {
		t.Errorf("last close = %v, want 100.5", s.LastClose)
	}
	if s.LastATR == nil {
		t.Error("last ATR nil after warmup complete")
	}
	if !s.LastTimestamp.Equal(window(1)) {
		t.Errorf("last timestamp = %s, want %s", s.LastTimestamp, window(1))
	}
}

func TestGapFilledBarAdvancesPrevClose(t *testing.T) {
	e := New(14, 4)
	e.Enrich("AAA", bar(0, 100, 110, 90, 105))

	synth := model.Bar{WindowStart: window(1), Open: 105, High: 105, Low: 105, Close: 105, GapFilled: true}
	tr, _ := e.Enrich("AAA", synth)
	if tr != 0 {
		t.Errorf("flat synthetic bar TR = %g, want 0", tr)
	}

	// next real bar measures TR against 105, not the older close
	tr, _ = e.Enrich("AAA", bar(2, 105, 108, 104, 107))
	if tr != 4 {
		t.Errorf("TR = %g, want 4 (high 108 - low 104)", tr)
	}
}
