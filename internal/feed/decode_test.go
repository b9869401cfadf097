package feed

import (
	"testing"
	"time"
)

func TestDecodeTickFieldAliases(t *testing.T) {
	base := time.Date(2026, 8, 24, 9, 17, 30, 0, time.UTC)
	epoch := float64(base.Unix())

	cases := []struct {
		name string
		msg  map[string]interface{}
	}{
		{"canonical", map[string]interface{}{"token": "11536", "ltp": 3450.5, "exchange_timestamp": epoch}},
		{"short form", map[string]interface{}{"tk": "11536", "ltp": 3450.5, "ft": epoch}},
		{"kite style", map[string]interface{}{"instrument_token": 11536.0, "last_traded_price": 3450.5, "feed_time": epoch}},
	}
	for _, tc := range cases {
		tick, err := decodeTick(tc.msg)
		if err != nil {
			t.Errorf("%s: %v", tc.name, err)
			continue
		}
		if tick.Token != "11536" {
			t.Errorf("%s: token = %s", tc.name, tick.Token)
		}
		if tick.LTP != 3450.5 {
			t.Errorf("%s: ltp = %g", tc.name, tick.LTP)
		}
		if !tick.ExchangeTS.Equal(base) {
			t.Errorf("%s: ts = %s, want %s", tc.name, tick.ExchangeTS, base)
		}
	}
}

func TestDecodeTickTimestampForms(t *testing.T) {
	base := time.Date(2026, 8, 24, 9, 17, 30, 0, time.UTC)

	cases := []struct {
		name string
		ts   interface{}
		want time.Time
	}{
		{"epoch seconds", float64(base.Unix()), base},
		{"epoch millis", float64(base.UnixMilli()), base},
		{"numeric string", "1787822250", time.Unix(1787822250, 0)},
		{"rfc3339", "2026-08-24T09:17:30+05:30", time.Date(2026, 8, 24, 9, 17, 30, 0, time.FixedZone("IST", 5*3600+1800))},
	}
	for _, tc := range cases {
		tick, err := decodeTick(map[string]interface{}{"token": "1", "ltp": 10.0, "exchange_timestamp": tc.ts})
		if err != nil {
			t.Errorf("%s: %v", tc.name, err)
			continue
		}
		if !tick.ExchangeTS.Equal(tc.want) {
			t.Errorf("%s: ts = %s, want %s", tc.name, tick.ExchangeTS, tc.want)
		}
	}
}

func TestDecodeTickRejectsMalformed(t *testing.T) {
	epoch := float64(time.Now().Unix())

	cases := []struct {
		name string
		msg  map[string]interface{}
		want error
	}{
		{"no token", map[string]interface{}{"ltp": 10.0, "exchange_timestamp": epoch}, errNoToken},
		{"no price", map[string]interface{}{"token": "1", "exchange_timestamp": epoch}, errNoPrice},
		{"unparseable price", map[string]interface{}{"token": "1", "ltp": "abc", "exchange_timestamp": epoch}, errNoPrice},
		{"zero price", map[string]interface{}{"token": "1", "ltp": 0.0, "exchange_timestamp": epoch}, errBadPrice},
		{"negative price", map[string]interface{}{"token": "1", "ltp": -4.0, "exchange_timestamp": epoch}, errBadPrice},
		{"no timestamp", map[string]interface{}{"token": "1", "ltp": 10.0}, errNoTimestamp},
		{"garbage timestamp", map[string]interface{}{"token": "1", "ltp": 10.0, "exchange_timestamp": "yesterday"}, errNoTimestamp},
	}
	for _, tc := range cases {
		if _, err := decodeTick(tc.msg); err != tc.want {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestLatencyRingPercentiles(t *testing.T) {
	r := newLatencyRing(100)
	for i := 1; i <= 100; i++ {
		r.Record(float64(i))
	}
	rep := r.Report()
	if rep.Count != 100 {
		t.Fatalf("count = %d, want 100", rep.Count)
	}
	if rep.P50 < 50 || rep.P50 > 51 {
		t.Errorf("p50 = %g", rep.P50)
	}
	if rep.P95 < 95 || rep.P95 > 96 {
		t.Errorf("p95 = %g", rep.P95)
	}
	if rep.Max != 100 {
		t.Errorf("max = %g", rep.Max)
	}

	// reporting resets the window
	if rep = r.Report(); rep.Count != 0 {
		t.Errorf("count after reset = %d, want 0", rep.Count)
	}
}

func TestLatencyRingWraps(t *testing.T) {
	r := newLatencyRing(10)
	for i := 0; i < 25; i++ {
		r.Record(float64(i))
	}
	rep := r.Report()
	if rep.Count != 10 {
		t.Errorf("count = %d, want ring capacity 10", rep.Count)
	}
	// only the last 10 samples (15..24) remain
	if rep.P50 < 15 {
		t.Errorf("p50 = %g, old samples leaked into the window", rep.P50)
	}
}
