package instrument

import (
	"os"
	"path/filepath"
	"testing"
)

func writeUniverse(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "instruments.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleUniverse = `[
  {"token": "2885", "symbol": "RELIANCE", "segment": "NSE"},
  {"token": "11536", "symbol": "TCS", "segment": "NSE"},
  {"token": "1594", "symbol": "INFY", "segment": "NSE"}
]`

func TestLoadAndLookup(t *testing.T) {
	u, err := Load(writeUniverse(t, sampleUniverse))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if u.Count() != 3 {
		t.Errorf("count = %d, want 3", u.Count())
	}

	in, ok := u.ByToken("11536")
	if !ok || in.Symbol != "TCS" {
		t.Errorf("ByToken(11536) = %+v, %v", in, ok)
	}
	in, ok = u.BySymbol("RELIANCE")
	if !ok || in.Token != "2885" {
		t.Errorf("BySymbol(RELIANCE) = %+v, %v", in, ok)
	}
	if _, ok := u.ByToken("999"); ok {
		t.Error("unknown token resolved")
	}
}

func TestSymbolsSortedAndTokensAligned(t *testing.T) {
	u, err := Load(writeUniverse(t, sampleUniverse))
	if err != nil {
		t.Fatal(err)
	}
	syms := u.Symbols()
	if len(syms) != 3 || syms[0] != "INFY" || syms[1] != "RELIANCE" || syms[2] != "TCS" {
		t.Errorf("symbols = %v", syms)
	}
	toks := u.Tokens()
	if len(toks) != 3 || toks[0] != "1594" || toks[1] != "2885" || toks[2] != "11536" {
		t.Errorf("tokens = %v, want symbol order", toks)
	}
}

func TestSegments(t *testing.T) {
	u, err := Load(writeUniverse(t, sampleUniverse))
	if err != nil {
		t.Fatal(err)
	}
	segs := u.Segments()
	if segs["TCS"] != "NSE" || len(segs) != 3 {
		t.Errorf("segments = %v", segs)
	}
}

func TestLoadRejectsBadFiles(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"empty list", `[]`},
		{"not json", `{broken`},
		{"missing token", `[{"symbol": "TCS", "segment": "NSE"}]`},
		{"missing symbol", `[{"token": "1", "segment": "NSE"}]`},
		{"duplicate token", `[{"token": "1", "symbol": "A", "segment": "NSE"}, {"token": "1", "symbol": "B", "segment": "NSE"}]`},
	}
	for _, tc := range cases {
		if _, err := Load(writeUniverse(t, tc.body)); err == nil {
			t.Errorf("%s: Load succeeded, want error", tc.name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("Load succeeded on a missing file")
	}
}
