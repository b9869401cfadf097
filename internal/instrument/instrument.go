// Package instrument loads the static instrument universe: the mapping from
// feed tokens to trading symbols and segments. The universe is fixed for a
// session; there is no runtime mutation.
package instrument

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Instrument is one tradable in the universe.
type Instrument struct {
	Token   string `json:"token"`
	Symbol  string `json:"symbol"`
	Segment string `json:"segment"`
}

// Universe is the loaded instrument set with both lookup directions.
type Universe struct {
	byToken  map[string]Instrument
	bySymbol map[string]Instrument
	symbols  []string
}

// Load reads the universe from a JSON array file.
func Load(path string) (*Universe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instruments: %w", err)
	}
	var list []Instrument
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse instruments: %w", err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("instrument file %s is empty", path)
	}

	u := &Universe{
		byToken:  make(map[string]Instrument, len(list)),
		bySymbol: make(map[string]Instrument, len(list)),
	}
	for _, in := range list {
		if in.Token == "" || in.Symbol == "" {
			return nil, fmt.Errorf("instrument with empty token or symbol in %s", path)
		}
		if _, dup := u.byToken[in.Token]; dup {
			return nil, fmt.Errorf("duplicate token %s in %s", in.Token, path)
		}
		u.byToken[in.Token] = in
		u.bySymbol[in.Symbol] = in
		u.symbols = append(u.symbols, in.Symbol)
	}
	sort.Strings(u.symbols)
	return u, nil
}

// ByToken resolves a feed token to its instrument.
func (u *Universe) ByToken(token string) (Instrument, bool) {
	in, ok := u.byToken[token]
	return in, ok
}

// BySymbol resolves a trading symbol to its instrument.
func (u *Universe) BySymbol(symbol string) (Instrument, bool) {
	in, ok := u.bySymbol[symbol]
	return in, ok
}

// Symbols returns all symbols, sorted.
func (u *Universe) Symbols() []string {
	return append([]string(nil), u.symbols...)
}

// Tokens returns all feed tokens, in symbol order.
func (u *Universe) Tokens() []string {
	out := make([]string, 0, len(u.symbols))
	for _, sym := range u.symbols {
		out = append(out, u.bySymbol[sym].Token)
	}
	return out
}

// Segments returns the symbol-to-segment map used when rendering rows.
func (u *Universe) Segments() map[string]string {
	out := make(map[string]string, len(u.bySymbol))
	for sym, in := range u.bySymbol {
		out[sym] = in.Segment
	}
	return out
}

// Count returns the universe size.
func (u *Universe) Count() int {
	return len(u.symbols)
}
