package model

import "time"

// Tick represents a single market data tick from the broker WebSocket.
// Ticks are transient and never persisted. ExchangeTS is the exchange's own
// timestamp and is the authoritative ordering key for window assignment.
type Tick struct {
	Token      string    `json:"token"`
	LTP        float64   `json:"ltp"`
	ExchangeTS time.Time `json:"exchange_ts"`
}
