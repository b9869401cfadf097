package feed

import (
	"errors"
	"strconv"
	"time"

	"volharvester/internal/model"
)

var (
	errNoToken     = errors.New("tick has no token field")
	errNoPrice     = errors.New("tick has no price field")
	errNoTimestamp = errors.New("tick has no timestamp field")
	errBadPrice    = errors.New("tick price is not positive")
)

// Field aliases seen across broker feed payload versions. Only these are
// recognized; anything else in the message is ignored.
var (
	tokenFields = []string{"token", "tk", "instrument_token"}
	priceFields = []string{"ltp", "last_traded_price"}
	tsFields    = []string{"exchange_timestamp", "ft", "feed_time"}
)

// decodeTick extracts a tick from one decoded feed message. The exchange
// timestamp may arrive as epoch seconds, epoch milliseconds, or an ISO-8601
// string; all are normalized to time.Time. Malformed messages return an
// error and are counted by the caller, never logged per message.
func decodeTick(msg map[string]interface{}) (model.Tick, error) {
	var tick model.Tick

	for _, f := range tokenFields {
		if v, ok := msg[f]; ok {
			tick.Token = asString(v)
			break
		}
	}
	if tick.Token == "" {
		return model.Tick{}, errNoToken
	}

	found := false
	for _, f := range priceFields {
		if v, ok := msg[f]; ok {
			if p, ok := asFloat(v); ok {
				tick.LTP = p
				found = true
			}
			break
		}
	}
	if !found {
		return model.Tick{}, errNoPrice
	}
	if tick.LTP <= 0 {
		return model.Tick{}, errBadPrice
	}

	for _, f := range tsFields {
		if v, ok := msg[f]; ok {
			if ts, ok := asTime(v); ok {
				tick.ExchangeTS = ts
			}
			break
		}
	}
	if tick.ExchangeTS.IsZero() {
		return model.Tick{}, errNoTimestamp
	}
	return tick, nil
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatInt(int64(s), 10)
	default:
		return ""
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// asTime accepts epoch seconds (10 digits), epoch milliseconds (13 digits),
// or an RFC3339 string.
func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case float64:
		return epochToTime(int64(t)), true
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, true
		}
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return epochToTime(n), true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

func epochToTime(n int64) time.Time {
	if n > 1e12 { // milliseconds
		return time.Unix(n/1000, (n%1000)*int64(time.Millisecond))
	}
	return time.Unix(n, 0)
}
