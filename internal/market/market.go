package market

import (
	"fmt"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Default NSE session hours in IST.
var (
	DefaultOpen  = ClockTime{Hour: 9, Minute: 15}
	DefaultClose = ClockTime{Hour: 15, Minute: 30}
)

// ClockTime is a wall-clock time of day, minute resolution.
type ClockTime struct {
	Hour   int
	Minute int
}

// On anchors the clock time onto the given date in IST.
func (c ClockTime) On(d time.Time) time.Time {
	ist := d.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), c.Hour, c.Minute, 0, 0, IST)
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// ParseClockTime parses "HH:MM" (as used in calendar files).
func ParseClockTime(s string) (ClockTime, error) {
	var ct ClockTime
	if _, err := fmt.Sscanf(s, "%d:%d", &ct.Hour, &ct.Minute); err != nil {
		return ClockTime{}, fmt.Errorf("parse clock time %q: %w", s, err)
	}
	if ct.Hour < 0 || ct.Hour > 23 || ct.Minute < 0 || ct.Minute > 59 {
		return ClockTime{}, fmt.Errorf("clock time %q out of range", s)
	}
	return ct, nil
}

// DateKey formats the IST date as YYYY-MM-DD, the key format used by the
// calendar files and internal lookups.
func DateKey(t time.Time) string {
	return t.In(IST).Format("2006-01-02")
}
