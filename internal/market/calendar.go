package market

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SpecialSession describes a non-standard trading session (e.g. Muhurat
// trading), which may fall on a holiday or weekend.
type SpecialSession struct {
	Name  string
	Open  ClockTime
	Close ClockTime
}

// Calendar is the NSE trading calendar with holiday and special-session
// awareness. Calendar data is loaded lazily from holidays_YYYY.json files;
// NSE publishes the list annually. A missing file for a year means all
// weekdays of that year are trading days.
//
// Not safe for concurrent use; the orchestrator consults it only at boot.
type Calendar struct {
	dir         string
	holidays    map[string]string         // date key -> holiday name
	special     map[string]SpecialSession // date key -> session
	loadedYears map[int]bool
}

type calendarFile struct {
	Holidays []struct {
		Date string `json:"date"`
		Name string `json:"name"`
	} `json:"holidays"`
	SpecialSessions []struct {
		Date  string `json:"date"`
		Name  string `json:"name"`
		Open  string `json:"open"`
		Close string `json:"close"`
	} `json:"special_sessions"`
}

// NewCalendar creates a calendar backed by holidays_YYYY.json files in dir.
func NewCalendar(dir string) *Calendar {
	return &Calendar{
		dir:         dir,
		holidays:    make(map[string]string),
		special:     make(map[string]SpecialSession),
		loadedYears: make(map[int]bool),
	}
}

func (c *Calendar) ensureYear(year int) error {
	if c.loadedYears[year] {
		return nil
	}
	c.loadedYears[year] = true

	path := filepath.Join(c.dir, fmt.Sprintf("holidays_%d.json", year))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read calendar %s: %w", path, err)
	}

	var cf calendarFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("parse calendar %s: %w", path, err)
	}

	for _, h := range cf.Holidays {
		c.holidays[h.Date] = h.Name
	}
	for _, s := range cf.SpecialSessions {
		open, err := ParseClockTime(s.Open)
		if err != nil {
			return fmt.Errorf("calendar %s: session %s: %w", path, s.Date, err)
		}
		cls, err := ParseClockTime(s.Close)
		if err != nil {
			return fmt.Errorf("calendar %s: session %s: %w", path, s.Date, err)
		}
		c.special[s.Date] = SpecialSession{Name: s.Name, Open: open, Close: cls}
	}
	return nil
}

// IsTradingDay reports whether the given IST date is a trading day.
// Weekends and holidays are not, except when a special session is scheduled
// on them: a date in both the holiday and special-session lists trades with
// the special hours.
func (c *Calendar) IsTradingDay(t time.Time) (bool, error) {
	ist := t.In(IST)
	if err := c.ensureYear(ist.Year()); err != nil {
		return false, err
	}
	key := DateKey(ist)
	if _, ok := c.special[key]; ok {
		return true, nil
	}
	if wd := ist.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false, nil
	}
	if _, ok := c.holidays[key]; ok {
		return false, nil
	}
	return true, nil
}

// HolidayName returns the holiday name for the date, or "" if none.
func (c *Calendar) HolidayName(t time.Time) string {
	if err := c.ensureYear(t.In(IST).Year()); err != nil {
		return ""
	}
	return c.holidays[DateKey(t)]
}

// SessionHours returns (open, close) for the given trading day: special
// session hours if scheduled, otherwise the default market hours.
func (c *Calendar) SessionHours(t time.Time) (ClockTime, ClockTime, error) {
	trading, err := c.IsTradingDay(t)
	if err != nil {
		return ClockTime{}, ClockTime{}, err
	}
	if !trading {
		return ClockTime{}, ClockTime{}, fmt.Errorf("%s is not a trading day", DateKey(t))
	}
	if s, ok := c.special[DateKey(t)]; ok {
		return s.Open, s.Close, nil
	}
	return DefaultOpen, DefaultClose, nil
}

// NextTradingDay returns the first trading day strictly after t.
func (c *Calendar) NextTradingDay(t time.Time) (time.Time, error) {
	d := t.In(IST).AddDate(0, 0, 1)
	for i := 0; i < 30; i++ {
		trading, err := c.IsTradingDay(d)
		if err != nil {
			return time.Time{}, err
		}
		if trading {
			return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, IST), nil
		}
		d = d.AddDate(0, 0, 1)
	}
	return time.Time{}, fmt.Errorf("no trading day within 30 days of %s", DateKey(t))
}
