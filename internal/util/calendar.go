package util

import (
	"time"
	_ "time/tzdata" // exchange zones without relying on the host database
)

// TradingCalendar provides market-hours awareness for a regular weekday
// session in a single exchange time zone. Exchange holidays are not modelled.
type TradingCalendar struct {
	loc   *time.Location
	open  time.Duration // offset from local midnight
	close time.Duration
}

// NewTradingCalendar creates a TradingCalendar for the named IANA zone with
// the given session bounds ("HH:MM"). An unknown zone falls back to UTC and
// unparsable bounds to 09:30-16:00.
func NewTradingCalendar(zone, open, close string) *TradingCalendar {
	loc, err := time.LoadLocation(zone)
	if err != nil || zone == "" {
		loc = time.UTC
	}
	return &TradingCalendar{
		loc:   loc,
		open:  parseClock(open, 9*time.Hour+30*time.Minute),
		close: parseClock(close, 16*time.Hour),
	}
}

// NewUSEquityCalendar returns the NYSE regular session, 09:30-16:00 ET.
func NewUSEquityCalendar() *TradingCalendar {
	return NewTradingCalendar("America/New_York", "09:30", "16:00")
}

func parseClock(s string, def time.Duration) time.Duration {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return def
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
}

// Location returns the calendar's time zone.
func (tc *TradingCalendar) Location() *time.Location {
	return tc.loc
}

// SessionDate returns the exchange-local calendar date of t as YYYY-MM-DD.
// Day P&L baselines roll whenever this value changes.
func (tc *TradingCalendar) SessionDate(t time.Time) string {
	return t.In(tc.loc).Format("2006-01-02")
}

// IsTradingDay reports whether t falls on a weekday in exchange time.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	switch t.In(tc.loc).Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}

// IsMarketOpen returns whether the market is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	if !tc.IsTradingDay(t) {
		return false
	}
	local := t.In(tc.loc)
	since := local.Sub(tc.midnight(local))
	return since >= tc.open && since < tc.close
}

// NextOpen returns the next market open time at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	local := t.In(tc.loc)
	for i := 0; i < 8; i++ {
		day := tc.midnight(local).AddDate(0, 0, i)
		open := day.Add(tc.open)
		if tc.IsTradingDay(day) && !open.Before(local) {
			return open
		}
	}
	return time.Time{}
}

// NextClose returns the next market close time at or after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	local := t.In(tc.loc)
	for i := 0; i < 8; i++ {
		day := tc.midnight(local).AddDate(0, 0, i)
		closeAt := day.Add(tc.close)
		if tc.IsTradingDay(day) && !closeAt.Before(local) {
			return closeAt
		}
	}
	return time.Time{}
}

func (tc *TradingCalendar) midnight(local time.Time) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, tc.loc)
}
