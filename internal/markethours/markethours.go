// Package markethours decides when the exchange session is open and when
// new entries stop ahead of the close.
package markethours

import (
	"fmt"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Market hours in IST
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30

	// New entries stop at the square-off time; exits continue to the close.
	SquareOffHour   = 15
	SquareOffMinute = 15
)

// Session is one exchange trading window. Minutes count from midnight in
// Location.
type Session struct {
	Location  *time.Location
	Open      int
	Close     int
	SquareOff int

	// AlwaysOpen disables the calendar, for simulation and replays.
	AlwaysOpen bool
}

// NSE returns the cash-market session with the default square-off time.
func NSE() Session {
	return Session{
		Location:  IST,
		Open:      OpenHour*60 + OpenMinute,
		Close:     CloseHour*60 + CloseMinute,
		SquareOff: SquareOffHour*60 + SquareOffMinute,
	}
}

// ParseClock parses "HH:MM" into minutes from midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("markethours: bad clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (s Session) loc() *time.Location {
	if s.Location == nil {
		return IST
	}
	return s.Location
}

func (s Session) minutes(t time.Time) int {
	lt := t.In(s.loc())
	return lt.Hour()*60 + lt.Minute()
}

// IsOpen reports whether t falls within the session on a trading day.
func (s Session) IsOpen(t time.Time) bool {
	if s.AlwaysOpen {
		return true
	}
	if !IsTradingDay(t) {
		return false
	}
	m := s.minutes(t)
	return m >= s.Open && m < s.Close
}

// AllowsEntry reports whether new positions may be opened at t: the
// session is open and the square-off time has not passed.
func (s Session) AllowsEntry(t time.Time) bool {
	if s.AlwaysOpen {
		return true
	}
	if !s.IsOpen(t) {
		return false
	}
	return s.SquareOff <= 0 || s.minutes(t) < s.SquareOff
}

// TodayClose returns the session close on t's date.
func (s Session) TodayClose(t time.Time) time.Time {
	lt := t.In(s.loc())
	return time.Date(lt.Year(), lt.Month(), lt.Day(), s.Close/60, s.Close%60, 0, 0, s.loc())
}

// NextOpen returns the next session open. If t is before today's open on
// a trading day, returns today's open.
func (s Session) NextOpen(t time.Time) time.Time {
	lt := t.In(s.loc())
	open := func(d time.Time) time.Time {
		return time.Date(d.Year(), d.Month(), d.Day(), s.Open/60, s.Open%60, 0, 0, s.loc())
	}
	if today := open(lt); lt.Before(today) && IsTradingDay(lt) {
		return today
	}
	d := lt.AddDate(0, 0, 1)
	for i := 0; i < 10; i++ { // max 10 days ahead (holidays + weekends)
		if IsTradingDay(d) {
			return open(d)
		}
		d = d.AddDate(0, 0, 1)
	}
	return open(lt.AddDate(0, 0, 1))
}

// Status returns a human-readable session status.
func (s Session) Status(t time.Time) string {
	switch {
	case s.AlwaysOpen:
		return "Simulated session: always open"
	case s.AllowsEntry(t):
		return fmt.Sprintf("Market Open: closes in %s", fmtDur(s.TodayClose(t).Sub(t)))
	case s.IsOpen(t):
		return fmt.Sprintf("Square-off: exits only, closes in %s", fmtDur(s.TodayClose(t).Sub(t)))
	}
	next := s.NextOpen(t)
	lt := next.In(s.loc())
	return fmt.Sprintf("Market Closed: opens %s %s (%s)",
		lt.Weekday().String()[:3], lt.Format("15:04"), fmtDur(next.Sub(t)))
}

// IsWeekday returns true if t is Mon–Fri in IST.
func IsWeekday(t time.Time) bool {
	wd := t.In(IST).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func IsTradingDay(t time.Time) bool {
	ist := t.In(IST)
	return IsWeekday(ist) && !IsHoliday(ist)
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
