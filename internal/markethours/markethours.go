// Package markethours knows when the NSE derivatives session is open.
package markethours

import (
	"fmt"
	"strings"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Session hours in IST.
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30
)

// Calendar answers session questions for one exchange holiday list.
type Calendar struct {
	holidays map[string]struct{}
}

// NewCalendar builds a calendar from the built-in NSE list plus extra
// "YYYY-MM-DD" dates. Malformed extras are reported.
func NewCalendar(extra ...string) (*Calendar, error) {
	c := &Calendar{holidays: make(map[string]struct{}, len(nseHolidays2026)+len(extra))}
	for _, d := range nseHolidays2026 {
		c.holidays[d] = struct{}{}
	}
	for _, d := range extra {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if _, err := time.ParseInLocation(dateLayout, d, IST); err != nil {
			return nil, fmt.Errorf("holiday %q: %w", d, err)
		}
		c.holidays[d] = struct{}{}
	}
	return c, nil
}

// Default is the calendar with only the built-in holidays.
var Default, _ = NewCalendar()

// IsHoliday reports whether t's IST date is an exchange holiday.
func (c *Calendar) IsHoliday(t time.Time) bool {
	_, ok := c.holidays[dateKey(t)]
	return ok
}

// IsTradingDay reports whether t is a weekday and not a holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	wd := t.In(IST).Weekday()
	return wd != time.Saturday && wd != time.Sunday && !c.IsHoliday(t)
}

// IsOpen reports whether t is inside 09:15-15:30 IST on a trading day.
func (c *Calendar) IsOpen(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	ist := t.In(IST)
	hm := ist.Hour()*60 + ist.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// NextOpen returns the first session open at or after t.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	ist := t.In(IST)
	open := time.Date(ist.Year(), ist.Month(), ist.Day(), OpenHour, OpenMinute, 0, 0, IST)
	if !ist.After(open) && c.IsTradingDay(open) {
		return open
	}
	for i := 0; i < 15; i++ {
		open = open.AddDate(0, 0, 1)
		if c.IsTradingDay(open) {
			return open
		}
	}
	return open
}

// UntilOpen returns how long to wait from t for the next session; zero while open.
func (c *Calendar) UntilOpen(t time.Time) time.Duration {
	if c.IsOpen(t) {
		return 0
	}
	return c.NextOpen(t).Sub(t)
}

// Close returns the session close (15:30 IST) of t's IST date.
func Close(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, IST)
}

// Status returns a human-readable market status.
func (c *Calendar) Status(t time.Time) string {
	if c.IsOpen(t) {
		return fmt.Sprintf("open, closes in %s", fmtDur(Close(t).Sub(t)))
	}
	next := c.NextOpen(t).In(IST)
	return fmt.Sprintf("closed, opens %s %s (%s)", next.Weekday().String()[:3], next.Format("02 Jan 15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
