// Package session answers whether the US equity market is in its regular
// trading session.
package session

import (
	"time"

	"github.com/scmhub/calendar"
)

// Clock reports regular session hours for one exchange.
type Clock struct {
	cal      *calendar.Calendar
	loc      *time.Location
	fallback bool
}

// NewNYSE loads the NYSE calendar. When it is unavailable the clock falls
// back to Mon-Fri 09:30-16:00 New York time without holidays.
func NewNYSE() *Clock {
	if cal := calendar.GetCalendar("xnys"); cal != nil {
		return &Clock{cal: cal, loc: cal.Loc}
	}
	return newFallback()
}

func newFallback() *Clock {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return &Clock{loc: loc, fallback: true}
}

func (c *Clock) IsTradingDay(t time.Time) bool {
	t = t.In(c.loc)
	if c.fallback {
		wd := t.Weekday()
		return wd != time.Saturday && wd != time.Sunday
	}
	return c.cal.IsBusinessDay(t)
}

// IsOpen reports whether t falls inside the regular session.
func (c *Clock) IsOpen(t time.Time) bool {
	t = t.In(c.loc)
	if !c.fallback {
		return c.cal.IsOpen(t)
	}
	if !c.IsTradingDay(t) {
		return false
	}
	minutes := t.Hour()*60 + t.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}
