// Package markethours answers whether the NSE cash market is in session.
// The gateway streams at any time; the session is reported next to feed
// status so an idle feed outside hours is not mistaken for an outage.
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
)

// Session is a point-in-time view of the trading session.
type Session struct {
	Open     bool      `json:"open"`
	Status   string    `json:"status"`
	NextOpen time.Time `json:"next_open"`
	Close    time.Time `json:"close"`
}

// Snapshot describes the session at t.
func Snapshot(t time.Time) Session {
	s := Session{
		Open:     IsMarketOpen(t),
		Status:   StatusString(t),
		NextOpen: NextOpen(t),
	}
	if s.Open {
		s.Close = TodayClose(t)
	}
	return s
}

// IsMarketOpen returns true if t falls within NSE trading hours
// (09:15 to 15:30 IST, Mon to Fri, excluding holidays).
func IsMarketOpen(t time.Time) bool {
	ist := t.In(IST)
	if !IsTradingDay(ist) {
		return false
	}
	hm := ist.Hour()*60 + ist.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func IsTradingDay(t time.Time) bool {
	ist := t.In(IST)
	wd := ist.Weekday()
	return wd != time.Saturday && wd != time.Sunday && !IsHoliday(ist)
}

// NextOpen returns the next market open at or after t.
// If t is before today's open on a trading day, returns today's open.
func NextOpen(t time.Time) time.Time {
	ist := t.In(IST)

	todayOpen := time.Date(ist.Year(), ist.Month(), ist.Day(), OpenHour, OpenMinute, 0, 0, IST)
	if ist.Before(todayOpen) && IsTradingDay(ist) {
		return todayOpen
	}

	d := ist.AddDate(0, 0, 1)
	for i := 0; i < 14; i++ {
		if IsTradingDay(d) {
			return time.Date(d.Year(), d.Month(), d.Day(), OpenHour, OpenMinute, 0, 0, IST)
		}
		d = d.AddDate(0, 0, 1)
	}
	return time.Date(ist.Year(), ist.Month(), ist.Day()+1, OpenHour, OpenMinute, 0, 0, IST)
}

// TodayClose returns today's market close time (15:30 IST).
func TodayClose(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, IST)
}

// StatusString returns a human-readable market status.
func StatusString(t time.Time) string {
	if IsMarketOpen(t) {
		return fmt.Sprintf("open, closes in %s", fmtDur(TodayClose(t).Sub(t)))
	}
	next := NextOpen(t)
	ist := next.In(IST)
	return fmt.Sprintf("closed, opens %s %s (in %s)",
		ist.Weekday().String()[:3], ist.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
