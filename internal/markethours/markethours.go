// Package markethours provides the NSE session clock: open/close/entry-cutoff
// boundaries, weekend and holiday handling, all evaluated in IST.
package markethours

import (
	"fmt"
	"sync"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Default session boundaries (minutes from midnight IST).
const (
	defaultOpenHM   = 9*60 + 15  // 09:15
	defaultCloseHM  = 15*60 + 30 // 15:30
	defaultCutoffHM = 15 * 60    // 15:00, no new entries after this
)

var (
	mu       sync.RWMutex
	openHM   = defaultOpenHM
	closeHM  = defaultCloseHM
	cutoffHM = defaultCutoffHM
)

// Configure sets the session boundaries from "HH:MM" strings.
// Invalid values leave the corresponding boundary unchanged.
func Configure(open, close_, cutoff string) {
	mu.Lock()
	defer mu.Unlock()
	if hm, ok := parseHM(open); ok {
		openHM = hm
	}
	if hm, ok := parseHM(close_); ok {
		closeHM = hm
	}
	if hm, ok := parseHM(cutoff); ok {
		cutoffHM = hm
	}
}

func parseHM(s string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func bounds() (int, int, int) {
	mu.RLock()
	defer mu.RUnlock()
	return openHM, closeHM, cutoffHM
}

// IsMarketOpen returns true if t falls within NSE trading hours
// (Mon–Fri, excluding holidays).
func IsMarketOpen(t time.Time) bool {
	ist := t.In(IST)
	if !IsTradingDay(ist) {
		return false
	}
	o, c, _ := bounds()
	hm := ist.Hour()*60 + ist.Minute()
	return hm >= o && hm < c
}

// EntryAllowed returns true if new entries are allowed at t: market open and
// before the entry cutoff.
func EntryAllowed(t time.Time) bool {
	ist := t.In(IST)
	if !IsMarketOpen(ist) {
		return false
	}
	_, _, cut := bounds()
	hm := ist.Hour()*60 + ist.Minute()
	return hm < cut
}

// IsWeekday returns true if t is Mon–Fri.
func IsWeekday(t time.Time) bool {
	wd := t.In(IST).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func IsTradingDay(t time.Time) bool {
	ist := t.In(IST)
	return IsWeekday(ist) && !IsHoliday(ist)
}

// SessionOpen returns the session open time on t's date.
func SessionOpen(t time.Time) time.Time {
	ist := t.In(IST)
	o, _, _ := bounds()
	return time.Date(ist.Year(), ist.Month(), ist.Day(), o/60, o%60, 0, 0, IST)
}

// SessionClose returns the session close time on t's date.
func SessionClose(t time.Time) time.Time {
	ist := t.In(IST)
	_, c, _ := bounds()
	return time.Date(ist.Year(), ist.Month(), ist.Day(), c/60, c%60, 0, 0, IST)
}

// NextOpen returns the next market open time. If t is before today's open on
// a trading day, returns today's open.
func NextOpen(t time.Time) time.Time {
	ist := t.In(IST)
	todayOpen := SessionOpen(ist)
	if ist.Before(todayOpen) && IsTradingDay(ist) {
		return todayOpen
	}
	d := ist.AddDate(0, 0, 1)
	for i := 0; i < 10; i++ { // max 10 days ahead (holidays + weekends)
		if IsTradingDay(d) {
			return SessionOpen(d)
		}
		d = d.AddDate(0, 0, 1)
	}
	return SessionOpen(ist.AddDate(0, 0, 1))
}

// TimeUntilClose returns the duration until today's close, 0 if already closed.
func TimeUntilClose(t time.Time) time.Duration {
	d := SessionClose(t).Sub(t.In(IST))
	if d < 0 {
		return 0
	}
	return d
}

// DayKey returns the calendar day key for t in IST, e.g. "2026-08-26".
// Governor state is keyed by this: exactly one state per trading day.
func DayKey(t time.Time) string {
	return t.In(IST).Format("2006-01-02")
}

// MinutesSinceOpen returns whole minutes elapsed since session open, negative
// before open.
func MinutesSinceOpen(t time.Time) int {
	return int(t.In(IST).Sub(SessionOpen(t)).Minutes())
}

// StatusString returns a human-readable market status.
func StatusString(t time.Time) string {
	if IsMarketOpen(t) {
		return fmt.Sprintf("Market Open, closes in %s", fmtDur(TimeUntilClose(t)))
	}
	next := NextOpen(t)
	ist := next.In(IST)
	return fmt.Sprintf("Market Closed, opens %s %s (%s)",
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
