package database

import (
	"fmt"
	"time"
)

// DateLayout is the day format used on the command line and in report headers.
const DateLayout = "02.01.2006"

// ParseDay parses a DD.MM.YYYY date as midnight in loc.
func ParseDay(s string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected DD.MM.YYYY: %w", s, err)
	}
	return d, nil
}

// DayRange returns the first and last instant of the days from start to end, inclusive.
func DayRange(start, end time.Time) (time.Time, time.Time) {
	from := startOfDay(start)
	to := startOfDay(end).AddDate(0, 0, 1).Add(-time.Microsecond)
	return from, to
}

// Yesterday returns the full day before now in now's location.
func Yesterday(now time.Time) (time.Time, time.Time) {
	y := now.AddDate(0, 0, -1)
	return DayRange(y, y)
}

// FormatPeriodDisplay renders a day range for headers.
// Single day: "06.02.2026". Range: "01.02.2026 - 06.02.2026".
func FormatPeriodDisplay(start, end time.Time) string {
	if sameDay(start, end) {
		return start.Format(DateLayout)
	}
	return fmt.Sprintf("%s - %s", start.Format(DateLayout), end.Format(DateLayout))
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
