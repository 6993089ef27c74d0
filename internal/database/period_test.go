package database

import (
	"testing"
	"time"
)

func TestParseDay(t *testing.T) {
	loc := time.FixedZone("MSK", 3*3600)
	d, err := ParseDay("06.02.2026", loc)
	if err != nil {
		t.Fatalf("ParseDay: %v", err)
	}
	want := time.Date(2026, 2, 6, 0, 0, 0, 0, loc)
	if !d.Equal(want) {
		t.Errorf("ParseDay = %v, want %v", d, want)
	}

	if _, err := ParseDay("2026-02-06", loc); err == nil {
		t.Error("expected error for ISO date")
	}
}

func TestDayRange(t *testing.T) {
	start := time.Date(2026, 2, 1, 15, 30, 0, 0, time.UTC)
	end := time.Date(2026, 2, 6, 9, 0, 0, 0, time.UTC)

	from, to := DayRange(start, end)
	if !from.Equal(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("from = %v", from)
	}
	if want := time.Date(2026, 2, 6, 23, 59, 59, 999999000, time.UTC); !to.Equal(want) {
		t.Errorf("to = %v, want %v", to, want)
	}
}

func TestYesterday(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	from, to := Yesterday(now)
	if from.Day() != 28 || from.Month() != time.February {
		t.Errorf("from = %v, want Feb 28", from)
	}
	if to.Day() != 28 || to.Hour() != 23 {
		t.Errorf("to = %v, want end of Feb 28", to)
	}
}

func TestFormatPeriodDisplay(t *testing.T) {
	a := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	b := time.Date(2026, 2, 6, 23, 59, 59, 0, time.UTC)

	if got := FormatPeriodDisplay(a, a.Add(time.Hour)); got != "01.02.2026" {
		t.Errorf("single day = %q", got)
	}
	if got := FormatPeriodDisplay(a, b); got != "01.02.2026 - 06.02.2026" {
		t.Errorf("range = %q", got)
	}
}
