package reminder

import (
	"math"
	"time"
)

// StartOfDay strips the time-of-day from t, keeping its location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DiffWholeDays returns the number of whole calendar days from b to a,
// positive when a is later. Both arguments are reduced to their calendar
// date first; rounding absorbs DST offsets.
func DiffWholeDays(a, b time.Time) int {
	hours := StartOfDay(a).Sub(StartOfDay(b)).Hours()
	return int(math.Round(hours / 24))
}

// AddMonthClamped advances t by one calendar month, clamping the day of
// month to the last day of the target month (Jan 31 -> Feb 28/29). Plain
// AddDate would normalize Jan 31 + 1 month into early March instead.
func AddMonthClamped(t time.Time) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()

	if last := daysInMonth(y, m+1); d > last {
		d = last
	}

	return time.Date(y, m+1, d, hh, mm, ss, t.Nanosecond(), t.Location())
}

// NextRenewalOnOrAfter walks the monthly renewal anchor forward from
// trialEnd until it reaches or passes today. Because each step clamps from
// the previous result, an anchor that lands on a short month's last day
// stays on that day-of-month for subsequent months.
func NextRenewalOnOrAfter(trialEnd, today time.Time) time.Time {
	renewal := trialEnd
	for renewal.Before(today) {
		renewal = AddMonthClamped(renewal)
	}
	return renewal
}

func daysInMonth(year int, month time.Month) int {
	// Day zero of the following month normalizes to this month's last day.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
