package subscription

import "time"

// AddMonthsClamped adds calendar months to t, keeping the wall-clock time and
// location. When the day does not exist in the target month the result is
// clamped to that month's last day:
//   - Jan 31 + 1 month = Feb 28 (Feb 29 in leap years)
//   - Nov 30 + 3 months = Feb 28
//   - Mar 15 + 3 months = Jun 15
func AddMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	first := time.Date(year, month+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())

	// day 0 of the following month is the last day of this one
	lastDay := time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, first.Location()).Day()
	if day > lastDay {
		day = lastDay
	}

	return time.Date(first.Year(), first.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
