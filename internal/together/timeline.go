package together

import (
	"math"
	"time"
)

// Timeline is the "X years, Y months, Z days" breakdown of a relationship.
type Timeline struct {
	Years     int `json:"years"`
	Months    int `json:"months"`
	Days      int `json:"days"`
	TotalDays int `json:"total_days"`
}

// CalendarDifference decomposes now-start into calendar units.
//
// Day-of-month underflow borrows the length of the month before now's month;
// month underflow borrows a year. Components are read in now's location.
// When now is before start the result is not meaningful and callers should
// reject or clamp first.
func CalendarDifference(start, now time.Time) Timeline {
	start = start.In(now.Location())

	years := now.Year() - start.Year()
	months := int(now.Month()) - int(start.Month())
	days := now.Day() - start.Day()

	if days < 0 {
		months--
		days += daysInPreviousMonth(now)
	}
	if months < 0 {
		years--
		months += 12
	}

	ms := float64(now.Sub(start).Milliseconds())
	total := int(math.Floor(ms / float64(24*time.Hour/time.Millisecond)))

	return Timeline{Years: years, Months: months, Days: days, TotalDays: total}
}

// daysInPreviousMonth returns the number of days in the month preceding t's.
// Day 0 of a month normalises to the last day of the month before.
func daysInPreviousMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month(), 0, 0, 0, 0, 0, t.Location()).Day()
}
