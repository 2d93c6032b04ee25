package credits

import (
	"time"

	"github.com/jinzhu/now"
)

// OneTimeSentinelUnixUTC parks a one-time schedule so it never fires again.
var OneTimeSentinelUnixUTC = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC).Unix()

// AddMonthsNoOverflow adds months without spilling into the following month:
// Jan 31 plus one month is the last day of February. The time of day is kept.
func AddMonthsNoOverflow(start time.Time, months int) time.Time {
	firstOfTarget := time.Date(start.Year(), start.Month(), 1, start.Hour(), start.Minute(), start.Second(), start.Nanosecond(), start.Location()).AddDate(0, months, 0)
	lastDay := now.With(firstOfTarget).EndOfMonth().Day()
	day := start.Day()
	if day > lastDay {
		day = lastDay
	}
	return firstOfTarget.AddDate(0, 0, day-1)
}

// periodElapsed reports whether a full no-overflow month has passed since the period opened.
func periodElapsed(openedUnixUTC int64, atUnixUTC int64) bool {
	opened := time.Unix(openedUnixUTC, 0).UTC()
	at := time.Unix(atUnixUTC, 0).UTC()
	return !at.Before(AddMonthsNoOverflow(opened, 1))
}

// NextAllocationAt returns when a schedule with the given frequency fires after running at atUnixUTC.
func NextAllocationAt(frequency Frequency, atUnixUTC int64) int64 {
	at := time.Unix(atUnixUTC, 0).UTC()
	switch frequency {
	case FrequencyWeekly:
		return at.AddDate(0, 0, daysPerWeek).Unix()
	case FrequencyOneTime:
		return OneTimeSentinelUnixUTC
	default:
		return now.With(at).BeginningOfMonth().AddDate(0, 1, 0).Unix()
	}
}
