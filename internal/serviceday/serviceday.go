// Package serviceday resolves wall-clock instants to the facility's
// service day. The boundary follows local operating hours, not UTC
// midnight: a configurable rollover offset lets early-morning activity
// (before the counters open) count toward the previous day.
package serviceday

import "time"

type Calculator struct {
	location *time.Location
	rollover time.Duration
}

// New builds a calculator for the given location. rollover is
// subtracted from local time before truncating to a date, so a 2h
// rollover keeps tickets created before 02:00 on the prior service day.
func New(location *time.Location, rollover time.Duration) Calculator {
	if location == nil {
		location = time.Local
	}
	if rollover < 0 {
		rollover = 0
	}
	return Calculator{location: location, rollover: rollover}
}

// Day returns the service day containing t as a midnight-local date.
func (c Calculator) Day(t time.Time) time.Time {
	local := t.In(c.location).Add(-c.rollover)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// Today is Day at the current instant.
func (c Calculator) Today() time.Time {
	return c.Day(time.Now())
}
