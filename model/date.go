// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"time"
	_ "time/tzdata"
)

// DateInTimezone is a point in time projected onto a user's local calendar
type DateInTimezone struct {
	DayOfWeek   int // 0 = Monday
	DayOfEpoch  int // days since 1970-01-01 of the local date
	MinuteOfDay int
}

// NewDateInTimezone projects timeMillis into the named IANA zone; unknown zones fall back to UTC
func NewDateInTimezone(timeMillis int64, timezone string) DateInTimezone {
	loc, err := time.LoadLocation(timezone)
	if err != nil || timezone == "" {
		loc = time.UTC
	}
	t := time.UnixMilli(timeMillis).In(loc)
	y, m, d := t.Date()
	localMidnight := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return DateInTimezone{
		DayOfWeek:   (int(t.Weekday()) + 6) % 7,
		DayOfEpoch:  int(localMidnight.Unix() / 86400),
		MinuteOfDay: t.Hour()*60 + t.Minute(),
	}
}

// MinuteOfWeek is the index into a MinuteBitmask
func (d DateInTimezone) MinuteOfWeek() int {
	return d.DayOfWeek*MinutesPerDay + d.MinuteOfDay
}

// FirstDayOfWeek is the day of epoch of the Monday of this week
func (d DateInTimezone) FirstDayOfWeek() int {
	return d.DayOfEpoch - d.DayOfWeek
}
