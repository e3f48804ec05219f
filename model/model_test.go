package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMinuteBitmaskRanges(t *testing.T) {
	var m MinuteBitmask
	require.True(t, m.IsEmpty())
	require.Equal(t, "", m.String())

	m = m.WithRange(0, 59).WithRange(600, 719).WithRange(MinutesPerWeek-1, MinutesPerWeek+20)
	require.False(t, m.IsEmpty())
	require.True(t, m.IsSet(0))
	require.True(t, m.IsSet(59))
	require.False(t, m.IsSet(60))
	require.True(t, m.IsSet(650))
	require.False(t, m.IsSet(-1))
	require.False(t, m.IsSet(MinutesPerWeek))
	require.Equal(t, 60+120+1, m.Count())
	require.Equal(t, "0-59,600-719,10079-10079", m.String())

	parsed, err := ParseMinuteBitmask(m.String())
	require.NoError(t, err)
	require.Equal(t, m, parsed)
}

func TestParseMinuteBitmaskRejectsInvalid(t *testing.T) {
	for _, s := range []string{"a-b", "5-1", "0-10080", "-3"} {
		_, err := ParseMinuteBitmask(s)
		require.Error(t, err, s)
	}

	single, err := ParseMinuteBitmask("42")
	require.NoError(t, err)
	require.True(t, single.IsSet(42))
	require.Equal(t, 1, single.Count())
}

func TestCategoryJSONKeepsBitmask(t *testing.T) {
	c := Category{ID: "abc123", BlockedMinutesInWeek: MinuteBitmask{}.WithRange(10, 20), ExtraTimeDay: -1}
	data, err := json.Marshal(c)
	require.NoError(t, err)
	require.Contains(t, string(data), `"blockedTimes":"10-20"`)

	var back Category
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, c, back)
}

func TestIDs(t *testing.T) {
	id := NewID()
	require.True(t, IsValidID(id))
	require.False(t, IsValidID("abc"))
	require.False(t, IsValidID("abc-12"))
	require.True(t, IsValidID("AbC019"))
}

func TestDateInTimezone(t *testing.T) {
	// 2024-01-01 was a Monday
	ts := time.Date(2024, 1, 1, 3, 30, 0, 0, time.UTC).UnixMilli()

	d := NewDateInTimezone(ts, "UTC")
	require.Equal(t, 0, d.DayOfWeek)
	require.Equal(t, 19723, d.DayOfEpoch)
	require.Equal(t, 210, d.MinuteOfDay)
	require.Equal(t, 210, d.MinuteOfWeek())
	require.Equal(t, 19723, d.FirstDayOfWeek())

	// the same instant is still Sunday evening in Los Angeles
	la := NewDateInTimezone(ts, "America/Los_Angeles")
	require.Equal(t, 6, la.DayOfWeek)
	require.Equal(t, 19722, la.DayOfEpoch)
	require.Equal(t, 19716, la.FirstDayOfWeek())

	require.Equal(t, d, NewDateInTimezone(ts, "Not/AZone"))
}

func TestUsableExtraTime(t *testing.T) {
	c := Category{ExtraTimeInMillis: 5000, ExtraTimeDay: -1}
	require.Equal(t, int64(5000), c.UsableExtraTime(100))
	c.ExtraTimeDay = 100
	require.Equal(t, int64(5000), c.UsableExtraTime(100))
	require.Equal(t, int64(0), c.UsableExtraTime(101))
}

func TestManipulationWarning(t *testing.T) {
	d := Device{CurrentProtectionLevel: ProtectionLevelDeviceAdmin, HighestProtectionLevel: ProtectionLevelDeviceAdmin}
	require.False(t, d.HasActiveManipulationWarning())
	d.CurrentProtectionLevel = ProtectionLevelSimple
	require.True(t, d.HasActiveManipulationWarning())
}
