package blocking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-timelimit/clock"
	"github.com/mobiletoly/go-timelimit/model"
	"github.com/mobiletoly/go-timelimit/rules"
)

// 2024-01-01 is a Monday
var monday = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

const mondayDay = 19723

func trusted(at time.Time) clock.RealTime {
	return clock.RealTime{TimeInMillis: at.UnixMilli(), ShouldTrustTimeTemporarily: true, ShouldTrustTimePermanently: true}
}

func baseInput() Input {
	return Input{
		PackageName:     "com.game",
		OwnPackageName:  "io.timelimit",
		User:            model.User{ID: "child1", Type: model.UserTypeChild, Timezone: "UTC"},
		Device:          model.Device{ID: "devic1"},
		IsCurrentDevice: true,
		Categories: map[string]CategoryState{
			"cat001": {Category: model.Category{ID: "cat001", ChildID: "child1", ExtraTimeDay: -1}},
		},
		AppCategories: map[string]string{"com.game": "cat001"},
		Time:          trusted(monday),
	}
}

func withCategory(in Input, fn func(s *CategoryState)) Input {
	s := in.Categories["cat001"]
	fn(&s)
	in.Categories["cat001"] = s
	return in
}

func limitRule(maxTime int64) model.TimeLimitRule {
	return model.TimeLimitRule{ID: "rule01", CategoryID: "cat001", DayMask: model.AllDays, MaximumTimeInMillis: maxTime}
}

func TestEvaluateShortCircuits(t *testing.T) {
	in := withCategory(baseInput(), func(s *CategoryState) { s.Category.TemporarilyBlocked = true })
	require.Equal(t, ReasonTemporarilyBlocked, Evaluate(in).Reason)

	own := in
	own.PackageName = "io.timelimit"
	require.Equal(t, ReasonNone, Evaluate(own).Reason)

	ignored := in
	ignored.PackageName = "com.android.systemui"
	require.Equal(t, ReasonNone, Evaluate(ignored).Reason)

	disabled := in
	disabled.AppDisabled = true
	require.False(t, Evaluate(disabled).Blocked())

	allowed := in
	allowed.TemporarilyAllowed = map[string]struct{}{"com.game": {}}
	require.Equal(t, ReasonNone, Evaluate(allowed).Reason)
}

func TestEvaluateCategoryResolution(t *testing.T) {
	in := baseInput()
	in.PackageName = "com.unknown"
	require.Equal(t, ReasonNotPartOfAnCategory, Evaluate(in).Reason)

	in.User.CategoryForNotAssignedApps = "cat001"
	res := Evaluate(in)
	require.Equal(t, ReasonNone, res.Reason)
	require.Equal(t, "cat001", res.CategoryID)

	// activity level assignments only count when enabled on the device
	act := baseInput()
	act.Categories["cat002"] = CategoryState{Category: model.Category{ID: "cat002", TemporarilyBlocked: true}}
	act.AppCategories["com.game:Settings"] = "cat002"
	act.ActivityName = "Settings"
	require.Equal(t, "cat001", Evaluate(act).CategoryID)
	act.Device.EnableActivityLevelBlocking = true
	require.Equal(t, ReasonTemporarilyBlocked, Evaluate(act).Reason)
	require.Equal(t, "cat002", Evaluate(act).CategoryID)
}

func TestEvaluateNotifications(t *testing.T) {
	in := withCategory(baseInput(), func(s *CategoryState) { s.Category.BlockAllNotifications = true })
	require.Equal(t, ReasonNone, Evaluate(in).Reason)
	in.ForNotification = true
	require.Equal(t, ReasonNotificationsAreBlocked, Evaluate(in).Reason)
}

func TestEvaluateTemporarilyBlockedUntil(t *testing.T) {
	end := monday.Add(time.Hour).UnixMilli()
	in := withCategory(baseInput(), func(s *CategoryState) {
		s.Category.TemporarilyBlocked = true
		s.Category.TemporarilyBlockedEndTime = end
	})
	require.Equal(t, ReasonTemporarilyBlocked, Evaluate(in).Reason)

	in.Time = trusted(monday.Add(2 * time.Hour))
	require.Equal(t, ReasonNone, Evaluate(in).Reason)

	in.Time.ShouldTrustTimeTemporarily = false
	require.Equal(t, ReasonTemporarilyBlocked, Evaluate(in).Reason, "an untrusted clock cannot end the block")
}

func TestEvaluateBlockedTimes(t *testing.T) {
	minute := 10 * 60 // Monday 10:00
	in := withCategory(baseInput(), func(s *CategoryState) {
		s.Category.BlockedMinutesInWeek = model.MinuteBitmask{}.WithRange(minute, minute+5)
	})
	in.Time.ShouldTrustTimePermanently = false
	require.Equal(t, ReasonBlockedAtThisTime, Evaluate(in).Reason)

	in.Time.ShouldTrustTimeTemporarily = false
	require.Equal(t, ReasonMissingNetworkTime, Evaluate(in).Reason)

	in.Time = trusted(monday.Add(10 * time.Minute))
	require.Equal(t, ReasonNone, Evaluate(in).Reason)

	user := baseInput()
	user.User.BlockedTimes = model.MinuteBitmask{}.WithRange(minute, minute)
	require.Equal(t, ReasonBlockedAtThisTime, Evaluate(user).Reason)
}

func TestEvaluateTimeLimits(t *testing.T) {
	in := withCategory(baseInput(), func(s *CategoryState) {
		s.Rules = []model.TimeLimitRule{limitRule(600000)}
		s.UsedTimes = []model.UsedTimeItem{{CategoryID: "cat001", DayOfEpoch: mondayDay, UsedMillis: 600000}}
	})
	require.Equal(t, ReasonTimeOver, Evaluate(in).Reason)

	in = withCategory(in, func(s *CategoryState) { s.Category.ExtraTimeInMillis = 50000 })
	res := Evaluate(in)
	require.Equal(t, ReasonNone, res.Reason)
	require.Equal(t, int64(50000), res.Remaining.IncludingExtraTime)
	require.Equal(t, int64(0), res.Remaining.Default)

	// extra time reserved for another day does not count today
	in = withCategory(in, func(s *CategoryState) { s.Category.ExtraTimeDay = mondayDay + 1 })
	require.Equal(t, ReasonTimeOverExtraTimeCanBeUsedLater, Evaluate(in).Reason)

	in.IsCurrentDevice = false
	require.Equal(t, ReasonRequiresCurrentDevice, Evaluate(in).Reason)

	in.Time.ShouldTrustTimeTemporarily = false
	require.Equal(t, ReasonMissingNetworkTime, Evaluate(in).Reason)
}

// A used up rule that does not bound extra time leaves the usable extra time
// to spend, so the app keeps running on it.
func TestEvaluateUsableExtraTimeKeepsAppRunning(t *testing.T) {
	in := withCategory(baseInput(), func(s *CategoryState) {
		s.Rules = []model.TimeLimitRule{{ID: "rule01", CategoryID: "cat001", DayMask: model.AllDays, MaximumTimeInMillis: 600000, ApplyToExtraTimeUsage: false}}
		s.UsedTimes = []model.UsedTimeItem{{CategoryID: "cat001", DayOfEpoch: mondayDay, UsedMillis: 600000}}
		s.Category.ExtraTimeInMillis = 50000
	})
	res := Evaluate(in)
	require.Equal(t, ReasonNone, res.Reason)
	require.Equal(t, &rules.RemainingTime{IncludingExtraTime: 50000, Default: 0}, res.Remaining)

	in = withCategory(in, func(s *CategoryState) { s.Category.ExtraTimeInMillis = 0 })
	require.Equal(t, ReasonTimeOver, Evaluate(in).Reason)
}

func TestEvaluateExtraTimeExhaustedByRule(t *testing.T) {
	in := withCategory(baseInput(), func(s *CategoryState) {
		rule := limitRule(600000)
		rule.ApplyToExtraTimeUsage = true
		s.Rules = []model.TimeLimitRule{rule}
		s.Category.ExtraTimeInMillis = 50000
		s.UsedTimes = []model.UsedTimeItem{{CategoryID: "cat001", DayOfEpoch: mondayDay, UsedMillis: 600000}}
	})
	require.Equal(t, ReasonTimeOverExtraTimeCanBeUsedLater, Evaluate(in).Reason)
}

func TestEvaluateDisableLimits(t *testing.T) {
	in := withCategory(baseInput(), func(s *CategoryState) {
		s.Rules = []model.TimeLimitRule{limitRule(0)}
	})
	require.Equal(t, ReasonTimeOver, Evaluate(in).Reason)

	in.User.DisableLimitsUntil = monday.Add(time.Hour).UnixMilli()
	require.Equal(t, ReasonNone, Evaluate(in).Reason)

	// temporary blocks still apply
	in = withCategory(in, func(s *CategoryState) { s.Category.TemporarilyBlocked = true })
	require.Equal(t, ReasonTemporarilyBlocked, Evaluate(in).Reason)
}

func TestEvaluateParentCategory(t *testing.T) {
	in := withCategory(baseInput(), func(s *CategoryState) {
		s.Category.ParentCategoryID = "parent"
		s.Rules = []model.TimeLimitRule{limitRule(600000)}
	})
	in.Categories["parent"] = CategoryState{
		Category: model.Category{ID: "parent", ExtraTimeDay: -1},
		Rules:    []model.TimeLimitRule{{ID: "rule02", CategoryID: "parent", DayMask: model.AllDays, MaximumTimeInMillis: 300000}},
	}
	res := Evaluate(in)
	require.Equal(t, ReasonNone, res.Reason)
	require.Equal(t, int64(300000), res.Remaining.Default, "the tighter budget binds")

	parent := in.Categories["parent"]
	parent.UsedTimes = []model.UsedTimeItem{{CategoryID: "parent", DayOfEpoch: mondayDay, UsedMillis: 300000}}
	in.Categories["parent"] = parent
	res = Evaluate(in)
	require.Equal(t, ReasonTimeOver, res.Reason)
	require.Equal(t, "cat001", res.CategoryID)
	require.Equal(t, "parent", res.BlockingCategoryID)
}

func TestEvaluateBattery(t *testing.T) {
	in := withCategory(baseInput(), func(s *CategoryState) {
		s.Category.MinBatteryLevelMobile = 30
		s.Category.MinBatteryLevelWhileCharging = 10
	})
	in.Battery = &Battery{Percentage: 20}
	require.Equal(t, ReasonBatteryLimit, Evaluate(in).Reason)
	in.Battery.IsCharging = true
	require.Equal(t, ReasonNone, Evaluate(in).Reason)
}

func TestIsCurrentDevice(t *testing.T) {
	child := model.User{ID: "child1"}
	require.True(t, IsCurrentDevice(child, "devic1"))
	child.CurrentDevice = "devic2"
	require.False(t, IsCurrentDevice(child, "devic1"))
	child.RelaxPrimaryDevice = true
	require.True(t, IsCurrentDevice(child, "devic1"))
}
