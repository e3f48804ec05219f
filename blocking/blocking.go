// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package blocking decides whether a foreground app must be blocked.
package blocking

import (
	"github.com/mobiletoly/go-timelimit/clock"
	"github.com/mobiletoly/go-timelimit/model"
	"github.com/mobiletoly/go-timelimit/rules"
)

// Reason explains why an app is blocked; ReasonNone means allowed
type Reason string

const (
	ReasonNone                            Reason = "None"
	ReasonNotPartOfAnCategory             Reason = "NotPartOfAnCategory"
	ReasonTemporarilyBlocked              Reason = "TemporarilyBlocked"
	ReasonBlockedAtThisTime               Reason = "BlockedAtThisTime"
	ReasonTimeOver                        Reason = "TimeOver"
	ReasonTimeOverExtraTimeCanBeUsedLater Reason = "TimeOverExtraTimeCanBeUsedLater"
	ReasonMissingNetworkTime              Reason = "MissingNetworkTime"
	ReasonRequiresCurrentDevice           Reason = "RequiresCurrentDevice"
	ReasonNotificationsAreBlocked         Reason = "NotificationsAreBlocked"
	ReasonBatteryLimit                    Reason = "BatteryLimit"
)

// IgnoredPackages are OS components that are never blocked
var IgnoredPackages = map[string]struct{}{
	"android":                                 {},
	"com.android.systemui":                    {},
	"com.android.packageinstaller":            {},
	"com.google.android.packageinstaller":     {},
	"com.android.permissioncontroller":        {},
	"com.google.android.permissioncontroller": {},
	"com.android.emergency":                   {},
	"com.android.phone":                       {},
	"com.android.server.telecom":              {},
}

// CategoryState is a category together with what is needed to evaluate its limits
type CategoryState struct {
	Category  model.Category
	Rules     []model.TimeLimitRule
	UsedTimes []model.UsedTimeItem // usage of the current week, including not yet committed time
}

// Battery is the current power state of the device
type Battery struct {
	Percentage int
	IsCharging bool
}

// Input is everything Evaluate looks at
type Input struct {
	PackageName     string
	ActivityName    string
	OwnPackageName  string
	AppDisabled     bool
	ForNotification bool

	TemporarilyAllowed map[string]struct{}

	User   model.User // the child using the device
	Device model.Device
	// IsCurrentDevice is false if the child has a different primary device
	// and does not relax the primary device requirement
	IsCurrentDevice bool

	Categories map[string]CategoryState
	// AppCategories maps app specifiers (package or package:activity) to category ids of the child
	AppCategories map[string]string

	Time    clock.RealTime
	Battery *Battery
}

// Result is the verdict for one app
type Result struct {
	Reason Reason
	// CategoryID is the category the app belongs to
	CategoryID string
	// BlockingCategoryID is the category that produced the verdict, the parent category if it blocks
	BlockingCategoryID string
	// Remaining is the combined budget of the category and its parent, nil if unlimited
	Remaining *rules.RemainingTime
}

// Blocked reports whether the verdict blocks the app
func (r Result) Blocked() bool {
	return r.Reason != ReasonNone
}

// Evaluate runs the decision layers in order; the first matching one wins
func Evaluate(in Input) Result {
	if in.AppDisabled || in.PackageName == "" || in.PackageName == in.OwnPackageName {
		return Result{Reason: ReasonNone}
	}
	if _, ok := IgnoredPackages[in.PackageName]; ok {
		return Result{Reason: ReasonNone}
	}
	if _, ok := in.TemporarilyAllowed[in.PackageName]; ok {
		return Result{Reason: ReasonNone}
	}

	state, ok := resolveCategory(in)
	if !ok {
		return Result{Reason: ReasonNotPartOfAnCategory}
	}
	result := Result{CategoryID: state.Category.ID, BlockingCategoryID: state.Category.ID}

	if in.ForNotification && state.Category.BlockAllNotifications {
		result.Reason = ReasonNotificationsAreBlocked
		return result
	}

	reason, remaining := evaluateCategory(in, state)
	result.Reason = reason
	result.Remaining = remaining
	if reason != ReasonNone || state.Category.ParentCategoryID == "" {
		return result
	}

	parent, ok := in.Categories[state.Category.ParentCategoryID]
	if !ok {
		return result
	}
	parentReason, parentRemaining := evaluateCategory(in, parent)
	result.Remaining = rules.Min(remaining, parentRemaining)
	if parentReason != ReasonNone {
		result.Reason = parentReason
		result.BlockingCategoryID = parent.Category.ID
	}
	return result
}

func resolveCategory(in Input) (CategoryState, bool) {
	if in.Device.EnableActivityLevelBlocking && in.ActivityName != "" {
		if id, ok := in.AppCategories[in.PackageName+":"+in.ActivityName]; ok {
			if state, ok := in.Categories[id]; ok {
				return state, true
			}
		}
	}
	if id, ok := in.AppCategories[in.PackageName]; ok {
		if state, ok := in.Categories[id]; ok {
			return state, true
		}
	}
	if id := in.User.CategoryForNotAssignedApps; id != "" {
		if state, ok := in.Categories[id]; ok {
			return state, true
		}
	}
	return CategoryState{}, false
}

// evaluateCategory covers temporary blocks, schedules and time limits of one category
func evaluateCategory(in Input, state CategoryState) (Reason, *rules.RemainingTime) {
	c := state.Category
	t := in.Time

	if c.TemporarilyBlocked {
		if c.TemporarilyBlockedEndTime == 0 || !t.ShouldTrustTimeTemporarily || t.TimeInMillis < c.TemporarilyBlockedEndTime {
			return ReasonTemporarilyBlocked, nil
		}
	}

	if in.Battery != nil {
		limit := c.MinBatteryLevelMobile
		if in.Battery.IsCharging {
			limit = c.MinBatteryLevelWhileCharging
		}
		if in.Battery.Percentage < limit {
			return ReasonBatteryLimit, nil
		}
	}

	if t.ShouldTrustTimeTemporarily && in.User.DisableLimitsUntil > t.TimeInMillis {
		return ReasonNone, nil
	}

	date := model.NewDateInTimezone(t.TimeInMillis, in.User.Timezone)

	for _, schedule := range []model.MinuteBitmask{c.BlockedMinutesInWeek, in.User.BlockedTimes} {
		if schedule.IsEmpty() {
			continue
		}
		if !t.ShouldTrustTimeTemporarily {
			return ReasonMissingNetworkTime, nil
		}
		if schedule.IsSet(date.MinuteOfWeek()) {
			return ReasonBlockedAtThisTime, nil
		}
	}

	if len(state.Rules) == 0 {
		return ReasonNone, nil
	}
	if !t.ShouldTrustTimeTemporarily {
		return ReasonMissingNetworkTime, nil
	}
	if !in.IsCurrentDevice {
		return ReasonRequiresCurrentDevice, nil
	}

	usedTimes := rules.WeekUsage(state.UsedTimes, date.FirstDayOfWeek())
	remaining := rules.GetRemainingTime(date.DayOfWeek, usedTimes, state.Rules, c.UsableExtraTime(date.DayOfEpoch))
	if remaining == nil || remaining.IncludingExtraTime > 0 {
		return ReasonNone, remaining
	}
	if c.ExtraTimeInMillis > 0 {
		return ReasonTimeOverExtraTimeCanBeUsedLater, remaining
	}
	return ReasonTimeOver, remaining
}

// IsCurrentDevice reports whether limited apps may be used on device by child
func IsCurrentDevice(child model.User, deviceID string) bool {
	return child.CurrentDevice == "" || child.CurrentDevice == deviceID || child.RelaxPrimaryDevice
}
