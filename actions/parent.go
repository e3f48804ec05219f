// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package actions

import (
	"strings"
	"time"

	"github.com/mobiletoly/go-timelimit/model"
)

const (
	KindCreateCategory                   = "CREATE_CATEGORY"
	KindDeleteCategory                   = "DELETE_CATEGORY"
	KindUpdateCategoryTitle              = "UPDATE_CATEGORY_TITLE"
	KindAddCategoryApps                  = "ADD_CATEGORY_APPS"
	KindRemoveCategoryApps               = "REMOVE_CATEGORY_APPS"
	KindSetCategoryExtraTime             = "SET_CATEGORY_EXTRA_TIME"
	KindIncrementCategoryExtraTime       = "INCREMENT_CATEGORY_EXTRA_TIME"
	KindUpdateCategoryTemporarilyBlocked = "UPDATE_CATEGORY_TEMPORARILY_BLOCKED"
	KindUpdateCategoryBlockedTimes       = "UPDATE_CATEGORY_BLOCKED_TIMES"
	KindSetParentCategory                = "SET_PARENT_CATEGORY"
	KindUpdateCategoryBatteryLimit       = "UPDATE_CATEGORY_BATTERY_LIMIT"
	KindUpdateCategoryBlockNotifications = "UPDATE_CATEGORY_BLOCK_NOTIFICATIONS"
	KindCreateTimeLimitRule              = "CREATE_TIME_LIMIT_RULE"
	KindUpdateTimeLimitRule              = "UPDATE_TIME_LIMIT_RULE"
	KindDeleteTimeLimitRule              = "DELETE_TIME_LIMIT_RULE"
	KindAddUser                          = "ADD_USER"
	KindRemoveUser                       = "REMOVE_USER"
	KindSetUserDisableLimitsUntil        = "SET_USER_DISABLE_LIMITS_UNTIL"
	KindSetUserTimezone                  = "SET_USER_TIMEZONE"
	KindUpdateUserBlockedTimes           = "UPDATE_USER_BLOCKED_TIMES"
	KindSetRelaxPrimaryDevice            = "SET_RELAX_PRIMARY_DEVICE"
	KindSetCategoryForUnassignedApps     = "SET_CATEGORY_FOR_UNASSIGNED_APPS"
	KindSetDeviceUser                    = "SET_DEVICE_USER"
	KindUpdateNetworkTimeVerification    = "UPDATE_NETWORK_TIME_VERIFICATION"
	KindSetConsiderRebootManipulation    = "SET_CONSIDER_REBOOT_MANIPULATION"
	KindIgnoreManipulation               = "IGNORE_MANIPULATION"
	KindUpdateEnableActivityLevelBlock   = "UPDATE_ENABLE_ACTIVITY_LEVEL_BLOCKING"
)

const maxTitleLength = 50

func validateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return invalid("title must not be blank")
	}
	if len(title) > maxTitleLength {
		return invalid("title longer than %d bytes", maxTitleLength)
	}
	return nil
}

func validateExtraTimeDay(day int) error {
	if day < -1 {
		return invalid("extra time day must be -1 or a day of epoch: %d", day)
	}
	return nil
}

// CreateCategoryAction adds an empty category to a child
type CreateCategoryAction struct {
	parent
	ChildID    string `json:"childId"`
	CategoryID string `json:"categoryId"`
	Title      string `json:"title"`
}

func (CreateCategoryAction) Kind() string { return KindCreateCategory }

func (a CreateCategoryAction) Validate() error {
	if err := validateID("child id", a.ChildID); err != nil {
		return err
	}
	if err := validateID("category id", a.CategoryID); err != nil {
		return err
	}
	return validateTitle(a.Title)
}

// DeleteCategoryAction removes a category with its apps, rules and usage
type DeleteCategoryAction struct {
	parent
	CategoryID string `json:"categoryId"`
}

func (DeleteCategoryAction) Kind() string { return KindDeleteCategory }

func (a DeleteCategoryAction) Validate() error { return validateID("category id", a.CategoryID) }

// UpdateCategoryTitleAction renames a category
type UpdateCategoryTitleAction struct {
	parent
	CategoryID string `json:"categoryId"`
	Title      string `json:"title"`
}

func (UpdateCategoryTitleAction) Kind() string { return KindUpdateCategoryTitle }

func (a UpdateCategoryTitleAction) Validate() error {
	if err := validateID("category id", a.CategoryID); err != nil {
		return err
	}
	return validateTitle(a.Title)
}

// AddCategoryAppsAction assigns apps to a category, moving them out of other categories of the child
type AddCategoryAppsAction struct {
	parent
	CategoryID string   `json:"categoryId"`
	Apps       []string `json:"apps"`
}

func (AddCategoryAppsAction) Kind() string { return KindAddCategoryApps }

func (a AddCategoryAppsAction) Validate() error {
	if err := validateID("category id", a.CategoryID); err != nil {
		return err
	}
	return validateAppList("apps", a.Apps)
}

// RemoveCategoryAppsAction unassigns apps from a category
type RemoveCategoryAppsAction struct {
	parent
	CategoryID string   `json:"categoryId"`
	Apps       []string `json:"apps"`
}

func (RemoveCategoryAppsAction) Kind() string { return KindRemoveCategoryApps }

func (a RemoveCategoryAppsAction) Validate() error {
	if err := validateID("category id", a.CategoryID); err != nil {
		return err
	}
	return validateAppList("apps", a.Apps)
}

// SetCategoryExtraTimeAction replaces the extra time of a category
type SetCategoryExtraTimeAction struct {
	parent
	CategoryID   string `json:"categoryId"`
	ExtraTime    int64  `json:"extraTime"`
	ExtraTimeDay int    `json:"extraTimeDay"`
}

func (SetCategoryExtraTimeAction) Kind() string { return KindSetCategoryExtraTime }

func (a SetCategoryExtraTimeAction) Validate() error {
	if err := validateID("category id", a.CategoryID); err != nil {
		return err
	}
	if err := validateNonNegative("extra time", a.ExtraTime); err != nil {
		return err
	}
	return validateExtraTimeDay(a.ExtraTimeDay)
}

// IncrementCategoryExtraTimeAction adds extra time to a category and its parent category
type IncrementCategoryExtraTimeAction struct {
	parent
	CategoryID   string `json:"categoryId"`
	AddedTime    int64  `json:"addedExtraTime"`
	ExtraTimeDay int    `json:"extraTimeDay"`
}

func (IncrementCategoryExtraTimeAction) Kind() string { return KindIncrementCategoryExtraTime }

func (a IncrementCategoryExtraTimeAction) Validate() error {
	if err := validateID("category id", a.CategoryID); err != nil {
		return err
	}
	if a.AddedTime <= 0 {
		return invalid("added extra time must be positive: %d", a.AddedTime)
	}
	return validateExtraTimeDay(a.ExtraTimeDay)
}

// UpdateCategoryTemporarilyBlockedAction blocks or unblocks a category, optionally until EndTime
type UpdateCategoryTemporarilyBlockedAction struct {
	parent
	CategoryID string `json:"categoryId"`
	Blocked    bool   `json:"blocked"`
	EndTime    int64  `json:"endTime"`
}

func (UpdateCategoryTemporarilyBlockedAction) Kind() string {
	return KindUpdateCategoryTemporarilyBlocked
}

func (a UpdateCategoryTemporarilyBlockedAction) Validate() error {
	if err := validateID("category id", a.CategoryID); err != nil {
		return err
	}
	if err := validateNonNegative("end time", a.EndTime); err != nil {
		return err
	}
	if !a.Blocked && a.EndTime != 0 {
		return invalid("end time requires blocking")
	}
	return nil
}

// UpdateCategoryBlockedTimesAction replaces the weekly blocked minutes of a category
type UpdateCategoryBlockedTimesAction struct {
	parent
	CategoryID   string              `json:"categoryId"`
	BlockedTimes model.MinuteBitmask `json:"blockedTimes"`
}

func (UpdateCategoryBlockedTimesAction) Kind() string { return KindUpdateCategoryBlockedTimes }

func (a UpdateCategoryBlockedTimesAction) Validate() error {
	return validateID("category id", a.CategoryID)
}

// SetParentCategoryAction nests a category below another one; an empty parent removes the nesting
type SetParentCategoryAction struct {
	parent
	CategoryID       string `json:"categoryId"`
	ParentCategoryID string `json:"parentCategory"`
}

func (SetParentCategoryAction) Kind() string { return KindSetParentCategory }

func (a SetParentCategoryAction) Validate() error {
	if err := validateID("category id", a.CategoryID); err != nil {
		return err
	}
	if err := validateOptionalID("parent category id", a.ParentCategoryID); err != nil {
		return err
	}
	if a.CategoryID == a.ParentCategoryID {
		return invalid("category cannot be its own parent")
	}
	return nil
}

// UpdateCategoryBatteryLimitAction sets minimum battery levels below which the category is blocked
type UpdateCategoryBatteryLimitAction struct {
	parent
	CategoryID    string `json:"categoryId"`
	ChargingLimit *int   `json:"chargeLimit,omitempty"`
	MobileLimit   *int   `json:"mobileLimit,omitempty"`
}

func (UpdateCategoryBatteryLimitAction) Kind() string { return KindUpdateCategoryBatteryLimit }

func (a UpdateCategoryBatteryLimitAction) Validate() error {
	if err := validateID("category id", a.CategoryID); err != nil {
		return err
	}
	if a.ChargingLimit == nil && a.MobileLimit == nil {
		return invalid("battery limit update without changes")
	}
	for _, limit := range []*int{a.ChargingLimit, a.MobileLimit} {
		if limit != nil && (*limit < 0 || *limit > 100) {
			return invalid("battery limit out of range: %d", *limit)
		}
	}
	return nil
}

// UpdateCategoryBlockNotificationsAction toggles notification blocking for a category
type UpdateCategoryBlockNotificationsAction struct {
	parent
	CategoryID string `json:"categoryId"`
	Blocked    bool   `json:"blocked"`
}

func (UpdateCategoryBlockNotificationsAction) Kind() string {
	return KindUpdateCategoryBlockNotifications
}

func (a UpdateCategoryBlockNotificationsAction) Validate() error {
	return validateID("category id", a.CategoryID)
}

func validateRuleValues(dayMask uint8, maxTime int64) error {
	if dayMask == 0 || dayMask > model.AllDays {
		return invalid("day mask %d out of range", dayMask)
	}
	if err := validateNonNegative("maximum time", maxTime); err != nil {
		return err
	}
	if maxTime > int64(7*24*time.Hour/time.Millisecond) {
		return invalid("maximum time exceeds one week")
	}
	return nil
}

// CreateTimeLimitRuleAction adds a rule to a category
type CreateTimeLimitRuleAction struct {
	parent
	Rule model.TimeLimitRule `json:"rule"`
}

func (CreateTimeLimitRuleAction) Kind() string { return KindCreateTimeLimitRule }

func (a CreateTimeLimitRuleAction) Validate() error {
	if err := validateID("rule id", a.Rule.ID); err != nil {
		return err
	}
	if err := validateID("category id", a.Rule.CategoryID); err != nil {
		return err
	}
	return validateRuleValues(a.Rule.DayMask, a.Rule.MaximumTimeInMillis)
}

// UpdateTimeLimitRuleAction replaces the values of a rule
type UpdateTimeLimitRuleAction struct {
	parent
	RuleID                string `json:"ruleId"`
	DayMask               uint8  `json:"dayMask"`
	MaximumTimeInMillis   int64  `json:"maxTime"`
	ApplyToExtraTimeUsage bool   `json:"applyToExtraTimeUsage"`
}

func (UpdateTimeLimitRuleAction) Kind() string { return KindUpdateTimeLimitRule }

func (a UpdateTimeLimitRuleAction) Validate() error {
	if err := validateID("rule id", a.RuleID); err != nil {
		return err
	}
	return validateRuleValues(a.DayMask, a.MaximumTimeInMillis)
}

// DeleteTimeLimitRuleAction removes a rule
type DeleteTimeLimitRuleAction struct {
	parent
	RuleID string `json:"ruleId"`
}

func (DeleteTimeLimitRuleAction) Kind() string { return KindDeleteTimeLimitRule }

func (a DeleteTimeLimitRuleAction) Validate() error { return validateID("rule id", a.RuleID) }

// AddUserAction adds a family member. SecondPasswordHash is kept by the server only.
type AddUserAction struct {
	parent
	UserID             string         `json:"userId"`
	Name               string         `json:"name"`
	Type               model.UserType `json:"userType"`
	Timezone           string         `json:"timezone"`
	PasswordHash       string         `json:"password,omitempty"`
	SecondPasswordSalt string         `json:"secondSalt,omitempty"`
	SecondPasswordHash string         `json:"secondHash,omitempty"`
}

func (AddUserAction) Kind() string { return KindAddUser }

func (a AddUserAction) Validate() error {
	if err := validateID("user id", a.UserID); err != nil {
		return err
	}
	if err := validateTitle(a.Name); err != nil {
		return err
	}
	switch a.Type {
	case model.UserTypeParent:
		if a.PasswordHash == "" || a.SecondPasswordSalt == "" || a.SecondPasswordHash == "" {
			return invalid("parent users require a password")
		}
	case model.UserTypeChild:
	default:
		return invalid("unknown user type %q", a.Type)
	}
	if err := validateTimezone(a.Timezone); err != nil {
		return err
	}
	return nil
}

func validateTimezone(tz string) error {
	if tz == "" {
		return invalid("timezone must not be empty")
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return invalid("unknown timezone %q", tz)
	}
	return nil
}

// RemoveUserAction removes a family member; the last parent cannot be removed
type RemoveUserAction struct {
	parent
	UserID string `json:"userId"`
}

func (RemoveUserAction) Kind() string { return KindRemoveUser }

func (a RemoveUserAction) Validate() error { return validateID("user id", a.UserID) }

// SetUserDisableLimitsUntilAction suspends all limits of a child until a timestamp (0 = active)
type SetUserDisableLimitsUntilAction struct {
	parent
	ChildID   string `json:"childId"`
	Timestamp int64  `json:"time"`
}

func (SetUserDisableLimitsUntilAction) Kind() string { return KindSetUserDisableLimitsUntil }

func (a SetUserDisableLimitsUntilAction) Validate() error {
	if err := validateID("child id", a.ChildID); err != nil {
		return err
	}
	return validateNonNegative("timestamp", a.Timestamp)
}

// SetUserTimezoneAction changes the timezone days are counted in
type SetUserTimezoneAction struct {
	parent
	UserID   string `json:"userId"`
	Timezone string `json:"timezone"`
}

func (SetUserTimezoneAction) Kind() string { return KindSetUserTimezone }

func (a SetUserTimezoneAction) Validate() error {
	if err := validateID("user id", a.UserID); err != nil {
		return err
	}
	return validateTimezone(a.Timezone)
}

// UpdateUserBlockedTimesAction replaces the user level weekly schedule
type UpdateUserBlockedTimesAction struct {
	parent
	UserID       string              `json:"userId"`
	BlockedTimes model.MinuteBitmask `json:"blockedTimes"`
}

func (UpdateUserBlockedTimesAction) Kind() string { return KindUpdateUserBlockedTimes }

func (a UpdateUserBlockedTimesAction) Validate() error { return validateID("user id", a.UserID) }

// SetRelaxPrimaryDeviceAction lets a child use limited apps on devices other than the primary one
type SetRelaxPrimaryDeviceAction struct {
	parent
	UserID string `json:"userId"`
	Relax  bool   `json:"relax"`
}

func (SetRelaxPrimaryDeviceAction) Kind() string { return KindSetRelaxPrimaryDevice }

func (a SetRelaxPrimaryDeviceAction) Validate() error { return validateID("user id", a.UserID) }

// SetCategoryForUnassignedAppsAction selects the fallback category of a child; empty clears it
type SetCategoryForUnassignedAppsAction struct {
	parent
	ChildID    string `json:"childId"`
	CategoryID string `json:"categoryId"`
}

func (SetCategoryForUnassignedAppsAction) Kind() string { return KindSetCategoryForUnassignedApps }

func (a SetCategoryForUnassignedAppsAction) Validate() error {
	if err := validateID("child id", a.ChildID); err != nil {
		return err
	}
	return validateOptionalID("category id", a.CategoryID)
}

// SetDeviceUserAction selects who uses a device; empty means nobody
type SetDeviceUserAction struct {
	parent
	DeviceID string `json:"deviceId"`
	UserID   string `json:"userId"`
}

func (SetDeviceUserAction) Kind() string { return KindSetDeviceUser }

func (a SetDeviceUserAction) Validate() error {
	if err := validateID("device id", a.DeviceID); err != nil {
		return err
	}
	return validateOptionalID("user id", a.UserID)
}

// UpdateNetworkTimeVerificationAction changes the network time policy of a device
type UpdateNetworkTimeVerificationAction struct {
	parent
	DeviceID string            `json:"deviceId"`
	Mode     model.NetworkTime `json:"mode"`
}

func (UpdateNetworkTimeVerificationAction) Kind() string { return KindUpdateNetworkTimeVerification }

func (a UpdateNetworkTimeVerificationAction) Validate() error {
	if err := validateID("device id", a.DeviceID); err != nil {
		return err
	}
	if !a.Mode.Valid() {
		return invalid("unknown network time mode %q", a.Mode)
	}
	return nil
}

// SetConsiderRebootManipulationAction decides whether a reboot counts as manipulation
type SetConsiderRebootManipulationAction struct {
	parent
	DeviceID string `json:"deviceId"`
	Enable   bool   `json:"enable"`
}

func (SetConsiderRebootManipulationAction) Kind() string { return KindSetConsiderRebootManipulation }

func (a SetConsiderRebootManipulationAction) Validate() error {
	return validateID("device id", a.DeviceID)
}

// IgnoreManipulationAction accepts the current device state as the new baseline
type IgnoreManipulationAction struct {
	parent
	DeviceID                 string `json:"deviceId"`
	IgnoreProtectionLevel    bool   `json:"protectionLevel,omitempty"`
	IgnoreUsageStats         bool   `json:"usageStats,omitempty"`
	IgnoreNotificationAccess bool   `json:"notificationAccess,omitempty"`
	IgnoreAppDowngrade       bool   `json:"appDowngrade,omitempty"`
	IgnoreReboot             bool   `json:"reboot,omitempty"`
	IgnoreHadManipulation    bool   `json:"hadManipulation,omitempty"`
}

func (IgnoreManipulationAction) Kind() string { return KindIgnoreManipulation }

func (a IgnoreManipulationAction) Validate() error {
	if err := validateID("device id", a.DeviceID); err != nil {
		return err
	}
	if !a.IgnoreProtectionLevel && !a.IgnoreUsageStats && !a.IgnoreNotificationAccess &&
		!a.IgnoreAppDowngrade && !a.IgnoreReboot && !a.IgnoreHadManipulation {
		return invalid("nothing to ignore")
	}
	return nil
}

// UpdateEnableActivityLevelBlockingAction toggles app:activity assignments on a device
type UpdateEnableActivityLevelBlockingAction struct {
	parent
	DeviceID string `json:"deviceId"`
	Enable   bool   `json:"enable"`
}

func (UpdateEnableActivityLevelBlockingAction) Kind() string { return KindUpdateEnableActivityLevelBlock }

func (a UpdateEnableActivityLevelBlockingAction) Validate() error {
	return validateID("device id", a.DeviceID)
}
