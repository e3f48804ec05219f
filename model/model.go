// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package model holds the family configuration entities shared by the device
// core, the local store and the sync server.
package model

// UserType distinguishes parents (who manage the family) from children (who are limited)
type UserType string

const (
	UserTypeParent UserType = "parent"
	UserTypeChild  UserType = "child"
)

// NetworkTime is the per-device policy for verifying the clock against a remote source
type NetworkTime string

const (
	NetworkTimeDisabled   NetworkTime = "disabled"
	NetworkTimeIfPossible NetworkTime = "if_possible"
	NetworkTimeEnabled    NetworkTime = "enabled"
)

// Valid reports whether n is one of the known network time modes
func (n NetworkTime) Valid() bool {
	switch n {
	case NetworkTimeDisabled, NetworkTimeIfPossible, NetworkTimeEnabled:
		return true
	default:
		return false
	}
}

// ProtectionLevel is how strongly the app is anchored on the device.
// Values are ordered; a smaller current value than the highest seen is a downgrade.
type ProtectionLevel int

const (
	ProtectionLevelNone ProtectionLevel = iota
	ProtectionLevelSimple
	ProtectionLevelDeviceAdmin
)

// PermissionStatus is the state of an OS permission the app depends on.
// Values are ordered like ProtectionLevel.
type PermissionStatus int

const (
	PermissionNotGranted PermissionStatus = iota
	PermissionGranted
)

// SyncActionType is the class of a queued action
type SyncActionType string

const (
	SyncActionParent   SyncActionType = "parent"
	SyncActionChild    SyncActionType = "child"
	SyncActionAppLogic SyncActionType = "appLogic"
)

// User is a family member
type User struct {
	ID                         string        `json:"id"`
	Name                       string        `json:"name"`
	Type                       UserType      `json:"type"`
	Timezone                   string        `json:"timezone"`
	PasswordHash               string        `json:"password"`   // bcrypt, parents and optionally children
	SecondPasswordSalt         string        `json:"secondSalt"` // salt for deriving the signing key
	DisableLimitsUntil         int64         `json:"disableLimitsUntil"`
	CategoryForNotAssignedApps string        `json:"categoryForNotAssignedApps"`
	BlockedTimes               MinuteBitmask `json:"blockedTimes"`
	CurrentDevice              string        `json:"currentDevice"`
	RelaxPrimaryDevice         bool          `json:"relaxPrimaryDevice"`
}

// Device is one enrolled device of the family
type Device struct {
	ID                          string           `json:"id"`
	Name                        string           `json:"name"`
	Model                       string           `json:"model"`
	AddedAt                     int64            `json:"addedAt"`
	CurrentUserID               string           `json:"currentUserId"`
	NetworkTime                 NetworkTime      `json:"networkTime"`
	CurrentProtectionLevel      ProtectionLevel  `json:"currentProtectionLevel"`
	HighestProtectionLevel      ProtectionLevel  `json:"highestProtectionLevel"`
	CurrentUsageStatsPermission PermissionStatus `json:"currentUsageStatsPermission"`
	HighestUsageStatsPermission PermissionStatus `json:"highestUsageStatsPermission"`
	CurrentNotificationAccess   PermissionStatus `json:"currentNotificationAccess"`
	HighestNotificationAccess   PermissionStatus `json:"highestNotificationAccess"`
	CurrentAppVersion           int              `json:"currentAppVersion"`
	HighestAppVersion           int              `json:"highestAppVersion"`
	ManipulationDidReboot       bool             `json:"manipulationDidReboot"`
	HadManipulation             bool             `json:"hadManipulation"`
	ConsiderRebootManipulation  bool             `json:"considerRebootManipulation"`
	EnableActivityLevelBlocking bool             `json:"enableActivityLevelBlocking"`
}

// HasActiveManipulationWarning reports whether any tracked value is below its highest seen value
func (d Device) HasActiveManipulationWarning() bool {
	return d.CurrentProtectionLevel < d.HighestProtectionLevel ||
		d.CurrentUsageStatsPermission < d.HighestUsageStatsPermission ||
		d.CurrentNotificationAccess < d.HighestNotificationAccess ||
		d.CurrentAppVersion < d.HighestAppVersion ||
		d.ManipulationDidReboot
}

// Category is a bucket of apps sharing rules and a blocked-time schedule
type Category struct {
	ID                           string        `json:"id"`
	ChildID                      string        `json:"childId"`
	Title                        string        `json:"title"`
	BlockedMinutesInWeek         MinuteBitmask `json:"blockedTimes"`
	ExtraTimeInMillis            int64         `json:"extraTime"`
	ExtraTimeDay                 int           `json:"extraTimeDay"` // -1 = usable on any day
	TemporarilyBlocked           bool          `json:"tempBlocked"`
	TemporarilyBlockedEndTime    int64         `json:"tempBlockTime"` // 0 = until unblocked
	ParentCategoryID             string        `json:"parentCategoryId"`
	BlockAllNotifications        bool          `json:"blockNotifications"`
	MinBatteryLevelWhileCharging int           `json:"minBatteryCharging"`
	MinBatteryLevelMobile        int           `json:"minBatteryMobile"`
	Sort                         int           `json:"sort"`

	// version stamps, compared against the server on pull
	BaseVersion      string `json:"baseVersion"`
	AppsVersion      string `json:"appsVersion"`
	RulesVersion     string `json:"rulesVersion"`
	UsedTimesVersion string `json:"usedTimesVersion"`
}

// UsableExtraTime returns the extra time that counts for the given day
func (c Category) UsableExtraTime(dayOfEpoch int) int64 {
	if c.ExtraTimeDay != -1 && c.ExtraTimeDay != dayOfEpoch {
		return 0
	}
	return c.ExtraTimeInMillis
}

// CategoryApp assigns an app (package, or package:activity) to a category
type CategoryApp struct {
	CategoryID   string `json:"categoryId"`
	AppSpecifier string `json:"app"`
}

// TimeLimitRule caps usage over the days selected by DayMask.
// DayMask bit 0 is Monday, bit 6 is Sunday.
type TimeLimitRule struct {
	ID                    string `json:"id"`
	CategoryID            string `json:"categoryId"`
	DayMask               uint8  `json:"dayMask"`
	MaximumTimeInMillis   int64  `json:"maxTime"`
	ApplyToExtraTimeUsage bool   `json:"applyToExtraTimeUsage"`
}

// AppliesTo reports whether the rule covers dayOfWeek (0 = Monday)
func (r TimeLimitRule) AppliesTo(dayOfWeek int) bool {
	return r.DayMask&(1<<uint(dayOfWeek)) != 0
}

// AllDays is the day mask covering the whole week
const AllDays uint8 = 0x7f

// UsedTimeItem is the cumulative usage of a category on one local calendar day
type UsedTimeItem struct {
	CategoryID string `json:"categoryId"`
	DayOfEpoch int    `json:"day"`
	UsedMillis int64  `json:"time"`
}

// InstalledApp is an app reported by a device
type InstalledApp struct {
	DeviceID     string `json:"deviceId"`
	PackageName  string `json:"packageName"`
	Title        string `json:"title"`
	IsLaunchable bool   `json:"isLaunchable"`
}

// PendingSyncAction is a locally applied action waiting for server acknowledgement
type PendingSyncAction struct {
	SequenceNumber     int64          `json:"sequenceNumber"`
	EncodedAction      string         `json:"encodedAction"`
	Integrity          string         `json:"integrity"`
	ScheduledForUpload bool           `json:"scheduledForUpload"`
	Type               SyncActionType `json:"type"`
	UserID             string         `json:"userId"`
}
