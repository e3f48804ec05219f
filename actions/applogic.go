// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package actions

import (
	"time"

	"github.com/mobiletoly/go-timelimit/model"
)

const (
	KindAddUsedTime          = "ADD_USED_TIME"
	KindAddInstalledApps     = "ADD_INSTALLED_APPS"
	KindRemoveInstalledApps  = "REMOVE_INSTALLED_APPS"
	KindUpdateDeviceStatus   = "UPDATE_DEVICE_STATUS"
	KindForceSync            = "FORCE_SYNC"
	maxUsedTimePerActionItem = int64(24 * time.Hour / time.Millisecond)
)

// AddUsedTimeItem is the usage of one category within an AddUsedTimeAction
type AddUsedTimeItem struct {
	CategoryID          string `json:"categoryId"`
	TimeToAdd           int64  `json:"timeToAdd"`
	ExtraTimeToSubtract int64  `json:"extraTimeToSubtract"`
}

// AddUsedTimeAction adds usage to categories on one day and consumes extra time
type AddUsedTimeAction struct {
	appLogic
	DayOfEpoch int               `json:"dayOfEpoch"`
	Items      []AddUsedTimeItem `json:"items"`
}

func (AddUsedTimeAction) Kind() string { return KindAddUsedTime }

func (a AddUsedTimeAction) Validate() error {
	if a.DayOfEpoch < 0 {
		return invalid("day of epoch must not be negative: %d", a.DayOfEpoch)
	}
	if len(a.Items) == 0 {
		return invalid("used time items must not be empty")
	}
	seen := make(map[string]struct{}, len(a.Items))
	for _, item := range a.Items {
		if err := validateID("category id", item.CategoryID); err != nil {
			return err
		}
		if _, ok := seen[item.CategoryID]; ok {
			return invalid("category %s appears twice", item.CategoryID)
		}
		seen[item.CategoryID] = struct{}{}
		if err := validateNonNegative("time to add", item.TimeToAdd); err != nil {
			return err
		}
		if err := validateNonNegative("extra time to subtract", item.ExtraTimeToSubtract); err != nil {
			return err
		}
		if item.TimeToAdd > maxUsedTimePerActionItem || item.ExtraTimeToSubtract > maxUsedTimePerActionItem {
			return invalid("used time of category %s exceeds one day", item.CategoryID)
		}
	}
	return nil
}

// NewAddUsedTimeAction builds and validates an AddUsedTimeAction
func NewAddUsedTimeAction(dayOfEpoch int, items ...AddUsedTimeItem) (AddUsedTimeAction, error) {
	a := AddUsedTimeAction{DayOfEpoch: dayOfEpoch, Items: items}
	return a, a.Validate()
}

// MergeAddUsedTime combines two usage actions of the same day into one.
// It returns false if the actions cover different days.
func MergeAddUsedTime(a, b AddUsedTimeAction) (AddUsedTimeAction, bool) {
	if a.DayOfEpoch != b.DayOfEpoch {
		return AddUsedTimeAction{}, false
	}
	merged := AddUsedTimeAction{DayOfEpoch: a.DayOfEpoch, Items: make([]AddUsedTimeItem, 0, len(a.Items)+len(b.Items))}
	index := make(map[string]int, len(a.Items)+len(b.Items))
	for _, source := range [][]AddUsedTimeItem{a.Items, b.Items} {
		for _, item := range source {
			if i, ok := index[item.CategoryID]; ok {
				merged.Items[i].TimeToAdd += item.TimeToAdd
				merged.Items[i].ExtraTimeToSubtract += item.ExtraTimeToSubtract
				continue
			}
			index[item.CategoryID] = len(merged.Items)
			merged.Items = append(merged.Items, item)
		}
	}
	return merged, true
}

// InstalledAppInfo describes an app reported by the device
type InstalledAppInfo struct {
	PackageName  string `json:"packageName"`
	Title        string `json:"title"`
	IsLaunchable bool   `json:"isLaunchable"`
}

// AddInstalledAppsAction reports newly installed or updated apps of the device
type AddInstalledAppsAction struct {
	appLogic
	Apps []InstalledAppInfo `json:"apps"`
}

func (AddInstalledAppsAction) Kind() string { return KindAddInstalledApps }

func (a AddInstalledAppsAction) Validate() error {
	names := make([]string, len(a.Apps))
	for i, app := range a.Apps {
		names[i] = app.PackageName
	}
	return validateAppList("installed apps", names)
}

// RemoveInstalledAppsAction reports uninstalled apps of the device
type RemoveInstalledAppsAction struct {
	appLogic
	PackageNames []string `json:"packageNames"`
}

func (RemoveInstalledAppsAction) Kind() string { return KindRemoveInstalledApps }

func (a RemoveInstalledAppsAction) Validate() error {
	return validateAppList("package names", a.PackageNames)
}

// UpdateDeviceStatusAction reports changes of the device protection state.
// Nil fields are unchanged.
type UpdateDeviceStatusAction struct {
	appLogic
	NewProtectionLevel      *model.ProtectionLevel  `json:"protectionLevel,omitempty"`
	NewUsageStatsPermission *model.PermissionStatus `json:"usageStats,omitempty"`
	NewNotificationAccess   *model.PermissionStatus `json:"notificationAccess,omitempty"`
	NewAppVersion           *int                    `json:"appVersion,omitempty"`
	DidReboot               bool                    `json:"didReboot,omitempty"`
}

func (UpdateDeviceStatusAction) Kind() string { return KindUpdateDeviceStatus }

func (a UpdateDeviceStatusAction) Validate() error {
	if a.NewProtectionLevel == nil && a.NewUsageStatsPermission == nil && a.NewNotificationAccess == nil &&
		a.NewAppVersion == nil && !a.DidReboot {
		return invalid("device status update without changes")
	}
	if a.NewProtectionLevel != nil && (*a.NewProtectionLevel < model.ProtectionLevelNone || *a.NewProtectionLevel > model.ProtectionLevelDeviceAdmin) {
		return invalid("unknown protection level %d", *a.NewProtectionLevel)
	}
	if a.NewUsageStatsPermission != nil && (*a.NewUsageStatsPermission < model.PermissionNotGranted || *a.NewUsageStatsPermission > model.PermissionGranted) {
		return invalid("unknown usage stats permission %d", *a.NewUsageStatsPermission)
	}
	if a.NewNotificationAccess != nil && (*a.NewNotificationAccess < model.PermissionNotGranted || *a.NewNotificationAccess > model.PermissionGranted) {
		return invalid("unknown notification access %d", *a.NewNotificationAccess)
	}
	if a.NewAppVersion != nil && *a.NewAppVersion < 0 {
		return invalid("app version must not be negative: %d", *a.NewAppVersion)
	}
	return nil
}

// ForceSyncAction asks the server to notify all devices of the family
type ForceSyncAction struct {
	appLogic
}

func (ForceSyncAction) Kind() string { return KindForceSync }

func (ForceSyncAction) Validate() error { return nil }
