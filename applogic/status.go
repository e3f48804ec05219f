// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package applogic

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/mobiletoly/go-timelimit/actions"
	"github.com/mobiletoly/go-timelimit/blocking"
	"github.com/mobiletoly/go-timelimit/dispatch"
	"github.com/mobiletoly/go-timelimit/localdb"
	"github.com/mobiletoly/go-timelimit/model"
	"github.com/mobiletoly/go-timelimit/rules"
)

// SyncDeviceStatus compares the probed protection state with the stored device
// and dispatches an UpdateDeviceStatusAction for the differences
func (l *Logic) SyncDeviceStatus(ctx context.Context) error {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()

	if l.deps.Recorder != nil {
		if n, err := l.deps.DB.Read().CountPendingActions(ctx); err == nil {
			l.deps.Recorder.SetPendingActions(n)
		}
	}

	status, err := l.deps.Probes.DeviceStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to probe device status: %w", err)
	}
	device, err := l.deps.DB.Read().GetDevice(ctx, l.deps.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to load own device: %w", err)
	}

	var a actions.UpdateDeviceStatusAction
	if status.ProtectionLevel != device.CurrentProtectionLevel {
		a.NewProtectionLevel = &status.ProtectionLevel
	}
	if status.UsageStatsPermission != device.CurrentUsageStatsPermission {
		a.NewUsageStatsPermission = &status.UsageStatsPermission
	}
	if status.NotificationAccess != device.CurrentNotificationAccess {
		a.NewNotificationAccess = &status.NotificationAccess
	}
	if status.AppVersion != device.CurrentAppVersion {
		a.NewAppVersion = &status.AppVersion
	}
	if a.NewProtectionLevel == nil && a.NewUsageStatsPermission == nil && a.NewNotificationAccess == nil && a.NewAppVersion == nil {
		return nil
	}
	l.logger.Info("device status changed", "protection_level", status.ProtectionLevel, "app_version", status.AppVersion)
	return l.deps.Dispatcher.DispatchAppLogicAction(ctx, a)
}

// ReportReboot records that the device restarted since the core last ran
func (l *Logic) ReportReboot(ctx context.Context) error {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()
	return l.deps.Dispatcher.DispatchAppLogicAction(ctx, actions.UpdateDeviceStatusAction{DidReboot: true})
}

// AllowTemporarily lets a parent unblock an app until the screen turns off
func (l *Logic) AllowTemporarily(ctx context.Context, auth dispatch.ParentAuth, packageName string) error {
	if err := l.deps.Dispatcher.AuthenticateParent(ctx, auth); err != nil {
		return err
	}
	return l.deps.DB.InTx(ctx, func(tx *localdb.Tx) error {
		return tx.AddTemporarilyAllowedApp(ctx, packageName)
	})
}

// CategoryStatus is the budget of one category of the device user
type CategoryStatus struct {
	CategoryID string
	Title      string
	UsedToday  int64
	// Remaining is nil if no rule limits the category today
	Remaining *rules.RemainingTime
}

// Categories reports the budget of every category of the child using the
// device, including usage not committed yet. It returns nothing without a child.
func (l *Logic) Categories(ctx context.Context) ([]CategoryStatus, error) {
	q := l.deps.DB.Read()
	device, err := q.GetDevice(ctx, l.deps.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load own device: %w", err)
	}
	child, ok, err := currentChild(ctx, q, device)
	if err != nil || !ok {
		return nil, err
	}
	date := model.NewDateInTimezone(l.deps.Clock.GetRealTime().TimeInMillis, child.Timezone)
	in, err := l.input(ctx, q, child, device, date)
	if err != nil {
		return nil, err
	}

	budget := func(state blocking.CategoryState) (int64, *rules.RemainingTime) {
		week := rules.WeekUsage(state.UsedTimes, date.FirstDayOfWeek())
		return week[date.DayOfWeek], rules.GetRemainingTime(date.DayOfWeek, week, state.Rules, state.Category.UsableExtraTime(date.DayOfEpoch))
	}

	result := make([]CategoryStatus, 0, len(in.Categories))
	for id, state := range in.Categories {
		used, remaining := budget(state)
		// the parent budget bounds its subcategories
		if parent, ok := in.Categories[state.Category.ParentCategoryID]; ok && parent.Category.ID != id {
			_, parentRemaining := budget(parent)
			remaining = rules.Min(remaining, parentRemaining)
		}
		result = append(result, CategoryStatus{
			CategoryID: id,
			Title:      state.Category.Title,
			UsedToday:  used,
			Remaining:  remaining,
		})
	}
	slices.SortFunc(result, func(a, b CategoryStatus) int {
		return cmp.Or(cmp.Compare(a.Title, b.Title), cmp.Compare(a.CategoryID, b.CategoryID))
	})
	return result, nil
}
