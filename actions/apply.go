// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package actions

import (
	"cmp"
	"context"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-timelimit/model"
)

// State is the family state an action is applied to. It is implemented by the
// device local store and by the server side family snapshot.
type State interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	UpsertUser(ctx context.Context, u model.User) error
	DeleteUser(ctx context.Context, id string) error

	GetDevice(ctx context.Context, id string) (*model.Device, error)
	ListDevices(ctx context.Context) ([]model.Device, error)
	UpsertDevice(ctx context.Context, d model.Device) error

	GetCategory(ctx context.Context, id string) (*model.Category, error)
	ListCategoriesByChild(ctx context.Context, childID string) ([]model.Category, error)
	UpsertCategory(ctx context.Context, c model.Category) error
	DeleteCategory(ctx context.Context, id string) error
	AddCategoryApps(ctx context.Context, categoryID string, apps []string) error
	RemoveCategoryApps(ctx context.Context, categoryID string, apps []string) error

	GetRule(ctx context.Context, id string) (*model.TimeLimitRule, error)
	UpsertRule(ctx context.Context, r model.TimeLimitRule) error
	DeleteRule(ctx context.Context, id string) error

	AddUsedTime(ctx context.Context, categoryID string, dayOfEpoch int, delta int64) error

	AddInstalledApps(ctx context.Context, apps []model.InstalledApp) error
	RemoveInstalledApps(ctx context.Context, deviceID string, packageNames []string) error
}

// Env identifies who applies an action
type Env struct {
	DeviceID string // device the action originates from
	UserID   string // authenticated parent or child, empty for app logic actions
}

// Result reports side effects the caller may need to react to
type Result struct {
	ManipulationDetected bool
}

// Apply validates a against the current state and mutates st accordingly.
// Structural errors wrap ErrInvalidAction, rejected state changes wrap ErrBusinessRule.
func Apply(ctx context.Context, st State, a Action, env Env) (Result, error) {
	if err := a.Validate(); err != nil {
		return Result{}, err
	}
	if err := authorize(ctx, st, a, env); err != nil {
		return Result{}, err
	}

	var res Result
	var err error
	switch a := a.(type) {
	case AddUsedTimeAction:
		err = applyAddUsedTime(ctx, st, a)
	case AddInstalledAppsAction:
		apps := make([]model.InstalledApp, len(a.Apps))
		for i, app := range a.Apps {
			apps[i] = model.InstalledApp{DeviceID: env.DeviceID, PackageName: app.PackageName, Title: app.Title, IsLaunchable: app.IsLaunchable}
		}
		err = st.AddInstalledApps(ctx, apps)
	case RemoveInstalledAppsAction:
		err = st.RemoveInstalledApps(ctx, env.DeviceID, a.PackageNames)
	case UpdateDeviceStatusAction:
		res, err = applyDeviceStatus(ctx, st, a, env)
	case ForceSyncAction:
	case CreateCategoryAction:
		err = applyCreateCategory(ctx, st, a)
	case DeleteCategoryAction:
		err = applyDeleteCategory(ctx, st, a)
	case UpdateCategoryTitleAction:
		err = updateCategory(ctx, st, a.CategoryID, func(c *model.Category) error {
			c.Title = a.Title
			return nil
		})
	case AddCategoryAppsAction:
		err = applyAddCategoryApps(ctx, st, a)
	case RemoveCategoryAppsAction:
		if _, err = requireCategory(ctx, st, a.CategoryID); err == nil {
			err = st.RemoveCategoryApps(ctx, a.CategoryID, a.Apps)
		}
	case SetCategoryExtraTimeAction:
		err = updateCategory(ctx, st, a.CategoryID, func(c *model.Category) error {
			c.ExtraTimeInMillis = a.ExtraTime
			c.ExtraTimeDay = a.ExtraTimeDay
			return nil
		})
	case IncrementCategoryExtraTimeAction:
		err = applyIncrementExtraTime(ctx, st, a)
	case UpdateCategoryTemporarilyBlockedAction:
		err = updateCategory(ctx, st, a.CategoryID, func(c *model.Category) error {
			c.TemporarilyBlocked = a.Blocked
			c.TemporarilyBlockedEndTime = a.EndTime
			return nil
		})
	case UpdateCategoryBlockedTimesAction:
		err = updateCategory(ctx, st, a.CategoryID, func(c *model.Category) error {
			c.BlockedMinutesInWeek = a.BlockedTimes
			return nil
		})
	case SetParentCategoryAction:
		err = applySetParentCategory(ctx, st, a)
	case UpdateCategoryBatteryLimitAction:
		err = updateCategory(ctx, st, a.CategoryID, func(c *model.Category) error {
			if a.ChargingLimit != nil {
				c.MinBatteryLevelWhileCharging = *a.ChargingLimit
			}
			if a.MobileLimit != nil {
				c.MinBatteryLevelMobile = *a.MobileLimit
			}
			return nil
		})
	case UpdateCategoryBlockNotificationsAction:
		err = updateCategory(ctx, st, a.CategoryID, func(c *model.Category) error {
			c.BlockAllNotifications = a.Blocked
			return nil
		})
	case CreateTimeLimitRuleAction:
		err = applyCreateRule(ctx, st, a)
	case UpdateTimeLimitRuleAction:
		err = applyUpdateRule(ctx, st, a)
	case DeleteTimeLimitRuleAction:
		if _, err = requireRule(ctx, st, a.RuleID); err == nil {
			err = st.DeleteRule(ctx, a.RuleID)
		}
	case AddUserAction:
		err = applyAddUser(ctx, st, a)
	case RemoveUserAction:
		err = applyRemoveUser(ctx, st, a)
	case SetUserDisableLimitsUntilAction:
		err = updateUser(ctx, st, a.ChildID, func(u *model.User) error {
			if u.Type != model.UserTypeChild {
				return violation("limits can only be disabled for children")
			}
			u.DisableLimitsUntil = a.Timestamp
			return nil
		})
	case SetUserTimezoneAction:
		err = updateUser(ctx, st, a.UserID, func(u *model.User) error {
			u.Timezone = a.Timezone
			return nil
		})
	case UpdateUserBlockedTimesAction:
		err = updateUser(ctx, st, a.UserID, func(u *model.User) error {
			if u.Type != model.UserTypeChild {
				return violation("blocked times can only be set for children")
			}
			u.BlockedTimes = a.BlockedTimes
			return nil
		})
	case SetRelaxPrimaryDeviceAction:
		err = updateUser(ctx, st, a.UserID, func(u *model.User) error {
			u.RelaxPrimaryDevice = a.Relax
			return nil
		})
	case SetCategoryForUnassignedAppsAction:
		err = applySetCategoryForUnassignedApps(ctx, st, a)
	case SetDeviceUserAction:
		err = applySetDeviceUser(ctx, st, a)
	case UpdateNetworkTimeVerificationAction:
		err = updateDevice(ctx, st, a.DeviceID, func(d *model.Device) {
			d.NetworkTime = a.Mode
		})
	case SetConsiderRebootManipulationAction:
		err = updateDevice(ctx, st, a.DeviceID, func(d *model.Device) {
			d.ConsiderRebootManipulation = a.Enable
		})
	case IgnoreManipulationAction:
		err = updateDevice(ctx, st, a.DeviceID, func(d *model.Device) {
			ignoreManipulation(d, a)
		})
	case UpdateEnableActivityLevelBlockingAction:
		err = updateDevice(ctx, st, a.DeviceID, func(d *model.Device) {
			d.EnableActivityLevelBlocking = a.Enable
		})
	case ChildSignInAction:
		err = updateDevice(ctx, st, env.DeviceID, func(d *model.Device) {
			d.CurrentUserID = env.UserID
		})
	case ChildSetPrimaryDeviceAction:
		err = applyChildSetPrimaryDevice(ctx, st, a, env)
	default:
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownAction, a.Kind())
	}
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func authorize(ctx context.Context, st State, a Action, env Env) error {
	switch a.(type) {
	case ParentAction:
		if add, ok := a.(AddUserAction); ok && add.Type == model.UserTypeParent {
			users, err := st.ListUsers(ctx)
			if err != nil {
				return err
			}
			if len(users) == 0 {
				// the first parent creates the family
				return nil
			}
		}
		u, err := lookupUser(ctx, st, env.UserID)
		if err != nil {
			return err
		}
		if u.Type != model.UserTypeParent {
			return violation("%s requires a parent", a.Kind())
		}
	case ChildAction:
		u, err := lookupUser(ctx, st, env.UserID)
		if err != nil {
			return err
		}
		if u.Type != model.UserTypeChild {
			return violation("%s requires a child", a.Kind())
		}
		if _, err := requireDevice(ctx, st, env.DeviceID); err != nil {
			return err
		}
	}
	return nil
}

func lookupUser(ctx context.Context, st State, id string) (*model.User, error) {
	if id == "" {
		return nil, violation("missing authenticated user")
	}
	u, err := st.GetUser(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, violation("user %s does not exist", id)
	}
	return u, err
}

func requireCategory(ctx context.Context, st State, id string) (*model.Category, error) {
	c, err := st.GetCategory(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, violation("category %s does not exist", id)
	}
	return c, err
}

func requireRule(ctx context.Context, st State, id string) (*model.TimeLimitRule, error) {
	r, err := st.GetRule(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, violation("rule %s does not exist", id)
	}
	return r, err
}

func requireDevice(ctx context.Context, st State, id string) (*model.Device, error) {
	if id == "" {
		return nil, violation("missing device")
	}
	d, err := st.GetDevice(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, violation("device %s does not exist", id)
	}
	return d, err
}

func updateCategory(ctx context.Context, st State, id string, fn func(c *model.Category) error) error {
	c, err := requireCategory(ctx, st, id)
	if err != nil {
		return err
	}
	if err := fn(c); err != nil {
		return err
	}
	return st.UpsertCategory(ctx, *c)
}

func updateUser(ctx context.Context, st State, id string, fn func(u *model.User) error) error {
	u, err := lookupUser(ctx, st, id)
	if err != nil {
		return err
	}
	if err := fn(u); err != nil {
		return err
	}
	return st.UpsertUser(ctx, *u)
}

func updateDevice(ctx context.Context, st State, id string, fn func(d *model.Device)) error {
	d, err := requireDevice(ctx, st, id)
	if err != nil {
		return err
	}
	fn(d)
	return st.UpsertDevice(ctx, *d)
}

func applyAddUsedTime(ctx context.Context, st State, a AddUsedTimeAction) error {
	for _, item := range a.Items {
		c, err := st.GetCategory(ctx, item.CategoryID)
		if errors.Is(err, model.ErrNotFound) {
			// deleted by a concurrent parent action; the usage is dropped
			continue
		}
		if err != nil {
			return err
		}
		if item.TimeToAdd > 0 {
			if err := st.AddUsedTime(ctx, item.CategoryID, a.DayOfEpoch, item.TimeToAdd); err != nil {
				return err
			}
		}
		if item.ExtraTimeToSubtract > 0 {
			c.ExtraTimeInMillis = max(0, c.ExtraTimeInMillis-item.ExtraTimeToSubtract)
			if err := st.UpsertCategory(ctx, *c); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyDeviceStatus(ctx context.Context, st State, a UpdateDeviceStatusAction, env Env) (Result, error) {
	var res Result
	err := updateDevice(ctx, st, env.DeviceID, func(d *model.Device) {
		downgraded := false
		if a.NewProtectionLevel != nil {
			downgraded = trackHighest(&d.CurrentProtectionLevel, &d.HighestProtectionLevel, *a.NewProtectionLevel) || downgraded
		}
		if a.NewUsageStatsPermission != nil {
			downgraded = trackHighest(&d.CurrentUsageStatsPermission, &d.HighestUsageStatsPermission, *a.NewUsageStatsPermission) || downgraded
		}
		if a.NewNotificationAccess != nil {
			downgraded = trackHighest(&d.CurrentNotificationAccess, &d.HighestNotificationAccess, *a.NewNotificationAccess) || downgraded
		}
		if a.NewAppVersion != nil {
			downgraded = trackHighest(&d.CurrentAppVersion, &d.HighestAppVersion, *a.NewAppVersion) || downgraded
		}
		if a.DidReboot && d.ConsiderRebootManipulation {
			d.ManipulationDidReboot = true
			downgraded = true
		}
		if downgraded {
			d.HadManipulation = true
			res.ManipulationDetected = true
		}
	})
	return res, err
}

// trackHighest stores next as the current value and raises highest to it. It
// reports whether the value changed to something below the highest seen value.
func trackHighest[T cmp.Ordered](current, highest *T, next T) bool {
	if next == *current {
		return false
	}
	*current = next
	if next > *highest {
		*highest = next
	}
	return next < *highest
}

func ignoreManipulation(d *model.Device, a IgnoreManipulationAction) {
	if a.IgnoreProtectionLevel {
		d.HighestProtectionLevel = d.CurrentProtectionLevel
	}
	if a.IgnoreUsageStats {
		d.HighestUsageStatsPermission = d.CurrentUsageStatsPermission
	}
	if a.IgnoreNotificationAccess {
		d.HighestNotificationAccess = d.CurrentNotificationAccess
	}
	if a.IgnoreAppDowngrade {
		d.HighestAppVersion = d.CurrentAppVersion
	}
	if a.IgnoreReboot {
		d.ManipulationDidReboot = false
	}
	if a.IgnoreHadManipulation {
		d.HadManipulation = false
	}
}

func applyCreateCategory(ctx context.Context, st State, a CreateCategoryAction) error {
	child, err := lookupUser(ctx, st, a.ChildID)
	if err != nil {
		return err
	}
	if child.Type != model.UserTypeChild {
		return violation("categories can only belong to children")
	}
	if _, err := st.GetCategory(ctx, a.CategoryID); err == nil {
		return violation("category %s already exists", a.CategoryID)
	} else if !errors.Is(err, model.ErrNotFound) {
		return err
	}
	siblings, err := st.ListCategoriesByChild(ctx, a.ChildID)
	if err != nil {
		return err
	}
	sortKey := 0
	for _, c := range siblings {
		sortKey = max(sortKey, c.Sort+1)
	}
	return st.UpsertCategory(ctx, model.Category{
		ID:           a.CategoryID,
		ChildID:      a.ChildID,
		Title:        a.Title,
		ExtraTimeDay: -1,
		Sort:         sortKey,
	})
}

func applyDeleteCategory(ctx context.Context, st State, a DeleteCategoryAction) error {
	c, err := requireCategory(ctx, st, a.CategoryID)
	if err != nil {
		return err
	}
	siblings, err := st.ListCategoriesByChild(ctx, c.ChildID)
	if err != nil {
		return err
	}
	for _, s := range siblings {
		if s.ParentCategoryID == c.ID {
			s.ParentCategoryID = ""
			if err := st.UpsertCategory(ctx, s); err != nil {
				return err
			}
		}
	}
	child, err := st.GetUser(ctx, c.ChildID)
	if err == nil && child.CategoryForNotAssignedApps == c.ID {
		child.CategoryForNotAssignedApps = ""
		if err := st.UpsertUser(ctx, *child); err != nil {
			return err
		}
	} else if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	return st.DeleteCategory(ctx, c.ID)
}

func applyAddCategoryApps(ctx context.Context, st State, a AddCategoryAppsAction) error {
	c, err := requireCategory(ctx, st, a.CategoryID)
	if err != nil {
		return err
	}
	siblings, err := st.ListCategoriesByChild(ctx, c.ChildID)
	if err != nil {
		return err
	}
	// an app belongs to at most one category of a child
	for _, s := range siblings {
		if s.ID == c.ID {
			continue
		}
		if err := st.RemoveCategoryApps(ctx, s.ID, a.Apps); err != nil {
			return err
		}
	}
	return st.AddCategoryApps(ctx, c.ID, a.Apps)
}

func applyIncrementExtraTime(ctx context.Context, st State, a IncrementCategoryExtraTimeAction) error {
	c, err := requireCategory(ctx, st, a.CategoryID)
	if err != nil {
		return err
	}
	targets := []*model.Category{c}
	if c.ParentCategoryID != "" {
		p, err := st.GetCategory(ctx, c.ParentCategoryID)
		if err == nil {
			targets = append(targets, p)
		} else if !errors.Is(err, model.ErrNotFound) {
			return err
		}
	}
	for _, t := range targets {
		base := t.ExtraTimeInMillis
		if t.ExtraTimeDay != a.ExtraTimeDay && t.ExtraTimeDay != -1 {
			base = 0
		}
		t.ExtraTimeInMillis = base + a.AddedTime
		t.ExtraTimeDay = a.ExtraTimeDay
		if err := st.UpsertCategory(ctx, *t); err != nil {
			return err
		}
	}
	return nil
}

func applySetParentCategory(ctx context.Context, st State, a SetParentCategoryAction) error {
	c, err := requireCategory(ctx, st, a.CategoryID)
	if err != nil {
		return err
	}
	if a.ParentCategoryID != "" {
		p, err := requireCategory(ctx, st, a.ParentCategoryID)
		if err != nil {
			return err
		}
		if p.ChildID != c.ChildID {
			return violation("parent category belongs to another child")
		}
		if p.ParentCategoryID != "" {
			return violation("category %s already has a parent category", p.ID)
		}
		siblings, err := st.ListCategoriesByChild(ctx, c.ChildID)
		if err != nil {
			return err
		}
		for _, s := range siblings {
			if s.ParentCategoryID == c.ID {
				return violation("category %s has child categories", c.ID)
			}
		}
	}
	c.ParentCategoryID = a.ParentCategoryID
	return st.UpsertCategory(ctx, *c)
}

func applyCreateRule(ctx context.Context, st State, a CreateTimeLimitRuleAction) error {
	if _, err := requireCategory(ctx, st, a.Rule.CategoryID); err != nil {
		return err
	}
	if _, err := st.GetRule(ctx, a.Rule.ID); err == nil {
		return violation("rule %s already exists", a.Rule.ID)
	} else if !errors.Is(err, model.ErrNotFound) {
		return err
	}
	return st.UpsertRule(ctx, a.Rule)
}

func applyUpdateRule(ctx context.Context, st State, a UpdateTimeLimitRuleAction) error {
	r, err := requireRule(ctx, st, a.RuleID)
	if err != nil {
		return err
	}
	r.DayMask = a.DayMask
	r.MaximumTimeInMillis = a.MaximumTimeInMillis
	r.ApplyToExtraTimeUsage = a.ApplyToExtraTimeUsage
	return st.UpsertRule(ctx, *r)
}

func applyAddUser(ctx context.Context, st State, a AddUserAction) error {
	if _, err := st.GetUser(ctx, a.UserID); err == nil {
		return violation("user %s already exists", a.UserID)
	} else if !errors.Is(err, model.ErrNotFound) {
		return err
	}
	return st.UpsertUser(ctx, model.User{
		ID:                 a.UserID,
		Name:               a.Name,
		Type:               a.Type,
		Timezone:           a.Timezone,
		PasswordHash:       a.PasswordHash,
		SecondPasswordSalt: a.SecondPasswordSalt,
	})
}

func applyRemoveUser(ctx context.Context, st State, a RemoveUserAction) error {
	u, err := lookupUser(ctx, st, a.UserID)
	if err != nil {
		return err
	}
	if u.Type == model.UserTypeParent {
		users, err := st.ListUsers(ctx)
		if err != nil {
			return err
		}
		parents := 0
		for _, other := range users {
			if other.Type == model.UserTypeParent {
				parents++
			}
		}
		if parents <= 1 {
			return violation("the last parent cannot be removed")
		}
	}
	devices, err := st.ListDevices(ctx)
	if err != nil {
		return err
	}
	for _, d := range devices {
		if d.CurrentUserID == u.ID {
			d.CurrentUserID = ""
			if err := st.UpsertDevice(ctx, d); err != nil {
				return err
			}
		}
	}
	return st.DeleteUser(ctx, u.ID)
}

func applySetCategoryForUnassignedApps(ctx context.Context, st State, a SetCategoryForUnassignedAppsAction) error {
	if a.CategoryID != "" {
		c, err := requireCategory(ctx, st, a.CategoryID)
		if err != nil {
			return err
		}
		if c.ChildID != a.ChildID {
			return violation("category %s belongs to another child", c.ID)
		}
	}
	return updateUser(ctx, st, a.ChildID, func(u *model.User) error {
		if u.Type != model.UserTypeChild {
			return violation("only children have a category for unassigned apps")
		}
		u.CategoryForNotAssignedApps = a.CategoryID
		return nil
	})
}

func applySetDeviceUser(ctx context.Context, st State, a SetDeviceUserAction) error {
	d, err := requireDevice(ctx, st, a.DeviceID)
	if err != nil {
		return err
	}
	if a.UserID != "" {
		if _, err := lookupUser(ctx, st, a.UserID); err != nil {
			return err
		}
	}
	if previous := d.CurrentUserID; previous != "" && previous != a.UserID {
		u, err := st.GetUser(ctx, previous)
		if err == nil && u.CurrentDevice == d.ID {
			u.CurrentDevice = ""
			if err := st.UpsertUser(ctx, *u); err != nil {
				return err
			}
		} else if err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
	}
	d.CurrentUserID = a.UserID
	return st.UpsertDevice(ctx, *d)
}

func applyChildSetPrimaryDevice(ctx context.Context, st State, a ChildSetPrimaryDeviceAction, env Env) error {
	d, err := requireDevice(ctx, st, env.DeviceID)
	if err != nil {
		return err
	}
	if d.CurrentUserID != env.UserID {
		return violation("device %s is not used by %s", d.ID, env.UserID)
	}
	return updateUser(ctx, st, env.UserID, func(u *model.User) error {
		switch {
		case a.SetAsPrimary:
			u.CurrentDevice = env.DeviceID
		case u.CurrentDevice == env.DeviceID:
			u.CurrentDevice = ""
		}
		return nil
	})
}
