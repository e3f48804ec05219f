// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-timelimit/model"
)

type rowScanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, name, type, timezone, password_hash, second_password_salt, disable_limits_until,
	category_for_not_assigned_apps, blocked_times, current_device, relax_primary_device`

func scanUser(s rowScanner) (*model.User, error) {
	var u model.User
	var blocked string
	var relax int
	if err := s.Scan(&u.ID, &u.Name, &u.Type, &u.Timezone, &u.PasswordHash, &u.SecondPasswordSalt,
		&u.DisableLimitsUntil, &u.CategoryForNotAssignedApps, &blocked, &u.CurrentDevice, &relax); err != nil {
		return nil, err
	}
	mask, err := model.ParseMinuteBitmask(blocked)
	if err != nil {
		return nil, fmt.Errorf("invalid blocked times of user %s: %w", u.ID, err)
	}
	u.BlockedTimes = mask
	u.RelaxPrimaryDevice = relax != 0
	return &u, nil
}

// GetUser returns the user or ErrNotFound
func (q *Queries) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(q.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM user WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return u, nil
}

// ListUsers returns all users ordered by id
func (q *Queries) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+userColumns+` FROM user ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var result []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		result = append(result, *u)
	}
	return result, rows.Err()
}

// UpsertUser inserts or replaces a user
func (q *Queries) UpsertUser(ctx context.Context, u model.User) error {
	_, err := q.q.ExecContext(ctx, `INSERT OR REPLACE INTO user (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Type, u.Timezone, u.PasswordHash, u.SecondPasswordSalt, u.DisableLimitsUntil,
		u.CategoryForNotAssignedApps, u.BlockedTimes.String(), u.CurrentDevice, boolToInt(u.RelaxPrimaryDevice))
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", u.ID, err)
	}
	return nil
}

// DeleteUser removes the user and the categories of the user
func (q *Queries) DeleteUser(ctx context.Context, id string) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM category WHERE child_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete categories of user %s: %w", id, err)
	}
	if _, err := q.q.ExecContext(ctx, `DELETE FROM user WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete user %s: %w", id, err)
	}
	return nil
}

const deviceColumns = `id, name, model, added_at, current_user_id, network_time,
	current_protection_level, highest_protection_level,
	current_usage_stats_permission, highest_usage_stats_permission,
	current_notification_access, highest_notification_access,
	current_app_version, highest_app_version,
	manipulation_did_reboot, had_manipulation, consider_reboot_manipulation, enable_activity_level_blocking`

func scanDevice(s rowScanner) (*model.Device, error) {
	var d model.Device
	var didReboot, hadManipulation, considerReboot, activityLevel int
	if err := s.Scan(&d.ID, &d.Name, &d.Model, &d.AddedAt, &d.CurrentUserID, &d.NetworkTime,
		&d.CurrentProtectionLevel, &d.HighestProtectionLevel,
		&d.CurrentUsageStatsPermission, &d.HighestUsageStatsPermission,
		&d.CurrentNotificationAccess, &d.HighestNotificationAccess,
		&d.CurrentAppVersion, &d.HighestAppVersion,
		&didReboot, &hadManipulation, &considerReboot, &activityLevel); err != nil {
		return nil, err
	}
	d.ManipulationDidReboot = didReboot != 0
	d.HadManipulation = hadManipulation != 0
	d.ConsiderRebootManipulation = considerReboot != 0
	d.EnableActivityLevelBlocking = activityLevel != 0
	return &d, nil
}

// GetDevice returns the device or ErrNotFound
func (q *Queries) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	d, err := scanDevice(q.q.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM device WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device: %w", err)
	}
	return d, nil
}

// ListDevices returns all devices ordered by id
func (q *Queries) ListDevices(ctx context.Context) ([]model.Device, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+deviceColumns+` FROM device ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var result []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		result = append(result, *d)
	}
	return result, rows.Err()
}

// UpsertDevice inserts or replaces a device
func (q *Queries) UpsertDevice(ctx context.Context, d model.Device) error {
	_, err := q.q.ExecContext(ctx, `INSERT OR REPLACE INTO device (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Model, d.AddedAt, d.CurrentUserID, d.NetworkTime,
		d.CurrentProtectionLevel, d.HighestProtectionLevel,
		d.CurrentUsageStatsPermission, d.HighestUsageStatsPermission,
		d.CurrentNotificationAccess, d.HighestNotificationAccess,
		d.CurrentAppVersion, d.HighestAppVersion,
		boolToInt(d.ManipulationDidReboot), boolToInt(d.HadManipulation),
		boolToInt(d.ConsiderRebootManipulation), boolToInt(d.EnableActivityLevelBlocking))
	if err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", d.ID, err)
	}
	return nil
}

// DeleteDevice removes a device and its installed apps
func (q *Queries) DeleteDevice(ctx context.Context, id string) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM installed_app WHERE device_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete installed apps of device %s: %w", id, err)
	}
	if _, err := q.q.ExecContext(ctx, `DELETE FROM device WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete device %s: %w", id, err)
	}
	return nil
}

const categoryColumns = `id, child_id, title, blocked_minutes_in_week, extra_time, extra_time_day,
	temporarily_blocked, temporarily_blocked_end, parent_category_id, block_all_notifications,
	min_battery_charging, min_battery_mobile, sort,
	base_version, apps_version, rules_version, used_times_version`

func scanCategory(s rowScanner) (*model.Category, error) {
	var c model.Category
	var blocked string
	var tempBlocked, blockNotifications int
	if err := s.Scan(&c.ID, &c.ChildID, &c.Title, &blocked, &c.ExtraTimeInMillis, &c.ExtraTimeDay,
		&tempBlocked, &c.TemporarilyBlockedEndTime, &c.ParentCategoryID, &blockNotifications,
		&c.MinBatteryLevelWhileCharging, &c.MinBatteryLevelMobile, &c.Sort,
		&c.BaseVersion, &c.AppsVersion, &c.RulesVersion, &c.UsedTimesVersion); err != nil {
		return nil, err
	}
	mask, err := model.ParseMinuteBitmask(blocked)
	if err != nil {
		return nil, fmt.Errorf("invalid blocked times of category %s: %w", c.ID, err)
	}
	c.BlockedMinutesInWeek = mask
	c.TemporarilyBlocked = tempBlocked != 0
	c.BlockAllNotifications = blockNotifications != 0
	return &c, nil
}

// GetCategory returns the category or ErrNotFound
func (q *Queries) GetCategory(ctx context.Context, id string) (*model.Category, error) {
	c, err := scanCategory(q.q.QueryRowContext(ctx, `SELECT `+categoryColumns+` FROM category WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query category: %w", err)
	}
	return c, nil
}

func (q *Queries) listCategories(ctx context.Context, where string, args ...any) ([]model.Category, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+categoryColumns+` FROM category `+where+` ORDER BY sort, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer rows.Close()

	var result []model.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

// ListCategories returns all categories
func (q *Queries) ListCategories(ctx context.Context) ([]model.Category, error) {
	return q.listCategories(ctx, "")
}

// ListCategoriesByChild returns the categories owned by a child
func (q *Queries) ListCategoriesByChild(ctx context.Context, childID string) ([]model.Category, error) {
	return q.listCategories(ctx, "WHERE child_id = ?", childID)
}

// UpsertCategory inserts or replaces a category, keeping its apps, rules and used times
func (q *Queries) UpsertCategory(ctx context.Context, c model.Category) error {
	_, err := q.q.ExecContext(ctx, `INSERT INTO category (`+categoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			child_id = excluded.child_id,
			title = excluded.title,
			blocked_minutes_in_week = excluded.blocked_minutes_in_week,
			extra_time = excluded.extra_time,
			extra_time_day = excluded.extra_time_day,
			temporarily_blocked = excluded.temporarily_blocked,
			temporarily_blocked_end = excluded.temporarily_blocked_end,
			parent_category_id = excluded.parent_category_id,
			block_all_notifications = excluded.block_all_notifications,
			min_battery_charging = excluded.min_battery_charging,
			min_battery_mobile = excluded.min_battery_mobile,
			sort = excluded.sort,
			base_version = excluded.base_version,
			apps_version = excluded.apps_version,
			rules_version = excluded.rules_version,
			used_times_version = excluded.used_times_version`,
		c.ID, c.ChildID, c.Title, c.BlockedMinutesInWeek.String(), c.ExtraTimeInMillis, c.ExtraTimeDay,
		boolToInt(c.TemporarilyBlocked), c.TemporarilyBlockedEndTime, c.ParentCategoryID, boolToInt(c.BlockAllNotifications),
		c.MinBatteryLevelWhileCharging, c.MinBatteryLevelMobile, c.Sort,
		c.BaseVersion, c.AppsVersion, c.RulesVersion, c.UsedTimesVersion)
	if err != nil {
		return fmt.Errorf("failed to upsert category %s: %w", c.ID, err)
	}
	return nil
}

// DeleteCategory removes a category; its apps, rules and used times cascade
func (q *Queries) DeleteCategory(ctx context.Context, id string) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM category WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete category %s: %w", id, err)
	}
	return nil
}

// ListCategoryApps returns the app specifiers assigned to a category
func (q *Queries) ListCategoryApps(ctx context.Context, categoryID string) ([]string, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT app_specifier FROM category_app WHERE category_id = ? ORDER BY app_specifier`, categoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query category apps: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var app string
		if err := rows.Scan(&app); err != nil {
			return nil, fmt.Errorf("failed to scan category app: %w", err)
		}
		result = append(result, app)
	}
	return result, rows.Err()
}

// CategoryForApp finds the category of the child that the app specifier is assigned to
func (q *Queries) CategoryForApp(ctx context.Context, childID, appSpecifier string) (string, bool, error) {
	var id string
	err := q.q.QueryRowContext(ctx, `
		SELECT ca.category_id FROM category_app ca
		JOIN category c ON c.id = ca.category_id
		WHERE c.child_id = ? AND ca.app_specifier = ?
		LIMIT 1`, childID, appSpecifier).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query category of app: %w", err)
	}
	return id, true, nil
}

// AddCategoryApps assigns apps to a category; existing assignments are kept
func (q *Queries) AddCategoryApps(ctx context.Context, categoryID string, apps []string) error {
	for _, app := range apps {
		if _, err := q.q.ExecContext(ctx, `INSERT OR IGNORE INTO category_app (category_id, app_specifier) VALUES (?, ?)`, categoryID, app); err != nil {
			return fmt.Errorf("failed to add app %s to category %s: %w", app, categoryID, err)
		}
	}
	return nil
}

// RemoveCategoryApps drops app assignments of a category
func (q *Queries) RemoveCategoryApps(ctx context.Context, categoryID string, apps []string) error {
	for _, app := range apps {
		if _, err := q.q.ExecContext(ctx, `DELETE FROM category_app WHERE category_id = ? AND app_specifier = ?`, categoryID, app); err != nil {
			return fmt.Errorf("failed to remove app %s from category %s: %w", app, categoryID, err)
		}
	}
	return nil
}

// ReplaceCategoryApps sets the full app list of a category
func (q *Queries) ReplaceCategoryApps(ctx context.Context, categoryID string, apps []string) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM category_app WHERE category_id = ?`, categoryID); err != nil {
		return fmt.Errorf("failed to clear apps of category %s: %w", categoryID, err)
	}
	return q.AddCategoryApps(ctx, categoryID, apps)
}

const ruleColumns = `id, category_id, day_mask, maximum_time, apply_to_extra_time_usage`

func scanRule(s rowScanner) (*model.TimeLimitRule, error) {
	var r model.TimeLimitRule
	var applyToExtra int
	if err := s.Scan(&r.ID, &r.CategoryID, &r.DayMask, &r.MaximumTimeInMillis, &applyToExtra); err != nil {
		return nil, err
	}
	r.ApplyToExtraTimeUsage = applyToExtra != 0
	return &r, nil
}

// GetRule returns the rule or ErrNotFound
func (q *Queries) GetRule(ctx context.Context, id string) (*model.TimeLimitRule, error) {
	r, err := scanRule(q.q.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM time_limit_rule WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query rule: %w", err)
	}
	return r, nil
}

// ListRules returns the rules of a category
func (q *Queries) ListRules(ctx context.Context, categoryID string) ([]model.TimeLimitRule, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+ruleColumns+` FROM time_limit_rule WHERE category_id = ? ORDER BY id`, categoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var result []model.TimeLimitRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

// UpsertRule inserts or replaces a rule
func (q *Queries) UpsertRule(ctx context.Context, r model.TimeLimitRule) error {
	_, err := q.q.ExecContext(ctx, `INSERT OR REPLACE INTO time_limit_rule (`+ruleColumns+`) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.CategoryID, r.DayMask, r.MaximumTimeInMillis, boolToInt(r.ApplyToExtraTimeUsage))
	if err != nil {
		return fmt.Errorf("failed to upsert rule %s: %w", r.ID, err)
	}
	return nil
}

// DeleteRule removes a rule
func (q *Queries) DeleteRule(ctx context.Context, id string) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM time_limit_rule WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	return nil
}

// ReplaceRules sets the full rule list of a category
func (q *Queries) ReplaceRules(ctx context.Context, categoryID string, rules []model.TimeLimitRule) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM time_limit_rule WHERE category_id = ?`, categoryID); err != nil {
		return fmt.Errorf("failed to clear rules of category %s: %w", categoryID, err)
	}
	for _, r := range rules {
		r.CategoryID = categoryID
		if err := q.UpsertRule(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// GetUsedTime returns the used time of a category on a day, 0 if there is no row
func (q *Queries) GetUsedTime(ctx context.Context, categoryID string, dayOfEpoch int) (int64, error) {
	var used int64
	err := q.q.QueryRowContext(ctx, `SELECT used_time FROM used_time WHERE category_id = ? AND day_of_epoch = ?`, categoryID, dayOfEpoch).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query used time: %w", err)
	}
	return used, nil
}

// ListUsedTimes returns the used time rows of a category within [fromDay, toDay]
func (q *Queries) ListUsedTimes(ctx context.Context, categoryID string, fromDay, toDay int) ([]model.UsedTimeItem, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT category_id, day_of_epoch, used_time FROM used_time
		WHERE category_id = ? AND day_of_epoch BETWEEN ? AND ?
		ORDER BY day_of_epoch`, categoryID, fromDay, toDay)
	if err != nil {
		return nil, fmt.Errorf("failed to query used times: %w", err)
	}
	defer rows.Close()

	var result []model.UsedTimeItem
	for rows.Next() {
		var item model.UsedTimeItem
		if err := rows.Scan(&item.CategoryID, &item.DayOfEpoch, &item.UsedMillis); err != nil {
			return nil, fmt.Errorf("failed to scan used time: %w", err)
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

// AddUsedTime adds delta to the used time of a category on a day, creating the row if needed
func (q *Queries) AddUsedTime(ctx context.Context, categoryID string, dayOfEpoch int, delta int64) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO used_time (category_id, day_of_epoch, used_time) VALUES (?, ?, ?)
		ON CONFLICT(category_id, day_of_epoch) DO UPDATE SET used_time = used_time + excluded.used_time`,
		categoryID, dayOfEpoch, delta)
	if err != nil {
		return fmt.Errorf("failed to add used time to category %s: %w", categoryID, err)
	}
	return nil
}

// ReplaceUsedTimes sets the full used time list of a category
func (q *Queries) ReplaceUsedTimes(ctx context.Context, categoryID string, items []model.UsedTimeItem) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM used_time WHERE category_id = ?`, categoryID); err != nil {
		return fmt.Errorf("failed to clear used times of category %s: %w", categoryID, err)
	}
	for _, item := range items {
		if _, err := q.q.ExecContext(ctx, `INSERT INTO used_time (category_id, day_of_epoch, used_time) VALUES (?, ?, ?)`,
			categoryID, item.DayOfEpoch, item.UsedMillis); err != nil {
			return fmt.Errorf("failed to insert used time of category %s: %w", categoryID, err)
		}
	}
	return nil
}

// ListInstalledApps returns the apps reported by a device
func (q *Queries) ListInstalledApps(ctx context.Context, deviceID string) ([]model.InstalledApp, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT device_id, package_name, title, is_launchable FROM installed_app
		WHERE device_id = ? ORDER BY package_name`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query installed apps: %w", err)
	}
	defer rows.Close()

	var result []model.InstalledApp
	for rows.Next() {
		var app model.InstalledApp
		var launchable int
		if err := rows.Scan(&app.DeviceID, &app.PackageName, &app.Title, &launchable); err != nil {
			return nil, fmt.Errorf("failed to scan installed app: %w", err)
		}
		app.IsLaunchable = launchable != 0
		result = append(result, app)
	}
	return result, rows.Err()
}

// AddInstalledApps inserts or replaces installed apps
func (q *Queries) AddInstalledApps(ctx context.Context, apps []model.InstalledApp) error {
	for _, app := range apps {
		if _, err := q.q.ExecContext(ctx, `INSERT OR REPLACE INTO installed_app (device_id, package_name, title, is_launchable) VALUES (?, ?, ?, ?)`,
			app.DeviceID, app.PackageName, app.Title, boolToInt(app.IsLaunchable)); err != nil {
			return fmt.Errorf("failed to add installed app %s: %w", app.PackageName, err)
		}
	}
	return nil
}

// RemoveInstalledApps drops apps of a device
func (q *Queries) RemoveInstalledApps(ctx context.Context, deviceID string, packageNames []string) error {
	for _, pkg := range packageNames {
		if _, err := q.q.ExecContext(ctx, `DELETE FROM installed_app WHERE device_id = ? AND package_name = ?`, deviceID, pkg); err != nil {
			return fmt.Errorf("failed to remove installed app %s: %w", pkg, err)
		}
	}
	return nil
}

// ReplaceInstalledApps sets the full app list of a device
func (q *Queries) ReplaceInstalledApps(ctx context.Context, deviceID string, apps []model.InstalledApp) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM installed_app WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("failed to clear installed apps of device %s: %w", deviceID, err)
	}
	for i := range apps {
		apps[i].DeviceID = deviceID
	}
	return q.AddInstalledApps(ctx, apps)
}

// ListTemporarilyAllowedApps returns the packages a parent allowed until the screen turns off
func (q *Queries) ListTemporarilyAllowedApps(ctx context.Context) ([]string, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT package_name FROM temporarily_allowed_app ORDER BY package_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query temporarily allowed apps: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var pkg string
		if err := rows.Scan(&pkg); err != nil {
			return nil, fmt.Errorf("failed to scan temporarily allowed app: %w", err)
		}
		result = append(result, pkg)
	}
	return result, rows.Err()
}

// AddTemporarilyAllowedApp allows a package until ClearTemporarilyAllowedApps
func (q *Queries) AddTemporarilyAllowedApp(ctx context.Context, packageName string) error {
	if _, err := q.q.ExecContext(ctx, `INSERT OR IGNORE INTO temporarily_allowed_app (package_name) VALUES (?)`, packageName); err != nil {
		return fmt.Errorf("failed to allow app %s: %w", packageName, err)
	}
	return nil
}

// ClearTemporarilyAllowedApps removes all temporarily allowed packages and reports how many there were
func (q *Queries) ClearTemporarilyAllowedApps(ctx context.Context) (int64, error) {
	res, err := q.q.ExecContext(ctx, `DELETE FROM temporarily_allowed_app`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear temporarily allowed apps: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
