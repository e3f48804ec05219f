// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// Config keys of scalar device state
const (
	ConfigOwnDeviceID          = "own_device_id"
	ConfigAuthToken            = "auth_token"
	ConfigServerURL            = "server_url"
	ConfigNextSequenceNumber   = "next_sequence_number"
	ConfigDeviceListVersion    = "device_list_version"
	ConfigUserListVersion      = "user_list_version"
	ConfigInstalledAppsVersion = "installed_apps_version:" // + device id
	ConfigFullVersion          = "full_version"
)

// GetConfig returns a config value and whether it is set
func (q *Queries) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := q.q.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query config %s: %w", key, err)
	}
	return value, true, nil
}

// GetConfigString returns a config value or "" if unset
func (q *Queries) GetConfigString(ctx context.Context, key string) (string, error) {
	value, _, err := q.GetConfig(ctx, key)
	return value, err
}

// SetConfig stores a config value
func (q *Queries) SetConfig(ctx context.Context, key, value string) error {
	if _, err := q.q.ExecContext(ctx, `INSERT OR REPLACE INTO config (key, value) VALUES (?, ?)`, key, value); err != nil {
		return fmt.Errorf("failed to set config %s: %w", key, err)
	}
	return nil
}

// DeleteConfig removes a config value
func (q *Queries) DeleteConfig(ctx context.Context, key string) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM config WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete config %s: %w", key, err)
	}
	return nil
}

// AllocateSequenceNumber returns the next action sequence number and advances the counter.
// Numbers are never reused, even if the rows they were assigned to are gone.
func (q *Queries) AllocateSequenceNumber(ctx context.Context) (int64, error) {
	value, ok, err := q.GetConfig(ctx, ConfigNextSequenceNumber)
	if err != nil {
		return 0, err
	}
	next := int64(1)
	if ok {
		next, err = strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid next sequence number %q: %w", value, err)
		}
	}
	if err := q.SetConfig(ctx, ConfigNextSequenceNumber, strconv.FormatInt(next+1, 10)); err != nil {
		return 0, err
	}
	return next, nil
}

// ClearVersions forgets every version stamp so the next pull fetches everything
func (q *Queries) ClearVersions(ctx context.Context) error {
	if _, err := q.q.ExecContext(ctx, `UPDATE category SET base_version = '', apps_version = '', rules_version = '', used_times_version = ''`); err != nil {
		return fmt.Errorf("failed to clear category versions: %w", err)
	}
	if _, err := q.q.ExecContext(ctx, `DELETE FROM config WHERE key IN (?, ?, ?) OR key LIKE ?`,
		ConfigDeviceListVersion, ConfigUserListVersion, ConfigFullVersion, ConfigInstalledAppsVersion+"%"); err != nil {
		return fmt.Errorf("failed to clear list versions: %w", err)
	}
	return nil
}
