// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mobiletoly/go-timelimit/actions"
	"github.com/mobiletoly/go-timelimit/localdb"
	"github.com/mobiletoly/go-timelimit/model"
	"github.com/mobiletoly/go-timelimit/syncserver"
)

// clientDataStatus collects the version stamps held locally
func clientDataStatus(ctx context.Context, q *localdb.Queries) (*syncserver.ClientDataStatus, error) {
	devicesVersion, err := q.GetConfigString(ctx, localdb.ConfigDeviceListVersion)
	if err != nil {
		return nil, err
	}
	usersVersion, err := q.GetConfigString(ctx, localdb.ConfigUserListVersion)
	if err != nil {
		return nil, err
	}
	status := &syncserver.ClientDataStatus{
		Devices:       devicesVersion,
		Users:         usersVersion,
		InstalledApps: map[string]string{},
		Categories:    map[string]syncserver.CategoryVersions{},
	}

	devices, err := q.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		version, err := q.GetConfigString(ctx, localdb.ConfigInstalledAppsVersion+d.ID)
		if err != nil {
			return nil, err
		}
		if version != "" {
			status.InstalledApps[d.ID] = version
		}
	}

	categories, err := q.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range categories {
		status.Categories[c.ID] = syncserver.CategoryVersions{
			Base:      c.BaseVersion,
			Apps:      c.AppsVersion,
			Rules:     c.RulesVersion,
			UsedTimes: c.UsedTimesVersion,
		}
	}
	return status, nil
}

// pull fetches what changed on the server and applies it in one transaction
func (c *Client) pull(ctx context.Context) (err error) {
	start := time.Now()
	changes := 0
	defer func() { c.observe(OperationPull, start, changes, err) }()

	status, err := clientDataStatus(ctx, c.DB.Read())
	if err != nil {
		return fmt.Errorf("failed to collect local versions: %w", err)
	}

	var server syncserver.ServerDataStatus
	if err := c.postJSON(ctx, "/sync/pull", status, &server); err != nil {
		return err
	}
	if server.Empty() {
		if server.AppliedUpTo > 0 {
			err := c.DB.InTx(ctx, func(tx *localdb.Tx) error {
				_, err := tx.DeleteAcknowledgedActions(ctx, server.AppliedUpTo)
				return err
			})
			if err != nil {
				return fmt.Errorf("failed to drop applied actions: %w", err)
			}
		}
		return nil
	}
	changes = countChanges(&server)

	reapplied := 0
	err = c.DB.InTx(ctx, func(tx *localdb.Tx) error {
		if err := applyServerStatus(ctx, tx, &server); err != nil {
			return err
		}
		var err error
		reapplied, err = c.reapplyPending(ctx, tx, server.AppliedUpTo, replacedBy(&server))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to apply server status: %w", err)
	}
	c.logger.Debug("pulled changes", "changes", changes, "reapplied", reapplied, "applied_up_to", server.AppliedUpTo)
	return nil
}

func countChanges(s *syncserver.ServerDataStatus) int {
	n := len(s.InstalledApps) + len(s.CategoryBases) + len(s.CategoryApps) + len(s.CategoryRules) +
		len(s.CategoryUsedTimes) + len(s.RemovedCategories)
	if s.Devices != nil {
		n++
	}
	if s.Users != nil {
		n++
	}
	return n
}

// applyServerStatus replaces local entities with the server's, server wins
func applyServerStatus(ctx context.Context, tx *localdb.Tx, s *syncserver.ServerDataStatus) error {
	if s.Devices != nil {
		if err := replaceDevices(ctx, tx, s.Devices.Devices); err != nil {
			return err
		}
		if err := tx.SetConfig(ctx, localdb.ConfigDeviceListVersion, s.Devices.Version); err != nil {
			return err
		}
	}
	if s.Users != nil {
		if err := replaceUsers(ctx, tx, s.Users.Users); err != nil {
			return err
		}
		if err := tx.SetConfig(ctx, localdb.ConfigUserListVersion, s.Users.Version); err != nil {
			return err
		}
	}
	for _, apps := range s.InstalledApps {
		if err := tx.ReplaceInstalledApps(ctx, apps.DeviceID, apps.Apps); err != nil {
			return err
		}
		if err := tx.SetConfig(ctx, localdb.ConfigInstalledAppsVersion+apps.DeviceID, apps.Version); err != nil {
			return err
		}
	}

	for _, id := range s.RemovedCategories {
		if err := tx.DeleteCategory(ctx, id); err != nil {
			return err
		}
	}
	for _, c := range s.CategoryBases {
		base := c
		// the other aspects keep their local versions until they arrive
		base.AppsVersion, base.RulesVersion, base.UsedTimesVersion = "", "", ""
		if existing, err := tx.GetCategory(ctx, c.ID); err == nil {
			base.AppsVersion, base.RulesVersion, base.UsedTimesVersion = existing.AppsVersion, existing.RulesVersion, existing.UsedTimesVersion
		} else if !errors.Is(err, localdb.ErrNotFound) {
			return err
		}
		if err := tx.UpsertCategory(ctx, base); err != nil {
			return err
		}
	}
	for _, apps := range s.CategoryApps {
		if err := withCategory(ctx, tx, apps.CategoryID, func(c *model.Category) error {
			c.AppsVersion = apps.Version
			return tx.ReplaceCategoryApps(ctx, c.ID, apps.Apps)
		}); err != nil {
			return err
		}
	}
	for _, rules := range s.CategoryRules {
		if err := withCategory(ctx, tx, rules.CategoryID, func(c *model.Category) error {
			c.RulesVersion = rules.Version
			return tx.ReplaceRules(ctx, c.ID, rules.Rules)
		}); err != nil {
			return err
		}
	}
	for _, times := range s.CategoryUsedTimes {
		if err := withCategory(ctx, tx, times.CategoryID, func(c *model.Category) error {
			c.UsedTimesVersion = times.Version
			return tx.ReplaceUsedTimes(ctx, c.ID, times.Items)
		}); err != nil {
			return err
		}
	}
	return nil
}

// withCategory runs fn on a local category and stores it; unknown categories are skipped
func withCategory(ctx context.Context, tx *localdb.Tx, id string, fn func(c *model.Category) error) error {
	c, err := tx.GetCategory(ctx, id)
	if errors.Is(err, localdb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := fn(c); err != nil {
		return err
	}
	return tx.UpsertCategory(ctx, *c)
}

func replaceDevices(ctx context.Context, tx *localdb.Tx, devices []model.Device) error {
	keep := make(map[string]bool, len(devices))
	for _, d := range devices {
		keep[d.ID] = true
		if err := tx.UpsertDevice(ctx, d); err != nil {
			return err
		}
	}
	local, err := tx.ListDevices(ctx)
	if err != nil {
		return err
	}
	for _, d := range local {
		if !keep[d.ID] {
			if err := tx.DeleteDevice(ctx, d.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func replaceUsers(ctx context.Context, tx *localdb.Tx, users []model.User) error {
	keep := make(map[string]bool, len(users))
	for _, u := range users {
		keep[u.ID] = true
		if err := tx.UpsertUser(ctx, u); err != nil {
			return err
		}
	}
	local, err := tx.ListUsers(ctx)
	if err != nil {
		return err
	}
	for _, u := range local {
		if !keep[u.ID] {
			if err := tx.DeleteUser(ctx, u.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// replaced lists the categories whose data the pull overwrote
type replaced struct {
	base, usedTimes map[string]bool
}

func replacedBy(s *syncserver.ServerDataStatus) replaced {
	r := replaced{base: map[string]bool{}, usedTimes: map[string]bool{}}
	for _, c := range s.CategoryBases {
		r.base[c.ID] = true
	}
	for _, c := range s.CategoryUsedTimes {
		r.usedTimes[c.CategoryID] = true
	}
	return r
}

// rebase narrows a counting action to the parts the pull overwrote, the other
// parts are still present locally. ok is false if nothing is left to apply.
func (r replaced) rebase(a actions.Action) (actions.Action, bool) {
	switch a := a.(type) {
	case actions.AddUsedTimeAction:
		items := make([]actions.AddUsedTimeItem, 0, len(a.Items))
		for _, item := range a.Items {
			if !r.usedTimes[item.CategoryID] {
				item.TimeToAdd = 0
			}
			if !r.base[item.CategoryID] {
				item.ExtraTimeToSubtract = 0
			}
			if item.TimeToAdd > 0 || item.ExtraTimeToSubtract > 0 {
				items = append(items, item)
			}
		}
		a.Items = items
		return a, len(items) > 0
	case actions.IncrementCategoryExtraTimeAction:
		return a, r.base[a.CategoryID]
	}
	return a, true
}

// reapplyPending replays queued actions the server has not applied yet on top
// of the pulled state. Rows the server already applied are dropped.
func (c *Client) reapplyPending(ctx context.Context, tx *localdb.Tx, appliedUpTo int64, r replaced) (int, error) {
	if _, err := tx.DeleteAcknowledgedActions(ctx, appliedUpTo); err != nil {
		return 0, err
	}
	rows, err := tx.ListPendingActions(ctx, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, row := range rows {
		if row.SequenceNumber <= appliedUpTo {
			continue
		}
		decoded, err := actions.Unmarshal([]byte(row.EncodedAction))
		if err != nil {
			c.logger.Warn("skipping undecodable pending action", "seq", row.SequenceNumber, "error", err)
			continue
		}
		a, ok := r.rebase(decoded)
		if !ok {
			continue
		}
		if _, err := actions.Apply(ctx, tx, a, actions.Env{DeviceID: c.DeviceID, UserID: row.UserID}); err != nil {
			if isActionError(err) {
				c.logger.Debug("pending action no longer applies", "seq", row.SequenceNumber, "kind", a.Kind(), "error", err)
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func isActionError(err error) bool {
	return errors.Is(err, actions.ErrBusinessRule) || errors.Is(err, actions.ErrInvalidAction) ||
		errors.Is(err, actions.ErrUnknownAction) || errors.Is(err, model.ErrNotFound)
}
