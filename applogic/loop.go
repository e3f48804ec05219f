// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package applogic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mobiletoly/go-timelimit/blocking"
	"github.com/mobiletoly/go-timelimit/clock"
	"github.com/mobiletoly/go-timelimit/localdb"
	"github.com/mobiletoly/go-timelimit/model"
	"github.com/mobiletoly/go-timelimit/usage"
)

func (l *Logic) runLoop(ctx context.Context) error {
	l.lastUptime = l.deps.Uptime.Uptime()
	for {
		start := time.Now()
		if err := l.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("polling loop iteration failed", "error", err)
		}
		if l.paused.Get() {
			if _, err := l.paused.WaitUntil(ctx, func(p bool) bool { return !p }); err != nil {
				return nil
			}
			l.lastUptime = l.deps.Uptime.Uptime()
			continue
		}
		wait := max(l.deps.PollInterval-time.Since(start), MinPollInterval)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// Tick runs one iteration: evaluate the foreground app, count its usage and
// publish the verdict. It is called by the loop and is exported for tests.
func (l *Logic) Tick(ctx context.Context) (err error) {
	start := time.Now()
	now := l.deps.Uptime.Uptime()
	delta := (now - l.lastUptime).Milliseconds()
	l.lastUptime = now

	var v Verdict
	defer func() {
		if err != nil {
			v = Verdict{PackageName: v.PackageName, Status: StatusError}
		}
		l.publish(ctx, v)
		if l.deps.Recorder != nil {
			l.deps.Recorder.ObserveLoop(time.Since(start), string(v.Reason))
		}
	}()

	screenOn, err := l.deps.Probes.ScreenOn(ctx)
	if err != nil {
		return fmt.Errorf("failed to probe screen: %w", err)
	}
	if !screenOn {
		v.Status = StatusScreenOff
		if l.screenOn {
			l.screenOn = false
			if err := l.screenTurnedOff(ctx); err != nil {
				return err
			}
		}
		return nil
	}
	l.screenOn = true

	if l.paused.Get() {
		v.Status = StatusPaused
		return l.usage.Flush(ctx)
	}

	app, err := l.deps.Probes.ForegroundApp(ctx)
	if err != nil {
		return fmt.Errorf("failed to probe foreground app: %w", err)
	}
	v.PackageName = app.PackageName
	if _, ok := l.whitelist[app.PackageName]; ok {
		v.Status = StatusWhitelisted
		return l.usage.Flush(ctx)
	}

	battery, err := l.deps.Probes.Battery(ctx)
	if err != nil {
		return fmt.Errorf("failed to probe battery: %w", err)
	}

	q := l.deps.DB.Read()
	device, err := q.GetDevice(ctx, l.deps.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to load own device: %w", err)
	}
	l.deps.Clock.SetMode(device.NetworkTime)
	child, ok, err := currentChild(ctx, q, device)
	if err != nil {
		return err
	}
	if !ok {
		v.Status = StatusNoChild
		return l.usage.Flush(ctx)
	}

	t := l.deps.Clock.GetRealTime()
	date := model.NewDateInTimezone(t.TimeInMillis, child.Timezone)
	in, err := l.input(ctx, q, child, device, date)
	if err != nil {
		return err
	}
	in.PackageName = app.PackageName
	in.ActivityName = app.ActivityName
	in.Time = t
	in.Battery = battery

	result := blocking.Evaluate(in)
	v.Reason = result.Reason
	v.CategoryID = result.CategoryID
	v.BlockingCategoryID = result.BlockingCategoryID
	remaining := Remaining{CategoryID: result.CategoryID}
	if result.Remaining != nil {
		remaining.Limited = true
		remaining.Time = *result.Remaining
	}
	l.remaining.Set(remaining)

	return l.count(ctx, in, result, t, date, delta)
}

// count credits the elapsed time to the category of an allowed app
func (l *Logic) count(ctx context.Context, in blocking.Input, result blocking.Result, t clock.RealTime, date model.DateInTimezone, delta int64) error {
	if result.Blocked() || result.CategoryID == "" || !t.ShouldTrustTimeTemporarily {
		return l.usage.Flush(ctx)
	}
	state := in.Categories[result.CategoryID]
	key := usage.Key{DayOfEpoch: date.DayOfEpoch, CategoryID: result.CategoryID, ParentCategoryID: state.Category.ParentCategoryID}
	if _, ok := in.Categories[key.ParentCategoryID]; !ok {
		key.ParentCategoryID = ""
	}
	// time beyond the regular budget is paid from the extra time
	subtractExtra := result.Remaining != nil && result.Remaining.Default == 0
	return l.usage.Report(ctx, key, delta, subtractExtra)
}

func currentChild(ctx context.Context, q *localdb.Queries, device *model.Device) (*model.User, bool, error) {
	if device.CurrentUserID == "" {
		return nil, false, nil
	}
	u, err := q.GetUser(ctx, device.CurrentUserID)
	if errors.Is(err, localdb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load device user: %w", err)
	}
	return u, u.Type == model.UserTypeChild, nil
}

// input loads the categories of the child with the usage of the current week,
// including usage buffered in memory
func (l *Logic) input(ctx context.Context, q *localdb.Queries, child *model.User, device *model.Device, date model.DateInTimezone) (blocking.Input, error) {
	in := blocking.Input{
		OwnPackageName:  l.deps.OwnPackageName,
		User:            *child,
		Device:          *device,
		IsCurrentDevice: blocking.IsCurrentDevice(*child, device.ID),
		Categories:      map[string]blocking.CategoryState{},
		AppCategories:   map[string]string{},
	}

	allowed, err := q.ListTemporarilyAllowedApps(ctx)
	if err != nil {
		return in, err
	}
	in.TemporarilyAllowed = make(map[string]struct{}, len(allowed))
	for _, p := range allowed {
		in.TemporarilyAllowed[p] = struct{}{}
	}

	categories, err := q.ListCategoriesByChild(ctx, child.ID)
	if err != nil {
		return in, err
	}
	firstDay := date.FirstDayOfWeek()
	for _, c := range categories {
		ruleList, err := q.ListRules(ctx, c.ID)
		if err != nil {
			return in, err
		}
		used, err := q.ListUsedTimes(ctx, c.ID, firstDay, date.DayOfEpoch)
		if err != nil {
			return in, err
		}
		if pending := l.usage.PendingFor(c.ID, date.DayOfEpoch); pending > 0 {
			used = addPending(used, c.ID, date.DayOfEpoch, pending)
		}
		c.ExtraTimeInMillis = max(c.ExtraTimeInMillis-l.usage.PendingExtraTimeFor(c.ID, date.DayOfEpoch), 0)
		in.Categories[c.ID] = blocking.CategoryState{Category: c, Rules: ruleList, UsedTimes: used}

		apps, err := q.ListCategoryApps(ctx, c.ID)
		if err != nil {
			return in, err
		}
		for _, app := range apps {
			in.AppCategories[app] = c.ID
		}
	}
	return in, nil
}

func addPending(items []model.UsedTimeItem, categoryID string, day int, pending int64) []model.UsedTimeItem {
	for i := range items {
		if items[i].DayOfEpoch == day {
			items[i].UsedMillis += pending
			return items
		}
	}
	return append(items, model.UsedTimeItem{CategoryID: categoryID, DayOfEpoch: day, UsedMillis: pending})
}

func (l *Logic) screenTurnedOff(ctx context.Context) error {
	if err := l.usage.Flush(ctx); err != nil {
		return err
	}
	var cleared int64
	err := l.deps.DB.InTx(ctx, func(tx *localdb.Tx) error {
		var err error
		cleared, err = tx.ClearTemporarilyAllowedApps(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to clear temporarily allowed apps: %w", err)
	}
	if cleared > 0 {
		l.logger.Debug("screen off cleared temporarily allowed apps", "count", cleared)
	}
	return nil
}

func (l *Logic) publish(ctx context.Context, v Verdict) {
	if l.verdict.Set(v) && l.deps.Enforcer != nil {
		l.deps.Enforcer.Enforce(ctx, v)
	}
}
