// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package applogic is the running device core. It owns the polling loop that
// blocks apps and counts usage, and the periodic device status and backup tasks.
package applogic

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mobiletoly/go-timelimit/blocking"
	"github.com/mobiletoly/go-timelimit/clock"
	"github.com/mobiletoly/go-timelimit/dispatch"
	"github.com/mobiletoly/go-timelimit/live"
	"github.com/mobiletoly/go-timelimit/localdb"
	"github.com/mobiletoly/go-timelimit/model"
	"github.com/mobiletoly/go-timelimit/pushchannel"
	"github.com/mobiletoly/go-timelimit/rules"
	"github.com/mobiletoly/go-timelimit/syncclient"
	"github.com/mobiletoly/go-timelimit/usage"
)

const (
	DefaultPollInterval  = 100 * time.Millisecond
	MinPollInterval      = 10 * time.Millisecond
	DeviceStatusInterval = 10 * time.Second
	FirstBackupDelay     = 5 * time.Minute
	BackupInterval       = 3 * time.Hour
	BackupFileName       = "timelimit-backup.db"
)

// ForegroundApp is the app the child is looking at
type ForegroundApp struct {
	PackageName  string
	ActivityName string
}

// DeviceStatus is what the OS reports about the protection of the app
type DeviceStatus struct {
	ProtectionLevel      model.ProtectionLevel
	UsageStatsPermission model.PermissionStatus
	NotificationAccess   model.PermissionStatus
	AppVersion           int
}

// Probes report device state the core cannot observe itself
type Probes interface {
	ForegroundApp(ctx context.Context) (ForegroundApp, error)
	ScreenOn(ctx context.Context) (bool, error)
	// Battery returns nil if the device has no battery information
	Battery(ctx context.Context) (*blocking.Battery, error)
	DeviceStatus(ctx context.Context) (DeviceStatus, error)
}

// Enforcer applies a verdict on the device, for example by showing a lock screen
type Enforcer interface {
	Enforce(ctx context.Context, v Verdict)
}

// Recorder observes loop iterations
type Recorder interface {
	ObserveLoop(duration time.Duration, reason string)
	SetPendingActions(n int)
}

// Loop states reported in Verdict.Status besides a regular evaluation
const (
	StatusEvaluated   = ""
	StatusScreenOff   = "screen_off"
	StatusPaused      = "paused"
	StatusWhitelisted = "whitelisted"
	StatusNoChild     = "no_child"

	// StatusError is reported when an iteration failed, for example on a revoked permission
	StatusError = "error"
)

// Verdict is the latest decision for the foreground app
type Verdict struct {
	PackageName        string
	Status             string
	Reason             blocking.Reason
	CategoryID         string
	BlockingCategoryID string
}

// Remaining is the budget left in the category of the foreground app
type Remaining struct {
	CategoryID string
	Limited    bool
	Time       rules.RemainingTime
}

// Deps wires the core to its collaborators. Sync and Push may be nil in local mode.
type Deps struct {
	DB             *localdb.DB
	DeviceID       string
	OwnPackageName string
	// Whitelist lists packages the loop never evaluates, such as the launcher
	Whitelist  []string
	Dispatcher *dispatch.Dispatcher
	Clock      *clock.Trust
	Uptime     clock.UptimeSource
	Probes     Probes
	Enforcer   Enforcer
	Sync       *syncclient.Client
	Push       *pushchannel.Client
	Recorder   Recorder
	Logger     *slog.Logger

	PollInterval time.Duration
	// BackupDir enables periodic backups of the local store
	BackupDir string
}

// Logic is the running core of one device
type Logic struct {
	deps      Deps
	logger    *slog.Logger
	usage     *usage.Manager
	whitelist map[string]struct{}

	verdict   *live.Value[Verdict]
	remaining *live.Value[Remaining]

	paused     *live.Value[bool]
	lastUptime time.Duration
	screenOn   bool

	statusMu sync.Mutex // one device status sync at a time

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates the core; it does nothing until Start
func New(deps Deps) (*Logic, error) {
	if deps.DB == nil || deps.Dispatcher == nil || deps.Clock == nil || deps.Probes == nil {
		return nil, errors.New("applogic: db, dispatcher, clock and probes are required")
	}
	if deps.Uptime == nil {
		deps.Uptime = clock.NewProcessUptime()
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = DefaultPollInterval
	}
	deps.PollInterval = max(deps.PollInterval, MinPollInterval)
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	whitelist := make(map[string]struct{}, len(deps.Whitelist))
	for _, p := range deps.Whitelist {
		whitelist[p] = struct{}{}
	}
	return &Logic{
		deps:      deps,
		logger:    logger,
		usage:     usage.NewManager(deps.Dispatcher, deps.DB.Read(), logger),
		whitelist: whitelist,
		verdict:   live.NewValue(Verdict{}),
		remaining: live.NewValue(Remaining{}),
		paused:    live.NewValue(false),
		screenOn:  true,
	}, nil
}

// Verdict exposes the live blocking status of the foreground app
func (l *Logic) Verdict() *live.Value[Verdict] { return l.verdict }

// Remaining exposes the live remaining time of the foreground app's category
func (l *Logic) Remaining() *live.Value[Remaining] { return l.remaining }

// SyncStatus exposes the live sync status, nil in local mode
func (l *Logic) SyncStatus() *live.Value[syncclient.Status] {
	if l.deps.Sync == nil {
		return nil
	}
	return l.deps.Sync.Status()
}

// Pause stops blocking and usage counting until Resume
func (l *Logic) Pause() { l.paused.Set(true) }

// Resume undoes Pause
func (l *Logic) Resume() { l.paused.Set(false) }

// Paused exposes whether the background logic is paused
func (l *Logic) Paused() *live.Value[bool] { return l.paused }

// Start launches the loop and the periodic tasks
func (l *Logic) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.deps.Clock.Start(ctx)
	if l.deps.Sync != nil {
		l.deps.Sync.Start(ctx)
	}
	if l.deps.Push != nil {
		l.deps.Push.Start(ctx)
		l.deps.Push.SetNetworkAvailable(true)
		l.deps.Push.SetEnabled(true)
	}

	g, gctx := errgroup.WithContext(ctx)
	l.group = g
	g.Go(func() error { return l.runLoop(gctx) })
	g.Go(func() error { return l.runEvery(gctx, 0, DeviceStatusInterval, l.SyncDeviceStatus) })
	if l.deps.BackupDir != "" {
		g.Go(func() error { return l.runEvery(gctx, FirstBackupDelay, BackupInterval, l.Backup) })
	}
	l.logger.Info("device core started", "device_id", l.deps.DeviceID, "poll_interval", l.deps.PollInterval)
}

// Shutdown stops every task and commits buffered usage
func (l *Logic) Shutdown(ctx context.Context) error {
	if l.cancel == nil {
		return nil
	}
	l.cancel()
	err := l.group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if ferr := l.usage.Flush(ctx); ferr != nil {
		err = errors.Join(err, ferr)
	}
	if l.deps.Push != nil {
		l.deps.Push.Stop()
	}
	if l.deps.Sync != nil {
		l.deps.Sync.Stop()
	}
	l.deps.Clock.Stop()
	l.logger.Info("device core stopped")
	return err
}

// runEvery calls fn after delay and then every interval; failures are only logged
func (l *Logic) runEvery(ctx context.Context, delay, interval time.Duration, fn func(context.Context) error) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn("periodic task failed", "error", err)
		}
		timer.Reset(interval)
	}
}

// Backup writes a copy of the local store into the backup directory
func (l *Logic) Backup(ctx context.Context) error {
	return l.deps.DB.Backup(ctx, filepath.Join(l.deps.BackupDir, BackupFileName))
}
