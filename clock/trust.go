// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package clock decides how far the current time can be trusted.
//
// Time is derived from a monotonic uptime source anchored either to a network
// time query, to a parent confirmed local clock, or to the plain system clock.
package clock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mobiletoly/go-timelimit/model"
)

const (
	// MaxRoundTrip is the slowest network time answer that is still accepted
	MaxRoundTrip = 30 * time.Second
	// RequireRemoteTimeGrace is how long the system clock stays trusted after network time became mandatory
	RequireRemoteTimeGrace = 5 * time.Second

	RetryAfterSuccess        = 2 * time.Hour
	RetryBeforeFirstSuccess  = 10 * time.Second
	RetryAfterFailureWithOld = 10 * time.Minute
)

// ErrRoundTripTooSlow is returned when a network time answer arrived too late to be useful
var ErrRoundTripTooSlow = errors.New("network time round trip too slow")

// UptimeSource is a monotonic clock that keeps running while the device sleeps
type UptimeSource interface {
	Uptime() time.Duration
}

// SystemClock is the user adjustable wall clock of the device
type SystemClock interface {
	NowMillis() int64
}

// NetworkClock fetches the current time from a remote source
type NetworkClock interface {
	TimeInMillis(ctx context.Context) (int64, error)
}

// RealTime is a timestamp together with how much it can be trusted
type RealTime struct {
	TimeInMillis               int64
	ShouldTrustTimeTemporarily bool
	ShouldTrustTimePermanently bool
	IsNetworkTime              bool
}

// Trust tracks the offset between uptime and real time
type Trust struct {
	uptime  UptimeSource
	system  SystemClock
	network NetworkClock
	logger  *slog.Logger

	mu                              sync.Mutex
	mode                            model.NetworkTime
	uptimeRealTimeOffset            *int64
	confirmedUptimeSystemTimeOffset *int64
	requireRemoteTimeUptime         time.Duration
	lastSuccessfulQueryUptime       time.Duration
	everSucceeded                   bool
	timer                           *time.Timer
	baseCtx                         context.Context
	started                         bool

	query singleflight.Group
}

// NewTrust creates a Trust in Disabled mode; network may be nil when no server is configured
func NewTrust(uptime UptimeSource, system SystemClock, network NetworkClock, logger *slog.Logger) *Trust {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trust{
		uptime:  uptime,
		system:  system,
		network: network,
		logger:  logger,
		mode:    model.NetworkTimeDisabled,
		baseCtx: context.Background(),
	}
}

// Start sets the context used by scheduled queries
func (t *Trust) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.baseCtx = ctx
	t.started = true
	t.rescheduleLocked(0)
}

// Stop cancels the scheduled query
func (t *Trust) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = false
	t.cancelLocked()
}

// SetMode applies the device network time policy. Any change cancels the pending
// retry and schedules an immediate query if network time is wanted.
func (t *Trust) SetMode(mode model.NetworkTime) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if mode == t.mode {
		return
	}
	if mode == model.NetworkTimeEnabled {
		t.requireRemoteTimeUptime = t.uptime.Uptime()
	}
	t.logger.Debug("network time mode changed", "from", t.mode, "to", mode)
	t.mode = mode
	t.rescheduleLocked(0)
}

// Mode returns the current network time policy
func (t *Trust) Mode() model.NetworkTime {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// GetRealTime returns the best known current time
func (t *Trust) GetRealTime() RealTime {
	t.mu.Lock()
	defer t.mu.Unlock()

	uptime := t.uptime.Uptime()
	uptimeMillis := uptime.Milliseconds()
	systemTime := t.system.NowMillis()

	switch t.mode {
	case model.NetworkTimeIfPossible:
		if t.uptimeRealTimeOffset != nil {
			return RealTime{
				TimeInMillis:               uptimeMillis + *t.uptimeRealTimeOffset,
				ShouldTrustTimeTemporarily: true,
				ShouldTrustTimePermanently: true,
				IsNetworkTime:              true,
			}
		}
		return RealTime{TimeInMillis: systemTime, ShouldTrustTimeTemporarily: true, ShouldTrustTimePermanently: true}
	case model.NetworkTimeEnabled:
		if t.uptimeRealTimeOffset != nil {
			return RealTime{
				TimeInMillis:               uptimeMillis + *t.uptimeRealTimeOffset,
				ShouldTrustTimeTemporarily: true,
				ShouldTrustTimePermanently: true,
				IsNetworkTime:              true,
			}
		}
		if t.confirmedUptimeSystemTimeOffset != nil {
			return RealTime{
				TimeInMillis:               uptimeMillis + *t.confirmedUptimeSystemTimeOffset,
				ShouldTrustTimeTemporarily: true,
			}
		}
		return RealTime{
			TimeInMillis:               systemTime,
			ShouldTrustTimeTemporarily: uptime-t.requireRemoteTimeUptime < RequireRemoteTimeGrace,
		}
	default:
		return RealTime{TimeInMillis: systemTime, ShouldTrustTimeTemporarily: true, ShouldTrustTimePermanently: true}
	}
}

// ConfirmLocalTime pins the current system clock as a trusted fallback.
// Callers must have authenticated a parent.
func (t *Trust) ConfirmLocalTime() {
	t.mu.Lock()
	defer t.mu.Unlock()
	offset := t.system.NowMillis() - t.uptime.Uptime().Milliseconds()
	t.confirmedUptimeSystemTimeOffset = &offset
	t.logger.Info("local time confirmed", "offset_ms", offset)
}

// HasNetworkTime reports whether a network query succeeded before
func (t *Trust) HasNetworkTime() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uptimeRealTimeOffset != nil
}

// TryQueryTime fetches network time once. Concurrent callers share one query.
func (t *Trust) TryQueryTime(ctx context.Context) error {
	if t.network == nil {
		return fmt.Errorf("no network clock configured")
	}
	_, err, _ := t.query.Do("query", func() (interface{}, error) {
		err := t.queryOnce(ctx)

		t.mu.Lock()
		defer t.mu.Unlock()
		if err != nil {
			t.logger.Warn("network time query failed", "error", err, "ever_succeeded", t.everSucceeded)
		}
		t.rescheduleLocked(retryDelay(err == nil, t.everSucceeded))
		return nil, err
	})
	return err
}

func (t *Trust) queryOnce(ctx context.Context) error {
	before := t.uptime.Uptime()
	networkTime, err := t.network.TimeInMillis(ctx)
	if err != nil {
		return fmt.Errorf("failed to query network time: %w", err)
	}
	after := t.uptime.Uptime()

	roundTrip := after - before
	if roundTrip > MaxRoundTrip {
		return fmt.Errorf("%w: %s", ErrRoundTripTooSlow, roundTrip)
	}

	offset := networkTime + (roundTrip / 2).Milliseconds() - after.Milliseconds()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.uptimeRealTimeOffset = &offset
	t.lastSuccessfulQueryUptime = after
	t.everSucceeded = true
	t.logger.Debug("network time updated", "offset_ms", offset, "round_trip", roundTrip)
	return nil
}

// retryDelay is the self rescheduling policy of the network time query
func retryDelay(success, everSucceeded bool) time.Duration {
	switch {
	case success:
		return RetryAfterSuccess
	case everSucceeded:
		return RetryAfterFailureWithOld
	default:
		return RetryBeforeFirstSuccess
	}
}

func (t *Trust) cancelLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Trust) rescheduleLocked(delay time.Duration) {
	t.cancelLocked()
	if !t.started || t.mode == model.NetworkTimeDisabled || t.network == nil {
		return
	}
	ctx := t.baseCtx
	if ctx.Err() != nil {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		current := t.timer == timer
		t.mu.Unlock()
		if !current {
			return
		}
		_ = t.TryQueryTime(ctx)
	})
	t.timer = timer
}
