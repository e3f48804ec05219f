// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bufio"
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mobiletoly/go-timelimit/applogic"
	"github.com/mobiletoly/go-timelimit/blocking"
	"github.com/mobiletoly/go-timelimit/model"
)

type probeState struct {
	app      applogic.ForegroundApp
	screenOn bool
	battery  *blocking.Battery
	status   applogic.DeviceStatus
}

type scriptStep struct {
	at    time.Duration
	apply func(s *probeState)
}

// scriptedProbes replays a timeline of device states relative to its start.
//
// Each script line is "<offset> <command> <args...>":
//
//	0s   app com.example.game
//	30s  screen off
//	45s  screen on
//	1m   battery 15 charging
//	2m   protection admin
type scriptedProbes struct {
	start time.Time
	now   func() time.Time
	base  probeState
	steps []scriptStep
}

func newScriptedProbes(foreground string, steps []scriptStep) *scriptedProbes {
	return &scriptedProbes{
		start: time.Now(),
		now:   time.Now,
		base: probeState{
			app:      applogic.ForegroundApp{PackageName: foreground},
			screenOn: true,
			status:   applogic.DeviceStatus{ProtectionLevel: model.ProtectionLevelSimple, UsageStatsPermission: model.PermissionGranted},
		},
		steps: steps,
	}
}

func (p *scriptedProbes) state() probeState {
	s := p.base
	elapsed := p.now().Sub(p.start)
	for _, step := range p.steps {
		if step.at > elapsed {
			break
		}
		step.apply(&s)
	}
	return s
}

func (p *scriptedProbes) ForegroundApp(context.Context) (applogic.ForegroundApp, error) {
	return p.state().app, nil
}

func (p *scriptedProbes) ScreenOn(context.Context) (bool, error) {
	return p.state().screenOn, nil
}

func (p *scriptedProbes) Battery(context.Context) (*blocking.Battery, error) {
	return p.state().battery, nil
}

func (p *scriptedProbes) DeviceStatus(context.Context) (applogic.DeviceStatus, error) {
	return p.state().status, nil
}

func parseScript(r io.Reader) ([]scriptStep, error) {
	var steps []scriptStep
	scanner := bufio.NewScanner(r)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, fmt.Errorf("script line %d: expected offset, command and argument", n)
		}
		at, err := time.ParseDuration(fields[0])
		if err != nil {
			return nil, fmt.Errorf("script line %d: %w", n, err)
		}
		apply, err := parseCommand(fields[1], fields[2:])
		if err != nil {
			return nil, fmt.Errorf("script line %d: %w", n, err)
		}
		steps = append(steps, scriptStep{at: at, apply: apply})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	slices.SortStableFunc(steps, func(a, b scriptStep) int { return cmp.Compare(a.at, b.at) })
	return steps, nil
}

func parseCommand(command string, args []string) (func(s *probeState), error) {
	switch command {
	case "app":
		app := applogic.ForegroundApp{PackageName: args[0]}
		if len(args) > 1 {
			app.ActivityName = args[1]
		}
		return func(s *probeState) { s.app = app }, nil
	case "screen":
		on, err := parseOnOff(args[0])
		if err != nil {
			return nil, err
		}
		return func(s *probeState) { s.screenOn = on }, nil
	case "battery":
		if args[0] == "none" {
			return func(s *probeState) { s.battery = nil }, nil
		}
		pct, err := strconv.Atoi(args[0])
		if err != nil || pct < 0 || pct > 100 {
			return nil, fmt.Errorf("invalid battery level %q", args[0])
		}
		charging := len(args) > 1 && args[1] == "charging"
		return func(s *probeState) { s.battery = &blocking.Battery{Percentage: pct, IsCharging: charging} }, nil
	case "protection":
		level, ok := map[string]model.ProtectionLevel{
			"none":   model.ProtectionLevelNone,
			"simple": model.ProtectionLevelSimple,
			"admin":  model.ProtectionLevelDeviceAdmin,
		}[args[0]]
		if !ok {
			return nil, fmt.Errorf("unknown protection level %q", args[0])
		}
		return func(s *probeState) { s.status.ProtectionLevel = level }, nil
	case "usage-stats":
		granted, err := parseOnOff(args[0])
		if err != nil {
			return nil, err
		}
		return func(s *probeState) { s.status.UsageStatsPermission = permission(granted) }, nil
	case "notifications":
		granted, err := parseOnOff(args[0])
		if err != nil {
			return nil, err
		}
		return func(s *probeState) { s.status.NotificationAccess = permission(granted) }, nil
	}
	return nil, fmt.Errorf("unknown command %q", command)
}

func parseOnOff(v string) (bool, error) {
	switch v {
	case "on", "granted":
		return true, nil
	case "off", "denied":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", v)
}

func permission(granted bool) model.PermissionStatus {
	if granted {
		return model.PermissionGranted
	}
	return model.PermissionNotGranted
}

// logEnforcer reports verdict changes instead of drawing a lock screen
type logEnforcer struct {
	logger *slog.Logger
}

func (e logEnforcer) Enforce(_ context.Context, v applogic.Verdict) {
	if v.Status != applogic.StatusEvaluated {
		e.logger.Info("not evaluated", "package", v.PackageName, "status", v.Status)
		return
	}
	if v.Reason == blocking.ReasonNone {
		e.logger.Info("allowed", "package", v.PackageName, "category", v.CategoryID)
		return
	}
	e.logger.Warn("blocked", "package", v.PackageName, "reason", v.Reason, "category", v.BlockingCategoryID)
}
