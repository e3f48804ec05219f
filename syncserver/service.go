// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncserver is the remote authority devices of a family sync with.
// It applies uploaded actions to the family state and answers pulls with the
// entities whose versions differ from what the device holds.
package syncserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-timelimit/actions"
	"github.com/mobiletoly/go-timelimit/model"
)

var (
	// ErrUnknownDevice is returned when the authenticated device is not part of the family
	ErrUnknownDevice = errors.New("device is not enrolled in the family")
	// ErrBatchTooLarge is returned when a push exceeds MaxPushBatchSize
	ErrBatchTooLarge = errors.New("push batch too large")
)

// Notifier delivers push channel events
type Notifier interface {
	Notify(familyID, exceptDeviceID, eventType string)
}

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	MaxPushBatchSize int           // Maximum number of actions in a single push (0 = unlimited)
	TokenLifetime    time.Duration // Lifetime of tokens issued on registration
	// UsedTimeDays limits pulled used times to the most recent days (0 = all)
	UsedTimeDays int

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
}

// Service implements push, pull and device registration
type Service struct {
	store    Store
	auth     *JWTAuth
	notifier Notifier
	config   *ServiceConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a sync service over store. notifier may be nil.
func NewService(store Store, jwtAuth *JWTAuth, notifier Notifier, config *ServiceConfig, logger *slog.Logger) *Service {
	if config == nil {
		config = &ServiceConfig{}
	}
	if config.TokenLifetime == 0 {
		config.TokenLifetime = DefaultTokenLifetime
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, auth: jwtAuth, notifier: notifier, config: config, logger: logger, now: time.Now}
}

// Register enrolls a device. An empty familyID creates a new family.
func (s *Service) Register(ctx context.Context, familyID string, req *RegisterRequest) (_ *RegisterResponse, err error) {
	start := s.stageStart()
	defer func() { s.observeStage(ctx, MetricsOpRegister, MetricsStageTotal, start, 1, err != nil) }()

	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = model.NewID()
	}
	if !model.IsValidID(deviceID) {
		return nil, fmt.Errorf("%w: invalid device id %q", actions.ErrInvalidAction, deviceID)
	}
	device := model.Device{
		ID:          deviceID,
		Name:        req.DeviceName,
		Model:       req.Model,
		AddedAt:     s.now().UnixMilli(),
		NetworkTime: model.NetworkTimeIfPossible,
	}

	if familyID == "" {
		familyID = uuid.NewString()
		state := NewFamilyState(familyID)
		state.Devices[deviceID] = device
		if err := s.store.Create(ctx, state); err != nil {
			return nil, err
		}
	} else {
		err := s.store.Update(ctx, familyID, func(state *FamilyState) error {
			if _, ok := state.Devices[deviceID]; ok {
				return fmt.Errorf("%w: device %s already enrolled", actions.ErrBusinessRule, deviceID)
			}
			state.Devices[deviceID] = device
			state.DevicesVersion = uuid.NewString()
			return nil
		})
		if err != nil {
			return nil, err
		}
		s.notify(familyID, deviceID, EventDevicesChanged)
	}

	token, err := s.auth.GenerateToken(familyID, deviceID, s.config.TokenLifetime)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	s.logger.Info("device registered", "family_id", familyID, "device_id", deviceID)
	return &RegisterResponse{FamilyID: familyID, DeviceID: deviceID, Token: token}, nil
}

// pushOutcome summarizes one processed push
type pushOutcome struct {
	applied, skipped, rejected int
	changed                    bool
	devicesChanged             bool
}

// Push applies the uploaded actions of one device in order. Sequence numbers at or
// below the highest number already applied for the device are skipped. Rejected
// actions are acknowledged too, and make the device resync from scratch.
func (s *Service) Push(ctx context.Context, familyID, deviceID string, req *PushRequest) (_ *PushResponse, err error) {
	start := s.stageStart()
	defer func() { s.observeStage(ctx, MetricsOpPush, MetricsStageTotal, start, len(req.Actions), err != nil) }()

	if s.config.MaxPushBatchSize > 0 && len(req.Actions) > s.config.MaxPushBatchSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(req.Actions), s.config.MaxPushBatchSize)
	}

	var resp PushResponse
	var outcome pushOutcome
	err = s.store.Update(ctx, familyID, func(state *FamilyState) error {
		resp, outcome = PushResponse{}, pushOutcome{}
		if _, ok := state.Devices[deviceID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
		}

		changes := newChangeSet()
		applied := state.AppliedUpTo[deviceID]
		for _, entry := range req.Actions {
			if entry.SequenceNumber <= applied {
				outcome.skipped++
				continue
			}
			if err := s.applyPushed(ctx, state, changes, deviceID, entry); err != nil {
				if !isRejection(err) {
					return err
				}
				s.logger.Warn("rejected pushed action",
					"family_id", familyID, "device_id", deviceID, "seq", entry.SequenceNumber, "error", err)
				outcome.rejected++
				resp.ShouldDoFullSync = true
			} else {
				outcome.applied++
			}
			applied = entry.SequenceNumber
		}
		state.AppliedUpTo[deviceID] = applied
		resp.AcknowledgedUpTo = applied

		outcome.changed = !changes.empty()
		outcome.devicesChanged = changes.devices
		t := &familyTx{s: state, changed: changes}
		t.bumpVersions()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.observeStage(ctx, MetricsOpPush, MetricsStagePushApply, start, outcome.applied, false)
	s.observeStage(ctx, MetricsOpPush, MetricsStagePushSkipped, start, outcome.skipped, false)
	s.observeStage(ctx, MetricsOpPush, MetricsStagePushRejected, start, outcome.rejected, outcome.rejected > 0)
	s.logger.Debug("processed push",
		"family_id", familyID, "device_id", deviceID,
		"applied", outcome.applied, "skipped", outcome.skipped, "rejected", outcome.rejected,
		"acknowledged_up_to", resp.AcknowledgedUpTo)

	if outcome.changed {
		s.notify(familyID, deviceID, EventSyncRequested)
	}
	if outcome.devicesChanged {
		s.notify(familyID, deviceID, EventDevicesChanged)
	}
	return &resp, nil
}

// rejection marks errors caused by the pushed action rather than by the server
type rejection struct{ err error }

func (r rejection) Error() string { return r.err.Error() }
func (r rejection) Unwrap() error { return r.err }

func isRejection(err error) bool {
	var r rejection
	return errors.As(err, &r)
}

// applyPushed verifies and applies one action. The state is left untouched if
// the action is rejected.
func (s *Service) applyPushed(ctx context.Context, state *FamilyState, changes *changeSet, deviceID string, entry PushedAction) error {
	a, err := actions.Unmarshal([]byte(entry.EncodedAction))
	if err != nil {
		return rejection{err}
	}
	if class := actions.Class(a); class != entry.Type {
		return rejection{fmt.Errorf("%w: %s sent as %s", actions.ErrInvalidAction, a.Kind(), entry.Type)}
	}
	if err := verifyIntegrity(state, deviceID, entry, a); err != nil {
		return rejection{err}
	}

	snapshot, err := state.Clone()
	if err != nil {
		return err
	}
	t := newFamilyTx(state)
	if _, err := actions.Apply(ctx, t, a, actions.Env{DeviceID: deviceID, UserID: entry.UserID}); err != nil {
		*state = *snapshot
		if errors.Is(err, actions.ErrBusinessRule) || errors.Is(err, actions.ErrInvalidAction) || errors.Is(err, actions.ErrUnknownAction) {
			return rejection{err}
		}
		return err
	}
	if add, ok := a.(actions.AddUserAction); ok && add.SecondPasswordHash != "" {
		state.SecondHashes[add.UserID] = add.SecondPasswordHash
	}
	changes.merge(t.changed)
	return nil
}

// verifyIntegrity checks the signature of parent and child actions against the
// stored signing key of the acting user
func verifyIntegrity(state *FamilyState, deviceID string, entry PushedAction, a actions.Action) error {
	switch entry.Type {
	case model.SyncActionAppLogic:
		if entry.Integrity != actions.DeviceIntegrity {
			return fmt.Errorf("%w: app logic action with integrity %q", actions.ErrBadSignature, entry.Integrity)
		}
		return nil
	case model.SyncActionParent:
		secondHash := state.SecondHashes[entry.UserID]
		if add, ok := a.(actions.AddUserAction); ok && entry.UserID == "" && len(state.Users) == 0 {
			// the first parent of a family signs with its own new key
			secondHash = add.SecondPasswordHash
		}
		return actions.VerifySignature(secondHash, entry.SequenceNumber, deviceID, entry.EncodedAction, entry.Integrity)
	case model.SyncActionChild:
		u, ok := state.Users[entry.UserID]
		if ok && u.PasswordHash == "" && entry.Integrity == actions.DeviceIntegrity {
			return nil
		}
		return actions.VerifySignature(state.SecondHashes[entry.UserID], entry.SequenceNumber, deviceID, entry.EncodedAction, entry.Integrity)
	default:
		return fmt.Errorf("%w: unknown action type %q", actions.ErrInvalidAction, entry.Type)
	}
}

func (c *changeSet) merge(other *changeSet) {
	c.devices = c.devices || other.devices
	c.users = c.users || other.users
	for _, pair := range []struct{ dst, src map[string]bool }{
		{c.installedApps, other.installedApps},
		{c.base, other.base},
		{c.apps, other.apps},
		{c.rules, other.rules},
		{c.usedTimes, other.usedTimes},
	} {
		for k := range pair.src {
			pair.dst[k] = true
		}
	}
}

// Pull returns what differs between the family state and the device's versions
func (s *Service) Pull(ctx context.Context, familyID, deviceID string, status *ClientDataStatus) (_ *ServerDataStatus, err error) {
	start := s.stageStart()
	defer func() { s.observeStage(ctx, MetricsOpPull, MetricsStageTotal, start, 1, err != nil) }()

	loadStart := s.stageStart()
	state, err := s.store.Load(ctx, familyID)
	s.observeStage(ctx, MetricsOpPull, MetricsStagePullLoad, loadStart, 1, err != nil)
	if err != nil {
		return nil, err
	}
	if _, ok := state.Devices[deviceID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	diffStart := s.stageStart()
	minDay := 0
	if s.config.UsedTimeDays > 0 {
		minDay = int(s.now().Unix()/86400) - s.config.UsedTimeDays
	}
	result := diff(state, status, minDay)
	result.AppliedUpTo = state.AppliedUpTo[deviceID]
	s.observeStage(ctx, MetricsOpPull, MetricsStagePullDiff, diffStart, 1, false)
	return result, nil
}

func (s *Service) notify(familyID, exceptDeviceID, eventType string) {
	if s.notifier != nil {
		s.notifier.Notify(familyID, exceptDeviceID, eventType)
	}
}
