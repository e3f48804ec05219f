// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package dispatch applies actions to the local store and queues them for upload.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mobiletoly/go-timelimit/actions"
	"github.com/mobiletoly/go-timelimit/localdb"
	"github.com/mobiletoly/go-timelimit/model"
)

// ErrAuthentication is returned when the password of a parent or child does not match
var ErrAuthentication = errors.New("authentication failed")

// ParentAuth authenticates a parent action
type ParentAuth struct {
	UserID   string
	Password string
}

// ChildAuth authenticates a child action; Password may be empty for children without one
type ChildAuth struct {
	UserID   string
	Password string
}

// Recorder observes dispatch outcomes
type Recorder interface {
	ActionDispatched(kind string, class model.SyncActionType, err error)
}

// TimeConfirmer pins the local clock as trusted
type TimeConfirmer interface {
	ConfirmLocalTime()
}

// Options configure a Dispatcher
type Options struct {
	DeviceID string
	// LocalMode applies actions without queueing them, for devices without a server
	LocalMode bool
	Logger    *slog.Logger
	Recorder  Recorder
	Clock     TimeConfirmer
	// OnEnqueued is called after a queued action was committed
	OnEnqueued func()
	// OnManipulation is called after an action detected manipulation of the device
	OnManipulation func()
}

// Dispatcher is the single entry point for changing local state
type Dispatcher struct {
	db   *localdb.DB
	opts Options
	log  *slog.Logger
}

// New creates a Dispatcher writing to db
func New(db *localdb.DB, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{db: db, opts: opts, log: logger}
}

// DeviceID returns the id of the local device
func (d *Dispatcher) DeviceID() string {
	return d.opts.DeviceID
}

// DispatchAppLogicAction applies an action produced by the device itself
func (d *Dispatcher) DispatchAppLogicAction(ctx context.Context, a actions.AppLogicAction) error {
	return d.dispatch(ctx, a, "", func(context.Context, *localdb.Tx) (actions.Signer, error) {
		return actions.DeviceSigner, nil
	})
}

// DispatchParentAction verifies the parent password and applies a
func (d *Dispatcher) DispatchParentAction(ctx context.Context, a actions.ParentAction, auth ParentAuth) error {
	return d.dispatch(ctx, a, auth.UserID, func(ctx context.Context, tx *localdb.Tx) (actions.Signer, error) {
		if auth.UserID == "" {
			return bootstrapSigner(ctx, tx, a, auth.Password)
		}
		u, err := tx.GetUser(ctx, auth.UserID)
		if errors.Is(err, localdb.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown user %s", ErrAuthentication, auth.UserID)
		}
		if err != nil {
			return nil, err
		}
		if u.Type != model.UserTypeParent || !actions.CheckPassword(u.PasswordHash, auth.Password) {
			return nil, ErrAuthentication
		}
		return actions.SecondHashSigner{SecondHash: actions.DeriveSecondHash(auth.Password, u.SecondPasswordSalt)}, nil
	})
}

// bootstrapSigner authenticates the first parent of an empty family with the password of the new user
func bootstrapSigner(ctx context.Context, tx *localdb.Tx, a actions.ParentAction, password string) (actions.Signer, error) {
	add, ok := a.(actions.AddUserAction)
	if !ok || add.Type != model.UserTypeParent {
		return nil, fmt.Errorf("%w: missing parent", ErrAuthentication)
	}
	users, err := tx.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	if len(users) > 0 || !actions.CheckPassword(add.PasswordHash, password) {
		return nil, ErrAuthentication
	}
	return actions.SecondHashSigner{SecondHash: actions.DeriveSecondHash(password, add.SecondPasswordSalt)}, nil
}

// DispatchChildAction verifies the child and applies a
func (d *Dispatcher) DispatchChildAction(ctx context.Context, a actions.ChildAction, auth ChildAuth) error {
	return d.dispatch(ctx, a, auth.UserID, func(ctx context.Context, tx *localdb.Tx) (actions.Signer, error) {
		u, err := tx.GetUser(ctx, auth.UserID)
		if errors.Is(err, localdb.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown user %s", ErrAuthentication, auth.UserID)
		}
		if err != nil {
			return nil, err
		}
		if u.Type != model.UserTypeChild {
			return nil, ErrAuthentication
		}
		if u.PasswordHash == "" {
			return actions.DeviceSigner, nil
		}
		if !actions.CheckPassword(u.PasswordHash, auth.Password) {
			return nil, ErrAuthentication
		}
		return actions.SecondHashSigner{SecondHash: actions.DeriveSecondHash(auth.Password, u.SecondPasswordSalt)}, nil
	})
}

// AuthenticateParent checks a parent password for operations that are not actions
func (d *Dispatcher) AuthenticateParent(ctx context.Context, auth ParentAuth) error {
	u, err := d.db.Read().GetUser(ctx, auth.UserID)
	if errors.Is(err, localdb.ErrNotFound) {
		return ErrAuthentication
	}
	if err != nil {
		return err
	}
	if u.Type != model.UserTypeParent || !actions.CheckPassword(u.PasswordHash, auth.Password) {
		return ErrAuthentication
	}
	return nil
}

// ConfirmLocalTime lets a parent declare the device clock correct
func (d *Dispatcher) ConfirmLocalTime(ctx context.Context, auth ParentAuth) error {
	if d.opts.Clock == nil {
		return errors.New("no clock to confirm")
	}
	if err := d.AuthenticateParent(ctx, auth); err != nil {
		return err
	}
	d.opts.Clock.ConfirmLocalTime()
	d.log.Info("local time confirmed", "user", auth.UserID)
	return nil
}

type authenticator func(ctx context.Context, tx *localdb.Tx) (actions.Signer, error)

func (d *Dispatcher) dispatch(ctx context.Context, a actions.Action, userID string, auth authenticator) (err error) {
	class := actions.Class(a)
	defer func() {
		if d.opts.Recorder != nil {
			d.opts.Recorder.ActionDispatched(a.Kind(), class, err)
		}
	}()

	var result actions.Result
	queued := false
	err = d.db.InTx(ctx, func(tx *localdb.Tx) error {
		signer, err := auth(ctx, tx)
		if err != nil {
			return err
		}
		result, err = actions.Apply(ctx, tx, a, actions.Env{DeviceID: d.opts.DeviceID, UserID: userID})
		if err != nil {
			return err
		}
		if d.opts.LocalMode {
			return nil
		}

		encoded, err := actions.Marshal(a)
		if err != nil {
			return err
		}
		seq, err := tx.AllocateSequenceNumber(ctx)
		if err != nil {
			return err
		}
		if err := tx.InsertPendingAction(ctx, model.PendingSyncAction{
			SequenceNumber: seq,
			EncodedAction:  string(encoded),
			Integrity:      signer.Sign(seq, d.opts.DeviceID, string(encoded)),
			Type:           class,
			UserID:         userID,
		}); err != nil {
			return err
		}
		queued = true
		return nil
	})
	if err != nil {
		d.log.Debug("action rejected", "kind", a.Kind(), "error", err)
		return err
	}

	d.log.Debug("action dispatched", "kind", a.Kind(), "queued", queued)
	if result.ManipulationDetected {
		d.log.Warn("device manipulation detected", "kind", a.Kind())
		if d.opts.OnManipulation != nil {
			d.opts.OnManipulation()
		}
	}
	if queued && d.opts.OnEnqueued != nil {
		d.opts.OnEnqueued()
	}
	return nil
}
