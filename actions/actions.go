// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package actions defines the vocabulary of state changes, their validation,
// their wire encoding and how they are applied to family state.
package actions

import (
	"errors"
	"fmt"

	"github.com/mobiletoly/go-timelimit/model"
)

var (
	// ErrInvalidAction marks structural validation failures; such actions are never dispatched
	ErrInvalidAction = errors.New("invalid action")
	// ErrBusinessRule marks actions that are well formed but not allowed against the current state
	ErrBusinessRule = errors.New("business rule violation")
	// ErrUnknownAction is returned for action kinds without a decoder or handler
	ErrUnknownAction = errors.New("unknown action")
)

// Action is an immutable, self validating state change
type Action interface {
	Kind() string
	Validate() error
	isAction()
}

// AppLogicAction is produced by the device itself and needs no authentication
type AppLogicAction interface {
	Action
	appLogicAction()
}

// ParentAction changes family configuration and requires a parent
type ParentAction interface {
	Action
	parentAction()
}

// ChildAction is initiated by a signed in child
type ChildAction interface {
	Action
	childAction()
}

type appLogic struct{}

func (appLogic) isAction()       {}
func (appLogic) appLogicAction() {}

type parent struct{}

func (parent) isAction()     {}
func (parent) parentAction() {}

type child struct{}

func (child) isAction()    {}
func (child) childAction() {}

// Class returns the sync class of an action
func Class(a Action) model.SyncActionType {
	switch a.(type) {
	case ParentAction:
		return model.SyncActionParent
	case ChildAction:
		return model.SyncActionChild
	default:
		return model.SyncActionAppLogic
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidAction, fmt.Sprintf(format, args...))
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBusinessRule, fmt.Sprintf(format, args...))
}

func validateID(field, id string) error {
	if !model.IsValidID(id) {
		return invalid("%s %q is not a valid id", field, id)
	}
	return nil
}

func validateOptionalID(field, id string) error {
	if id == "" {
		return nil
	}
	return validateID(field, id)
}

func validateNonNegative(field string, value int64) error {
	if value < 0 {
		return invalid("%s must not be negative: %d", field, value)
	}
	return nil
}

func validateAppList(field string, apps []string) error {
	if len(apps) == 0 {
		return invalid("%s must not be empty", field)
	}
	seen := make(map[string]struct{}, len(apps))
	for _, app := range apps {
		if app == "" {
			return invalid("%s contains an empty entry", field)
		}
		if _, ok := seen[app]; ok {
			return invalid("%s contains %q twice", field, app)
		}
		seen[app] = struct{}{}
	}
	return nil
}
