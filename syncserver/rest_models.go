// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"github.com/mobiletoly/go-timelimit/model"
)

// REST/JSON models of the sync API, shared by the server and the device client.
// Family and device identity are taken from the JWT, never from request bodies.

// PushRequest uploads queued actions of one device in sequence order
type PushRequest struct {
	Actions []PushedAction `json:"actions"`
}

// PushedAction is one queued action on the wire. Merged usage reports carry the
// highest sequence number of the rows they replace.
type PushedAction struct {
	SequenceNumber        int64                `json:"sequenceNumber"`
	MergedSequenceNumbers []int64              `json:"mergedSequenceNumbers,omitempty"`
	EncodedAction         string               `json:"encodedAction"`
	Integrity             string               `json:"integrity"`
	Type                  model.SyncActionType `json:"type"`
	UserID                string               `json:"userId,omitempty"`
}

// PushResponse acknowledges a push
type PushResponse struct {
	ShouldDoFullSync bool  `json:"shouldDoFullSync"`
	AcknowledgedUpTo int64 `json:"acknowledgedUpTo"`
}

// ClientDataStatus lists the version stamps the device holds
type ClientDataStatus struct {
	Devices       string                      `json:"devices"`
	Users         string                      `json:"users"`
	InstalledApps map[string]string           `json:"apps,omitempty"` // device id -> version
	Categories    map[string]CategoryVersions `json:"categories,omitempty"`
}

// CategoryVersions are the per-aspect version stamps of a category
type CategoryVersions struct {
	Base      string `json:"base"`
	Apps      string `json:"apps"`
	Rules     string `json:"rules"`
	UsedTimes string `json:"usedTimes"`
}

// ServerDataStatus carries only what differs from the ClientDataStatus
type ServerDataStatus struct {
	Devices           *DeviceList         `json:"devices,omitempty"`
	Users             *UserList           `json:"users,omitempty"`
	InstalledApps     []InstalledAppsList `json:"apps,omitempty"`
	CategoryBases     []model.Category    `json:"categoryBase,omitempty"`
	CategoryApps      []CategoryAppsList  `json:"categoryApp,omitempty"`
	CategoryRules     []CategoryRulesList `json:"rules,omitempty"`
	CategoryUsedTimes []CategoryUsedTimes `json:"usedTimes,omitempty"`
	RemovedCategories []string            `json:"removedCategories,omitempty"`

	// AppliedUpTo is the highest sequence number the server applied for the requesting device
	AppliedUpTo int64 `json:"appliedUpTo"`
}

// Empty reports whether the response carries no changes
func (s *ServerDataStatus) Empty() bool {
	return s.Devices == nil && s.Users == nil && len(s.InstalledApps) == 0 &&
		len(s.CategoryBases) == 0 && len(s.CategoryApps) == 0 && len(s.CategoryRules) == 0 &&
		len(s.CategoryUsedTimes) == 0 && len(s.RemovedCategories) == 0
}

type DeviceList struct {
	Version string         `json:"version"`
	Devices []model.Device `json:"data"`
}

// UserList omits the signing keys of the users
type UserList struct {
	Version string       `json:"version"`
	Users   []model.User `json:"data"`
}

type InstalledAppsList struct {
	DeviceID string               `json:"deviceId"`
	Version  string               `json:"version"`
	Apps     []model.InstalledApp `json:"apps"`
}

type CategoryAppsList struct {
	CategoryID string   `json:"categoryId"`
	Version    string   `json:"version"`
	Apps       []string `json:"apps"`
}

type CategoryRulesList struct {
	CategoryID string                `json:"categoryId"`
	Version    string                `json:"version"`
	Rules      []model.TimeLimitRule `json:"rules"`
}

type CategoryUsedTimes struct {
	CategoryID string               `json:"categoryId"`
	Version    string               `json:"version"`
	Items      []model.UsedTimeItem `json:"times"`
}

// RegisterRequest enrolls a device. Without a bearer token a new family is created.
type RegisterRequest struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	Model      string `json:"model,omitempty"`
}

// RegisterResponse returns the token the device authenticates with
type RegisterResponse struct {
	FamilyID string `json:"familyId"`
	DeviceID string `json:"deviceId"`
	Token    string `json:"token"`
}

// Event is a message of the push channel
type Event struct {
	Type string `json:"type"`
}

// Push channel event types
const (
	EventSyncRequested  = "sync_requested"
	EventDevicesChanged = "devices_changed"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
