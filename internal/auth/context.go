// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	familyIDKey contextKey = "family_id"
	deviceIDKey contextKey = "device_id"
)

// SetFamilyID sets the family ID in the context
func SetFamilyID(ctx context.Context, familyID string) context.Context {
	return context.WithValue(ctx, familyIDKey, familyID)
}

// GetFamilyID retrieves the family ID from the context
func GetFamilyID(ctx context.Context) (string, bool) {
	familyID, ok := ctx.Value(familyIDKey).(string)
	return familyID, ok && familyID != ""
}

// SetDeviceID sets the device ID in the context
func SetDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// GetDeviceID retrieves the device ID from the context
func GetDeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(deviceIDKey).(string)
	return deviceID, ok && deviceID != ""
}

// SetAuthContext sets both family and device ID in context
func SetAuthContext(ctx context.Context, familyID, deviceID string) context.Context {
	ctx = SetFamilyID(ctx, familyID)
	ctx = SetDeviceID(ctx, deviceID)
	return ctx
}
