// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package actions

const (
	KindChildSignIn           = "CHILD_SIGN_IN"
	KindChildSetPrimaryDevice = "CHILD_SET_PRIMARY_DEVICE"
)

// ChildSignInAction makes the authenticated child the user of the device
type ChildSignInAction struct {
	child
}

func (ChildSignInAction) Kind() string { return KindChildSignIn }

func (ChildSignInAction) Validate() error { return nil }

// ChildSetPrimaryDeviceAction makes the device the primary device of the child, or releases it
type ChildSetPrimaryDeviceAction struct {
	child
	SetAsPrimary bool `json:"setAsPrimary"`
}

func (ChildSetPrimaryDeviceAction) Kind() string { return KindChildSetPrimaryDevice }

func (ChildSetPrimaryDeviceAction) Validate() error { return nil }
