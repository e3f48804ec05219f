// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package model

import "errors"

// ErrNotFound is returned by stores when a referenced entity does not exist
var ErrNotFound = errors.New("not found")
