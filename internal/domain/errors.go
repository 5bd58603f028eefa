// SPDX-License-Identifier: Apache-2.0

package domain

import "errors"

var ErrSnapshotNotFound = errors.New("snapshot not found")
var ErrCorruptSnapshot = errors.New("corrupt snapshot payload")
var ErrInvalidSnapshot = errors.New("invalid snapshot")
var ErrPersistenceDisabled = errors.New("snapshot persistence disabled")
