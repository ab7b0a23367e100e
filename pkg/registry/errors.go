// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"errors"
)

// Common registry errors
var (
	ErrNotFound      = errors.New("object not found")
	ErrAlreadyExists = errors.New("object already exists")
	ErrInvariant     = errors.New("registry invariant violated")
)

// IsNotFound returns true if the error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists returns true if the error is an "already exists" error
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsInvariant returns true if the error reports an internal inconsistency
func IsInvariant(err error) bool {
	return errors.Is(err, ErrInvariant)
}
