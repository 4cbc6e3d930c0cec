// SPDX-License-Identifier: AGPL-3.0-or-later

package domain

import "errors"

// Sentinel errors for the domain layer.
// Use errors.Is() to check for these errors.
// Wrap with fmt.Errorf("context: %w", ErrXxx) to add context.

var (
	ErrInstanceAlreadyExists = errors.New("instance already exists")
	ErrInstanceNotFound      = errors.New("instance not found")
	ErrInvalidIdentifier     = errors.New("invalid identifier")
	ErrInvalidServerAddress  = errors.New("invalid server address")

	ErrInvalidStatusTransition = errors.New("invalid status transition")
)
