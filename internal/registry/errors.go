// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package registry

import (
	"errors"

	"github.com/tomtom215/mapsight/internal/validation"
)

var (
	// ErrNotFound is returned when a socket record does not exist, usually
	// because it was already removed by a disconnect.
	ErrNotFound = errors.New("socket record not found")

	// ErrDuplicateSocket is returned by Connect when the socket id is already
	// registered anywhere in the cluster.
	ErrDuplicateSocket = errors.New("socket already registered")

	// ErrStoreUnavailable wraps failures reaching the geo store.
	ErrStoreUnavailable = errors.New("geo store unavailable")
)

// errorType classifies err for metrics labels.
func errorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateSocket):
		return "duplicate"
	case errors.Is(err, ErrStoreUnavailable):
		return "unavailable"
	case validation.IsValidationError(err):
		return "invalid"
	default:
		return "other"
	}
}
