// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package registry

import (
	"context"

	"github.com/tomtom215/mapsight/internal/geo"
	"github.com/tomtom215/mapsight/internal/models"
)

// Store is the geo store capability behind the Repository. Implementations
// must enforce socket id uniqueness, answer box containment queries over
// viewport centers, and offer idempotent audience set mutation.
//
// Records returned by a Store are owned by the caller.
type Store interface {
	// Insert creates rec, failing with ErrDuplicateSocket if the id exists.
	Insert(ctx context.Context, rec *models.SocketRecord) error

	// Delete removes the record. It reports whether a record was removed.
	Delete(ctx context.Context, socketID string) (bool, error)

	// UpdatePoint sets the last reported position.
	UpdatePoint(ctx context.Context, socketID string, p geo.Point) (*models.SocketRecord, error)

	// UpdateViewport sets the last reported viewport and reindexes its center.
	UpdateViewport(ctx context.Context, socketID string, vp geo.Viewport) (*models.SocketRecord, error)

	// Get returns the record for socketID.
	Get(ctx context.Context, socketID string) (*models.SocketRecord, error)

	// FindByUser returns every record owned by userID.
	FindByUser(ctx context.Context, userID string) ([]*models.SocketRecord, error)

	// FindInBox returns records tagged with region whose viewport center lies
	// inside box, excluding excludeSocketID.
	FindInBox(ctx context.Context, region string, box geo.Bounds, excludeSocketID string) ([]*models.SocketRecord, error)

	// AddAudience adds targets to the record's audience and returns the ids
	// that were not already members.
	AddAudience(ctx context.Context, socketID string, targets []string) ([]string, error)

	// RemoveAudience removes targets from the record's audience and returns
	// the ids that were members.
	RemoveAudience(ctx context.Context, socketID string, targets []string) ([]string, error)

	// ListByProcess returns the socket ids of records created by processID.
	ListByProcess(ctx context.Context, processID string) ([]string, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}
