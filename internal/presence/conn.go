// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

// Package presence owns the lifecycle of live map connections.
//
// A Manager registers each new connection in the socket registry, attaches a
// LocationDelegation that keeps the connection's audience in step with its map
// viewport, and removes the record when the connection goes away. On a
// termination signal the Manager sweeps every connection this process still
// owns out of the registry before the process exits.
//
// The package depends only on the interfaces below. The websocket hub, the
// registry repository and the fanout broadcaster satisfy them in production;
// tests use in-memory fakes over a real registry.
package presence

import (
	"context"
	"time"

	"github.com/tomtom215/mapsight/internal/geo"
	"github.com/tomtom215/mapsight/internal/models"
)

// Conn is one live client connection as seen by the presence layer.
type Conn interface {
	ID() string
	User() models.UserProfile
	Region() string
	Emit(event string, payload any) error
	On(event string, handler func(ctx context.Context, data []byte))
	OnDisconnect(fn func())
	Close() error
}

// Registry is the subset of the socket registry the presence layer needs.
type Registry interface {
	Connect(ctx context.Context, user models.UserProfile, socketID, region string) (*models.SocketRecord, error)
	Disconnect(ctx context.Context, socketID string) (bool, error)
	RefreshGeoLocation(ctx context.Context, socketID string, position geo.Point) (*models.SocketRecord, error)
	RefreshMapViewGeo(ctx context.Context, socketID string, center geo.Point, corners geo.Bounds) (*models.SocketRecord, error)
	FetchSocketsInSight(ctx context.Context, corners geo.Bounds, excludeSocketID string) ([]models.Projection, error)
	FetchSocketBySocketID(ctx context.Context, socketID string) (models.Projection, error)
	PushSocketsIntoAudienceList(ctx context.Context, socketID string, targets []string) ([]string, error)
	RemoveSocketsFromAudienceList(ctx context.Context, socketID string, targets []string) ([]string, error)
}

// Broadcaster delivers an event to socket ids held by any process.
type Broadcaster interface {
	Broadcast(ctx context.Context, targets []string, event string, payload any) error
}

// Transport force-closes a connection by socket id. It reports false when
// the socket is not held by this process.
type Transport interface {
	Disconnect(socketID string) bool
}

// DefaultGracePeriod bounds the shutdown sweep.
const DefaultGracePeriod = 100 * time.Millisecond
