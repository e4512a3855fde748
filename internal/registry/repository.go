// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

// Package registry is the socket registry: a typed repository over a geo store
// that persists one record per live connection and answers the proximity
// queries behind audience computation.
//
// The Repository normalizes and validates inputs, then forwards to a Store.
// It never retries; store errors surface unchanged so callers can classify
// them with errors.Is against ErrNotFound, ErrDuplicateSocket and
// ErrStoreUnavailable.
package registry

import (
	"context"
	"sort"
	"time"

	"github.com/tomtom215/mapsight/internal/geo"
	"github.com/tomtom215/mapsight/internal/metrics"
	"github.com/tomtom215/mapsight/internal/models"
	"github.com/tomtom215/mapsight/internal/validation"
)

// DefaultSightRegion is the region tag that proximity queries are scoped to.
const DefaultSightRegion = "console"

// Options configures a Repository.
type Options struct {
	// ProcessID is stamped on every record this process creates.
	ProcessID string

	// SightRegion restricts FetchSocketsInSight. Default: "console".
	SightRegion string

	// Clock returns the connection timestamp. Default: time.Now.
	Clock func() time.Time
}

// Repository is the socket registry facade used by the presence layer.
type Repository struct {
	store       Store
	processID   string
	sightRegion string
	now         func() time.Time
}

// NewRepository creates a Repository over store.
func NewRepository(store Store, opts Options) *Repository {
	if opts.SightRegion == "" {
		opts.SightRegion = DefaultSightRegion
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Repository{
		store:       store,
		processID:   opts.ProcessID,
		sightRegion: opts.SightRegion,
		now:         opts.Clock,
	}
}

// ProcessID returns the identifier stamped on records created by this process.
func (r *Repository) ProcessID() string {
	return r.processID
}

// SightRegion returns the region tag proximity queries are restricted to.
func (r *Repository) SightRegion() string {
	return r.sightRegion
}

func observe(op string, start time.Time, err error) {
	metrics.RecordStoreOp(op, time.Since(start), errorType(err))
}

func requireID(field, id string) error {
	if id == "" {
		return validation.New(field, "required", field+" is required")
	}
	return nil
}

// Connect registers a new socket owned by user. The profile is stamped on
// the record and shown to every peer the socket comes into sight of.
func (r *Repository) Connect(ctx context.Context, user models.UserProfile, socketID, region string) (rec *models.SocketRecord, err error) {
	defer func(start time.Time) { observe("connect", start, err) }(time.Now())

	if err = requireID("userId", user.ID); err != nil {
		return nil, err
	}
	if err = requireID("socketId", socketID); err != nil {
		return nil, err
	}

	rec = &models.SocketRecord{
		SocketID:    socketID,
		UserID:      user.ID,
		ProcessID:   r.processID,
		Region:      region,
		User:        &user,
		ConnectedAt: r.now().UTC(),
	}
	if err = r.store.Insert(ctx, rec); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// Disconnect deletes the socket record. It reports whether a record existed.
func (r *Repository) Disconnect(ctx context.Context, socketID string) (deleted bool, err error) {
	defer func(start time.Time) { observe("disconnect", start, err) }(time.Now())

	if err = requireID("socketId", socketID); err != nil {
		return false, err
	}
	return r.store.Delete(ctx, socketID)
}

// RefreshGeoLocation stores the last reported position of the socket.
func (r *Repository) RefreshGeoLocation(ctx context.Context, socketID string, position geo.Point) (rec *models.SocketRecord, err error) {
	defer func(start time.Time) { observe("refresh_location", start, err) }(time.Now())

	if err = requireID("socketId", socketID); err != nil {
		return nil, err
	}
	if err = validation.ValidateStruct(&position); err != nil {
		return nil, err
	}
	return r.store.UpdatePoint(ctx, socketID, position)
}

// RefreshMapViewGeo stores the last reported viewport of the socket.
func (r *Repository) RefreshMapViewGeo(ctx context.Context, socketID string, center geo.Point, corners geo.Bounds) (rec *models.SocketRecord, err error) {
	defer func(start time.Time) { observe("refresh_map_view", start, err) }(time.Now())

	if err = requireID("socketId", socketID); err != nil {
		return nil, err
	}
	vp := geo.Viewport{Center: center, Bounds: corners}
	if err = validation.ValidateStruct(&vp); err != nil {
		return nil, err
	}
	return r.store.UpdateViewport(ctx, socketID, vp)
}

// FindSocketsIDByRegionAndUser lists the user's socket ids that pass filter,
// oldest connection first.
func (r *Repository) FindSocketsIDByRegionAndUser(ctx context.Context, userID string, filter models.RegionFilter) (ids []string, err error) {
	defer func(start time.Time) { observe("find_by_user", start, err) }(time.Now())

	if err = requireID("userId", userID); err != nil {
		return nil, err
	}
	if err = validation.ValidateStruct(&filter); err != nil {
		return nil, err
	}

	recs, err := r.store.FindByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	sortRecords(recs)

	ids = make([]string, 0, len(recs))
	for _, rec := range recs {
		if filter.Matches(rec.Region) {
			ids = append(ids, rec.SocketID)
		}
	}
	return ids, nil
}

// FetchSocketsInSight returns the public projection of every socket in the
// sight region whose viewport center lies inside corners, never including
// excludeSocketID.
func (r *Repository) FetchSocketsInSight(ctx context.Context, corners geo.Bounds, excludeSocketID string) (out []models.Projection, err error) {
	defer func(start time.Time) { observe("fetch_in_sight", start, err) }(time.Now())

	if err = validation.ValidateStruct(&corners); err != nil {
		return nil, err
	}

	recs, err := r.store.FindInBox(ctx, r.sightRegion, corners, excludeSocketID)
	if err != nil {
		return nil, err
	}
	sortRecords(recs)

	out = make([]models.Projection, 0, len(recs))
	for _, rec := range recs {
		if rec.SocketID == excludeSocketID {
			continue
		}
		out = append(out, rec.Projection())
	}
	return out, nil
}

// FetchSocketBySocketID returns the public projection of one socket.
func (r *Repository) FetchSocketBySocketID(ctx context.Context, socketID string) (p models.Projection, err error) {
	defer func(start time.Time) { observe("fetch_by_socket", start, err) }(time.Now())

	if err = requireID("socketId", socketID); err != nil {
		return models.Projection{}, err
	}
	rec, err := r.store.Get(ctx, socketID)
	if err != nil {
		return models.Projection{}, err
	}
	return rec.Projection(), nil
}

// PushSocketsIntoAudienceList adds targets to the socket's audience and
// returns the ids actually added. Re-adding a member is a no-op.
func (r *Repository) PushSocketsIntoAudienceList(ctx context.Context, socketID string, targets []string) (added []string, err error) {
	defer func(start time.Time) { observe("audience_push", start, err) }(time.Now())

	if err = requireID("socketId", socketID); err != nil {
		return nil, err
	}
	targets, err = normalizeTargets(targets)
	if err != nil || len(targets) == 0 {
		return nil, err
	}
	return r.store.AddAudience(ctx, socketID, targets)
}

// RemoveSocketsFromAudienceList removes targets from the socket's audience
// and returns the ids actually removed. Removing a non-member is a no-op.
func (r *Repository) RemoveSocketsFromAudienceList(ctx context.Context, socketID string, targets []string) (removed []string, err error) {
	defer func(start time.Time) { observe("audience_remove", start, err) }(time.Now())

	if err = requireID("socketId", socketID); err != nil {
		return nil, err
	}
	targets, err = normalizeTargets(targets)
	if err != nil || len(targets) == 0 {
		return nil, err
	}
	return r.store.RemoveAudience(ctx, socketID, targets)
}

// SocketsByProcess lists the socket ids created by processID.
func (r *Repository) SocketsByProcess(ctx context.Context, processID string) (ids []string, err error) {
	defer func(start time.Time) { observe("list_by_process", start, err) }(time.Now())

	if err = requireID("processId", processID); err != nil {
		return nil, err
	}
	ids, err = r.store.ListByProcess(ctx, processID)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Ping checks that the underlying store is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

// normalizeTargets drops duplicates while keeping first-seen order.
func normalizeTargets(targets []string) ([]string, error) {
	seen := make(map[string]struct{}, len(targets))
	out := make([]string, 0, len(targets))
	for _, id := range targets {
		if id == "" {
			return nil, validation.New("targets", "required", "targets must not contain empty socket ids")
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func sortRecords(recs []*models.SocketRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].ConnectedAt.Equal(recs[j].ConnectedAt) {
			return recs[i].ConnectedAt.Before(recs[j].ConnectedAt)
		}
		return recs[i].SocketID < recs[j].SocketID
	})
}
