// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/mapsight/internal/logging"
	"github.com/tomtom215/mapsight/internal/metrics"
	"github.com/tomtom215/mapsight/internal/models"
	"github.com/tomtom215/mapsight/internal/registry"
	"github.com/tomtom215/mapsight/internal/validation"
)

// Pipeline step names, also used as metric labels.
const (
	StepPersistViewport = "persist-viewport"
	StepFetchInSight    = "fetch-in-sight"
	StepAdmitAudience   = "admit-audience"
	StepEvictAudience   = "evict-audience"
	StepNotifySelf      = "notify-self"
	StepNotifyPeers     = "notify-peers"
)

// maxReciprocalWrites caps concurrent peer-side audience writes per refresh.
const maxReciprocalWrites = 16

// Emitter sends an event to the delegation's own connection.
type Emitter interface {
	Emit(event string, payload any) error
}

// LocationDelegation handles location and map view events for one socket.
type LocationDelegation struct {
	socketID    string
	self        Emitter
	registry    Registry
	broadcaster Broadcaster
}

// NewLocationDelegation creates the delegation for socketID.
func NewLocationDelegation(socketID string, self Emitter, reg Registry, b Broadcaster) *LocationDelegation {
	return &LocationDelegation{
		socketID:    socketID,
		self:        self,
		registry:    reg,
		broadcaster: b,
	}
}

// Attach registers the delegation's handlers on conn.
func (d *LocationDelegation) Attach(conn Conn) {
	conn.On(models.EventRefreshLocation, d.handleRefreshLocation)
	conn.On(models.EventRefreshMapView, d.handleRefreshMapView)
}

// decode unmarshals and validates an inbound payload.
func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return validation.New("payload", "json", err.Error())
	}
	return validation.ValidateStruct(v)
}

func (d *LocationDelegation) handleRefreshLocation(ctx context.Context, data []byte) {
	var update models.LocationUpdate
	if err := decode(data, &update); err != nil {
		metrics.RecordProtocolEvent(models.EventRefreshLocation, "invalid")
		logging.Ctx(ctx).Warn().Err(err).Msg("Dropping malformed refresh-location")
		return
	}
	if err := d.RefreshLocation(ctx, update); err != nil {
		metrics.RecordProtocolEvent(models.EventRefreshLocation, "error")
		logging.Ctx(ctx).Error().Err(err).Msg("refresh-location failed")
		return
	}
	metrics.RecordProtocolEvent(models.EventRefreshLocation, "ok")
}

// RefreshLocation stores the caller's position. Nobody is notified.
func (d *LocationDelegation) RefreshLocation(ctx context.Context, update models.LocationUpdate) error {
	if update.Position == nil {
		return validation.New("position", "required", "position is required")
	}
	_, err := d.registry.RefreshGeoLocation(ctx, d.socketID, *update.Position)
	return err
}

func (d *LocationDelegation) handleRefreshMapView(ctx context.Context, data []byte) {
	var update models.MapViewUpdate
	if err := decode(data, &update); err != nil {
		metrics.RecordProtocolEvent(models.EventRefreshMapView, "invalid")
		logging.Ctx(ctx).Warn().Err(err).Msg("Dropping malformed refresh-map-view")
		return
	}
	if err := d.RefreshMapView(ctx, update); err != nil {
		metrics.RecordProtocolEvent(models.EventRefreshMapView, "error")
		return
	}
	metrics.RecordProtocolEvent(models.EventRefreshMapView, "ok")
}

// viewRefresh carries state between pipeline steps.
type viewRefresh struct {
	update     models.MapViewUpdate
	prior      []string
	inSight    []models.Projection
	inSightIDs []string
}

type pipelineStep struct {
	name string
	run  func(d *LocationDelegation, ctx context.Context, r *viewRefresh) error
}

// mapViewPipeline runs in order; the first failure aborts the rest.
var mapViewPipeline = []pipelineStep{
	{StepPersistViewport, (*LocationDelegation).persistViewport},
	{StepFetchInSight, (*LocationDelegation).fetchInSight},
	{StepAdmitAudience, (*LocationDelegation).admitAudience},
	{StepEvictAudience, (*LocationDelegation).evictAudience},
	{StepNotifySelf, (*LocationDelegation).notifySelf},
	{StepNotifyPeers, (*LocationDelegation).notifyPeers},
}

// RefreshMapView stores the caller's viewport and reconciles its audience
// with the sockets now inside it.
func (d *LocationDelegation) RefreshMapView(ctx context.Context, update models.MapViewUpdate) error {
	if update.Center == nil || update.Corners == nil {
		return validation.New("corners", "required", "center and corners are required")
	}
	r := &viewRefresh{update: update}
	for _, step := range mapViewPipeline {
		if err := step.run(d, ctx, r); err != nil {
			metrics.RecordPipelineFailure(step.name)
			logging.Ctx(ctx).Error().Err(err).
				Str("step", step.name).
				Msg("refresh-map-view aborted")
			return fmt.Errorf("%s: %w", step.name, err)
		}
		logging.Ctx(ctx).Trace().Str("step", step.name).Msg("refresh-map-view step done")
	}
	return nil
}

func (d *LocationDelegation) persistViewport(ctx context.Context, r *viewRefresh) error {
	rec, err := d.registry.RefreshMapViewGeo(ctx, d.socketID, *r.update.Center, *r.update.Corners)
	if err != nil {
		return err
	}
	r.prior = rec.Audience
	return nil
}

func (d *LocationDelegation) fetchInSight(ctx context.Context, r *viewRefresh) error {
	inSight, err := d.registry.FetchSocketsInSight(ctx, *r.update.Corners, d.socketID)
	if err != nil {
		return err
	}
	r.inSight = inSight
	r.inSightIDs = models.SocketIDs(inSight)
	return nil
}

// admitAudience adds the in-sight sockets to the caller's audience and the
// caller to each of theirs. Peer writes cover every in-sight socket so a
// previously failed reciprocal edge heals here.
func (d *LocationDelegation) admitAudience(ctx context.Context, r *viewRefresh) error {
	if len(r.inSightIDs) == 0 {
		return nil
	}
	added, err := d.registry.PushSocketsIntoAudienceList(ctx, d.socketID, r.inSightIDs)
	if err != nil {
		return err
	}
	metrics.RecordAudienceChange("admit", "own", len(added))

	d.reciprocate(ctx, "admit", r.inSightIDs, func(ctx context.Context, peer string) (int, error) {
		n, err := d.registry.PushSocketsIntoAudienceList(ctx, peer, []string{d.socketID})
		return len(n), err
	})
	return nil
}

// evictAudience removes prior audience members that left the viewport, on
// both sides of each edge.
func (d *LocationDelegation) evictAudience(ctx context.Context, r *viewRefresh) error {
	evicted, _ := models.RemoveFromSet(r.prior, r.inSightIDs...)
	if len(evicted) == 0 {
		return nil
	}
	removed, err := d.registry.RemoveSocketsFromAudienceList(ctx, d.socketID, evicted)
	if err != nil {
		return err
	}
	metrics.RecordAudienceChange("evict", "own", len(removed))

	d.reciprocate(ctx, "evict", evicted, func(ctx context.Context, peer string) (int, error) {
		n, err := d.registry.RemoveSocketsFromAudienceList(ctx, peer, []string{d.socketID})
		return len(n), err
	})
	return nil
}

func (d *LocationDelegation) notifySelf(_ context.Context, r *viewRefresh) error {
	inSight := r.inSight
	if inSight == nil {
		inSight = []models.Projection{}
	}
	return d.self.Emit(models.EventRefreshUsersInMapView, inSight)
}

func (d *LocationDelegation) notifyPeers(ctx context.Context, r *viewRefresh) error {
	if len(r.inSightIDs) == 0 {
		return nil
	}
	self, err := d.registry.FetchSocketBySocketID(ctx, d.socketID)
	if err != nil {
		return err
	}
	return d.broadcaster.Broadcast(ctx, r.inSightIDs, models.EventRefreshUsersInMapView, []models.Projection{self})
}

// reciprocate applies write to every peer concurrently and waits for all of
// them. Failures are logged and counted but never returned.
func (d *LocationDelegation) reciprocate(ctx context.Context, op string, peers []string, write func(ctx context.Context, peer string) (int, error)) {
	sem := make(chan struct{}, maxReciprocalWrites)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changed int
	)
	for _, peer := range peers {
		wg.Add(1)
		sem <- struct{}{}
		go func(peer string) {
			defer wg.Done()
			defer func() { <-sem }()

			n, err := write(ctx, peer)
			if err != nil {
				metrics.RecordReciprocalFailure(op)
				ev := logging.Ctx(ctx).Warn()
				if errors.Is(err, registry.ErrNotFound) {
					ev = logging.Ctx(ctx).Debug()
				}
				ev.Err(err).
					Str("peer", peer).
					Str("operation", op).
					Msg("Reciprocal audience write failed")
				return
			}
			mu.Lock()
			changed += n
			mu.Unlock()
		}(peer)
	}
	wg.Wait()
	metrics.RecordAudienceChange(op, "peer", changed)
}
