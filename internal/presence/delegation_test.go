// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package presence

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/tomtom215/mapsight/internal/geo"
	"github.com/tomtom215/mapsight/internal/models"
	"github.com/tomtom215/mapsight/internal/registry"
)

func TestDelegation_RefreshLocation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	conn := h.connect(t, "sock-a", "user-1")

	conn.send(t, models.EventRefreshLocation, models.LocationUpdate{
		Position: &geo.Point{Latitude: 48.85, Longitude: 2.35},
	})

	rec, err := h.store.Get(context.Background(), "sock-a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Point == nil || rec.Point.Latitude != 48.85 || rec.Point.Longitude != 2.35 {
		t.Errorf("Point = %v, want (48.85,2.35)", rec.Point)
	}
	if got := h.broadcast.sent(); len(got) != 0 {
		t.Errorf("refresh-location broadcast %d events, want 0", len(got))
	}
	if got := conn.emissions(); len(got) != 0 {
		t.Errorf("refresh-location emitted %d events, want 0", len(got))
	}
}

func TestDelegation_RefreshLocation_Dropped(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{"malformed json", `{"position":`},
		{"missing position", `{}`},
		{"latitude out of range", `{"position":{"latitude":120,"longitude":0}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			conn := h.connect(t, "sock-a", "user-1")

			conn.sendRaw(t, models.EventRefreshLocation, []byte(tt.data))

			rec, err := h.store.Get(context.Background(), "sock-a")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if rec.Point != nil {
				t.Errorf("Point = %v, want unchanged nil", rec.Point)
			}
		})
	}
}

func TestDelegation_RefreshLocation_UnknownSocket(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	d := NewLocationDelegation("ghost", newFakeConn("ghost", "u", ""), h.registry, h.broadcast)

	err := d.RefreshLocation(context.Background(), models.LocationUpdate{Position: &geo.Point{}})
	if !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("RefreshLocation() error = %v, want ErrNotFound", err)
	}
}

// TestDelegation_ViewportShrink follows one socket zooming in until a peer
// drops out of its view.
func TestDelegation_ViewportShrink(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	a := h.connect(t, "sock-a", "user-a")
	b := h.connect(t, "sock-b", "user-b")
	c := h.connect(t, "sock-c", "user-c")

	b.send(t, models.EventRefreshMapView, view(5, 5, 1))
	c.send(t, models.EventRefreshMapView, view(20, 20, 1))

	// Wide view: both peers in sight.
	a.send(t, models.EventRefreshMapView, view(15, 15, 15))

	if got, want := h.audience(t, "sock-a"), []string{"sock-b", "sock-c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("audience(a) = %v, want %v", got, want)
	}
	for _, peer := range []string{"sock-b", "sock-c"} {
		if got := h.audience(t, peer); !contains(got, "sock-a") {
			t.Errorf("audience(%s) = %v, want it to contain sock-a", peer, got)
		}
	}

	// Narrow view: only b remains.
	a.send(t, models.EventRefreshMapView, view(5, 5, 5))

	if got, want := h.audience(t, "sock-a"), []string{"sock-b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("audience(a) = %v, want %v", got, want)
	}
	if got := h.audience(t, "sock-c"); contains(got, "sock-a") {
		t.Errorf("audience(c) = %v, still contains sock-a", got)
	}
	if got := h.audience(t, "sock-b"); !contains(got, "sock-a") {
		t.Errorf("audience(b) = %v, lost sock-a", got)
	}

	emitted := a.emissions()
	if len(emitted) != 2 {
		t.Fatalf("a received %d events, want 2", len(emitted))
	}
	last := emitted[1]
	if last.event != models.EventRefreshUsersInMapView {
		t.Errorf("event = %q, want %q", last.event, models.EventRefreshUsersInMapView)
	}
	if got, want := projectionIDs(t, last.payload), []string{"sock-b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("in-sight list = %v, want %v", got, want)
	}

	sent := h.broadcast.sent()
	final := sent[len(sent)-1]
	if got, want := final.targets, []string{"sock-b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("broadcast targets = %v, want %v", got, want)
	}
	if got, want := projectionIDs(t, final.payload), []string{"sock-a"}; !reflect.DeepEqual(got, want) {
		t.Errorf("broadcast payload = %v, want %v", got, want)
	}
}

func TestDelegation_InSightCarriesUserProfile(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	alice := models.UserProfile{ID: "user-a", Username: "alice", Avatar: "https://cdn.example/a.png"}
	bob := models.UserProfile{ID: "user-b", Username: "bob"}

	a := newFakeConn("sock-a", "", registry.DefaultSightRegion)
	a.user = alice
	b := newFakeConn("sock-b", "", registry.DefaultSightRegion)
	b.user = bob
	for _, conn := range []*fakeConn{a, b} {
		if err := h.manager.OnConnect(context.Background(), conn); err != nil {
			t.Fatalf("OnConnect(%s) error = %v", conn.ID(), err)
		}
	}

	b.send(t, models.EventRefreshMapView, view(5, 5, 1))
	a.send(t, models.EventRefreshMapView, view(5, 5, 5))

	emitted := a.emissions()
	if len(emitted) == 0 {
		t.Fatal("a received no in-sight list")
	}
	ps, ok := emitted[len(emitted)-1].payload.([]models.Projection)
	if !ok || len(ps) != 1 {
		t.Fatalf("in-sight payload = %#v, want one projection", emitted[len(emitted)-1].payload)
	}
	if ps[0].User == nil || *ps[0].User != bob {
		t.Errorf("in-sight user = %+v, want %+v", ps[0].User, bob)
	}

	sent := h.broadcast.sent()
	if len(sent) == 0 {
		t.Fatal("no broadcast to peers")
	}
	self, ok := sent[len(sent)-1].payload.([]models.Projection)
	if !ok || len(self) != 1 || self[0].User == nil || *self[0].User != alice {
		t.Errorf("broadcast payload = %#v, want alice's projection", sent[len(sent)-1].payload)
	}
}

func TestDelegation_InSightOrderedByConnectTime(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	watcher := h.connect(t, "sock-w", "user-w")
	for _, id := range []string{"sock-z", "sock-y", "sock-x"} {
		conn := h.connect(t, id, "user-"+id)
		conn.send(t, models.EventRefreshMapView, view(1, 1, 0.5))
	}

	watcher.send(t, models.EventRefreshMapView, view(0, 0, 5))

	emitted := watcher.emissions()
	if got, want := projectionIDs(t, emitted[len(emitted)-1].payload), []string{"sock-z", "sock-y", "sock-x"}; !reflect.DeepEqual(got, want) {
		t.Errorf("in-sight order = %v, want %v", got, want)
	}
}

func TestDelegation_EmptyViewEmitsEmptyList(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	a := h.connect(t, "sock-a", "user-a")

	a.send(t, models.EventRefreshMapView, view(-40, 100, 1))

	emitted := a.emissions()
	if len(emitted) != 1 {
		t.Fatalf("emitted %d events, want 1", len(emitted))
	}
	if got := projectionIDs(t, emitted[0].payload); len(got) != 0 {
		t.Errorf("in-sight list = %v, want empty", got)
	}
	if got := h.broadcast.sent(); len(got) != 0 {
		t.Errorf("broadcast %d events with nobody in sight", len(got))
	}
}

func TestDelegation_Idempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	a := h.connect(t, "sock-a", "user-a")
	b := h.connect(t, "sock-b", "user-b")
	b.send(t, models.EventRefreshMapView, view(2, 2, 1))

	for i := 0; i < 3; i++ {
		a.send(t, models.EventRefreshMapView, view(0, 0, 5))
	}

	if got, want := h.audience(t, "sock-a"), []string{"sock-b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("audience(a) = %v, want %v", got, want)
	}
	if got, want := h.audience(t, "sock-b"), []string{"sock-a"}; !reflect.DeepEqual(got, want) {
		t.Errorf("audience(b) = %v, want %v", got, want)
	}
	for i, e := range a.emissions() {
		if got, want := projectionIDs(t, e.payload), []string{"sock-b"}; !reflect.DeepEqual(got, want) {
			t.Errorf("emission %d = %v, want %v", i, got, want)
		}
	}
}

func TestDelegation_ReciprocalFailureDoesNotAbort(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	a := h.connect(t, "sock-a", "user-a")
	b := h.connect(t, "sock-b", "user-b")
	b.send(t, models.EventRefreshMapView, view(2, 2, 1))

	h.registry.pushErr = map[string]error{"sock-b": registry.ErrStoreUnavailable}
	d := NewLocationDelegation("sock-a", a, h.registry, h.broadcast)
	if err := d.RefreshMapView(context.Background(), view(0, 0, 5)); err != nil {
		t.Fatalf("RefreshMapView() error = %v, want nil", err)
	}

	if got, want := h.audience(t, "sock-a"), []string{"sock-b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("audience(a) = %v, want %v", got, want)
	}
	if got := h.audience(t, "sock-b"); contains(got, "sock-a") {
		t.Errorf("audience(b) = %v, reciprocal write should have failed", got)
	}
	if len(a.emissions()) != 1 {
		t.Errorf("notify-self skipped after reciprocal failure")
	}
	if len(h.broadcast.sent()) != 1 {
		t.Errorf("notify-peers skipped after reciprocal failure")
	}

	// The next refresh heals the missing edge.
	h.registry.pushErr = nil
	if err := d.RefreshMapView(context.Background(), view(0, 0, 5)); err != nil {
		t.Fatalf("RefreshMapView() error = %v", err)
	}
	if got := h.audience(t, "sock-b"); !contains(got, "sock-a") {
		t.Errorf("audience(b) = %v, edge did not heal", got)
	}
}

func TestDelegation_OwnWriteFailureAborts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		setup    func(h *harness)
		view     models.MapViewUpdate
		wantStep string
		wantErr  error
	}{
		{
			name:     "admit",
			setup:    func(h *harness) { h.registry.pushErr = map[string]error{"sock-a": registry.ErrStoreUnavailable} },
			view:     view(0, 0, 5),
			wantStep: StepAdmitAudience,
			wantErr:  registry.ErrStoreUnavailable,
		},
		{
			name:     "evict",
			setup:    func(h *harness) { h.registry.removeErr = map[string]error{"sock-a": registry.ErrStoreUnavailable} },
			view:     view(-50, -50, 1),
			wantStep: StepEvictAudience,
			wantErr:  registry.ErrStoreUnavailable,
		},
		{
			name:     "broadcast",
			setup:    func(h *harness) { h.broadcast.err = errors.New("publish failed") },
			view:     view(0, 0, 5),
			wantStep: StepNotifyPeers,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			a := h.connect(t, "sock-a", "user-a")
			b := h.connect(t, "sock-b", "user-b")
			b.send(t, models.EventRefreshMapView, view(2, 2, 1))
			d := NewLocationDelegation("sock-a", a, h.registry, h.broadcast)
			if err := d.RefreshMapView(context.Background(), view(0, 0, 5)); err != nil {
				t.Fatalf("initial RefreshMapView() error = %v", err)
			}
			before := len(a.emissions())

			tt.setup(h)
			err := d.RefreshMapView(context.Background(), tt.view)
			if err == nil {
				t.Fatal("RefreshMapView() error = nil, want failure")
			}
			if !strings.HasPrefix(err.Error(), tt.wantStep+":") {
				t.Errorf("error = %v, want step %s", err, tt.wantStep)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantStep != StepNotifyPeers && len(a.emissions()) != before {
				t.Error("notify-self ran after an aborted step")
			}
		})
	}
}

func TestDelegation_RefreshMapView_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{"malformed json", `not json`},
		{"missing corners", `{"center":{"latitude":0,"longitude":0}}`},
		{"inverted box", `{"center":{"latitude":0,"longitude":0},"corners":{"northEast":{"latitude":-5,"longitude":5},"southWest":{"latitude":5,"longitude":-5}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			a := h.connect(t, "sock-a", "user-a")

			a.sendRaw(t, models.EventRefreshMapView, []byte(tt.data))

			if got := a.emissions(); len(got) != 0 {
				t.Errorf("emitted %d events for an invalid payload", len(got))
			}
			rec, err := h.store.Get(context.Background(), "sock-a")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if rec.Viewport != nil {
				t.Errorf("Viewport = %v, want nil", rec.Viewport)
			}
		})
	}
}

func TestDelegation_PeerDisconnectedMidRefresh(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	a := h.connect(t, "sock-a", "user-a")
	b := h.connect(t, "sock-b", "user-b")
	b.send(t, models.EventRefreshMapView, view(2, 2, 1))
	a.send(t, models.EventRefreshMapView, view(0, 0, 5))

	b.hangUp()

	// b's record is gone; evicting it from a must not fail the refresh.
	d := NewLocationDelegation("sock-a", a, h.registry, h.broadcast)
	if err := d.RefreshMapView(context.Background(), view(30, 30, 1)); err != nil {
		t.Fatalf("RefreshMapView() error = %v", err)
	}
	if got := h.audience(t, "sock-a"); len(got) != 0 {
		t.Errorf("audience(a) = %v, want empty", got)
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
