// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package presence

import (
	"context"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/mapsight/internal/geo"
	"github.com/tomtom215/mapsight/internal/models"
	"github.com/tomtom215/mapsight/internal/registry"
)

// fakeConn records everything the presence layer does to a connection.
type fakeConn struct {
	id     string
	user   models.UserProfile
	region string

	mu           sync.Mutex
	handlers     map[string]func(context.Context, []byte)
	onDisconnect []func()
	emitted      []emission
	closed       int
	emitErr      error
}

type emission struct {
	event   string
	payload any
}

func newFakeConn(id, userID, region string) *fakeConn {
	return &fakeConn{
		id:       id,
		user:     models.UserProfile{ID: userID},
		region:   region,
		handlers: make(map[string]func(context.Context, []byte)),
	}
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) Region() string { return c.region }

func (c *fakeConn) User() models.UserProfile { return c.user }

func (c *fakeConn) Emit(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emitErr != nil {
		return c.emitErr
	}
	c.emitted = append(c.emitted, emission{event: event, payload: payload})
	return nil
}

func (c *fakeConn) On(event string, handler func(context.Context, []byte)) {
	c.mu.Lock()
	c.handlers[event] = handler
	c.mu.Unlock()
}

func (c *fakeConn) OnDisconnect(fn func()) {
	c.mu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

// send dispatches an inbound event the way the transport read loop does.
func (c *fakeConn) send(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}
	c.sendRaw(t, event, data)
}

func (c *fakeConn) sendRaw(t *testing.T, event string, data []byte) {
	t.Helper()
	c.mu.Lock()
	h, ok := c.handlers[event]
	c.mu.Unlock()
	if !ok {
		t.Fatalf("no handler for %s on %s", event, c.id)
	}
	h(context.Background(), data)
}

func (c *fakeConn) hangUp() {
	c.mu.Lock()
	fns := append([]func(){}, c.onDisconnect...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *fakeConn) emissions() []emission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]emission(nil), c.emitted...)
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type broadcast struct {
	targets []string
	event   string
	payload any
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []broadcast
	err   error
}

func (b *fakeBroadcaster) Broadcast(_ context.Context, targets []string, event string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, broadcast{targets: append([]string(nil), targets...), event: event, payload: payload})
	return b.err
}

func (b *fakeBroadcaster) sent() []broadcast {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broadcast(nil), b.calls...)
}

type fakeTransport struct {
	mu     sync.Mutex
	closed []string
}

func (f *fakeTransport) Disconnect(socketID string) bool {
	f.mu.Lock()
	f.closed = append(f.closed, socketID)
	f.mu.Unlock()
	return true
}

func (f *fakeTransport) disconnected() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.closed...)
	sort.Strings(out)
	return out
}

// faultyRegistry injects failures in front of a real repository.
type faultyRegistry struct {
	Registry

	mu            sync.Mutex
	connectErr    error
	disconnectErr error
	blockDelete   bool
	pushErr       map[string]error // keyed by the socket whose audience is written
	removeErr     map[string]error
	afterConnect  func() // runs once the record is stored
}

func (f *faultyRegistry) Connect(ctx context.Context, user models.UserProfile, socketID, region string) (*models.SocketRecord, error) {
	f.mu.Lock()
	err := f.connectErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	rec, err := f.Registry.Connect(ctx, user, socketID, region)
	if err == nil && f.afterConnect != nil {
		f.afterConnect()
	}
	return rec, err
}

func (f *faultyRegistry) Disconnect(ctx context.Context, socketID string) (bool, error) {
	f.mu.Lock()
	err, block := f.disconnectErr, f.blockDelete
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return false, ctx.Err()
	}
	if err != nil {
		return false, err
	}
	return f.Registry.Disconnect(ctx, socketID)
}

func (f *faultyRegistry) PushSocketsIntoAudienceList(ctx context.Context, socketID string, targets []string) ([]string, error) {
	f.mu.Lock()
	err := f.pushErr[socketID]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Registry.PushSocketsIntoAudienceList(ctx, socketID, targets)
}

func (f *faultyRegistry) RemoveSocketsFromAudienceList(ctx context.Context, socketID string, targets []string) ([]string, error) {
	f.mu.Lock()
	err := f.removeErr[socketID]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Registry.RemoveSocketsFromAudienceList(ctx, socketID, targets)
}

type harness struct {
	store     *registry.MemoryStore
	repo      *registry.Repository
	registry  *faultyRegistry
	broadcast *fakeBroadcaster
	transport *fakeTransport
	manager   *Manager

	mu    sync.Mutex
	exits []int
}

func newHarness(t *testing.T, signals <-chan os.Signal) *harness {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var (
		clockMu sync.Mutex
		tick    int
	)
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	store := registry.NewMemoryStore(50)
	h := &harness{
		store:     store,
		repo:      registry.NewRepository(store, registry.Options{ProcessID: "proc-1", Clock: clock}),
		broadcast: &fakeBroadcaster{},
		transport: &fakeTransport{},
	}
	h.registry = &faultyRegistry{Registry: h.repo}
	h.manager = NewManager(Config{
		Registry:    h.registry,
		Broadcaster: h.broadcast,
		Transport:   h.transport,
		Signals:     signals,
		Exit:        h.exit,
		Grace:       50 * time.Millisecond,
	})
	return h
}

func (h *harness) exit(code int) {
	h.mu.Lock()
	h.exits = append(h.exits, code)
	h.mu.Unlock()
}

func (h *harness) exitCodes() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.exits...)
}

func (h *harness) connect(t *testing.T, socketID, userID string) *fakeConn {
	t.Helper()
	conn := newFakeConn(socketID, userID, registry.DefaultSightRegion)
	if err := h.manager.OnConnect(context.Background(), conn); err != nil {
		t.Fatalf("OnConnect(%s) error = %v", socketID, err)
	}
	return conn
}

func (h *harness) audience(t *testing.T, socketID string) []string {
	t.Helper()
	rec, err := h.store.Get(context.Background(), socketID)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", socketID, err)
	}
	return rec.Audience
}

// view builds a map view update around center with a half-width of span degrees.
func view(lat, lon, span float64) models.MapViewUpdate {
	return models.MapViewUpdate{
		Center: &geo.Point{Latitude: lat, Longitude: lon},
		Corners: &geo.Bounds{
			NorthEast: geo.Point{Latitude: lat + span, Longitude: lon + span},
			SouthWest: geo.Point{Latitude: lat - span, Longitude: lon - span},
		},
	}
}

func projectionIDs(t *testing.T, payload any) []string {
	t.Helper()
	ps, ok := payload.([]models.Projection)
	if !ok {
		t.Fatalf("payload type = %T, want []models.Projection", payload)
	}
	return models.SocketIDs(ps)
}
