// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/mapsight/internal/geo"
	"github.com/tomtom215/mapsight/internal/logging"
	"github.com/tomtom215/mapsight/internal/models"
)

func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

// storeFactory returns a fresh, empty store for one subtest.
type storeFactory func(t *testing.T) Store

func newMemoryStore(t *testing.T) Store {
	t.Helper()
	return NewMemoryStore(50)
}

func newBadgerStore(t *testing.T) Store {
	t.Helper()
	s, err := OpenBadgerStore(BadgerOptions{InMemory: true, CellSizeKm: 50})
	if err != nil {
		t.Fatalf("OpenBadgerStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMemoryStore_Conformance(t *testing.T) {
	runStoreConformance(t, newMemoryStore)
}

func TestBadgerStore_Conformance(t *testing.T) {
	runStoreConformance(t, newBadgerStore)
}

func record(id, user, region string) *models.SocketRecord {
	return &models.SocketRecord{
		SocketID:    id,
		UserID:      user,
		ProcessID:   "proc-1",
		Region:      region,
		ConnectedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func viewportAt(lat, lon float64) geo.Viewport {
	return geo.Viewport{
		Center: geo.Point{Latitude: lat, Longitude: lon},
		Bounds: geo.Bounds{
			NorthEast: geo.Point{Latitude: lat + 1, Longitude: lon + 1},
			SouthWest: geo.Point{Latitude: lat - 1, Longitude: lon - 1},
		},
	}
}

func mustInsert(t *testing.T, s Store, recs ...*models.SocketRecord) {
	t.Helper()
	for _, rec := range recs {
		if err := s.Insert(context.Background(), rec); err != nil {
			t.Fatalf("Insert(%s) error = %v", rec.SocketID, err)
		}
	}
}

func mustViewport(t *testing.T, s Store, id string, lat, lon float64) {
	t.Helper()
	if _, err := s.UpdateViewport(context.Background(), id, viewportAt(lat, lon)); err != nil {
		t.Fatalf("UpdateViewport(%s) error = %v", id, err)
	}
}

func recordIDs(recs []*models.SocketRecord) []string {
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.SocketID)
	}
	sort.Strings(ids)
	return ids
}

func runStoreConformance(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("insert rejects duplicates", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s, record("s1", "u1", "console"))

		err := s.Insert(ctx, record("s1", "u2", "console"))
		if !errors.Is(err, ErrDuplicateSocket) {
			t.Fatalf("second Insert() error = %v, want ErrDuplicateSocket", err)
		}

		got, err := s.Get(ctx, "s1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.UserID != "u1" {
			t.Errorf("duplicate insert overwrote owner: %s", got.UserID)
		}
	})

	t.Run("concurrent inserts of one id admit exactly one", func(t *testing.T) {
		s := newStore(t)

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := s.Insert(ctx, record("dup", fmt.Sprintf("u%d", i), "console"))
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				} else if !errors.Is(err, ErrDuplicateSocket) {
					t.Errorf("Insert() error = %v", err)
				}
			}(i)
		}
		wg.Wait()

		if wins != 1 {
			t.Errorf("successful inserts = %d, want 1", wins)
		}
	})

	t.Run("delete reports whether a record existed", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s, record("s1", "u1", "console"))
		mustViewport(t, s, "s1", 5, 5)

		deleted, err := s.Delete(ctx, "s1")
		if err != nil || !deleted {
			t.Fatalf("Delete() = %v, %v; want true, nil", deleted, err)
		}
		deleted, err = s.Delete(ctx, "s1")
		if err != nil || deleted {
			t.Fatalf("second Delete() = %v, %v; want false, nil", deleted, err)
		}

		if _, err := s.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
		}
		box := geo.Bounds{NorthEast: geo.Point{Latitude: 10, Longitude: 10}, SouthWest: geo.Point{}}
		recs, err := s.FindInBox(ctx, "console", box, "")
		if err != nil {
			t.Fatalf("FindInBox() error = %v", err)
		}
		if len(recs) != 0 {
			t.Errorf("deleted socket still in sight: %v", recordIDs(recs))
		}
		if ids, _ := s.ListByProcess(ctx, "proc-1"); len(ids) != 0 {
			t.Errorf("deleted socket still listed for process: %v", ids)
		}
	})

	t.Run("updates on missing records return ErrNotFound", func(t *testing.T) {
		s := newStore(t)

		if _, err := s.UpdatePoint(ctx, "ghost", geo.Point{}); !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdatePoint() error = %v", err)
		}
		if _, err := s.UpdateViewport(ctx, "ghost", viewportAt(0, 0)); !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateViewport() error = %v", err)
		}
		if _, err := s.AddAudience(ctx, "ghost", []string{"a"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("AddAudience() error = %v", err)
		}
		if _, err := s.RemoveAudience(ctx, "ghost", []string{"a"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("RemoveAudience() error = %v", err)
		}
	})

	t.Run("point and viewport round trip", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s, record("s1", "u1", "console"))

		rec, err := s.UpdatePoint(ctx, "s1", geo.Point{Latitude: 48.85, Longitude: 2.35})
		if err != nil {
			t.Fatalf("UpdatePoint() error = %v", err)
		}
		if rec.Point == nil || rec.Point.Latitude != 48.85 {
			t.Errorf("UpdatePoint() record point = %+v", rec.Point)
		}

		vp := viewportAt(48.85, 2.35)
		rec, err = s.UpdateViewport(ctx, "s1", vp)
		if err != nil {
			t.Fatalf("UpdateViewport() error = %v", err)
		}
		if rec.Viewport == nil || *rec.Viewport != vp {
			t.Errorf("UpdateViewport() record viewport = %+v", rec.Viewport)
		}
		if rec.Point == nil {
			t.Error("viewport update dropped the point")
		}

		got, err := s.Get(ctx, "s1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if !got.ConnectedAt.Equal(record("s1", "u1", "").ConnectedAt) {
			t.Errorf("ConnectedAt = %v", got.ConnectedAt)
		}
		if got.ProcessID != "proc-1" || got.Region != "console" {
			t.Errorf("Get() = %+v", got)
		}
	})

	t.Run("box containment", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s,
			record("in", "u1", "console"),
			record("far", "u2", "console"),
			record("other-region", "u3", "mobile"),
			record("untagged", "u4", ""),
			record("no-viewport", "u5", "console"),
			record("self", "u6", "console"),
		)
		mustViewport(t, s, "in", 5, 5)
		mustViewport(t, s, "far", 20, 20)
		mustViewport(t, s, "other-region", 5, 5)
		mustViewport(t, s, "untagged", 5, 5)
		mustViewport(t, s, "self", 6, 6)

		box := geo.Bounds{
			NorthEast: geo.Point{Latitude: 10, Longitude: 10},
			SouthWest: geo.Point{Latitude: 0, Longitude: 0},
		}
		recs, err := s.FindInBox(ctx, "console", box, "self")
		if err != nil {
			t.Fatalf("FindInBox() error = %v", err)
		}
		if got := recordIDs(recs); !reflect.DeepEqual(got, []string{"in"}) {
			t.Errorf("FindInBox() = %v, want [in]", got)
		}
	})

	t.Run("viewport move leaves the old box", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s, record("s1", "u1", "console"))
		mustViewport(t, s, "s1", 5, 5)
		mustViewport(t, s, "s1", 40, 40)

		box := geo.Bounds{NorthEast: geo.Point{Latitude: 10, Longitude: 10}, SouthWest: geo.Point{}}
		recs, err := s.FindInBox(ctx, "console", box, "")
		if err != nil {
			t.Fatalf("FindInBox() error = %v", err)
		}
		if len(recs) != 0 {
			t.Errorf("FindInBox() = %v, want none", recordIDs(recs))
		}
	})

	t.Run("antimeridian box", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s, record("east", "u1", "console"), record("west", "u2", "console"), record("mid", "u3", "console"))
		mustViewport(t, s, "east", 0, 179)
		mustViewport(t, s, "west", 0, -179)
		mustViewport(t, s, "mid", 0, 0)

		box := geo.Bounds{
			NorthEast: geo.Point{Latitude: 5, Longitude: -175},
			SouthWest: geo.Point{Latitude: -5, Longitude: 175},
		}
		recs, err := s.FindInBox(ctx, "console", box, "")
		if err != nil {
			t.Fatalf("FindInBox() error = %v", err)
		}
		if got := recordIDs(recs); !reflect.DeepEqual(got, []string{"east", "west"}) {
			t.Errorf("FindInBox() = %v, want [east west]", got)
		}
	})

	t.Run("audience add and remove are idempotent", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s, record("s1", "u1", "console"))

		added, err := s.AddAudience(ctx, "s1", []string{"a", "b"})
		if err != nil {
			t.Fatalf("AddAudience() error = %v", err)
		}
		sort.Strings(added)
		if !reflect.DeepEqual(added, []string{"a", "b"}) {
			t.Errorf("first AddAudience() = %v", added)
		}

		added, err = s.AddAudience(ctx, "s1", []string{"a"})
		if err != nil || len(added) != 0 {
			t.Errorf("re-adding member = %v, %v; want none", added, err)
		}

		removed, err := s.RemoveAudience(ctx, "s1", []string{"a", "zz"})
		if err != nil {
			t.Fatalf("RemoveAudience() error = %v", err)
		}
		if !reflect.DeepEqual(removed, []string{"a"}) {
			t.Errorf("RemoveAudience() = %v, want [a]", removed)
		}

		removed, err = s.RemoveAudience(ctx, "s1", []string{"a"})
		if err != nil || len(removed) != 0 {
			t.Errorf("removing non-member = %v, %v; want none", removed, err)
		}

		rec, err := s.Get(ctx, "s1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if !reflect.DeepEqual(rec.Audience, []string{"b"}) {
			t.Errorf("Audience = %v, want [b]", rec.Audience)
		}
	})

	t.Run("concurrent audience writes are not lost", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s, record("hub", "u1", "console"))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := s.AddAudience(ctx, "hub", []string{fmt.Sprintf("peer-%02d", i)}); err != nil {
					t.Errorf("AddAudience() error = %v", err)
				}
			}(i)
		}
		wg.Wait()

		rec, err := s.Get(ctx, "hub")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if len(rec.Audience) != 20 {
			t.Errorf("len(Audience) = %d, want 20", len(rec.Audience))
		}
	})

	t.Run("find by user and list by process", func(t *testing.T) {
		s := newStore(t)
		other := record("s3", "u2", "console")
		other.ProcessID = "proc-2"
		mustInsert(t, s, record("s1", "u1", "console"), record("s2", "u1", "mobile"), other)

		recs, err := s.FindByUser(ctx, "u1")
		if err != nil {
			t.Fatalf("FindByUser() error = %v", err)
		}
		if got := recordIDs(recs); !reflect.DeepEqual(got, []string{"s1", "s2"}) {
			t.Errorf("FindByUser() = %v", got)
		}

		ids, err := s.ListByProcess(ctx, "proc-1")
		if err != nil {
			t.Fatalf("ListByProcess() error = %v", err)
		}
		sort.Strings(ids)
		if !reflect.DeepEqual(ids, []string{"s1", "s2"}) {
			t.Errorf("ListByProcess() = %v", ids)
		}
	})

	t.Run("owner ids sharing a prefix stay apart", func(t *testing.T) {
		s := newStore(t)
		short := record("sock-a", "u1", "console")
		long := record("sock-b", "u1:x", "console")
		long.ProcessID = "proc-1:x"
		mustInsert(t, s, short, long)

		recs, err := s.FindByUser(ctx, "u1")
		if err != nil {
			t.Fatalf("FindByUser() error = %v", err)
		}
		if got := recordIDs(recs); !reflect.DeepEqual(got, []string{"sock-a"}) {
			t.Errorf("FindByUser(u1) = %v, want [sock-a]", got)
		}

		ids, err := s.ListByProcess(ctx, "proc-1")
		if err != nil {
			t.Fatalf("ListByProcess() error = %v", err)
		}
		if !reflect.DeepEqual(ids, []string{"sock-a"}) {
			t.Errorf("ListByProcess(proc-1) = %v, want [sock-a]", ids)
		}

		if _, err := s.Delete(ctx, "sock-b"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		recs, _ = s.FindByUser(ctx, "u1:x")
		if len(recs) != 0 {
			t.Errorf("FindByUser(u1:x) after delete = %v, want none", recordIDs(recs))
		}
	})

	t.Run("user profile round trips", func(t *testing.T) {
		s := newStore(t)
		rec := record("s1", "u1", "console")
		rec.User = &models.UserProfile{ID: "u1", Username: "alice", Avatar: "https://cdn.example/a.png"}
		mustInsert(t, s, rec)

		got, err := s.Get(ctx, "s1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.User == nil || *got.User != *rec.User {
			t.Errorf("Get().User = %+v, want %+v", got.User, rec.User)
		}
	})

	t.Run("returned records are copies", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s, record("s1", "u1", "console"))
		if _, err := s.AddAudience(ctx, "s1", []string{"a"}); err != nil {
			t.Fatal(err)
		}

		rec, _ := s.Get(ctx, "s1")
		rec.Audience[0] = "mutated"

		again, _ := s.Get(ctx, "s1")
		if again.Audience[0] != "a" {
			t.Error("caller mutation leaked into the store")
		}
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		if err := s.Ping(ctx); err != nil {
			t.Errorf("Ping() error = %v", err)
		}
	})
}

func TestBadgerStore_RebuildsIndexOnOpen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenBadgerStore(BadgerOptions{Path: dir, CellSizeKm: 50})
	if err != nil {
		t.Fatalf("OpenBadgerStore() error = %v", err)
	}
	mustInsert(t, s, record("s1", "u1", "console"))
	mustViewport(t, s, "s1", 5, 5)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := OpenBadgerStore(BadgerOptions{Path: dir, CellSizeKm: 50})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	box := geo.Bounds{NorthEast: geo.Point{Latitude: 10, Longitude: 10}, SouthWest: geo.Point{}}
	recs, err := reopened.FindInBox(ctx, "console", box, "")
	if err != nil {
		t.Fatalf("FindInBox() error = %v", err)
	}
	if got := recordIDs(recs); !reflect.DeepEqual(got, []string{"s1"}) {
		t.Errorf("FindInBox() after reopen = %v, want [s1]", got)
	}

	if err := reopened.RunGC(0.5); err != nil {
		t.Errorf("RunGC() error = %v", err)
	}
}

func TestBadgerStore_ClosedIsUnavailable(t *testing.T) {
	s, err := OpenBadgerStore(BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("OpenBadgerStore() error = %v", err)
	}
	s.Close()

	if err := s.Ping(context.Background()); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Ping() on closed store error = %v, want ErrStoreUnavailable", err)
	}
}

func TestBadgerStore_ViewportRacingDeleteLeavesNoIndexEntry(t *testing.T) {
	s := newBadgerStore(t).(*BadgerStore)
	ctx := context.Background()

	const n = 50
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("s%d", i)
		mustInsert(t, s, record(id, "u1", "console"))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			// Losing the race to Delete yields ErrNotFound, which is fine.
			_, _ = s.UpdateViewport(ctx, id, viewportAt(5, 5))
		}()
		go func() {
			defer wg.Done()
			if _, err := s.Delete(ctx, id); err != nil {
				t.Errorf("Delete(%s) error = %v", id, err)
			}
		}()
		wg.Wait()

		if _, ok := s.grid("console").Get(id); ok {
			t.Fatalf("%s still indexed after Delete", id)
		}
	}
}
