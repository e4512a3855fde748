// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package registry

import (
	"context"
	"sync"

	"github.com/tomtom215/mapsight/internal/geo"
	"github.com/tomtom215/mapsight/internal/models"
)

// MemoryStore is a single-process Store. Viewport centers are indexed in one
// geo.Grid per region.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*models.SocketRecord
	regions  map[string]*geo.Grid
	cellSize float64
}

// NewMemoryStore creates an empty MemoryStore with grid cells of cellSizeKm.
func NewMemoryStore(cellSizeKm float64) *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*models.SocketRecord),
		regions:  make(map[string]*geo.Grid),
		cellSize: cellSizeKm,
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) gridLocked(region string) *geo.Grid {
	g, ok := s.regions[region]
	if !ok {
		g = geo.NewGrid(s.cellSize)
		s.regions[region] = g
	}
	return g
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, rec *models.SocketRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.SocketID]; exists {
		return ErrDuplicateSocket
	}
	c := rec.Clone()
	s.records[c.SocketID] = c
	if c.Viewport != nil {
		s.gridLocked(c.Region).Insert(c.SocketID, c.Viewport.Center)
	}
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, socketID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[socketID]
	if !ok {
		return false, nil
	}
	if g, ok := s.regions[rec.Region]; ok {
		g.Remove(socketID)
	}
	delete(s.records, socketID)
	return true, nil
}

// UpdatePoint implements Store.
func (s *MemoryStore) UpdatePoint(_ context.Context, socketID string, p geo.Point) (*models.SocketRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[socketID]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Point = &p
	return rec.Clone(), nil
}

// UpdateViewport implements Store.
func (s *MemoryStore) UpdateViewport(_ context.Context, socketID string, vp geo.Viewport) (*models.SocketRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[socketID]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Viewport = &vp
	s.gridLocked(rec.Region).Insert(socketID, vp.Center)
	return rec.Clone(), nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, socketID string) (*models.SocketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[socketID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// FindByUser implements Store.
func (s *MemoryStore) FindByUser(_ context.Context, userID string) ([]*models.SocketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.SocketRecord
	for _, rec := range s.records {
		if rec.UserID == userID {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// FindInBox implements Store.
func (s *MemoryStore) FindInBox(_ context.Context, region string, box geo.Bounds, excludeSocketID string) ([]*models.SocketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.regions[region]
	if !ok {
		return nil, nil
	}

	var out []*models.SocketRecord
	for _, id := range g.QueryBox(box) {
		if id == excludeSocketID {
			continue
		}
		if rec, ok := s.records[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// AddAudience implements Store.
func (s *MemoryStore) AddAudience(_ context.Context, socketID string, targets []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[socketID]
	if !ok {
		return nil, ErrNotFound
	}
	var added []string
	rec.Audience, added = models.AddToSet(rec.Audience, targets...)
	return added, nil
}

// RemoveAudience implements Store.
func (s *MemoryStore) RemoveAudience(_ context.Context, socketID string, targets []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[socketID]
	if !ok {
		return nil, ErrNotFound
	}
	var removed []string
	rec.Audience, removed = models.RemoveFromSet(rec.Audience, targets...)
	return removed, nil
}

// ListByProcess implements Store.
func (s *MemoryStore) ListByProcess(_ context.Context, processID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, rec := range s.records {
		if rec.ProcessID == processID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*models.SocketRecord)
	s.regions = make(map[string]*geo.Grid)
	return nil
}
