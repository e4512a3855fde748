// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package geo

import (
	"math"
	"sort"
	"sync"
)

// Grid divides the map into square cells so that box queries only
// visit the cells overlapping the query instead of every indexed point.
//
// Time Complexity:
//   - Insert: O(1) amortized
//   - Remove: O(k) where k = entries in the entry's cell
//   - QueryBox: O(c + k) where c = overlapped cells, k = entries in them
type Grid struct {
	mu       sync.RWMutex
	cells    map[cellKey][]*Entry
	cellSize float64 // degrees
	entries  map[string]*Entry
}

type cellKey struct {
	X, Y int
}

// Entry is one indexed point.
type Entry struct {
	ID    string
	Point Point
	key   cellKey
}

// NewGrid creates a grid with cells of roughly cellSizeKm on a side.
// Non-positive sizes fall back to 50km.
func NewGrid(cellSizeKm float64) *Grid {
	if cellSizeKm <= 0 {
		cellSizeKm = 50
	}
	return &Grid{
		cells:    make(map[cellKey][]*Entry),
		cellSize: cellSizeKm / 111.0,
		entries:  make(map[string]*Entry),
	}
}

func (g *Grid) keyFor(p Point) cellKey {
	return cellKey{
		X: int(math.Floor(NormalizeLongitude(p.Longitude) / g.cellSize)),
		Y: int(math.Floor(p.Latitude / g.cellSize)),
	}
}

// Insert indexes p under id, replacing any previous position for id.
func (g *Grid) Insert(id string, p Point) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.entries[id]; ok {
		g.unlinkLocked(existing)
	}

	e := &Entry{ID: id, Point: p, key: g.keyFor(p)}
	g.cells[e.key] = append(g.cells[e.key], e)
	g.entries[id] = e
}

// Remove drops id from the index. It reports whether id was present.
func (g *Grid) Remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[id]
	if !ok {
		return false
	}
	g.unlinkLocked(e)
	delete(g.entries, id)
	return true
}

func (g *Grid) unlinkLocked(e *Entry) {
	cell := g.cells[e.key]
	for i, other := range cell {
		if other.ID == e.ID {
			cell[i] = cell[len(cell)-1]
			cell = cell[:len(cell)-1]
			break
		}
	}
	if len(cell) == 0 {
		delete(g.cells, e.key)
		return
	}
	g.cells[e.key] = cell
}

// Get returns a copy of the entry for id.
func (g *Grid) Get(id string) (Entry, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	e, ok := g.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// QueryBox returns the ids of all entries inside b, sorted.
func (g *Grid) QueryBox(b Bounds) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	minY := int(math.Floor(b.SouthWest.Latitude / g.cellSize))
	maxY := int(math.Floor(b.NorthEast.Latitude / g.cellSize))

	type xRange struct{ lo, hi int }
	var ranges []xRange
	if b.CrossesAntimeridian() {
		ranges = []xRange{
			{int(math.Floor(b.SouthWest.Longitude / g.cellSize)), int(math.Floor(180 / g.cellSize))},
			{int(math.Floor(-180 / g.cellSize)), int(math.Floor(b.NorthEast.Longitude / g.cellSize))},
		}
	} else {
		ranges = []xRange{{
			int(math.Floor(b.SouthWest.Longitude / g.cellSize)),
			int(math.Floor(b.NorthEast.Longitude / g.cellSize)),
		}}
	}

	cellCount := 0
	for _, r := range ranges {
		cellCount += (r.hi - r.lo + 1) * (maxY - minY + 1)
	}

	var ids []string
	// A wide box over a sparse grid touches fewer entries than cells.
	if cellCount > len(g.cells) {
		for _, e := range g.entries {
			if b.Contains(e.Point) {
				ids = append(ids, e.ID)
			}
		}
		sort.Strings(ids)
		return ids
	}

	for _, r := range ranges {
		for x := r.lo; x <= r.hi; x++ {
			for y := minY; y <= maxY; y++ {
				for _, e := range g.cells[cellKey{X: x, Y: y}] {
					if b.Contains(e.Point) {
						ids = append(ids, e.ID)
					}
				}
			}
		}
	}
	sort.Strings(ids)
	return ids
}
