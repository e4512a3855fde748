// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package presence

import (
	"sort"
	"sync"
)

// LocalTable is the set of socket ids registered by this process.
// It exists for the shutdown sweep only and is never used for routing.
type LocalTable struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewLocalTable creates an empty table.
func NewLocalTable() *LocalTable {
	return &LocalTable{ids: make(map[string]struct{})}
}

// Add inserts socketID. Adding an existing id is a no-op.
func (t *LocalTable) Add(socketID string) {
	t.mu.Lock()
	t.ids[socketID] = struct{}{}
	t.mu.Unlock()
}

// Remove deletes socketID and reports whether it was present.
func (t *LocalTable) Remove(socketID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.ids[socketID]; !ok {
		return false
	}
	delete(t.ids, socketID)
	return true
}

// Contains reports whether socketID is in the table.
func (t *LocalTable) Contains(socketID string) bool {
	t.mu.RLock()
	_, ok := t.ids[socketID]
	t.mu.RUnlock()
	return ok
}

// Snapshot returns a sorted copy of the ids.
func (t *LocalTable) Snapshot() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.ids))
	for id := range t.ids {
		out = append(out, id)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of ids.
func (t *LocalTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ids)
}
