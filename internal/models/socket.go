// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package models

import (
	"sort"
	"time"

	"github.com/tomtom215/mapsight/internal/geo"
)

// SocketRecord is the durable presence record of one live connection.
// Exactly one record exists per socket id across every process sharing a store.
type SocketRecord struct {
	SocketID    string        `json:"socket_id"`
	UserID      string        `json:"user_id"`
	ProcessID   string        `json:"process_id"`
	Region      string        `json:"region,omitempty"` // empty when the connection carried no region
	Point       *geo.Point    `json:"point,omitempty"`
	Viewport    *geo.Viewport `json:"viewport,omitempty"`
	Audience    []string      `json:"audience,omitempty"` // sorted, no duplicates
	User        *UserProfile  `json:"user,omitempty"`
	ConnectedAt time.Time     `json:"connected_at"`
}

// UserProfile is the public identity shown beside a socket on the map.
// Username and Avatar come from the session and may be empty.
type UserProfile struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// Projection returns the public view of the record sent to other clients.
func (r *SocketRecord) Projection() Projection {
	p := Projection{
		UserID:      r.UserID,
		SocketID:    r.SocketID,
		ConnectedAt: r.ConnectedAt,
	}
	if r.Viewport != nil {
		vp := *r.Viewport
		p.Viewport = &vp
	}
	if r.User != nil {
		u := *r.User
		p.User = &u
	}
	return p
}

// HasAudience reports whether socketID is in the record's audience.
func (r *SocketRecord) HasAudience(socketID string) bool {
	i := sort.SearchStrings(r.Audience, socketID)
	return i < len(r.Audience) && r.Audience[i] == socketID
}

// Clone returns a deep copy of the record.
func (r *SocketRecord) Clone() *SocketRecord {
	c := *r
	if r.Point != nil {
		p := *r.Point
		c.Point = &p
	}
	if r.Viewport != nil {
		vp := *r.Viewport
		c.Viewport = &vp
	}
	if r.Audience != nil {
		c.Audience = append([]string(nil), r.Audience...)
	}
	if r.User != nil {
		u := *r.User
		c.User = &u
	}
	return &c
}

// Projection is what a peer learns about a socket that is in sight.
type Projection struct {
	UserID      string        `json:"userId"`
	User        *UserProfile  `json:"user,omitempty"`
	SocketID    string        `json:"socketId"`
	Viewport    *geo.Viewport `json:"viewport,omitempty"`
	ConnectedAt time.Time     `json:"connectedAt"`
}

// SocketIDs extracts socket ids from projections, preserving order.
func SocketIDs(projections []Projection) []string {
	ids := make([]string, len(projections))
	for i := range projections {
		ids[i] = projections[i].SocketID
	}
	return ids
}

// AddToSet inserts ids into the sorted set and returns the new set along with
// the ids that were not already members.
func AddToSet(set []string, ids ...string) (merged, added []string) {
	merged = append([]string(nil), set...)
	for _, id := range ids {
		i := sort.SearchStrings(merged, id)
		if i < len(merged) && merged[i] == id {
			continue
		}
		merged = append(merged, "")
		copy(merged[i+1:], merged[i:])
		merged[i] = id
		added = append(added, id)
	}
	return merged, added
}

// RemoveFromSet deletes ids from the sorted set and returns the new set along
// with the ids that were actually members.
func RemoveFromSet(set []string, ids ...string) (remaining, removed []string) {
	remaining = append([]string(nil), set...)
	for _, id := range ids {
		i := sort.SearchStrings(remaining, id)
		if i >= len(remaining) || remaining[i] != id {
			continue
		}
		remaining = append(remaining[:i], remaining[i+1:]...)
		removed = append(removed, id)
	}
	return remaining, removed
}
