// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package models

import "github.com/tomtom215/mapsight/internal/geo"

// Inbound and outbound event names of the presence protocol.
const (
	EventRefreshLocation       = "refresh-location"
	EventRefreshMapView        = "refresh-map-view"
	EventRefreshUsersInMapView = "refresh-users-in-map-view"
)

// AnyRegion is the include wildcard of a RegionFilter.
const AnyRegion = "*"

// LocationUpdate is the payload of refresh-location.
type LocationUpdate struct {
	Position *geo.Point `json:"position" validate:"required"`
}

// MapViewUpdate is the payload of refresh-map-view.
type MapViewUpdate struct {
	Center  *geo.Point  `json:"center" validate:"required"`
	Corners *geo.Bounds `json:"corners" validate:"required"`
}

// RegionFilter narrows a user's sockets by region tag.
// A nil or empty Include means every region.
type RegionFilter struct {
	Include []string `json:"include,omitempty" validate:"omitempty,dive,required"`
	Exclude []string `json:"exclude,omitempty" validate:"omitempty,dive,required"`
}

// Matches reports whether a socket tagged with region passes the filter.
// An untagged socket passes the wildcard and is never excluded.
func (f RegionFilter) Matches(region string) bool {
	for _, ex := range f.Exclude {
		if ex == region {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, in := range f.Include {
		if in == AnyRegion || in == region {
			return true
		}
	}
	return false
}
