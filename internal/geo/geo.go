// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

// Package geo defines the geometry exchanged by map clients: points, viewport
// boxes, and a spatial hash grid used as an in-process proximity index.
//
// Coordinates are plain WGS84 degrees. Boxes are axis-aligned in
// latitude/longitude space. A box whose south-west longitude is greater than
// its north-east longitude crosses the antimeridian, which is how map widgets
// report such viewports.
package geo

import "fmt"

// Point is a latitude/longitude pair in degrees.
type Point struct {
	Latitude  float64 `json:"latitude" validate:"min=-90,max=90"`
	Longitude float64 `json:"longitude" validate:"min=-180,max=180"`
}

// Valid reports whether the point lies within WGS84 ranges.
func (p Point) Valid() bool {
	return p.Latitude >= -90 && p.Latitude <= 90 &&
		p.Longitude >= -180 && p.Longitude <= 180
}

// String implements fmt.Stringer.
func (p Point) String() string {
	return fmt.Sprintf("(%.6f,%.6f)", p.Latitude, p.Longitude)
}

// Bounds is a viewport box described by its north-east and south-west corners.
type Bounds struct {
	NorthEast Point `json:"northEast"`
	SouthWest Point `json:"southWest"`
}

// Valid reports whether both corners are valid and the box is not inverted
// along the latitude axis.
func (b Bounds) Valid() bool {
	return b.NorthEast.Valid() && b.SouthWest.Valid() &&
		b.SouthWest.Latitude <= b.NorthEast.Latitude
}

// CrossesAntimeridian reports whether the box wraps past longitude 180.
func (b Bounds) CrossesAntimeridian() bool {
	return b.SouthWest.Longitude > b.NorthEast.Longitude
}

// Contains reports whether p lies inside the box. Edges are inclusive.
func (b Bounds) Contains(p Point) bool {
	if p.Latitude < b.SouthWest.Latitude || p.Latitude > b.NorthEast.Latitude {
		return false
	}
	if b.CrossesAntimeridian() {
		return p.Longitude >= b.SouthWest.Longitude || p.Longitude <= b.NorthEast.Longitude
	}
	return p.Longitude >= b.SouthWest.Longitude && p.Longitude <= b.NorthEast.Longitude
}

// LongitudeSpan returns the east-west extent of the box in degrees.
func (b Bounds) LongitudeSpan() float64 {
	span := b.NorthEast.Longitude - b.SouthWest.Longitude
	if b.CrossesAntimeridian() {
		span += 360
	}
	return span
}

// LatitudeSpan returns the north-south extent of the box in degrees.
func (b Bounds) LatitudeSpan() float64 {
	return b.NorthEast.Latitude - b.SouthWest.Latitude
}

// Center returns the midpoint of the box, normalized to [-180, 180].
func (b Bounds) Center() Point {
	lon := b.SouthWest.Longitude + b.LongitudeSpan()/2
	return Point{
		Latitude:  (b.NorthEast.Latitude + b.SouthWest.Latitude) / 2,
		Longitude: NormalizeLongitude(lon),
	}
}

// String implements fmt.Stringer.
func (b Bounds) String() string {
	return fmt.Sprintf("[sw=%s ne=%s]", b.SouthWest, b.NorthEast)
}

// Viewport is the last map view reported by a client.
type Viewport struct {
	Center Point  `json:"center"`
	Bounds Bounds `json:"bounds"`
}

// NormalizeLongitude folds lon into [-180, 180].
func NormalizeLongitude(lon float64) float64 {
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}
