// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package presence

// ConnState is the lifecycle state of one connection.
//
//	Connecting -> Registered -> Active -> Disconnecting -> Removed
//	Connecting -> Rejected
type ConnState int

const (
	StateUnknown ConnState = iota
	StateConnecting
	StateRegistered
	StateActive
	StateDisconnecting
	StateRemoved
	StateRejected
)

// String implements fmt.Stringer.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	case StateRemoved:
		return "removed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can follow s.
func (s ConnState) Terminal() bool {
	return s == StateRemoved || s == StateRejected
}
