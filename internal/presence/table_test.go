// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package presence

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
)

func TestLocalTable(t *testing.T) {
	t.Parallel()

	tbl := NewLocalTable()
	tbl.Add("c")
	tbl.Add("a")
	tbl.Add("b")
	tbl.Add("a")

	if got := tbl.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
	if !tbl.Contains("b") {
		t.Error("Contains(b) = false, want true")
	}
	if got, want := tbl.Snapshot(), []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Snapshot() = %v, want %v", got, want)
	}

	if !tbl.Remove("b") {
		t.Error("Remove(b) = false, want true")
	}
	if tbl.Remove("b") {
		t.Error("second Remove(b) = true, want false")
	}
	if tbl.Contains("b") {
		t.Error("Contains(b) after Remove = true")
	}
}

func TestLocalTable_SnapshotIsCopy(t *testing.T) {
	t.Parallel()

	tbl := NewLocalTable()
	tbl.Add("a")
	snap := tbl.Snapshot()
	snap[0] = "mutated"

	if !tbl.Contains("a") || tbl.Contains("mutated") {
		t.Error("mutating a snapshot changed the table")
	}
}

func TestLocalTable_Concurrent(t *testing.T) {
	t.Parallel()

	tbl := NewLocalTable()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s-%02d", i)
			tbl.Add(id)
			_ = tbl.Snapshot()
			if i%2 == 0 {
				tbl.Remove(id)
			}
		}(i)
	}
	wg.Wait()

	if got := tbl.Len(); got != 25 {
		t.Errorf("Len() = %d, want 25", got)
	}
}

func TestConnState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state    ConnState
		want     string
		terminal bool
	}{
		{StateUnknown, "unknown", false},
		{StateConnecting, "connecting", false},
		{StateRegistered, "registered", false},
		{StateActive, "active", false},
		{StateDisconnecting, "disconnecting", false},
		{StateRemoved, "removed", true},
		{StateRejected, "rejected", true},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
			if got := tt.state.Terminal(); got != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}
