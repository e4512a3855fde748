// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package services

import (
	"context"
	"time"

	"github.com/tomtom215/mapsight/internal/logging"
)

// GarbageCollector matches *registry.BadgerStore.RunGC.
type GarbageCollector interface {
	RunGC(discardRatio float64) error
}

// StoreGCService runs value log garbage collection on an interval.
type StoreGCService struct {
	store        GarbageCollector
	interval     time.Duration
	discardRatio float64
	name         string
}

// NewStoreGCService creates the service. Defaults: 5m interval, 0.5 ratio.
func NewStoreGCService(store GarbageCollector, interval time.Duration, discardRatio float64) *StoreGCService {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if discardRatio <= 0 || discardRatio >= 1 {
		discardRatio = 0.5
	}
	return &StoreGCService{
		store:        store,
		interval:     interval,
		discardRatio: discardRatio,
		name:         "store-gc",
	}
}

// Serve implements suture.Service. GC failures are logged and retried on
// the next tick.
func (s *StoreGCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.store.RunGC(s.discardRatio); err != nil {
				logging.Warn().Err(err).Msg("Store garbage collection failed")
			}
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (s *StoreGCService) String() string {
	return s.name
}
