// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/mapsight/internal/geo"
	"github.com/tomtom215/mapsight/internal/logging"
	"github.com/tomtom215/mapsight/internal/metrics"
	"github.com/tomtom215/mapsight/internal/models"
)

// BreakerConfig configures the circuit breaker in front of a Store.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32        // probes allowed while half-open
	Interval         time.Duration // closed-state counter reset period
	Timeout          time.Duration // open-state duration before probing
	FailureThreshold uint32        // consecutive failures that trip the breaker
}

// BreakerStore fails fast with ErrStoreUnavailable while the wrapped store
// is unhealthy. Domain outcomes (not found, duplicate) never trip it.
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker[interface{}]
}

var _ Store = (*BreakerStore)(nil)

// NewBreakerStore wraps next with a circuit breaker.
func NewBreakerStore(next Store, cfg BreakerConfig) *BreakerStore {
	if cfg.Name == "" {
		cfg.Name = "geo-store"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateSocket)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetBreakerState(name, int(to))
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Geo store circuit breaker state changed")
		},
	}
	metrics.SetBreakerState(cfg.Name, int(gobreaker.StateClosed))

	return &BreakerStore{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[interface{}](settings),
	}
}

// State returns the breaker state for health reporting.
func (b *BreakerStore) State() string {
	return b.cb.State().String()
}

func execute[T any](b *BreakerStore, fn func() (T, error)) (T, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		res, err := fn()
		return res, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	res, _ := v.(T)
	return res, err
}

// Insert implements Store.
func (b *BreakerStore) Insert(ctx context.Context, rec *models.SocketRecord) error {
	_, err := execute(b, func() (struct{}, error) {
		return struct{}{}, b.next.Insert(ctx, rec)
	})
	return err
}

// Delete implements Store.
func (b *BreakerStore) Delete(ctx context.Context, socketID string) (bool, error) {
	return execute(b, func() (bool, error) { return b.next.Delete(ctx, socketID) })
}

// UpdatePoint implements Store.
func (b *BreakerStore) UpdatePoint(ctx context.Context, socketID string, p geo.Point) (*models.SocketRecord, error) {
	return execute(b, func() (*models.SocketRecord, error) { return b.next.UpdatePoint(ctx, socketID, p) })
}

// UpdateViewport implements Store.
func (b *BreakerStore) UpdateViewport(ctx context.Context, socketID string, vp geo.Viewport) (*models.SocketRecord, error) {
	return execute(b, func() (*models.SocketRecord, error) { return b.next.UpdateViewport(ctx, socketID, vp) })
}

// Get implements Store.
func (b *BreakerStore) Get(ctx context.Context, socketID string) (*models.SocketRecord, error) {
	return execute(b, func() (*models.SocketRecord, error) { return b.next.Get(ctx, socketID) })
}

// FindByUser implements Store.
func (b *BreakerStore) FindByUser(ctx context.Context, userID string) ([]*models.SocketRecord, error) {
	return execute(b, func() ([]*models.SocketRecord, error) { return b.next.FindByUser(ctx, userID) })
}

// FindInBox implements Store.
func (b *BreakerStore) FindInBox(ctx context.Context, region string, box geo.Bounds, excludeSocketID string) ([]*models.SocketRecord, error) {
	return execute(b, func() ([]*models.SocketRecord, error) {
		return b.next.FindInBox(ctx, region, box, excludeSocketID)
	})
}

// AddAudience implements Store.
func (b *BreakerStore) AddAudience(ctx context.Context, socketID string, targets []string) ([]string, error) {
	return execute(b, func() ([]string, error) { return b.next.AddAudience(ctx, socketID, targets) })
}

// RemoveAudience implements Store.
func (b *BreakerStore) RemoveAudience(ctx context.Context, socketID string, targets []string) ([]string, error) {
	return execute(b, func() ([]string, error) { return b.next.RemoveAudience(ctx, socketID, targets) })
}

// ListByProcess implements Store.
func (b *BreakerStore) ListByProcess(ctx context.Context, processID string) ([]string, error) {
	return execute(b, func() ([]string, error) { return b.next.ListByProcess(ctx, processID) })
}

// Ping implements Store. Health checks bypass the breaker so they report the
// store itself.
func (b *BreakerStore) Ping(ctx context.Context) error {
	return b.next.Ping(ctx)
}

// Close implements Store.
func (b *BreakerStore) Close() error {
	return b.next.Close()
}
