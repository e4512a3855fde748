// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package main

import (
	"context"
	"fmt"

	"github.com/tomtom215/mapsight/internal/config"
	"github.com/tomtom215/mapsight/internal/logging"
	"github.com/tomtom215/mapsight/internal/registry"
	"github.com/tomtom215/mapsight/internal/supervisor/services"
)

// storeComponents is the opened registry backend plus the optional
// maintenance service it needs.
type storeComponents struct {
	store registry.Store
	gc    services.GarbageCollector
}

// initStore opens the configured backend and wraps it in a circuit breaker
// when enabled.
func initStore(ctx context.Context, cfg *config.StoreConfig) (*storeComponents, error) {
	sc := &storeComponents{}

	switch cfg.Backend {
	case config.StoreMemory, "":
		sc.store = registry.NewMemoryStore(cfg.CellSizeKm)

	case config.StoreBadger:
		bs, err := registry.OpenBadgerStore(registry.BadgerOptions{
			Path:       cfg.BadgerPath,
			InMemory:   cfg.BadgerInMemory,
			CellSizeKm: cfg.CellSizeKm,
			Logger:     logging.NewBadgerAdapter(),
		})
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		sc.store = bs
		sc.gc = bs

	case config.StoreRedis:
		rs, err := registry.NewRedisStore(ctx, registry.RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			PoolSize:  cfg.RedisPoolSize,
			KeyPrefix: cfg.RedisPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		sc.store = rs

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}

	if cfg.BreakerEnabled {
		sc.store = registry.NewBreakerStore(sc.store, registry.BreakerConfig{
			Name:             "geo-store-" + cfg.Backend,
			FailureThreshold: cfg.BreakerFailures,
			Timeout:          cfg.BreakerTimeout,
		})
	}

	logging.Info().
		Str("backend", cfg.Backend).
		Bool("breaker", cfg.BreakerEnabled).
		Msg("Socket registry store opened")
	return sc, nil
}
