// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

//go:build integration

package registry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/mapsight/internal/testinfra"
)

func TestRedisStore_Conformance(t *testing.T) {
	testinfra.SkipIfNoDocker(t)
	container := testinfra.StartRedis(t)

	rdb := redis.NewClient(&redis.Options{Addr: container.Addr})
	t.Cleanup(func() { _ = rdb.Close() })

	var seq atomic.Int64
	runStoreConformance(t, func(t *testing.T) Store {
		// A fresh prefix per subtest keeps cases isolated on one server.
		prefix := fmt.Sprintf("test%d:", seq.Add(1))
		return NewRedisStoreFromClient(rdb, prefix)
	})
}

func TestRedisStore_UnreachableIsUnavailable(t *testing.T) {
	testinfra.SkipIfNoDocker(t)
	container := testinfra.StartRedis(t)
	ctx := context.Background()

	s, err := NewRedisStore(ctx, RedisOptions{Addr: container.Addr})
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	_ = s.Close()

	if _, err := s.Get(ctx, "s1"); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Get() on closed client error = %v, want ErrStoreUnavailable", err)
	}
}
