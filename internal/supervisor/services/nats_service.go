// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package services

import (
	"context"
	"errors"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/mapsight/internal/logging"
)

// EmbeddedNATS matches *fanout.EmbeddedServer.
type EmbeddedNATS interface {
	IsRunning() bool
	Shutdown(ctx context.Context) error
}

// EmbeddedNATSService owns the lifetime of an already started embedded NATS
// server and shuts it down when the tree stops.
type EmbeddedNATSService struct {
	server          EmbeddedNATS
	shutdownTimeout time.Duration
	name            string
}

// NewEmbeddedNATSService creates the service.
func NewEmbeddedNATSService(server EmbeddedNATS, shutdownTimeout time.Duration) *EmbeddedNATSService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &EmbeddedNATSService{
		server:          server,
		shutdownTimeout: shutdownTimeout,
		name:            "nats-embedded",
	}
}

// Serve implements suture.Service. A server that stopped on its own cannot
// be restarted in place, so the tree is terminated.
func (s *EmbeddedNATSService) Serve(ctx context.Context) error {
	if !s.server.IsRunning() {
		logging.Error().Msg("Embedded NATS server is not running, terminating supervisor tree")
		return suture.ErrTerminateSupervisorTree
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ctx.Err()
}

// String implements fmt.Stringer for suture logging.
func (s *EmbeddedNATSService) String() string {
	return s.name
}
