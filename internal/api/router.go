// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

// Package api mounts the HTTP surface of the service: the websocket upgrade
// endpoint, a health probe and the Prometheus scrape endpoint.
//
// Only the upgrade endpoint is rate limited. The limit applies to connection
// admission; messages on an open connection are not counted.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger reports whether the registry backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps holds everything the router mounts.
type Deps struct {
	WS                http.Handler
	WSPath            string
	AllowedOrigins    []string
	ConnectRateLimit  int
	ConnectRateWindow time.Duration
	Health            Pinger
	InstanceID        string
	Connections       func() int
	Metrics           http.Handler
}

// NewRouter builds the chi router.
func NewRouter(deps Deps) http.Handler {
	if deps.WSPath == "" {
		deps.WSPath = "/ws"
	}
	if deps.Metrics == nil {
		deps.Metrics = promhttp.Handler()
	}

	r := chi.NewRouter()
	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(AccessLog())
	// Preflight requests never match a route, so CORS sits on the root.
	r.Use(CORS(deps.AllowedOrigins))

	r.Get("/healthz", healthHandler(deps))
	r.Handle("/metrics", deps.Metrics)

	r.Group(func(r chi.Router) {
		r.Use(ConnectRateLimit(deps.ConnectRateLimit, deps.ConnectRateWindow))
		r.Get(deps.WSPath, deps.WS.ServeHTTP)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	return r
}
