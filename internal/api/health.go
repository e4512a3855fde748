// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/mapsight/internal/logging"
)

const healthPingTimeout = 2 * time.Second

// HealthStatus is the body of the health probe.
type HealthStatus struct {
	Status      string    `json:"status"`
	Instance    string    `json:"instance,omitempty"`
	Registry    string    `json:"registry"`
	Connections int       `json:"connections"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ErrorResponse is the body of every non-2xx response the router writes.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func healthHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := HealthStatus{
			Status:    "healthy",
			Instance:  deps.InstanceID,
			Registry:  "ok",
			Timestamp: time.Now().UTC(),
		}
		if deps.Connections != nil {
			status.Connections = deps.Connections()
		}

		code := http.StatusOK
		if deps.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
			err := deps.Health.Ping(ctx)
			cancel()
			if err != nil {
				logging.Ctx(r.Context()).Warn().Err(err).Msg("registry health check failed")
				status.Status = "degraded"
				status.Registry = "unavailable"
				status.Error = err.Error()
				code = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Cache-Control", "no-store")
		respondJSON(w, code, status)
	}
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		logging.Error().Err(err).Msg("failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Debug().Err(err).Msg("failed to write JSON response")
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{Code: code, Message: message})
}
