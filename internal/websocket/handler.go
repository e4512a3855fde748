// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/mapsight/internal/auth"
	"github.com/tomtom215/mapsight/internal/logging"
	"github.com/tomtom215/mapsight/internal/metrics"
)

// RegionParam is the query parameter carrying the optional region tag.
const RegionParam = "region"

// ConnectFunc is called for every upgraded connection before its pumps
// start, so handlers are in place before the first inbound frame. A non-nil
// error rejects the connection.
type ConnectFunc func(ctx context.Context, c *Client) error

// Handler upgrades HTTP requests into hub clients.
type Handler struct {
	hub            *Hub
	resolver       auth.SessionResolver
	onConnect      ConnectFunc
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// NewHandler creates the upgrade handler. allowedOrigins lists accepted
// Origin values; "*" accepts any origin, including none.
func NewHandler(hub *Hub, resolver auth.SessionResolver, onConnect ConnectFunc, allowedOrigins []string) *Handler {
	h := &Handler{
		hub:            hub,
		resolver:       resolver,
		onConnect:      onConnect,
		allowedOrigins: allowedOrigins,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || (origin != "" && allowed == origin) {
			return true
		}
	}
	logging.Warn().Str("origin", origin).Msg("WebSocket connection rejected from unauthorized origin")
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := h.resolver.ResolveUser(r)
	if err != nil {
		metrics.WSErrors.WithLabelValues("unauthorized").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		metrics.WSErrors.WithLabelValues("upgrade").Inc()
		logging.Debug().Err(err).Msg("WebSocket upgrade error")
		return
	}

	// The hijacked connection outlives the request.
	parent := context.WithoutCancel(r.Context())
	if logging.RequestIDFromContext(parent) == "" {
		parent = logging.ContextWithRequestID(parent, logging.GenerateRequestID())
	}

	client := NewClient(parent, h.hub, conn, uuid.NewString(), user, r.URL.Query().Get(RegionParam))
	if !h.hub.Register(client) {
		_ = client.Close()
		return
	}

	if err := h.onConnect(client.Context(), client); err != nil {
		h.hub.Unregister(client)
		_ = client.Close()
		return
	}

	client.Start()
}
