// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

// Package websocket is the realtime transport: a gorilla/websocket hub that
// owns every connection of this process, keyed by socket id.
//
// Inbound frames are dispatched to per-event handlers one at a time on the
// connection's read goroutine, so a connection never sees two of its own
// events processed concurrently. Outbound frames go through a buffered send
// queue drained by a dedicated write goroutine.
package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/tomtom215/mapsight/internal/logging"
	"github.com/tomtom215/mapsight/internal/metrics"
)

// ShutdownReason identifies why the hub is shutting down.
type ShutdownReason string

const (
	ShutdownReasonContextCanceled ShutdownReason = "context_canceled"
	ShutdownReasonContextDeadline ShutdownReason = "context_deadline"
)

// Message is the wire envelope for both directions.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub maintains the set of connected clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

// Register adds c. It reports false if the socket id is already taken.
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	if _, exists := h.clients[c.id]; exists {
		h.mu.Unlock()
		return false
	}
	h.clients[c.id] = c
	total := len(h.clients)
	h.mu.Unlock()

	metrics.WSConnections.Set(float64(total))
	logging.Debug().Str("socket_id", c.id).Int("total_clients", total).Msg("websocket client connected")
	return true
}

// Unregister removes c if it is still the client registered under its id.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.id]; !ok || cur != c {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	total := len(h.clients)
	h.mu.Unlock()

	metrics.WSConnections.Set(float64(total))
	logging.Debug().Str("socket_id", c.id).Int("total_clients", total).Msg("websocket client disconnected")
}

func (h *Hub) get(socketID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[socketID]
	return c, ok
}

// Has reports whether socketID is connected to this process.
func (h *Hub) Has(socketID string) bool {
	_, ok := h.get(socketID)
	return ok
}

// Deliver queues a pre-encoded payload for socketID. It reports false when
// the socket is not held here. A full send queue closes the client but still
// counts as held.
func (h *Hub) Deliver(socketID, event string, payload []byte) bool {
	c, ok := h.get(socketID)
	if !ok {
		return false
	}
	if err := c.deliver(event, payload); err != nil {
		logging.Debug().Err(err).Str("socket_id", socketID).Str("event", event).Msg("Delivery failed")
	}
	return true
}

// Disconnect force-closes socketID. It reports whether the socket was held.
func (h *Hub) Disconnect(socketID string) bool {
	c, ok := h.get(socketID)
	if !ok {
		return false
	}
	_ = c.Close()
	return true
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RunWithContext blocks until ctx ends, then closes every client. It is
// designed for suture supervision.
func (h *Hub) RunWithContext(ctx context.Context) error {
	<-ctx.Done()

	closed := h.closeAllClients()
	logging.Info().
		Str("component", "websocket-hub").
		Str("reason", string(getShutdownReason(ctx))).
		Int("clients_closed", closed).
		Msg("websocket hub stopped")
	return ctx.Err()
}

func getShutdownReason(ctx context.Context) ShutdownReason {
	if ctx.Err() == context.DeadlineExceeded {
		return ShutdownReasonContextDeadline
	}
	return ShutdownReasonContextCanceled
}

// closeAllClients closes clients in id order so shutdown logs are stable.
func (h *Hub) closeAllClients() int {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	for _, c := range clients {
		_ = c.Close()
	}
	return len(clients)
}
