// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/mapsight/internal/logging"
	"github.com/tomtom215/mapsight/internal/metrics"
	"github.com/tomtom215/mapsight/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

var (
	ErrClientClosed   = errors.New("websocket client closed")
	ErrSendBufferFull = errors.New("websocket send buffer full")
)

// inbound decodes the envelope lazily so each handler owns its payload type.
type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Client is one websocket connection. Handlers registered with On run on
// the read goroutine, strictly one event at a time.
type Client struct {
	id     string
	user   models.UserProfile
	region string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	handlers     map[string]func(ctx context.Context, data []byte)
	onDisconnect func()

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient creates a Client for an upgraded connection. The client's
// context derives from parent and is canceled when the client closes.
func NewClient(parent context.Context, hub *Hub, conn *websocket.Conn, socketID string, user models.UserProfile, region string) *Client {
	ctx, cancel := context.WithCancel(logging.ContextWithSocket(parent, socketID, user.ID))
	return &Client{
		id:       socketID,
		user:     user,
		region:   region,
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]func(ctx context.Context, data []byte)),
		done:     make(chan struct{}),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) Region() string { return c.region }

// User is the profile resolved from the upgrade request.
func (c *Client) User() models.UserProfile { return c.user }

// Context is canceled once the connection closes.
func (c *Client) Context() context.Context {
	return c.ctx
}

// On registers the handler for an inbound event type, replacing any
// previous one.
func (c *Client) On(event string, handler func(ctx context.Context, data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = handler
}

// OnDisconnect sets the function run once after the connection ends.
func (c *Client) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// Emit sends event with payload to this client.
func (c *Client) Emit(event string, payload any) error {
	frame, err := json.Marshal(Message{Type: event, Data: payload})
	if err != nil {
		return err
	}
	return c.enqueue(event, frame)
}

// deliver sends a payload that is already JSON encoded.
func (c *Client) deliver(event string, payload []byte) error {
	frame, err := json.Marshal(Message{Type: event, Data: json.RawMessage(payload)})
	if err != nil {
		return err
	}
	return c.enqueue(event, frame)
}

func (c *Client) enqueue(event string, frame []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- frame:
		metrics.WSMessagesSent.WithLabelValues(event).Inc()
		return nil
	default:
		// A reader this far behind will never catch up.
		metrics.WSErrors.WithLabelValues("send_buffer_full").Inc()
		logging.Ctx(c.ctx).Warn().Str("event", event).Msg("Send buffer full, closing client")
		_ = c.Close()
		return ErrSendBufferFull
	}
}

// Close force-closes the connection. Safe to call more than once and from
// any goroutine.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = c.conn.Close()
	})
	return err
}

// Start begins reading and writing for the client.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Ctx(c.ctx).Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				metrics.WSErrors.WithLabelValues("unexpected_close").Inc()
				logging.Ctx(c.ctx).Warn().Err(err).Msg("unexpected websocket close error")
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		metrics.WSErrors.WithLabelValues("decode").Inc()
		logging.Ctx(c.ctx).Warn().Err(err).Msg("Ignoring malformed frame")
		return
	}

	c.mu.RLock()
	handler := c.handlers[msg.Type]
	c.mu.RUnlock()

	if handler == nil {
		metrics.WSMessagesReceived.WithLabelValues("unknown").Inc()
		logging.Ctx(c.ctx).Debug().Str("event", msg.Type).Msg("Ignoring unknown event")
		return
	}

	metrics.WSMessagesReceived.WithLabelValues(msg.Type).Inc()
	// A close racing with this event must not cut its store writes short.
	handler(context.WithoutCancel(c.ctx), msg.Data)
}

// teardown runs once the read side ends, whoever closed the connection.
func (c *Client) teardown() {
	_ = c.Close()
	c.hub.Unregister(c)

	c.mu.RLock()
	fn := c.onDisconnect
	c.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case frame := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				metrics.WSErrors.WithLabelValues("write").Inc()
				logging.Ctx(c.ctx).Debug().Err(err).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
