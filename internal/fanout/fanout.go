// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

// Package fanout delivers server-initiated events to socket ids no matter
// which process holds the connection.
//
// Targets connected to this process are written straight to the local hub.
// The rest travel as a single Envelope over a watermill topic; every process
// runs a Relay that picks up envelopes from other origins and delivers the
// targets it holds. Targets held nowhere are dropped silently, matching
// best-effort socket emit semantics.
package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	json "github.com/goccy/go-json"

	"github.com/tomtom215/mapsight/internal/logging"
	"github.com/tomtom215/mapsight/internal/metrics"
)

// DefaultTopic carries delivery envelopes between processes.
const DefaultTopic = "mapsight.deliver"

// Delivery paths used in metrics.
const (
	PathLocal   = "local"
	PathRelay   = "relay"
	PathDropped = "dropped"
)

// ErrPublish wraps failures to hand an envelope to the transport.
var ErrPublish = errors.New("fanout publish failed")

// Deliverer writes one event to a locally held socket. It reports false when
// the socket is not connected to this process.
type Deliverer interface {
	Deliver(socketID, event string, payload []byte) bool
}

// Envelope is the cross-process delivery unit.
type Envelope struct {
	Origin  string          `json:"origin"`
	Targets []string        `json:"targets"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Broadcaster implements targeted delivery for the presence layer.
type Broadcaster struct {
	local     Deliverer
	publisher message.Publisher
	origin    string
	topic     string
}

// NewBroadcaster creates a Broadcaster. publisher may be nil for a strictly
// single-process deployment, in which case non-local targets are dropped.
func NewBroadcaster(local Deliverer, publisher message.Publisher, origin, topic string) *Broadcaster {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Broadcaster{local: local, publisher: publisher, origin: origin, topic: topic}
}

// Broadcast sends event with payload to every target. Local delivery always
// happens; an error is returned only when the remote remainder could not be
// published.
func (b *Broadcaster) Broadcast(ctx context.Context, targets []string, event string, payload any) error {
	if len(targets) == 0 {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		metrics.FanoutErrors.WithLabelValues("marshal").Inc()
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	remote := make([]string, 0, len(targets))
	for _, id := range targets {
		if b.local.Deliver(id, event, raw) {
			continue
		}
		remote = append(remote, id)
	}
	metrics.RecordFanoutDelivery(PathLocal, len(targets)-len(remote))

	if len(remote) == 0 {
		return nil
	}
	if b.publisher == nil {
		metrics.RecordFanoutDelivery(PathDropped, len(remote))
		logging.Ctx(ctx).Debug().
			Strs("targets", remote).
			Str("event", event).
			Msg("No fanout transport, dropping non-local targets")
		return nil
	}

	body, err := json.Marshal(Envelope{Origin: b.origin, Targets: remote, Event: event, Payload: raw})
	if err != nil {
		metrics.FanoutErrors.WithLabelValues("marshal").Inc()
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.Metadata.Set("origin", b.origin)
	msg.Metadata.Set("event", event)
	msg.SetContext(ctx)

	if err := b.publisher.Publish(b.topic, msg); err != nil {
		metrics.FanoutErrors.WithLabelValues("publish").Inc()
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	metrics.FanoutPublished.Inc()
	return nil
}
