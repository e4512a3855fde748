// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/mapsight/internal/logging"
	"github.com/tomtom215/mapsight/internal/metrics"
)

// ErrSubscriptionClosed is returned by Serve when the transport closes the
// message channel while the service is still supposed to run. The supervisor
// restarts the relay in that case.
var ErrSubscriptionClosed = errors.New("fanout subscription closed")

// Relay consumes envelopes published by other processes and delivers the
// targets held by this one. It implements suture.Service.
type Relay struct {
	subscriber message.Subscriber
	local      Deliverer
	origin     string
	topic      string
	logger     zerolog.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

// NewRelay creates a Relay for origin.
func NewRelay(subscriber message.Subscriber, local Deliverer, origin, topic string) *Relay {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Relay{
		subscriber: subscriber,
		local:      local,
		origin:     origin,
		topic:      topic,
		logger:     logging.WithComponent("fanout-relay"),
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the first subscription is established.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Serve subscribes to the delivery topic until ctx is canceled.
func (r *Relay) Serve(ctx context.Context) error {
	messages, err := r.subscriber.Subscribe(ctx, r.topic)
	if err != nil {
		metrics.FanoutErrors.WithLabelValues("subscribe").Inc()
		return fmt.Errorf("subscribe to %s: %w", r.topic, err)
	}
	r.readyOnce.Do(func() { close(r.ready) })

	r.logger.Info().Str("topic", r.topic).Str("origin", r.origin).Msg("Fanout relay subscribed")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrSubscriptionClosed
			}
			r.handle(msg)
			msg.Ack()
		}
	}
}

// handle never fails the message: a malformed envelope cannot succeed on
// redelivery and a missing target is not an error.
func (r *Relay) handle(msg *message.Message) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		metrics.FanoutErrors.WithLabelValues("decode").Inc()
		r.logger.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("Discarding malformed envelope")
		return
	}
	if env.Origin == r.origin {
		return
	}

	delivered := 0
	for _, id := range env.Targets {
		if r.local.Deliver(id, env.Event, env.Payload) {
			delivered++
		}
	}
	metrics.RecordFanoutDelivery(PathRelay, delivered)

	if delivered > 0 {
		r.logger.Debug().
			Str("origin", env.Origin).
			Str("event", env.Event).
			Int("delivered", delivered).
			Msg("Relayed envelope")
	}
}

func (r *Relay) String() string {
	return "fanout-relay"
}
