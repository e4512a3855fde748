// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package fanout

import (
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/mapsight/internal/logging"
	"github.com/tomtom215/mapsight/internal/metrics"
)

// breakerPublisher stops publishing to a failing transport for a while so
// a broker outage costs one fast error per broadcast instead of a timeout.
type breakerPublisher struct {
	next message.Publisher
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// NewBreakerPublisher wraps publisher with a circuit breaker that opens
// after five consecutive publish failures.
func NewBreakerPublisher(publisher message.Publisher, name string) message.Publisher {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetBreakerState(name, int(to))
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Fanout publisher circuit breaker state changed")
		},
	}
	return &breakerPublisher{
		next: publisher,
		cb:   gobreaker.NewCircuitBreaker[struct{}](settings),
	}
}

func (p *breakerPublisher) Publish(topic string, messages ...*message.Message) error {
	_, err := p.cb.Execute(func() (struct{}, error) {
		return struct{}{}, p.next.Publish(topic, messages...)
	})
	return err
}

func (p *breakerPublisher) Close() error {
	return p.next.Close()
}
