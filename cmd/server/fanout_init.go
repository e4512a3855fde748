// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package main

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/mapsight/internal/config"
	"github.com/tomtom215/mapsight/internal/fanout"
	"github.com/tomtom215/mapsight/internal/logging"
)

// fanoutComponents holds the transport behind the broadcaster and relay.
type fanoutComponents struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	embedded   *fanout.EmbeddedServer
}

// Close releases the transport. The embedded server, if any, is stopped by
// its supervisor service.
func (f *fanoutComponents) Close() {
	if f == nil {
		return
	}
	if err := f.publisher.Close(); err != nil {
		logging.Warn().Err(err).Msg("Error closing fanout publisher")
	}
	if f.subscriber != nil {
		if err := f.subscriber.Close(); err != nil {
			logging.Warn().Err(err).Msg("Error closing fanout subscriber")
		}
	}
}

// initFanout builds the configured transport. instanceID names the NATS
// clients so they can be told apart on the server.
func initFanout(cfg *config.FanoutConfig, instanceID string) (*fanoutComponents, error) {
	switch cfg.Backend {
	case config.FanoutLocal, "":
		ps := fanout.NewLocalPubSub(cfg.LocalBuffer)
		return &fanoutComponents{publisher: ps, subscriber: ps}, nil

	case config.FanoutNATS:
		fc := &fanoutComponents{}
		url := cfg.NATSURL
		if cfg.NATSEmbedded {
			srv, err := fanout.NewEmbeddedServer(fanout.EmbeddedServerConfig{
				Host: cfg.NATSHost,
				Port: cfg.NATSPort,
			})
			if err != nil {
				return nil, fmt.Errorf("start embedded NATS: %w", err)
			}
			fc.embedded = srv
			url = srv.ClientURL()
			logging.Info().Str("url", url).Msg("Embedded NATS server started")
		}

		natsCfg := fanout.NATSConfig{
			URL:           url,
			ClientName:    "mapsight-" + instanceID,
			MaxReconnects: cfg.NATSMaxReconnects,
			ReconnectWait: cfg.NATSReconnectWait,
		}
		logger := logging.NewWatermillAdapter()

		pub, err := fanout.NewNATSPublisher(natsCfg, logger)
		if err != nil {
			fc.stopEmbedded()
			return nil, fmt.Errorf("create NATS publisher: %w", err)
		}
		sub, err := fanout.NewNATSSubscriber(natsCfg, logger)
		if err != nil {
			_ = pub.Close()
			fc.stopEmbedded()
			return nil, fmt.Errorf("create NATS subscriber: %w", err)
		}

		fc.publisher = fanout.NewBreakerPublisher(pub, "fanout-nats")
		fc.subscriber = sub
		return fc, nil

	default:
		return nil, fmt.Errorf("unknown fanout backend %q", cfg.Backend)
	}
}

func (f *fanoutComponents) stopEmbedded() {
	if f.embedded != nil {
		_ = f.embedded.Shutdown(context.Background())
	}
}
