// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package fanout

import (
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/tomtom215/mapsight/internal/logging"
)

// NewLocalPubSub returns an in-process publisher/subscriber pair backed by a
// watermill Go channel. Envelopes never leave the process, so it suits a
// single instance and tests.
func NewLocalPubSub(buffer int64) *gochannel.GoChannel {
	if buffer <= 0 {
		buffer = 256
	}
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: buffer,
	}, logging.NewWatermillAdapter())
}
