// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package logging

import (
	"strings"

	"github.com/rs/zerolog"
)

// BadgerAdapter satisfies badger.Logger. Badger's info chatter is demoted
// to debug so compaction notices do not flood production output.
type BadgerAdapter struct {
	logger zerolog.Logger
}

// NewBadgerAdapter wraps the global logger, tagged with component=badger.
func NewBadgerAdapter() *BadgerAdapter {
	return &BadgerAdapter{logger: WithComponent("badger")}
}

func (a *BadgerAdapter) Errorf(format string, args ...interface{}) {
	a.logger.Error().Msgf(trimNewline(format), args...)
}

func (a *BadgerAdapter) Warningf(format string, args ...interface{}) {
	a.logger.Warn().Msgf(trimNewline(format), args...)
}

func (a *BadgerAdapter) Infof(format string, args ...interface{}) {
	a.logger.Debug().Msgf(trimNewline(format), args...)
}

func (a *BadgerAdapter) Debugf(format string, args ...interface{}) {
	a.logger.Trace().Msgf(trimNewline(format), args...)
}

func trimNewline(s string) string {
	return strings.TrimSuffix(s, "\n")
}
