// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

// Package auth resolves the user behind a websocket upgrade request.
//
// Presence code never authenticates anything itself. The upgrade handler asks
// a SessionResolver for the user's profile and hands the result to the
// connection; everything downstream only reads that profile.
package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tomtom215/mapsight/internal/models"
)

// Resolution errors. Handlers map both to 401.
var (
	ErrNoCredentials      = errors.New("no credentials provided")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrExpiredCredentials = errors.New("credentials expired")
)

// Mode selects the resolver implementation.
type Mode string

const (
	ModeJWT    Mode = "jwt"
	ModeHeader Mode = "header"
)

// SessionResolver extracts the authenticated user from an HTTP request. The
// returned profile always has a non-empty ID.
type SessionResolver interface {
	ResolveUser(r *http.Request) (models.UserProfile, error)
}

// Config selects and configures a SessionResolver.
type Config struct {
	Mode      Mode
	JWTSecret string
	JWTIssuer string
}

// NewResolver builds the resolver for cfg.Mode.
func NewResolver(cfg Config) (SessionResolver, error) {
	switch cfg.Mode {
	case ModeJWT, "":
		r, err := NewJWTResolver(cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			return nil, err
		}
		return r, nil
	case ModeHeader:
		return HeaderResolver{}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}
