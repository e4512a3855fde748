// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package auth

import (
	"net/http"
	"strings"

	"github.com/tomtom215/mapsight/internal/models"
)

// Profile headers read by HeaderResolver. Only the user id is required.
const (
	UserIDHeader     = "X-User-ID"
	UserNameHeader   = "X-User-Name"
	UserAvatarHeader = "X-User-Avatar"
)

// HeaderResolver trusts the X-User-* headers. It exists for local
// development and for deployments behind an authenticating proxy.
type HeaderResolver struct{}

// ResolveUser implements SessionResolver.
func (HeaderResolver) ResolveUser(r *http.Request) (models.UserProfile, error) {
	id := strings.TrimSpace(r.Header.Get(UserIDHeader))
	if id == "" {
		return models.UserProfile{}, ErrNoCredentials
	}
	return models.UserProfile{
		ID:       id,
		Username: strings.TrimSpace(r.Header.Get(UserNameHeader)),
		Avatar:   strings.TrimSpace(r.Header.Get(UserAvatarHeader)),
	}, nil
}
