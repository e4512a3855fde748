// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tomtom215/mapsight/internal/models"
)

// minSecretLength matches the HS256 key size.
const minSecretLength = 32

// JWTResolver validates HS256 tokens. The subject claim is the user id; the
// optional name and picture claims fill in the username and avatar.
//
// The token is read from the Authorization header first and from the
// "token" query parameter second, since browsers cannot set headers on a
// websocket handshake.
type JWTResolver struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// sessionClaims adds the OpenID Connect profile claims shown on the map.
type sessionClaims struct {
	jwt.RegisteredClaims
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// NewJWTResolver creates a JWTResolver. issuer is optional; when set the
// iss claim must match.
func NewJWTResolver(secret, issuer string) (*JWTResolver, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d characters", minSecretLength)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	return &JWTResolver{
		secret: []byte(secret),
		issuer: issuer,
		parser: jwt.NewParser(opts...),
	}, nil
}

// ResolveUser implements SessionResolver.
func (r *JWTResolver) ResolveUser(req *http.Request) (models.UserProfile, error) {
	raw := extractToken(req)
	if raw == "" {
		return models.UserProfile{}, ErrNoCredentials
	}

	var claims sessionClaims
	_, err := r.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return r.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return models.UserProfile{}, ErrExpiredCredentials
		}
		return models.UserProfile{}, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	if claims.Subject == "" {
		return models.UserProfile{}, fmt.Errorf("%w: missing sub claim", ErrInvalidCredentials)
	}
	return models.UserProfile{
		ID:       claims.Subject,
		Username: claims.Name,
		Avatar:   claims.Picture,
	}, nil
}

// Issue signs a token for user valid for ttl. Used by tests and the dev
// tooling that mints tokens for local clients.
func (r *JWTResolver) Issue(user models.UserProfile, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    r.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:    user.Username,
		Picture: user.Avatar,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func extractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if token := strings.TrimSpace(parts[1]); token != "" {
				return token
			}
		}
	}
	return r.URL.Query().Get("token")
}
