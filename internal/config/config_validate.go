// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/tomtom215/mapsight/internal/validation"
)

// Validate checks field ranges with struct tags, then runs the
// cross-field checks of each section.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}

	if err := c.validateServer(); err != nil {
		return err
	}

	if err := c.validatePresence(); err != nil {
		return err
	}

	if err := c.validateStore(); err != nil {
		return err
	}

	if err := c.validateFanout(); err != nil {
		return err
	}

	return c.validateAuth()
}

func (c *Config) validateServer() error {
	if c.Server.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("READ_HEADER_TIMEOUT must be positive")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive")
	}
	if c.Server.ConnectRateLimit > 0 && c.Server.ConnectRateWindow <= 0 {
		return fmt.Errorf("CONNECT_RATE_WINDOW must be positive when CONNECT_RATE_LIMIT is set")
	}
	return nil
}

// maxShutdownGrace keeps the sweep well inside typical orchestrator kill timeouts.
const maxShutdownGrace = 10 * time.Second

func (c *Config) validatePresence() error {
	if c.Presence.ShutdownGrace <= 0 || c.Presence.ShutdownGrace > maxShutdownGrace {
		return fmt.Errorf("SHUTDOWN_GRACE must be between 1ms and %s", maxShutdownGrace)
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Backend {
	case StoreBadger:
		if !c.Store.BadgerInMemory && c.Store.BadgerPath == "" {
			return fmt.Errorf("BADGER_PATH is required when STORE_BACKEND is badger")
		}
		if c.Store.BadgerGCInterval <= 0 {
			return fmt.Errorf("BADGER_GC_INTERVAL must be positive")
		}
	case StoreRedis:
		if err := validateHostPort(c.Store.RedisAddr); err != nil {
			return fmt.Errorf("REDIS_ADDR is invalid: %w", err)
		}
	}
	if c.Store.BreakerEnabled && c.Store.BreakerTimeout <= 0 {
		return fmt.Errorf("STORE_BREAKER_TIMEOUT must be positive")
	}
	return nil
}

func (c *Config) validateFanout() error {
	if c.Fanout.Backend != FanoutNATS {
		return nil
	}
	if c.Fanout.NATSEmbedded {
		return nil // the URL comes from the embedded server
	}
	if err := validateNATSURL(c.Fanout.NATSURL); err != nil {
		return fmt.Errorf("NATS_URL is invalid: %w", err)
	}
	return nil
}

func (c *Config) validateAuth() error {
	if c.Auth.Mode != "jwt" {
		return nil
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when AUTH_MODE is jwt")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters for security")
	}
	if containsPlaceholder(c.Auth.JWTSecret) {
		return fmt.Errorf("JWT_SECRET contains a placeholder value - generate a secure secret with: openssl rand -base64 32")
	}
	return nil
}

// HasWildcardOrigin reports whether any origin may open a websocket.
func (c *Config) HasWildcardOrigin() bool {
	for _, origin := range c.Server.AllowedOrigins {
		if origin == "*" {
			return true
		}
	}
	return false
}

// ShouldWarnAboutOrigins returns true when the origin policy deserves a
// startup warning.
func (c *Config) ShouldWarnAboutOrigins() bool {
	return c.Auth.Mode == "header" || c.HasWildcardOrigin()
}

// validateNATSURL validates that the NATS URL is properly formatted.
func validateNATSURL(rawURL string) error {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}

	validSchemes := map[string]bool{"nats": true, "tls": true, "ws": true, "wss": true}
	if !validSchemes[parsedURL.Scheme] {
		return fmt.Errorf("scheme must be nats, tls, ws, or wss, got: %s", parsedURL.Scheme)
	}

	if parsedURL.Host == "" {
		return fmt.Errorf("host is required (e.g., localhost:4222, nats.example.com)")
	}

	return nil
}

func validateHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "" || port == "" {
		return fmt.Errorf("expected host:port, got %q", addr)
	}
	return nil
}

// placeholderPatterns are common template values that must never reach production.
var placeholderPatterns = []string{
	"REPLACE_WITH",
	"CHANGE_ME",
	"CHANGEME",
	"YOUR_SECRET",
	"PLACEHOLDER",
}

// containsPlaceholder reports whether value looks like an unedited template value.
func containsPlaceholder(value string) bool {
	upperValue := strings.ToUpper(value)
	for _, pattern := range placeholderPatterns {
		if strings.Contains(upperValue, pattern) {
			return true
		}
	}
	return false
}
