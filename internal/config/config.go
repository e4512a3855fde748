// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

// Package config loads the service configuration.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: Built-in sensible defaults for all optional settings
//  2. Config File: Optional YAML config file (config.yaml) for persistent settings
//  3. Environment Variables: Override any setting via environment variables
//
// Configuration Categories:
//
//  1. Server: HTTP listener, websocket path, allowed origins, upgrade rate limit
//  2. Presence: instance identity, sight region, shutdown grace period
//  3. Store: socket registry backend (memory, badger, redis) and its breaker
//  4. Fanout: cross-process delivery transport (local gochannel or NATS)
//  5. Auth: session resolver (jwt or header)
//  6. Logging: level, format, caller
//
// Example:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    logging.Fatal().Err(err).Msg("Failed to load config")
//	}
//	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
package config

import (
	"net"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Presence PresenceConfig `koanf:"presence"`
	Store    StoreConfig    `koanf:"store"`
	Fanout   FanoutConfig   `koanf:"fanout"`
	Auth     AuthConfig     `koanf:"auth"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port" validate:"min=1,max=65535"`

	// WSPath is the websocket upgrade endpoint.
	// Default: /ws
	WSPath string `koanf:"ws_path" validate:"required,startswith=/"`

	// AllowedOrigins lists origins allowed to open a websocket and call the
	// HTTP endpoints. "*" allows any origin.
	AllowedOrigins []string `koanf:"allowed_origins"`

	// ConnectRateLimit is the number of upgrade requests one client IP may
	// make per ConnectRateWindow. 0 disables the limit.
	ConnectRateLimit  int           `koanf:"connect_rate_limit" validate:"min=0"`
	ConnectRateWindow time.Duration `koanf:"connect_rate_window"`

	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// PresenceConfig holds the connection manager settings.
type PresenceConfig struct {
	// InstanceID identifies this process in socket records and fanout
	// envelopes. A random id is generated when empty.
	InstanceID string `koanf:"instance_id"`

	// SightRegion is the only region returned by in-sight queries.
	// Default: console
	SightRegion string `koanf:"sight_region" validate:"required"`

	// ShutdownGrace bounds the shutdown sweep.
	// Default: 100ms
	ShutdownGrace time.Duration `koanf:"shutdown_grace"`
}

// Store backends.
const (
	StoreMemory = "memory"
	StoreBadger = "badger"
	StoreRedis  = "redis"
)

// StoreConfig selects and tunes the socket registry backend.
type StoreConfig struct {
	// Backend is memory, badger or redis. Only redis can be shared by
	// several processes.
	Backend string `koanf:"backend" validate:"oneof=memory badger redis"`

	// CellSizeKm sizes the in-process viewport grid (memory and badger).
	CellSizeKm float64 `koanf:"cell_size_km" validate:"gt=0"`

	BadgerPath           string        `koanf:"badger_path"`
	BadgerInMemory       bool          `koanf:"badger_in_memory"`
	BadgerGCInterval     time.Duration `koanf:"badger_gc_interval"`
	BadgerGCDiscardRatio float64       `koanf:"badger_gc_discard_ratio" validate:"gt=0,lt=1"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db" validate:"min=0,max=15"`
	RedisPrefix   string `koanf:"redis_prefix"`
	RedisPoolSize int    `koanf:"redis_pool_size" validate:"min=0"`

	// BreakerEnabled wraps the backend in a circuit breaker.
	BreakerEnabled  bool          `koanf:"breaker_enabled"`
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"min=1"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout"`
}

// Fanout transports.
const (
	FanoutLocal = "local"
	FanoutNATS  = "nats"
)

// FanoutConfig selects the cross-process delivery transport.
type FanoutConfig struct {
	// Backend is local (single process) or nats.
	Backend string `koanf:"backend" validate:"oneof=local nats"`
	Topic   string `koanf:"topic" validate:"required"`

	// LocalBuffer is the gochannel output buffer for the local backend.
	LocalBuffer int64 `koanf:"local_buffer" validate:"min=0"`

	NATSURL           string        `koanf:"nats_url"`
	NATSEmbedded      bool          `koanf:"nats_embedded"`
	NATSHost          string        `koanf:"nats_host"`
	NATSPort          int           `koanf:"nats_port" validate:"min=-1,max=65535"`
	NATSMaxReconnects int           `koanf:"nats_max_reconnects" validate:"min=-1"`
	NATSReconnectWait time.Duration `koanf:"nats_reconnect_wait"`
}

// AuthConfig configures the session resolver used on upgrade.
type AuthConfig struct {
	// Mode is jwt or header. header trusts X-User-ID and is for development.
	Mode      string `koanf:"mode" validate:"oneof=jwt header"`
	JWTSecret string `koanf:"jwt_secret"`
	JWTIssuer string `koanf:"jwt_issuer"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	// Default: info
	Level string `koanf:"level" validate:"oneof=trace debug info warn error"`

	// Format is the output format: json or console.
	// Default: json
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`

	// Caller includes caller file and line number in logs.
	// Default: false
	Caller bool `koanf:"caller"`
}

// Load reads configuration from defaults, an optional config file and the
// environment, then validates it.
func Load() (*Config, error) {
	return LoadWithKoanf()
}
