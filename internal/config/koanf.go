// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order of priority.
// The first file found will be used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/mapsight/config.yaml",
	"/etc/mapsight/config.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config struct with all sensible default values.
// These defaults are applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              3000,
			WSPath:            "/ws",
			AllowedOrigins:    []string{"*"},
			ConnectRateLimit:  30,
			ConnectRateWindow: time.Minute,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Presence: PresenceConfig{
			InstanceID:    "",
			SightRegion:   "console",
			ShutdownGrace: 100 * time.Millisecond,
		},
		Store: StoreConfig{
			Backend:              StoreMemory,
			CellSizeKm:           50,
			BadgerPath:           "/data/mapsight",
			BadgerInMemory:       false,
			BadgerGCInterval:     5 * time.Minute,
			BadgerGCDiscardRatio: 0.5,
			RedisAddr:            "127.0.0.1:6379",
			RedisDB:              0,
			RedisPrefix:          "mapsight:",
			RedisPoolSize:        0, // 0 = go-redis default (10 per CPU)
			BreakerEnabled:       true,
			BreakerFailures:      5,
			BreakerTimeout:       30 * time.Second,
		},
		Fanout: FanoutConfig{
			Backend:           FanoutLocal,
			Topic:             "mapsight.deliver",
			LocalBuffer:       256,
			NATSURL:           "nats://127.0.0.1:4222",
			NATSEmbedded:      false,
			NATSHost:          "127.0.0.1",
			NATSPort:          4222,
			NATSMaxReconnects: -1,
			NATSReconnectWait: 2 * time.Second,
		},
		Auth: AuthConfig{
			Mode:      "jwt",
			JWTSecret: "",
			JWTIssuer: "",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// LoadWithKoanf loads configuration using Koanf v2 with layered sources:
//  1. Struct defaults
//  2. YAML config file (CONFIG_PATH or DefaultConfigPaths)
//  3. Environment variables mapped through envTransformFunc
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: Load defaults from struct
	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: Load config file (optional)
	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: Load environment variables (highest priority)
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Post-process slice fields from comma-separated strings
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the path to the first file found, or empty string if none found.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths defines which config paths should be parsed as comma-separated slices
var sliceConfigPaths = []string{
	"server.allowed_origins",
}

// processSliceFields converts comma-separated string values to slices for known slice fields.
// Env vars arrive as strings while the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		// Already a slice (from YAML file or defaults)
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envMappings maps environment variable names (lower-cased) to koanf paths.
var envMappings = map[string]string{
	// Server mappings
	"http_host":           "server.host",
	"http_port":           "server.port",
	"ws_path":             "server.ws_path",
	"allowed_origins":     "server.allowed_origins",
	"connect_rate_limit":  "server.connect_rate_limit",
	"connect_rate_window": "server.connect_rate_window",
	"read_header_timeout": "server.read_header_timeout",
	"shutdown_timeout":    "server.shutdown_timeout",

	// Presence mappings
	"instance_id":    "presence.instance_id",
	"sight_region":   "presence.sight_region",
	"shutdown_grace": "presence.shutdown_grace",

	// Store mappings
	"store_backend":           "store.backend",
	"store_cell_size_km":      "store.cell_size_km",
	"badger_path":             "store.badger_path",
	"badger_in_memory":        "store.badger_in_memory",
	"badger_gc_interval":      "store.badger_gc_interval",
	"badger_gc_discard_ratio": "store.badger_gc_discard_ratio",
	"redis_addr":              "store.redis_addr",
	"redis_password":          "store.redis_password",
	"redis_db":                "store.redis_db",
	"redis_prefix":            "store.redis_prefix",
	"redis_pool_size":         "store.redis_pool_size",
	"store_breaker_enabled":   "store.breaker_enabled",
	"store_breaker_failures":  "store.breaker_failures",
	"store_breaker_timeout":   "store.breaker_timeout",

	// Fanout mappings
	"fanout_backend":      "fanout.backend",
	"fanout_topic":        "fanout.topic",
	"fanout_local_buffer": "fanout.local_buffer",
	"nats_url":            "fanout.nats_url",
	"nats_embedded":       "fanout.nats_embedded",
	"nats_host":           "fanout.nats_host",
	"nats_port":           "fanout.nats_port",
	"nats_max_reconnects": "fanout.nats_max_reconnects",
	"nats_reconnect_wait": "fanout.nats_reconnect_wait",

	// Auth mappings
	"auth_mode":  "auth.mode",
	"jwt_secret": "auth.jwt_secret",
	"jwt_issuer": "auth.jwt_issuer",

	// Logging mappings
	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc transforms environment variable names to koanf config paths.
//
// Examples:
//   - HTTP_PORT -> server.port
//   - STORE_BACKEND -> store.backend
//   - NATS_URL -> fanout.nats_url
//   - LOG_LEVEL -> logging.level
func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}

	// Unmapped keys are skipped so unrelated environment variables never
	// pollute the configuration.
	return ""
}
