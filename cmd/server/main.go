// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

// Package main is the entry point for the Mapsight presence server.
//
// Mapsight keeps track of who is looking at which part of a live map. Each
// websocket connection reports its position and viewport; the server keeps
// every connection's audience list (the sockets whose viewport contains it)
// current and pushes in-sight projections to both sides.
//
// # Application Architecture
//
//	RootSupervisor ("mapsight")
//	├── DataSupervisor ("data-layer")
//	│   ├── Store GC (badger backend only)
//	│   └── Embedded NATS (optional)
//	├── MessagingSupervisor ("messaging-layer")
//	│   ├── WebSocket Hub
//	│   ├── Fanout Relay
//	│   └── Presence Manager (shutdown sweep)
//	└── APISupervisor ("api-layer")
//	    └── HTTP Server (upgrade, /healthz, /metrics)
//
// # Configuration
//
// Koanf v2 layers, highest priority last: built-in defaults, config.yaml
// (or CONFIG_PATH), environment variables. The most common ones:
//
//	HTTP_PORT=3000
//	STORE_BACKEND=memory|badger|redis
//	REDIS_ADDR=127.0.0.1:6379
//	FANOUT_BACKEND=local|nats
//	NATS_URL=nats://127.0.0.1:4222
//	AUTH_MODE=jwt|header
//	JWT_SECRET=$(openssl rand -base64 32)
//
// # Signal Handling
//
// SIGINT, SIGTERM, SIGHUP and SIGQUIT start the shutdown sweep: every socket
// held by this process is removed from the registry and closed, bounded by
// the grace period, and the process exits with status 1.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/mapsight/internal/api"
	"github.com/tomtom215/mapsight/internal/auth"
	"github.com/tomtom215/mapsight/internal/config"
	"github.com/tomtom215/mapsight/internal/fanout"
	"github.com/tomtom215/mapsight/internal/logging"
	"github.com/tomtom215/mapsight/internal/presence"
	"github.com/tomtom215/mapsight/internal/registry"
	"github.com/tomtom215/mapsight/internal/supervisor"
	"github.com/tomtom215/mapsight/internal/supervisor/services"
	ws "github.com/tomtom215/mapsight/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	if cfg.Presence.InstanceID == "" {
		cfg.Presence.InstanceID = uuid.NewString()
	}
	logging.Info().
		Str("instance_id", cfg.Presence.InstanceID).
		Str("store", cfg.Store.Backend).
		Str("fanout", cfg.Fanout.Backend).
		Str("auth_mode", cfg.Auth.Mode).
		Msg("Starting Mapsight")

	if cfg.ShouldWarnAboutOrigins() {
		logging.Warn().
			Strs("allowed_origins", cfg.Server.AllowedOrigins).
			Msg("Websocket origin check is permissive; restrict ALLOWED_ORIGINS in production")
	}

	signals, stopSignals := presence.NotifySignals()
	ctx, cancel := context.WithCancel(context.Background())
	code := run(ctx, cancel, cfg, signals)
	stopSignals()
	cancel()
	os.Exit(code)
}

// Bounds on waiting for the supervisor tree after cancellation. The exit
// after a shutdown sweep is forced sooner than a plain cancellation.
const (
	sweepExitWait = 2 * time.Second
	shutdownSlack = 5 * time.Second
)

// run wires the components, serves until the presence manager finishes its
// sweep or the tree fails, and returns the process exit status. A value on
// signals starts the shutdown sweep.
//
//nolint:gocyclo // sequential setup
func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, signals <-chan os.Signal) int {
	sc, err := initStore(ctx, &cfg.Store)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to open socket registry")
		return 1
	}
	defer func() {
		if err := sc.store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing socket registry")
		}
	}()

	repo := registry.NewRepository(sc.store, registry.Options{
		ProcessID:   cfg.Presence.InstanceID,
		SightRegion: cfg.Presence.SightRegion,
	})

	fc, err := initFanout(&cfg.Fanout, cfg.Presence.InstanceID)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to initialize fanout")
		return 1
	}
	defer fc.Close()

	hub := ws.NewHub()
	broadcaster := fanout.NewBroadcaster(hub, fc.publisher, cfg.Presence.InstanceID, cfg.Fanout.Topic)
	relay := fanout.NewRelay(fc.subscriber, hub, cfg.Presence.InstanceID, cfg.Fanout.Topic)

	exitCode := make(chan int, 1)
	manager := presence.NewManager(presence.Config{
		Registry:    repo,
		Broadcaster: broadcaster,
		Transport:   hub,
		Signals:     signals,
		Grace:       cfg.Presence.ShutdownGrace,
		Exit: func(code int) {
			select {
			case exitCode <- code:
			default:
			}
			cancel()
		},
	})

	resolver, err := auth.NewResolver(auth.Config{
		Mode:      auth.Mode(cfg.Auth.Mode),
		JWTSecret: cfg.Auth.JWTSecret,
		JWTIssuer: cfg.Auth.JWTIssuer,
	})
	if err != nil {
		logging.Error().Err(err).Msg("Failed to initialize authentication")
		return 1
	}

	wsHandler := ws.NewHandler(hub, resolver, func(ctx context.Context, c *ws.Client) error {
		return manager.OnConnect(ctx, c)
	}, cfg.Server.AllowedOrigins)

	server := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: api.NewRouter(api.Deps{
			WS:                wsHandler,
			WSPath:            cfg.Server.WSPath,
			AllowedOrigins:    cfg.Server.AllowedOrigins,
			ConnectRateLimit:  cfg.Server.ConnectRateLimit,
			ConnectRateWindow: cfg.Server.ConnectRateWindow,
			Health:            repo,
			InstanceID:        cfg.Presence.InstanceID,
			Connections:       manager.Table().Len,
		}),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		logging.Error().Err(err).Msg("Failed to create supervisor tree")
		return 1
	}

	if sc.gc != nil {
		tree.AddDataService(services.NewStoreGCService(sc.gc, cfg.Store.BadgerGCInterval, cfg.Store.BadgerGCDiscardRatio))
	}
	if fc.embedded != nil {
		tree.AddDataService(services.NewEmbeddedNATSService(fc.embedded, cfg.Server.ShutdownTimeout))
	}

	tree.AddMessagingService(services.NewWebSocketHubService(hub))
	tree.AddMessagingService(relay)
	tree.AddMessagingService(manager)

	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	logging.Info().
		Str("addr", server.Addr).
		Str("ws_path", cfg.Server.WSPath).
		Msg("HTTP server service added")

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)
	code := awaitTree(ctx, errCh, func() time.Duration {
		if len(exitCode) > 0 {
			return sweepExitWait
		}
		return cfg.Server.ShutdownTimeout + shutdownSlack
	})

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
	}

	select {
	case code = <-exitCode:
	default:
	}
	logging.Info().Int("exit_code", code).Msg("Mapsight stopped")
	return code
}

// awaitTree blocks until the tree stops on its own or ctx is canceled. The
// tree reports exactly once and never closes errCh, so after cancellation
// the wait for that report is bounded by wait().
func awaitTree(ctx context.Context, errCh <-chan error, wait func() time.Duration) int {
	select {
	case err := <-errCh:
		return treeExitCode(err)
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish...")
	}

	timeout := wait()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-errCh:
		return treeExitCode(err)
	case <-timer.C:
		logging.Warn().Dur("timeout", timeout).Msg("Supervisor tree did not stop in time")
		return 1
	}
}

func treeExitCode(err error) int {
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree error")
		return 1
	}
	return 0
}
