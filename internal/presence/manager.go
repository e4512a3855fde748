// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package presence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tomtom215/mapsight/internal/logging"
	"github.com/tomtom215/mapsight/internal/metrics"
)

// disconnectTimeout bounds the registry delete issued when a connection closes.
const disconnectTimeout = 5 * time.Second

// ShutdownSignals are the signals that trigger the shutdown sweep.
var ShutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT}

// NotifySignals subscribes to ShutdownSignals and returns the channel along
// with a stop function that unsubscribes it.
func NotifySignals() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, ShutdownSignals...)
	return ch, func() { signal.Stop(ch) }
}

// Config holds the Manager's collaborators.
type Config struct {
	Registry    Registry
	Broadcaster Broadcaster
	Transport   Transport

	// Signals triggers the shutdown sweep. A nil channel never fires.
	Signals <-chan os.Signal

	// Exit terminates the process after the sweep. Defaults to os.Exit.
	Exit func(code int)

	// Grace bounds how long the sweep waits for disconnects.
	Grace time.Duration
}

// Manager registers connections, tracks their lifecycle and sweeps them out of
// the registry on shutdown. One Manager exists per process.
type Manager struct {
	registry    Registry
	broadcaster Broadcaster
	transport   Transport
	signals     <-chan os.Signal
	exit        func(int)
	grace       time.Duration

	table *LocalTable

	mu     sync.RWMutex
	states map[string]ConnState

	shuttingDown atomic.Bool
	shutdownOnce sync.Once
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGracePeriod
	}
	return &Manager{
		registry:    cfg.Registry,
		broadcaster: cfg.Broadcaster,
		transport:   cfg.Transport,
		signals:     cfg.Signals,
		exit:        cfg.Exit,
		grace:       cfg.Grace,
		table:       NewLocalTable(),
		states:      make(map[string]ConnState),
	}
}

// Table exposes the local connection table.
func (m *Manager) Table() *LocalTable {
	return m.table
}

// State returns the current state of socketID. Sockets that reached a
// terminal state are forgotten and report StateUnknown.
func (m *Manager) State(socketID string) ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[socketID]
}

func (m *Manager) transition(ctx context.Context, socketID string, state ConnState) {
	m.mu.Lock()
	if state.Terminal() {
		delete(m.states, socketID)
	} else {
		m.states[socketID] = state
	}
	m.mu.Unlock()

	metrics.RecordStateTransition(state.String())
	logging.Ctx(ctx).Debug().
		Str("socket_id", socketID).
		Str("state", state.String()).
		Msg("Connection state changed")
}

// OnConnect registers conn and wires its event handlers. On failure the
// connection is closed and the error returned; registration is not retried.
func (m *Manager) OnConnect(ctx context.Context, conn Conn) error {
	socketID := conn.ID()
	m.transition(ctx, socketID, StateConnecting)

	if m.shuttingDown.Load() {
		m.reject(ctx, conn)
		return fmt.Errorf("register socket %s: shutdown in progress", socketID)
	}

	if _, err := m.registry.Connect(ctx, conn.User(), socketID, conn.Region()); err != nil {
		metrics.RecordRegistration(false)
		logging.Ctx(ctx).Error().Err(err).
			Str("socket_id", socketID).
			Msg("Socket registration failed, closing connection")
		m.reject(ctx, conn)
		return fmt.Errorf("register socket %s: %w", socketID, err)
	}
	metrics.RecordRegistration(true)
	m.transition(ctx, socketID, StateRegistered)

	m.table.Add(socketID)
	// A sweep that snapshotted the table before Add would miss this socket.
	if m.shuttingDown.Load() {
		m.abandon(ctx, socketID)
		m.reject(ctx, conn)
		return fmt.Errorf("register socket %s: shutdown in progress", socketID)
	}
	NewLocationDelegation(socketID, conn, m.registry, m.broadcaster).Attach(conn)
	conn.OnDisconnect(func() { m.handleDisconnect(ctx, socketID) })

	m.transition(ctx, socketID, StateActive)
	logging.Ctx(ctx).Info().
		Str("socket_id", socketID).
		Str("region", conn.Region()).
		Msg("Socket connected")
	return nil
}

// abandon removes a record registered while shutdown began.
func (m *Manager) abandon(ctx context.Context, socketID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
	defer cancel()

	if _, err := m.registry.Disconnect(ctx, socketID); err != nil {
		logging.Ctx(ctx).Error().Err(err).
			Str("socket_id", socketID).
			Msg("Failed to remove socket registered during shutdown")
	}
	m.table.Remove(socketID)
}

func (m *Manager) reject(ctx context.Context, conn Conn) {
	if err := conn.Close(); err != nil {
		logging.Ctx(ctx).Debug().Err(err).Msg("Closing rejected connection")
	}
	m.transition(ctx, conn.ID(), StateRejected)
}

// handleDisconnect removes the record of a closed connection. A failed delete
// leaves the id in the table so the shutdown sweep retries it.
func (m *Manager) handleDisconnect(ctx context.Context, socketID string) {
	if m.shuttingDown.Load() {
		return
	}
	m.transition(ctx, socketID, StateDisconnecting)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
	defer cancel()

	if _, err := m.registry.Disconnect(ctx, socketID); err != nil {
		logging.Ctx(ctx).Error().Err(err).
			Str("socket_id", socketID).
			Msg("Failed to remove socket record on disconnect")
		return
	}
	metrics.RecordDeregistration()
	m.table.Remove(socketID)
	m.transition(ctx, socketID, StateRemoved)
	logging.Ctx(ctx).Info().Str("socket_id", socketID).Msg("Socket disconnected")
}

// Shutdown sweeps every locally owned socket out of the registry and closes
// its connection, then exits with status 1. Only the first call has effect.
func (m *Manager) Shutdown(sig os.Signal) {
	m.shutdownOnce.Do(func() {
		m.shuttingDown.Store(true)
		if err := m.sweep(sig); err != nil {
			logging.Error().Err(err).Msg("Shutdown sweep finished with errors")
		}
		m.exit(1)
	})
}

func (m *Manager) sweep(sig os.Signal) error {
	ids := m.table.Snapshot()
	logging.Info().
		Str("signal", signalName(sig)).
		Int("sockets", len(ids)).
		Dur("grace", m.grace).
		Msg("Shutdown signal received, disconnecting local sockets")

	ctx, cancel := context.WithTimeout(context.Background(), m.grace)
	defer cancel()

	// Buffered so late workers never block after the grace period.
	errCh := make(chan error, len(ids))
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(socketID string) {
			defer wg.Done()
			m.transition(ctx, socketID, StateDisconnecting)
			_, err := m.registry.Disconnect(ctx, socketID)
			if m.transport != nil {
				m.transport.Disconnect(socketID)
			}
			if err != nil {
				metrics.RecordShutdownDisconnect("error")
				errCh <- fmt.Errorf("disconnect %s: %w", socketID, err)
				return
			}
			metrics.RecordShutdownDisconnect("ok")
			m.table.Remove(socketID)
			m.transition(ctx, socketID, StateRemoved)
		}(id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		metrics.RecordShutdownDisconnect("timeout")
		logging.Warn().
			Int("remaining", m.table.Len()).
			Msg("Shutdown grace period elapsed before all sockets were removed")
	}

	var errs []error
	for {
		select {
		case err := <-errCh:
			errs = append(errs, err)
		default:
			return errors.Join(errs...)
		}
	}
}

// Serve implements suture.Service. It waits for a shutdown signal and runs
// the sweep; later signals are ignored.
func (m *Manager) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-m.signals:
			if m.shuttingDown.Load() {
				logging.Debug().Str("signal", signalName(sig)).Msg("Ignoring signal during shutdown")
				continue
			}
			m.Shutdown(sig)
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (m *Manager) String() string {
	return "presence-manager"
}

func signalName(sig os.Signal) string {
	if sig == nil {
		return "none"
	}
	return sig.String()
}
