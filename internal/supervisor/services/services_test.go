// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package services

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/mapsight/internal/fanout"
)

var (
	_ suture.Service = (*HTTPServerService)(nil)
	_ suture.Service = (*WebSocketHubService)(nil)
	_ suture.Service = (*EmbeddedNATSService)(nil)
	_ suture.Service = (*StoreGCService)(nil)
)

// mockHTTPServer is a test double for the HTTPServer interface.
type mockHTTPServer struct {
	listenErr     error
	block         bool
	shutdownErr   error
	listenCount   atomic.Int32
	shutdownCount atomic.Int32
	started       chan struct{}
	stopCh        chan struct{}
}

func newMockHTTPServer() *mockHTTPServer {
	return &mockHTTPServer{
		started: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

func (m *mockHTTPServer) ListenAndServe() error {
	m.listenCount.Add(1)
	select {
	case m.started <- struct{}{}:
	default:
	}
	if m.listenErr != nil {
		return m.listenErr
	}
	if m.block {
		<-m.stopCh
		return http.ErrServerClosed
	}
	return nil
}

func (m *mockHTTPServer) Shutdown(context.Context) error {
	m.shutdownCount.Add(1)
	close(m.stopCh)
	return m.shutdownErr
}

func TestNewHTTPServerService_DefaultTimeout(t *testing.T) {
	for _, timeout := range []time.Duration{0, -5 * time.Second} {
		svc := NewHTTPServerService(newMockHTTPServer(), timeout)
		if svc.shutdownTimeout != 10*time.Second {
			t.Errorf("timeout %v: shutdownTimeout = %v, want 10s", timeout, svc.shutdownTimeout)
		}
	}
	if got := NewHTTPServerService(newMockHTTPServer(), time.Second).String(); got != "http-server" {
		t.Errorf("String() = %q, want http-server", got)
	}
}

func TestHTTPServerService_Serve(t *testing.T) {
	t.Run("shuts down gracefully on context cancellation", func(t *testing.T) {
		srv := newMockHTTPServer()
		srv.block = true
		svc := NewHTTPServerService(srv, time.Second)

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- svc.Serve(ctx) }()

		select {
		case <-srv.started:
		case <-time.After(time.Second):
			t.Fatal("server did not start")
		}
		cancel()

		select {
		case err := <-errCh:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Serve() error = %v, want context.Canceled", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Serve did not return after context cancellation")
		}
		if srv.shutdownCount.Load() != 1 {
			t.Errorf("Shutdown called %d times, want 1", srv.shutdownCount.Load())
		}
	})

	t.Run("returns error on startup failure", func(t *testing.T) {
		bindErr := errors.New("bind: address already in use")
		srv := newMockHTTPServer()
		srv.listenErr = bindErr

		err := NewHTTPServerService(srv, time.Second).Serve(context.Background())
		if !errors.Is(err, bindErr) {
			t.Errorf("Serve() error = %v, want %v", err, bindErr)
		}
	})

	t.Run("returns shutdown error if shutdown fails", func(t *testing.T) {
		shutdownErr := errors.New("shutdown timeout")
		srv := newMockHTTPServer()
		srv.block = true
		srv.shutdownErr = shutdownErr
		svc := NewHTTPServerService(srv, time.Second)

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- svc.Serve(ctx) }()
		<-srv.started
		cancel()

		select {
		case err := <-errCh:
			if !errors.Is(err, shutdownErr) {
				t.Errorf("Serve() error = %v, want %v", err, shutdownErr)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Serve did not return")
		}
	})
}

type mockContextHub struct {
	runErr   error
	runCount atomic.Int32
}

func (m *mockContextHub) RunWithContext(ctx context.Context) error {
	m.runCount.Add(1)
	if m.runErr != nil {
		return m.runErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestWebSocketHubService_Serve(t *testing.T) {
	tests := []struct {
		name    string
		runErr  error
		timeout time.Duration
		wantErr error
	}{
		{name: "returns context error on deadline", timeout: 50 * time.Millisecond, wantErr: context.DeadlineExceeded},
		{name: "propagates hub errors", runErr: errors.New("hub failed"), timeout: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := &mockContextHub{runErr: tt.runErr}
			svc := NewWebSocketHubService(hub)

			ctx, cancel := context.WithTimeout(context.Background(), tt.timeout)
			defer cancel()

			err := svc.Serve(ctx)
			want := tt.wantErr
			if want == nil {
				want = tt.runErr
			}
			if !errors.Is(err, want) {
				t.Errorf("Serve() error = %v, want %v", err, want)
			}
			if hub.runCount.Load() != 1 {
				t.Errorf("RunWithContext called %d times, want 1", hub.runCount.Load())
			}
		})
	}

	if got := NewWebSocketHubService(&mockContextHub{}).String(); got != "websocket-hub" {
		t.Errorf("String() = %q, want websocket-hub", got)
	}
}

func TestEmbeddedNATSService(t *testing.T) {
	ns, err := fanout.NewEmbeddedServer(fanout.EmbeddedServerConfig{Port: server.RANDOM_PORT})
	if err != nil {
		t.Fatalf("NewEmbeddedServer() error = %v", err)
	}
	svc := NewEmbeddedNATSService(ns, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	if !ns.IsRunning() {
		t.Fatal("server stopped while the service was running")
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	if ns.IsRunning() {
		t.Error("server still running after the service stopped")
	}

	// A dead server terminates the tree instead of restart-looping.
	if err := svc.Serve(context.Background()); !errors.Is(err, suture.ErrTerminateSupervisorTree) {
		t.Errorf("Serve() on stopped server = %v, want ErrTerminateSupervisorTree", err)
	}
}

type mockCollector struct {
	calls atomic.Int32
	ratio atomic.Value
	err   error
}

func (m *mockCollector) RunGC(discardRatio float64) error {
	m.calls.Add(1)
	m.ratio.Store(discardRatio)
	return m.err
}

func TestStoreGCService(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		svc := NewStoreGCService(&mockCollector{}, 0, 2)
		if svc.interval != 5*time.Minute || svc.discardRatio != 0.5 {
			t.Errorf("defaults = %v/%v, want 5m/0.5", svc.interval, svc.discardRatio)
		}
		if svc.String() != "store-gc" {
			t.Errorf("String() = %q", svc.String())
		}
	})

	t.Run("runs on every tick and survives failures", func(t *testing.T) {
		gc := &mockCollector{err: errors.New("gc failed")}
		svc := NewStoreGCService(gc, 10*time.Millisecond, 0.7)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		if err := svc.Serve(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Serve() error = %v, want context.DeadlineExceeded", err)
		}
		if gc.calls.Load() < 2 {
			t.Errorf("RunGC called %d times, want at least 2", gc.calls.Load())
		}
		if got, _ := gc.ratio.Load().(float64); got != 0.7 {
			t.Errorf("discard ratio = %v, want 0.7", got)
		}
	})
}
