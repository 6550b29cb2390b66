// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

// Package services wraps blocking components as suture services.
package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// HTTPServer matches the *http.Server lifecycle methods the wrapper needs.
type HTTPServer interface {
	Serve(l net.Listener) error
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server as a supervised service. When Listener
// is set the server serves on it; workers use this to share the socket the
// master bound before forking. Shutdown is graceful with a timeout.
type HTTPService struct {
	server          HTTPServer
	listener        net.Listener
	shutdownTimeout time.Duration
}

// NewHTTPService wraps server. listener may be nil, in which case the
// server binds its own address.
func NewHTTPService(server HTTPServer, listener net.Listener, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{
		server:          server,
		listener:        listener,
		shutdownTimeout: shutdownTimeout,
	}
}

// String names the service in supervisor logs.
func (h *HTTPService) String() string { return "http-server" }

// Serve implements suture.Service: it translates the blocking serve call
// into the context-aware shape suture expects.
func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if h.listener != nil {
			err = h.server.Serve(h.listener)
		} else {
			err = h.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()

		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}
