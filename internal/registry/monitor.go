// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

package registry

import (
	"context"
	"time"

	"github.com/waypost-io/waypost/internal/logging"
	"github.com/waypost-io/waypost/internal/metrics"
)

// Monitor is the heartbeat sweep, run as a supervised service. It is the
// sole liveness mechanism for admitted connections: no read deadlines are
// armed anywhere else.
//
// Each sweep terminates every connection whose alive flag is still cleared
// from the previous sweep, then clears the flag on the survivors and pings
// them. A client therefore has one full interval to answer a ping before
// the next sweep declares it dead.
type Monitor struct {
	registry *Registry
	interval time.Duration
}

// NewMonitor creates a heartbeat monitor over the registry.
func NewMonitor(registry *Registry, interval time.Duration) *Monitor {
	return &Monitor{registry: registry, interval: interval}
}

// String names the service in supervisor logs.
func (m *Monitor) String() string { return "heartbeat-monitor" }

// Serve runs sweeps until the context is canceled.
func (m *Monitor) Serve(ctx context.Context) error {
	logging.Info().Dur("interval", m.interval).Msg("heartbeat monitor started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("heartbeat monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep runs one heartbeat pass over a snapshot of the registry.
func (m *Monitor) sweep(ctx context.Context) {
	metrics.HeartbeatSweeps.Inc()

	for _, conn := range m.registry.snapshot() {
		if !conn.Alive() {
			m.terminate(ctx, conn)
			continue
		}

		conn.clearAlive()
		if err := conn.Ping(); err != nil {
			// A failed write means the socket is likely gone; the cleared
			// flag lets the next sweep confirm and terminate.
			logging.Debug().Err(err).Str("user_id", conn.UserID()).Msg("heartbeat ping failed")
		}
	}
}

func (m *Monitor) terminate(ctx context.Context, conn *Conn) {
	metrics.HeartbeatTerminations.Inc()
	logging.Info().
		Str("user_id", conn.UserID()).
		Time("last_pong", conn.LastPong()).
		Msg("terminating unresponsive connection")

	if err := conn.transport.Terminate(); err != nil {
		logging.Debug().Err(err).Str("user_id", conn.UserID()).Msg("terminate failed")
	}
	m.registry.Remove(ctx, conn)
}
