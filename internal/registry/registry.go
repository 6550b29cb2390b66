// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

package registry

import (
	"context"
	"os"
	"strconv"
	"sync"

	"github.com/waypost-io/waypost/internal/livecache"
	"github.com/waypost-io/waypost/internal/logging"
	"github.com/waypost-io/waypost/internal/metrics"
)

// TrackingStore is the slice of the durable store the registry writes to.
type TrackingStore interface {
	SetTrackingFlag(ctx context.Context, userID int64, tracking bool) error
}

// Registry holds this worker's admitted connections keyed by user.
//
// Uniqueness is per worker: the mutex guarantees at most one connection per
// user inside this process. Across workers the connection marker in the
// liveness cache is written last-write-wins without a compare-and-set, so
// two workers admitting the same user concurrently can briefly both hold a
// socket. The duplicate resolves at the next reconnect and the cost is a
// stale marker, so the race is tolerated rather than locked out.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Conn

	presence *livecache.Presence
	tracking TrackingStore
	pid      int
}

// New creates an empty registry.
func New(presence *livecache.Presence, tracking TrackingStore) *Registry {
	return &Registry{
		conns:    make(map[string]*Conn),
		presence: presence,
		tracking: tracking,
		pid:      os.Getpid(),
	}
}

// Admit registers conn as the user's connection on this worker. An existing
// connection for the same user is evicted first with a duplicate-connection
// close. The liveness cache and tracking flag writes are best-effort; the
// admission itself never fails.
func (r *Registry) Admit(ctx context.Context, conn *Conn) {
	userID := conn.UserID()

	r.mu.Lock()
	prev := r.conns[userID]
	r.conns[userID] = conn
	r.mu.Unlock()

	if prev != nil {
		if err := prev.transport.Close(CloseCodeDuplicate, CloseReasonDuplicate); err != nil {
			logging.Debug().Err(err).Str("user_id", userID).Msg("evicted connection close failed")
		}
		metrics.ConnectionsEvicted.Inc()
		logging.Info().Str("user_id", userID).Msg("evicted duplicate connection")
	}

	metrics.ConnectionsAdmitted.Inc()
	metrics.ActiveConnections.Set(float64(r.Count()))
	logging.Info().Str("user_id", userID).Msg("connection admitted")

	r.presence.TouchSession(ctx, userID)
	r.presence.MarkConnected(ctx, userID, r.pid)
	r.setTracking(ctx, userID, true)
}

// Remove unregisters conn if it is still the user's current connection. An
// evicted connection calling Remove after its replacement was admitted is a
// no-op, so teardown of the old socket cannot clobber the new one.
func (r *Registry) Remove(ctx context.Context, conn *Conn) {
	userID := conn.UserID()

	r.mu.Lock()
	current := r.conns[userID] == conn
	if current {
		delete(r.conns, userID)
	}
	r.mu.Unlock()

	if !current {
		return
	}

	metrics.ActiveConnections.Set(float64(r.Count()))
	logging.Info().Str("user_id", userID).Msg("connection removed")

	r.presence.ClearConnected(ctx, userID)
	r.setTracking(ctx, userID, false)
}

// Lookup returns the user's current connection on this worker, or nil.
func (r *Registry) Lookup(userID string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[userID]
}

// Count returns the number of admitted connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// snapshot returns the current connections for the heartbeat sweep.
func (r *Registry) snapshot() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

func (r *Registry) setTracking(ctx context.Context, userID string, tracking bool) {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		logging.Warn().Str("user_id", userID).Msg("non-numeric user id, skipping tracking flag")
		return
	}
	if err := r.tracking.SetTrackingFlag(ctx, id, tracking); err != nil {
		metrics.StoreOperationErrors.WithLabelValues("set_tracking_flag").Inc()
		logging.Warn().Err(err).Str("user_id", userID).Msg("tracking flag update failed")
	}
}
