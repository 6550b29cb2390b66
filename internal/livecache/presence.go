// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

package livecache

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/waypost-io/waypost/internal/logging"
	"github.com/waypost-io/waypost/internal/metrics"
)

// SessionRecord is the value stored under a session: key. Its presence
// marks the user as live; the TTL is the liveness horizon.
type SessionRecord struct {
	UserID     string    `json:"user_id"`
	LastActive time.Time `json:"last_active"`
}

// ConnectionMarker is the value stored under a connection: key. It names
// the worker currently holding the user's socket.
type ConnectionMarker struct {
	UserID      string    `json:"user_id"`
	WorkerPID   int       `json:"worker_pid"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Presence bundles the liveness-cache write patterns shared by the
// registry, heartbeat monitor, and update pipeline. Every method is
// best-effort: failures are logged and counted, never returned, because a
// cache outage must not take down live sockets.
type Presence struct {
	cache      Cache
	sessionTTL time.Duration
}

// NewPresence creates presence helpers over cache. sessionTTL governs the
// session: and connection: keys.
func NewPresence(cache Cache, sessionTTL time.Duration) *Presence {
	return &Presence{cache: cache, sessionTTL: sessionTTL}
}

// TouchSession writes or refreshes the user's session record, restarting
// its TTL. Called on connect, on heartbeat pong, and on accepted updates.
func (p *Presence) TouchSession(ctx context.Context, userID string) {
	record := SessionRecord{UserID: userID, LastActive: time.Now().UTC()}
	payload, err := json.Marshal(record)
	if err != nil {
		p.report(ctx, "session_touch", userID, err)
		return
	}
	if err := p.cache.SetWithTTL(ctx, SessionKey(userID), payload, p.sessionTTL); err != nil {
		p.report(ctx, "session_touch", userID, err)
	}
}

// DropSession removes the user's session record.
func (p *Presence) DropSession(ctx context.Context, userID string) {
	if err := p.cache.Delete(ctx, SessionKey(userID)); err != nil {
		p.report(ctx, "session_drop", userID, err)
	}
}

// SessionActive reports whether a live session record exists for the user.
// Cache failures read as inactive.
func (p *Presence) SessionActive(ctx context.Context, userID string) bool {
	_, err := p.cache.Get(ctx, SessionKey(userID))
	if err == nil {
		return true
	}
	if !errors.Is(err, ErrKeyNotFound) {
		p.report(ctx, "session_lookup", userID, err)
	}
	return false
}

// MarkConnected writes the user's connection marker for this worker.
func (p *Presence) MarkConnected(ctx context.Context, userID string, workerPID int) {
	marker := ConnectionMarker{
		UserID:      userID,
		WorkerPID:   workerPID,
		ConnectedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(marker)
	if err != nil {
		p.report(ctx, "connection_mark", userID, err)
		return
	}
	if err := p.cache.SetWithTTL(ctx, ConnectionKey(userID), payload, p.sessionTTL); err != nil {
		p.report(ctx, "connection_mark", userID, err)
	}
}

// ClearConnected removes the user's connection marker.
func (p *Presence) ClearConnected(ctx context.Context, userID string) {
	if err := p.cache.Delete(ctx, ConnectionKey(userID)); err != nil {
		p.report(ctx, "connection_clear", userID, err)
	}
}

// StoreLastReading overwrites the user's cached last reading. The payload
// is caller-encoded so the cache stays schema-agnostic.
func (p *Presence) StoreLastReading(ctx context.Context, userID string, payload []byte) {
	if err := p.cache.SetWithTTL(ctx, LocationKey(userID), payload, p.sessionTTL); err != nil {
		p.report(ctx, "location_store", userID, err)
	}
}

// LastReading returns the user's cached last reading, or ErrKeyNotFound.
// This read path does propagate errors: callers fall back to the store.
func (p *Presence) LastReading(ctx context.Context, userID string) ([]byte, error) {
	return p.cache.Get(ctx, LocationKey(userID))
}

func (p *Presence) report(ctx context.Context, operation, userID string, err error) {
	metrics.CacheOperationErrors.WithLabelValues(operation).Inc()
	logging.Warn().
		Ctx(ctx).
		Err(err).
		Str("operation", operation).
		Str("user_id", userID).
		Msg("liveness cache operation failed")
}
