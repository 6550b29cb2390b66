// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

// Package livecache provides the cross-process liveness cache: a TTL'd
// key-value store that lets stateless worker processes agree on session,
// connection, and last-location facts without sharing memory.
//
// Every value in the cache is best-effort. Writes are idempotent
// overwrite-with-TTL operations; no multi-key atomicity is assumed, and a
// cache failure never fails the operation that triggered it.
package livecache

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by Get when a key is absent or expired.
var ErrKeyNotFound = errors.New("livecache: key not found")

// Cache is the external TTL'd key-value store collaborator.
//
// Implementations must provide atomic set-with-expiry semantics per key.
// Nothing here is transactional: each key write stands alone and conflicting
// writes from different workers resolve last-write-wins.
type Cache interface {
	// SetWithTTL stores value under key, replacing any existing value and
	// resetting the expiry to now+ttl.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value stored under key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping reports whether the cache is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying client resources.
	Close() error
}

// Key prefixes. One keyspace shared by all workers.
const (
	sessionKeyPrefix    = "session:"
	connectionKeyPrefix = "connection:"
	locationKeyPrefix   = "location:"
	responseKeyPrefix   = "respcache:"
)

// SessionKey returns the session-record key for a user.
func SessionKey(userID string) string {
	return sessionKeyPrefix + userID
}

// ConnectionKey returns the connection-marker key for a user.
func ConnectionKey(userID string) string {
	return connectionKeyPrefix + userID
}

// LocationKey returns the last-reading key for a user.
func LocationKey(userID string) string {
	return locationKeyPrefix + userID
}

// ResponseKey returns the response-cache key for a request URL.
func ResponseKey(url string) string {
	return responseKeyPrefix + url
}
