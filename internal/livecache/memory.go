// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

package livecache

import (
	"context"
	"sync"
	"time"
)

// entry is a cached value with expiration.
type entry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache implements Cache with an in-process map. It is visible to one
// process only, so it serves development mode (workers=1) and tests; a
// multi-worker deployment needs the Redis backend.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	done    chan struct{}
	once    sync.Once
}

// cleanupInterval bounds how long an expired entry can linger before the
// background sweep removes it. Get never returns expired entries either way.
const cleanupInterval = 5 * time.Minute

// NewMemoryCache creates an in-memory cache with a background expiry sweep.
func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]entry),
		done:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// SetWithTTL stores value under key, replacing any existing entry.
func (c *MemoryCache) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	buf := make([]byte, len(value))
	copy(buf, value)

	c.mu.Lock()
	c.entries[key] = entry{value: buf, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Get returns the value stored under key, or ErrKeyNotFound.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	e, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		return nil, ErrKeyNotFound
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, ErrKeyNotFound
	}
	return e.value, nil
}

// Delete removes key. Absent keys are not an error.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Ping always succeeds for the in-process backend.
func (c *MemoryCache) Ping(context.Context) error {
	return nil
}

// Close stops the background sweep.
func (c *MemoryCache) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Len returns the number of live entries. Test helper.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	now := time.Now()
	for _, e := range c.entries {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

// cleanupLoop periodically removes expired entries.
func (c *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
