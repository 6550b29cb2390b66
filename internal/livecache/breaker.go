// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

package livecache

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/waypost-io/waypost/internal/logging"
)

// ErrCacheUnavailable is returned while the breaker is open.
var ErrCacheUnavailable = errors.New("livecache: cache unavailable")

// BreakerCache wraps a Cache with a circuit breaker. Cache writes are
// fire-and-forget on the hot path, so when the backend dies the breaker
// turns per-event connection timeouts into immediate cheap failures until
// the backend recovers.
type BreakerCache struct {
	inner Cache
	cb    *gobreaker.CircuitBreaker[[]byte]
}

// NewBreakerCache wraps inner with a circuit breaker tuned for a cache that
// is probed every heartbeat anyway: trip after 5 consecutive failures, probe
// again after 15 seconds.
func NewBreakerCache(inner Cache) *BreakerCache {
	settings := gobreaker.Settings{
		Name:    "livecache",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Absence is an answer, not a backend failure.
			return err == nil || errors.Is(err, ErrKeyNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("liveness cache breaker state change")
		},
	}

	return &BreakerCache{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker[[]byte](settings),
	}
}

// SetWithTTL stores value under key through the breaker.
func (c *BreakerCache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := c.cb.Execute(func() ([]byte, error) {
		return nil, c.inner.SetWithTTL(ctx, key, value, ttl)
	})
	return translateBreakerErr(err)
}

// Get returns the value stored under key through the breaker.
func (c *BreakerCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.cb.Execute(func() ([]byte, error) {
		return c.inner.Get(ctx, key)
	})
	return val, translateBreakerErr(err)
}

// Delete removes key through the breaker.
func (c *BreakerCache) Delete(ctx context.Context, key string) error {
	_, err := c.cb.Execute(func() ([]byte, error) {
		return nil, c.inner.Delete(ctx, key)
	})
	return translateBreakerErr(err)
}

// Ping bypasses the breaker so the health surface always reports the real
// backend state, and a successful probe is observed by the breaker's
// half-open accounting via regular traffic.
func (c *BreakerCache) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}

// Close releases the wrapped cache.
func (c *BreakerCache) Close() error {
	return c.inner.Close()
}

// translateBreakerErr maps breaker-rejected calls to ErrCacheUnavailable.
func translateBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCacheUnavailable
	}
	return err
}
