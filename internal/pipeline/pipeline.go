// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

// Package pipeline processes location updates: validation, per-user rate
// limiting, durable persistence, and liveness cache refresh. Both the
// socket read loop and the REST ingest endpoint feed into it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/waypost-io/waypost/internal/livecache"
	"github.com/waypost-io/waypost/internal/logging"
	"github.com/waypost-io/waypost/internal/metrics"
	"github.com/waypost-io/waypost/internal/store"
	"github.com/waypost-io/waypost/internal/validation"
)

// ErrRateLimited is returned when a user exceeds their update rate.
var ErrRateLimited = errors.New("pipeline: update rate exceeded")

// Update is one inbound location sample. Timestamp is the client's clock
// in RFC3339; the server does not trust or reorder by it.
type Update struct {
	Latitude  float64  `json:"latitude" validate:"latitude"`
	Longitude float64  `json:"longitude" validate:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty" validate:"omitempty,gte=0"`
	Timestamp string   `json:"timestamp" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
}

// ReadingStore is the slice of the durable store the pipeline writes to.
type ReadingStore interface {
	AppendReading(ctx context.Context, reading *store.Reading) error
	SetLastKnownLocation(ctx context.Context, userID int64, lat, lon float64, accuracy *float64, at time.Time) error
}

// Pipeline validates and persists updates. Updates for one user are
// processed in arrival order by the caller; the pipeline itself is safe
// for concurrent use across users.
type Pipeline struct {
	store    ReadingStore
	presence *livecache.Presence

	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a pipeline. updatesPerSecond and burst bound each user's
// accepted update rate independently.
func New(readings ReadingStore, presence *livecache.Presence, updatesPerSecond float64, burst int) *Pipeline {
	return &Pipeline{
		store:    readings,
		presence: presence,
		limit:    rate.Limit(updatesPerSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Process runs one update through the pipeline. A non-nil return means the
// update was rejected or persistence failed; callers on the socket path log
// it and move on, the REST path reports it to the client.
func (p *Pipeline) Process(ctx context.Context, userID string, update Update) error {
	if err := validation.ValidateStruct(&update); err != nil {
		metrics.UpdatesRejected.WithLabelValues(rejectionReason(err)).Inc()
		return err
	}

	// Validation already proved the layout; parse cannot fail here.
	at, err := time.Parse(time.RFC3339, update.Timestamp)
	if err != nil {
		metrics.UpdatesRejected.WithLabelValues("invalid_timestamp").Inc()
		return fmt.Errorf("parse timestamp: %w", err)
	}

	if !p.limiterFor(userID).Allow() {
		metrics.UpdatesRejected.WithLabelValues("rate_limited").Inc()
		return ErrRateLimited
	}

	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		metrics.UpdatesRejected.WithLabelValues("invalid_user").Inc()
		return fmt.Errorf("parse user id %q: %w", userID, err)
	}

	if err := p.persist(ctx, id, update, at); err != nil {
		return err
	}

	p.refreshCache(ctx, userID, update)
	metrics.UpdatesAccepted.Inc()
	return nil
}

// Forget releases the user's rate limiter, typically on disconnect.
func (p *Pipeline) Forget(userID string) {
	p.mu.Lock()
	delete(p.limiters, userID)
	p.mu.Unlock()
}

// persist appends to history and updates the denormalized last position.
// The two writes are deliberately separate and non-atomic: the append is
// authoritative, and a failed denormalized update only staled a copy that
// the next accepted update overwrites.
func (p *Pipeline) persist(ctx context.Context, userID int64, update Update, at time.Time) error {
	timer := time.Now()
	defer func() {
		metrics.UpdatePersistDuration.Observe(time.Since(timer).Seconds())
	}()

	reading := &store.Reading{
		UserID:    userID,
		Latitude:  update.Latitude,
		Longitude: update.Longitude,
		Accuracy:  update.Accuracy,
		Timestamp: at,
	}
	if err := p.store.AppendReading(ctx, reading); err != nil {
		metrics.StoreOperationErrors.WithLabelValues("append_reading").Inc()
		return fmt.Errorf("append reading: %w", err)
	}

	if err := p.store.SetLastKnownLocation(ctx, userID, update.Latitude, update.Longitude, update.Accuracy, at); err != nil {
		metrics.StoreOperationErrors.WithLabelValues("set_last_location").Inc()
		logging.Warn().Err(err).Int64("user_id", userID).Msg("last known location update failed")
	}
	return nil
}

// refreshCache overwrites the cached last reading and restarts the session
// TTL. Only accepted updates get here: rejected ones must not keep a
// session alive.
func (p *Pipeline) refreshCache(ctx context.Context, userID string, update Update) {
	payload, err := json.Marshal(update)
	if err != nil {
		logging.Warn().Err(err).Str("user_id", userID).Msg("encode cached reading failed")
		return
	}
	p.presence.StoreLastReading(ctx, userID, payload)
	p.presence.TouchSession(ctx, userID)
}

func (p *Pipeline) limiterFor(userID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	limiter, ok := p.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(p.limit, p.burst)
		p.limiters[userID] = limiter
	}
	return limiter
}

// rejectionReason buckets a validation failure for metrics.
func rejectionReason(err *validation.RequestValidationError) string {
	for _, field := range err.Fields {
		switch field.Field {
		case "Latitude", "Longitude":
			return "invalid_coordinates"
		case "Timestamp":
			return "invalid_timestamp"
		}
	}
	return "invalid_payload"
}
