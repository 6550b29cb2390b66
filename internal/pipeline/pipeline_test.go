// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/waypost-io/waypost/internal/livecache"
	"github.com/waypost-io/waypost/internal/logging"
	"github.com/waypost-io/waypost/internal/store"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

// fakeReadingStore records writes and can fail on demand.
type fakeReadingStore struct {
	mu            sync.Mutex
	appends       []store.Reading
	lastLocations int
	appendErr     error
	lastErr       error
}

func (f *fakeReadingStore) AppendReading(_ context.Context, r *store.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appends = append(f.appends, *r)
	return nil
}

func (f *fakeReadingStore) SetLastKnownLocation(_ context.Context, _ int64, _, _ float64, _ *float64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastErr != nil {
		return f.lastErr
	}
	f.lastLocations++
	return nil
}

func (f *fakeReadingStore) appendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appends)
}

func newTestPipeline(t *testing.T, readings ReadingStore, perSecond float64, burst int) (*Pipeline, *livecache.MemoryCache) {
	t.Helper()
	cache := livecache.NewMemoryCache()
	t.Cleanup(func() { _ = cache.Close() })
	return New(readings, livecache.NewPresence(cache, time.Minute), perSecond, burst), cache
}

func validUpdate() Update {
	return Update{
		Latitude:  51.5074,
		Longitude: -0.1278,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func TestProcessAcceptsValidUpdate(t *testing.T) {
	readings := &fakeReadingStore{}
	p, cache := newTestPipeline(t, readings, 100, 100)
	ctx := context.Background()

	if err := p.Process(ctx, "42", validUpdate()); err != nil {
		t.Fatalf("process: %v", err)
	}

	if readings.appendCount() != 1 {
		t.Errorf("expected exactly one append, got %d", readings.appendCount())
	}
	if readings.lastLocations != 1 {
		t.Errorf("expected one last-location write, got %d", readings.lastLocations)
	}
	if _, err := cache.Get(ctx, livecache.LocationKey("42")); err != nil {
		t.Errorf("expected cached last reading, got %v", err)
	}
	if _, err := cache.Get(ctx, livecache.SessionKey("42")); err != nil {
		t.Errorf("expected refreshed session, got %v", err)
	}
}

func TestProcessRejectsInvalidUpdates(t *testing.T) {
	cases := []struct {
		name   string
		update Update
	}{
		{"latitude out of range", Update{Latitude: 91, Longitude: 0, Timestamp: "2026-01-01T00:00:00Z"}},
		{"longitude out of range", Update{Latitude: 0, Longitude: -181, Timestamp: "2026-01-01T00:00:00Z"}},
		{"missing timestamp", Update{Latitude: 0, Longitude: 0}},
		{"malformed timestamp", Update{Latitude: 0, Longitude: 0, Timestamp: "last tuesday"}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			readings := &fakeReadingStore{}
			p, cache := newTestPipeline(t, readings, 100, 100)
			ctx := context.Background()

			if err := p.Process(ctx, "42", c.update); err == nil {
				t.Fatal("expected rejection")
			}
			if readings.appendCount() != 0 {
				t.Errorf("rejected update must not be persisted, got %d appends", readings.appendCount())
			}
			if _, err := cache.Get(ctx, livecache.SessionKey("42")); !errors.Is(err, livecache.ErrKeyNotFound) {
				t.Error("rejected update must not refresh the session")
			}
		})
	}
}

func TestProcessRateLimitsPerUser(t *testing.T) {
	readings := &fakeReadingStore{}
	p, _ := newTestPipeline(t, readings, 1, 3)
	ctx := context.Background()

	var rejected int
	for i := 0; i < 5; i++ {
		if err := p.Process(ctx, "42", validUpdate()); errors.Is(err, ErrRateLimited) {
			rejected++
		}
	}

	if rejected != 2 {
		t.Errorf("expected 2 rate-limited updates past burst 3, got %d", rejected)
	}
	if readings.appendCount() != 3 {
		t.Errorf("expected 3 persisted updates, got %d", readings.appendCount())
	}

	// A different user has an independent budget.
	if err := p.Process(ctx, "43", validUpdate()); err != nil {
		t.Errorf("other user should not be limited, got %v", err)
	}
}

func TestProcessAppendFailure(t *testing.T) {
	readings := &fakeReadingStore{appendErr: errors.New("disk full")}
	p, cache := newTestPipeline(t, readings, 100, 100)
	ctx := context.Background()

	if err := p.Process(ctx, "42", validUpdate()); err == nil {
		t.Fatal("expected persistence error")
	}
	if _, err := cache.Get(ctx, livecache.SessionKey("42")); !errors.Is(err, livecache.ErrKeyNotFound) {
		t.Error("failed update must not refresh the session")
	}
}

func TestProcessToleratesLastLocationFailure(t *testing.T) {
	readings := &fakeReadingStore{lastErr: errors.New("row gone")}
	p, cache := newTestPipeline(t, readings, 100, 100)
	ctx := context.Background()

	if err := p.Process(ctx, "42", validUpdate()); err != nil {
		t.Fatalf("denormalized write failure must not reject the update: %v", err)
	}
	if readings.appendCount() != 1 {
		t.Errorf("expected append to land, got %d", readings.appendCount())
	}
	if _, err := cache.Get(ctx, livecache.LocationKey("42")); err != nil {
		t.Errorf("expected cached reading despite denormalized failure, got %v", err)
	}
}

func TestForgetResetsLimiter(t *testing.T) {
	readings := &fakeReadingStore{}
	p, _ := newTestPipeline(t, readings, 1, 1)
	ctx := context.Background()

	if err := p.Process(ctx, "42", validUpdate()); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := p.Process(ctx, "42", validUpdate()); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}

	p.Forget("42")
	if err := p.Process(ctx, "42", validUpdate()); err != nil {
		t.Errorf("expected fresh budget after Forget, got %v", err)
	}
}
