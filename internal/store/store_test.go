// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

package store

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waypost-io/waypost/internal/logging"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := Open(Options{Path: ":memory:", MachineID: 1})
	require.NoError(t, err, "open store")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestUser(t *testing.T, s *GormStore, username string) *User {
	t.Helper()
	user := &User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "x",
	}
	require.NoError(t, s.CreateUser(context.Background(), user), "create user %s", username)
	return user
}

func TestCreateUserAssignsIDAndDefaults(t *testing.T) {
	s := newTestStore(t)
	user := newTestUser(t, s, "alice")

	assert.NotZero(t, user.ID, "expected generated ID")
	assert.Equal(t, RoleUser, user.Role)

	got, err := s.UserByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
}

func TestCreateUserRejectsDuplicateUsername(t *testing.T) {
	s := newTestStore(t)
	newTestUser(t, s, "alice")

	dup := &User{Username: "alice", Email: "other@example.com", PasswordHash: "x"}
	err := s.CreateUser(context.Background(), dup)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestUserByUsernameNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UserByUsername(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListUsersPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		newTestUser(t, s, name)
	}

	users, total, err := s.ListUsers(ctx, Page{Number: 2, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, users, 2)
	assert.Equal(t, "c", users[0].Username)
	assert.Equal(t, "d", users[1].Username)
}

func TestSetTrackingFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := newTestUser(t, s, "alice")

	require.NoError(t, s.SetTrackingFlag(ctx, user.ID, true))
	got, err := s.UserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, got.IsTracking)

	err = s.SetTrackingFlag(ctx, 999, true)
	assert.ErrorIs(t, err, ErrNotFound, "unknown user")
}

func TestAppendAndFetchReadings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := newTestUser(t, s, "alice")

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		r := &Reading{
			UserID:    user.ID,
			Latitude:  float64(i),
			Longitude: float64(i) * 2,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.AppendReading(ctx, r), "append %d", i)
		require.NotZero(t, r.ID, "append %d: expected generated ID", i)
	}

	readings, err := s.Readings(ctx, ReadingQuery{UserID: user.ID})
	require.NoError(t, err)
	require.Len(t, readings, 4)
	assert.Equal(t, float64(3), readings[0].Latitude, "newest first")

	bounded, err := s.Readings(ctx, ReadingQuery{
		UserID: user.ID,
		From:   base.Add(time.Minute),
		To:     base.Add(2 * time.Minute),
	})
	require.NoError(t, err)
	assert.Len(t, bounded, 2)

	limited, err := s.Readings(ctx, ReadingQuery{UserID: user.ID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, float64(3), limited[0].Latitude)
}

func TestLastReading(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := newTestUser(t, s, "alice")

	_, err := s.LastReading(ctx, user.ID)
	require.ErrorIs(t, err, ErrNotFound, "before any appends")

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendReading(ctx, &Reading{
			UserID:    user.ID,
			Latitude:  float64(i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	last, err := s.LastReading(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(2), last.Latitude, "newest reading")
}

func TestSetLastKnownLocation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := newTestUser(t, s, "alice")

	accuracy := 12.5
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetLastKnownLocation(ctx, user.ID, 51.5, -0.12, &accuracy, at))

	got, err := s.UserByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastLatitude)
	assert.Equal(t, 51.5, *got.LastLatitude)
	require.NotNil(t, got.LastSeenAt)
	assert.True(t, got.LastSeenAt.Equal(at), "expected last seen %v, got %v", at, got.LastSeenAt)
}

func TestActiveUserCountAndTotals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")
	bob := newTestUser(t, s, "bob")
	carol := newTestUser(t, s, "carol")

	now := time.Now().UTC()
	recent := []struct {
		user *User
		at   time.Time
	}{
		{alice, now.Add(-time.Minute)},
		{alice, now.Add(-2 * time.Minute)},
		{bob, now.Add(-4 * time.Minute)},
		{carol, now.Add(-20 * time.Minute)},
	}
	for _, r := range recent {
		require.NoError(t, s.AppendReading(ctx, &Reading{UserID: r.user.ID, Timestamp: r.at}))
	}

	active, err := s.ActiveUserCount(ctx, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), active)

	total, err := s.CountReadings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
}
