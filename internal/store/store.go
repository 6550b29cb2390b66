// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

// Package store is the durable persistence layer: users and the
// append-only location history. The liveness cache may lose everything at
// any moment; this package must not.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a unique constraint is violated.
	ErrDuplicate = errors.New("store: duplicate record")
)

// Page holds pagination parameters for listing queries.
type Page struct {
	Number int
	Size   int
}

// Offset returns the row offset for the page.
func (p Page) Offset() int {
	if p.Number < 1 {
		return 0
	}
	return (p.Number - 1) * p.Size
}

// ReadingQuery narrows a location history fetch. Zero time bounds mean
// unbounded on that side.
type ReadingQuery struct {
	UserID int64
	From   time.Time
	To     time.Time
	Limit  int
}

// Store is the durable storage collaborator.
type Store interface {
	// CreateUser inserts a new user, assigning User.ID.
	// Returns ErrDuplicate when the username or email is taken.
	CreateUser(ctx context.Context, user *User) error

	// UserByID returns a user by primary key, or ErrNotFound.
	UserByID(ctx context.Context, id int64) (*User, error)

	// UserByUsername returns a user by username, or ErrNotFound.
	UserByUsername(ctx context.Context, username string) (*User, error)

	// ListUsers returns one page of users ordered by creation time,
	// plus the total user count.
	ListUsers(ctx context.Context, page Page) ([]User, int64, error)

	// SetTrackingFlag records whether the user currently streams locations.
	SetTrackingFlag(ctx context.Context, userID int64, tracking bool) error

	// AppendReading inserts one location reading, assigning Reading.ID.
	AppendReading(ctx context.Context, reading *Reading) error

	// SetLastKnownLocation updates the user's denormalized last position.
	// Deliberately a separate write from AppendReading; the two are not
	// atomic and the history append is the authoritative one.
	SetLastKnownLocation(ctx context.Context, userID int64, lat, lon float64, accuracy *float64, at time.Time) error

	// Readings returns location history matching q, newest first.
	Readings(ctx context.Context, q ReadingQuery) ([]Reading, error)

	// LastReading returns the user's most recent reading, or ErrNotFound.
	LastReading(ctx context.Context, userID int64) (*Reading, error)

	// ActiveUserCount counts distinct users with a reading since the cutoff.
	ActiveUserCount(ctx context.Context, since time.Time) (int64, error)

	// CountReadings returns the total number of stored readings.
	CountReadings(ctx context.Context) (int64, error)

	// Ping reports whether the database is reachable.
	Ping(ctx context.Context) error

	// Close releases the database handle.
	Close() error
}
