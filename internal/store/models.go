// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

package store

import "time"

// Roles assignable to users.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is an account row. The Last* columns are a denormalized copy of the
// newest reading so profile and admin listings avoid a history scan.
type User struct {
	ID           int64  `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;not null"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	Role         string `gorm:"not null;default:user"`
	IsTracking   bool   `gorm:"not null;default:false"`

	LastLatitude  *float64
	LastLongitude *float64
	LastAccuracy  *float64
	LastSeenAt    *time.Time

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// Reading is one appended location sample. Rows are never updated or
// deleted by the application.
type Reading struct {
	ID        int64     `gorm:"primaryKey"`
	UserID    int64     `gorm:"index:idx_readings_user_time,priority:1;not null"`
	Latitude  float64   `gorm:"not null"`
	Longitude float64   `gorm:"not null"`
	Accuracy  *float64
	Timestamp time.Time `gorm:"index:idx_readings_user_time,priority:2;not null"`
	CreatedAt time.Time `gorm:"not null"`
}
