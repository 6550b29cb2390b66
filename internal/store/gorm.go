// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/waypost-io/waypost/internal/logging"
)

// Options configures the SQLite-backed store.
type Options struct {
	// Path is the database file. ":memory:" gives an ephemeral database.
	Path string

	// MaxOpenConns bounds the connection pool. SQLite tolerates exactly one
	// writer, so this defaults to 1.
	MaxOpenConns int

	// MachineID distinguishes ID generators across worker processes.
	// Snowflake accepts 0..1023.
	MachineID int64
}

// GormStore implements Store on SQLite through GORM.
type GormStore struct {
	db   *gorm.DB
	node *snowflake.Node
}

var _ Store = (*GormStore)(nil)

// Open opens the database, runs migrations, and prepares the ID generator.
func Open(opts Options) (*GormStore, error) {
	if opts.Path == "" {
		opts.Path = "waypost.db"
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 1
	}

	node, err := snowflake.NewNode(opts.MachineID % 1024)
	if err != nil {
		return nil, fmt.Errorf("init id generator: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(opts.Path), &gorm.Config{
		Logger:         gormlogger.Discard,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", opts.Path, err)
	}

	if err := db.AutoMigrate(&User{}, &Reading{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetMaxIdleConns(opts.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	logging.Info().Str("path", opts.Path).Msg("store opened")

	return &GormStore{db: db, node: node}, nil
}

func (s *GormStore) CreateUser(ctx context.Context, user *User) error {
	if user.ID == 0 {
		user.ID = s.node.Generate().Int64()
	}
	if user.Role == "" {
		user.Role = RoleUser
	}

	err := s.db.WithContext(ctx).Create(user).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *GormStore) UserByID(ctx context.Context, id int64) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).First(&user, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch user %d: %w", id, err)
	}
	return &user, nil
}

func (s *GormStore) UserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch user %q: %w", username, err)
	}
	return &user, nil
}

func (s *GormStore) ListUsers(ctx context.Context, page Page) ([]User, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&User{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	var users []User
	err := s.db.WithContext(ctx).
		Order("created_at ASC, id ASC").
		Limit(page.Size).
		Offset(page.Offset()).
		Find(&users).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	return users, total, nil
}

func (s *GormStore) SetTrackingFlag(ctx context.Context, userID int64, tracking bool) error {
	result := s.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", userID).
		Update("is_tracking", tracking)
	if result.Error != nil {
		return fmt.Errorf("set tracking flag: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) AppendReading(ctx context.Context, reading *Reading) error {
	if reading.ID == 0 {
		reading.ID = s.node.Generate().Int64()
	}
	if err := s.db.WithContext(ctx).Create(reading).Error; err != nil {
		return fmt.Errorf("append reading: %w", err)
	}
	return nil
}

func (s *GormStore) SetLastKnownLocation(ctx context.Context, userID int64, lat, lon float64, accuracy *float64, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"last_latitude":  lat,
			"last_longitude": lon,
			"last_accuracy":  accuracy,
			"last_seen_at":   at,
		})
	if result.Error != nil {
		return fmt.Errorf("set last location: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) Readings(ctx context.Context, q ReadingQuery) ([]Reading, error) {
	tx := s.db.WithContext(ctx).Where("user_id = ?", q.UserID)
	if !q.From.IsZero() {
		tx = tx.Where("timestamp >= ?", q.From)
	}
	if !q.To.IsZero() {
		tx = tx.Where("timestamp <= ?", q.To)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var readings []Reading
	if err := tx.Order("timestamp DESC, id DESC").Find(&readings).Error; err != nil {
		return nil, fmt.Errorf("fetch readings: %w", err)
	}
	return readings, nil
}

func (s *GormStore) LastReading(ctx context.Context, userID int64) (*Reading, error) {
	var reading Reading
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp DESC, id DESC").
		First(&reading).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch last reading: %w", err)
	}
	return &reading, nil
}

func (s *GormStore) ActiveUserCount(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Reading{}).
		Where("timestamp >= ?", since).
		Distinct("user_id").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count active users: %w", err)
	}
	return count, nil
}

func (s *GormStore) CountReadings(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Reading{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count readings: %w", err)
	}
	return count, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("access connection pool: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("access connection pool: %w", err)
	}
	return sqlDB.Close()
}
