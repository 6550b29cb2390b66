// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

// Package main is the Waypost tracker CLI: a client that streams simulated
// walk positions to a server, exercising the reconnect state machine end
// to end. Useful for load generation and for watching eviction, backoff,
// and offline queueing behave against a live server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/waypost-io/waypost/internal/config"
	"github.com/waypost-io/waypost/internal/logging"
	"github.com/waypost-io/waypost/internal/tracker"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("tracker failed")
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: "console",
	})

	serverURL := flag.String("server", cfg.Tracker.ServerURL, "socket endpoint")
	token := flag.String("token", os.Getenv("WAYPOST_TOKEN"), "auth token")
	lat := flag.Float64("lat", 52.52, "walk start latitude")
	lon := flag.Float64("lon", 13.405, "walk start longitude")
	interval := flag.Duration("interval", cfg.Tracker.UpdateInterval, "sampling interval")
	flag.Parse()

	if *token == "" {
		return fmt.Errorf("an auth token is required: pass -token or set WAYPOST_TOKEN")
	}

	trackerCfg := tracker.Config{
		ServerURL:            *serverURL,
		Token:                *token,
		UpdateInterval:       *interval,
		ConnectTimeout:       cfg.Tracker.ConnectTimeout,
		MaxReconnectAttempts: cfg.Tracker.MaxReconnectAttempts,
		QueueCapacity:        cfg.Tracker.QueueCapacity,
		BackoffBase:          cfg.Tracker.BackoffBase,
		BackoffCap:           cfg.Tracker.BackoffCap,
	}

	walk := tracker.NewSimulatedWalk(*lat, *lon)
	t := tracker.New(trackerCfg, walk, nil)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go reportState(ctx, t)

	logging.Info().
		Str("server", *serverURL).
		Dur("interval", *interval).
		Msg("tracker starting")

	err = t.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// reportState logs state transitions so an operator can watch the
// reconnect machine work.
func reportState(ctx context.Context, t *tracker.Tracker) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := tracker.StateIdle
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state := t.State()
			if state != last {
				event := logging.Info().Str("state", state.String())
				if queued := t.QueueLen(); queued > 0 {
					event = event.Int("queued", queued)
				}
				if err := t.LastError(); err != nil && state != tracker.StateConnected {
					event = event.Err(err)
				}
				event.Msg("state changed")
				last = state
			}
		}
	}
}
