// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

// Package main is the Waypost server daemon.
//
// The same binary plays two roles. Started normally it is the master: it
// binds the listen socket, forks one worker per CPU with the socket as an
// inherited descriptor, and re-forks workers that die. Forked workers
// detect their role from the environment and serve on the inherited
// socket. With server.workers=1 the worker runs inline without forking,
// which is the development mode.
//
// Configuration is loaded via koanf with layered sources: environment
// variables over a YAML file over built-in defaults. A local .env file is
// honored in development.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/waypost-io/waypost/internal/api"
	"github.com/waypost-io/waypost/internal/auth"
	"github.com/waypost-io/waypost/internal/config"
	"github.com/waypost-io/waypost/internal/livecache"
	"github.com/waypost-io/waypost/internal/logging"
	"github.com/waypost-io/waypost/internal/pipeline"
	"github.com/waypost-io/waypost/internal/registry"
	"github.com/waypost-io/waypost/internal/store"
	"github.com/waypost-io/waypost/internal/supervisor"
	"github.com/waypost-io/waypost/internal/supervisor/services"
	"github.com/waypost-io/waypost/internal/worker"
	"github.com/waypost-io/waypost/internal/ws"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("server failed")
	}
}

func run() error {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	workers := cfg.Server.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	if workers > 1 && !worker.IsWorker() {
		logging.Info().Str("addr", addr).Int("workers", workers).Msg("starting master")
		return worker.NewMaster(addr, workers).Run(ctx)
	}

	var listener net.Listener
	if worker.IsWorker() {
		listener, err = worker.InheritedListener()
		if err != nil {
			return err
		}
		logging.Info().Int64("worker_id", worker.ID()).Int("pid", os.Getpid()).Msg("worker started on inherited socket")
	}

	return serve(ctx, cfg, addr, listener)
}

// serve runs one worker: cache, store, registry, pipeline, and the
// supervised HTTP server plus heartbeat monitor.
func serve(ctx context.Context, cfg *config.Config, addr string, listener net.Listener) error {
	cache, err := openCache(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer cache.Close()

	st, err := store.Open(store.Options{
		Path:         cfg.Database.Path,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MachineID:    worker.ID(),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	jwtManager, err := auth.NewJWTManager(cfg.Security.JWTSecret, cfg.Security.TokenTimeout)
	if err != nil {
		return err
	}

	presence := livecache.NewPresence(cache, cfg.Cache.SessionTTL)
	reg := registry.New(presence, st)
	pipe := pipeline.New(st, presence, cfg.Pipeline.UpdatesPerSecond, cfg.Pipeline.Burst)

	handlers := api.NewHandlers(st, cache, jwtManager, pipe, reg, worker.ID(),
		cfg.Security.BcryptCost, cfg.API.DefaultPageSize, cfg.API.MaxPageSize)
	socket := ws.NewHandler(jwtManager, reg, pipe, presence)

	router := api.NewRouter(handlers, jwtManager, cache, socket, api.RouterConfig{
		CORSOrigins:      cfg.Security.CORSOrigins,
		RateLimitReqs:    cfg.Security.RateLimitReqs,
		RateLimitWindow:  cfg.Security.RateLimitWindow,
		ResponseTTLAdmin: cfg.Cache.ResponseTTLAdmin,
		ResponseTTLUsers: cfg.Cache.ResponseTTLUsers,
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// No blanket read/write timeouts: socket connections are
		// long-lived and governed by the heartbeat, not by I/O deadlines.
	}

	tree := supervisor.NewTree(supervisorLogger(), supervisor.DefaultTreeConfig())
	tree.AddStreamingService(registry.NewMonitor(reg, cfg.Heartbeat.Interval))
	tree.AddAPIService(services.NewHTTPService(server, listener, cfg.Server.Timeout))

	logging.Info().Str("addr", addr).Msg("serving")
	err = tree.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openCache builds the configured liveness cache backend, wrapped in the
// circuit breaker.
func openCache(ctx context.Context, cfg *config.Config) (livecache.Cache, error) {
	switch cfg.Cache.Backend {
	case "memory":
		logging.Warn().Msg("memory cache backend: liveness state is per-process only")
		return livecache.NewMemoryCache(), nil
	default:
		redisCache, err := livecache.NewRedisCache(ctx, livecache.RedisOptions{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		return livecache.NewBreakerCache(redisCache), nil
	}
}

// supervisorLogger bridges supervisor lifecycle events to stderr JSON,
// matching the zerolog output stream.
func supervisorLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}
