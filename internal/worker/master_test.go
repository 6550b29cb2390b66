// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

package worker

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/waypost-io/waypost/internal/logging"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

func TestIsWorkerAndID(t *testing.T) {
	if IsWorker() {
		t.Fatal("test process must not start as worker")
	}

	t.Setenv(roleEnv, "1")
	t.Setenv(idEnv, "7")
	if !IsWorker() {
		t.Error("expected worker role")
	}
	if ID() != 7 {
		t.Errorf("expected id 7, got %d", ID())
	}
}

func TestIDDefaultsToZero(t *testing.T) {
	t.Setenv(idEnv, "not-a-number")
	if ID() != 0 {
		t.Errorf("expected 0 for malformed id, got %d", ID())
	}
}

func TestMasterReforksDeadWorker(t *testing.T) {
	m := NewMaster("127.0.0.1:0", 1)

	var spawns atomic.Int32
	m.spawn = func(int, *os.File) (*exec.Cmd, error) {
		spawns.Add(1)
		// Exits immediately, simulating a crashing worker.
		return exec.Command("true"), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("master did not stop with context")
	}

	if spawns.Load() < 2 {
		t.Errorf("expected at least one re-fork, got %d spawns", spawns.Load())
	}
}

func TestMasterTerminatesWorkersOnShutdown(t *testing.T) {
	m := NewMaster("127.0.0.1:0", 2)

	var spawns atomic.Int32
	m.spawn = func(int, *os.File) (*exec.Cmd, error) {
		spawns.Add(1)
		// Long-lived worker; must be stopped by SIGTERM.
		return exec.Command("sleep", "60"), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && spawns.Load() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	if spawns.Load() != 2 {
		t.Fatalf("expected 2 workers, got %d", spawns.Load())
	}

	start := time.Now()
	cancel()
	select {
	case <-done:
		if time.Since(start) > 5*time.Second {
			t.Error("shutdown took too long, SIGTERM likely ignored")
		}
	case <-time.After(15 * time.Second):
		t.Fatal("master did not stop")
	}
}

func TestMasterBindFailure(t *testing.T) {
	m := NewMaster("256.0.0.1:1", 1)
	if err := m.Run(context.Background()); err == nil {
		t.Fatal("expected bind error")
	}
}
