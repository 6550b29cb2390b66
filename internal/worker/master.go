// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/waypost-io/waypost/internal/logging"
)

// reforkDelay throttles respawns so a worker that dies at startup cannot
// fork-bomb the host.
const reforkDelay = time.Second

// Master binds the listen address and keeps n workers alive on it.
type Master struct {
	addr    string
	workers int

	// spawn is injectable for tests; defaults to self-exec.
	spawn func(id int, listener *os.File) (*exec.Cmd, error)
}

// NewMaster creates a master for addr with the given worker count.
func NewMaster(addr string, workers int) *Master {
	m := &Master{addr: addr, workers: workers}
	m.spawn = m.selfExec
	return m
}

// Run binds the socket, forks the workers, and supervises them until the
// context is canceled. Each worker that exits unexpectedly is re-forked
// after a short delay.
func (m *Master) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", m.addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", m.addr, err)
	}
	defer listener.Close()

	tcpListener, ok := listener.(*net.TCPListener)
	if !ok {
		return fmt.Errorf("unexpected listener type %T", listener)
	}
	file, err := tcpListener.File()
	if err != nil {
		return fmt.Errorf("duplicate listener fd: %w", err)
	}
	defer file.Close()

	logging.Info().
		Str("addr", m.addr).
		Int("workers", m.workers).
		Int("pid", os.Getpid()).
		Msg("master bound listener, forking workers")

	var wg sync.WaitGroup
	for id := 1; id <= m.workers; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			m.keepAlive(ctx, id, file)
		}(id)
	}
	wg.Wait()

	logging.Info().Msg("all workers stopped")
	return ctx.Err()
}

// keepAlive runs one worker slot: fork, wait, re-fork until canceled.
func (m *Master) keepAlive(ctx context.Context, id int, listener *os.File) {
	for {
		if ctx.Err() != nil {
			return
		}

		cmd, err := m.spawn(id, listener)
		if err != nil {
			logging.Error().Err(err).Int("worker_id", id).Msg("worker spawn failed")
			return
		}
		if err := cmd.Start(); err != nil {
			logging.Error().Err(err).Int("worker_id", id).Msg("worker start failed")
			return
		}
		logging.Info().Int("worker_id", id).Int("pid", cmd.Process.Pid).Msg("worker started")

		exited := make(chan error, 1)
		go func() { exited <- cmd.Wait() }()

		select {
		case <-ctx.Done():
			m.terminate(cmd, exited, id)
			return

		case err := <-exited:
			logging.Warn().
				Err(err).
				Int("worker_id", id).
				Msg("worker exited unexpectedly, re-forking")

			select {
			case <-ctx.Done():
				return
			case <-time.After(reforkDelay):
			}
		}
	}
}

// terminate asks the worker to stop and escalates to SIGKILL if it does
// not comply within the grace period.
func (m *Master) terminate(cmd *exec.Cmd, exited <-chan error, id int) {
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logging.Debug().Err(err).Int("worker_id", id).Msg("SIGTERM failed")
	}

	select {
	case <-exited:
		logging.Info().Int("worker_id", id).Msg("worker stopped")
	case <-time.After(10 * time.Second):
		logging.Warn().Int("worker_id", id).Msg("worker did not stop, killing")
		_ = cmd.Process.Kill()
		<-exited
	}
}

// selfExec re-executes this binary with the worker role marked in the
// environment and the listener as fd 3.
func (m *Master) selfExec(id int, listener *os.File) (*exec.Cmd, error) {
	executable, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}

	cmd := exec.Command(executable, os.Args[1:]...)
	cmd.Env = append(os.Environ(),
		roleEnv+"=1",
		idEnv+"="+strconv.Itoa(id),
	)
	cmd.ExtraFiles = []*os.File{listener}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd, nil
}
