// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

// Package worker implements the process model: a master binds the listen
// socket once, forks one worker per CPU with the socket as an inherited
// file descriptor, and re-forks workers that die. Workers detect their
// role through the environment and serve on the inherited socket.
package worker

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

const (
	// roleEnv marks a process as a forked worker.
	roleEnv = "WAYPOST_WORKER"

	// idEnv carries the worker's index for logs and the ID generator.
	idEnv = "WAYPOST_WORKER_ID"

	// listenerFD is where the inherited socket lands: after stdin,
	// stdout, and stderr, the first ExtraFiles entry is fd 3.
	listenerFD = 3
)

// IsWorker reports whether this process was forked by a master.
func IsWorker() bool {
	return os.Getenv(roleEnv) == "1"
}

// ID returns the worker index assigned by the master, or 0.
func ID() int64 {
	id, err := strconv.ParseInt(os.Getenv(idEnv), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// InheritedListener recovers the listen socket the master passed down.
func InheritedListener() (net.Listener, error) {
	file := os.NewFile(listenerFD, "listener")
	if file == nil {
		return nil, fmt.Errorf("no inherited listener at fd %d", listenerFD)
	}
	defer file.Close()

	listener, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("recover inherited listener: %w", err)
	}
	return listener, nil
}
