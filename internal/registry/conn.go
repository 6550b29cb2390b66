// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

// Package registry tracks the live socket connections owned by one worker
// process and runs the heartbeat sweep that decides which of them are dead.
package registry

import (
	"sync/atomic"
	"time"
)

// Close codes and reasons used when the registry ends a connection.
const (
	// CloseCodeDuplicate is sent to a connection evicted by a newer one
	// for the same user.
	CloseCodeDuplicate = 4000

	// CloseReasonDuplicate is the eviction close reason.
	CloseReasonDuplicate = "duplicate connection"
)

// Transport is the minimal socket surface the registry needs. The ws
// package adapts gorilla/websocket to it; tests use fakes.
type Transport interface {
	// Ping sends a heartbeat probe.
	Ping() error

	// Close performs a graceful close with the given code and reason.
	Close(code int, reason string) error

	// Terminate drops the connection without a close handshake.
	Terminate() error
}

// Conn is one admitted connection. The alive flag is the heartbeat
// mechanism: the sweep clears it, a pong sets it, and a sweep that finds
// it still cleared terminates the connection.
type Conn struct {
	userID    string
	transport Transport
	admitted  time.Time

	alive    atomic.Bool
	lastPong atomic.Int64
}

// NewConn wraps a transport for the given user. The connection starts
// alive: the client just completed a handshake.
func NewConn(userID string, transport Transport) *Conn {
	c := &Conn{
		userID:    userID,
		transport: transport,
		admitted:  time.Now(),
	}
	c.alive.Store(true)
	c.lastPong.Store(time.Now().UnixNano())
	return c
}

// UserID returns the owning user.
func (c *Conn) UserID() string { return c.userID }

// Alive reports whether a pong arrived since the last sweep.
func (c *Conn) Alive() bool { return c.alive.Load() }

// MarkAlive records a pong.
func (c *Conn) MarkAlive() {
	c.alive.Store(true)
	c.lastPong.Store(time.Now().UnixNano())
}

// clearAlive arms the connection for the next sweep.
func (c *Conn) clearAlive() { c.alive.Store(false) }

// LastPong returns the time of the most recent pong.
func (c *Conn) LastPong() time.Time {
	return time.Unix(0, c.lastPong.Load())
}

// Ping forwards a heartbeat probe to the transport.
func (c *Conn) Ping() error { return c.transport.Ping() }
