// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

package ws

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 * 1024
)

// socketTransport adapts a gorilla connection to the registry's Transport.
// Control frames may be written concurrently with everything else, which is
// what lets the heartbeat monitor and an eviction race safely against the
// read loop.
type socketTransport struct {
	conn *websocket.Conn
}

func (t *socketTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (t *socketTransport) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		_ = t.conn.Close()
		return err
	}
	return t.conn.Close()
}

func (t *socketTransport) Terminate() error {
	return t.conn.Close()
}
