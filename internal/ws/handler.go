// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

// Package ws owns the socket handshake and the per-connection read loop
// that feeds location updates into the pipeline.
package ws

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/waypost-io/waypost/internal/auth"
	"github.com/waypost-io/waypost/internal/livecache"
	"github.com/waypost-io/waypost/internal/logging"
	"github.com/waypost-io/waypost/internal/metrics"
	"github.com/waypost-io/waypost/internal/pipeline"
	"github.com/waypost-io/waypost/internal/registry"
)

// Handler upgrades authenticated requests to socket connections.
type Handler struct {
	upgrader websocket.Upgrader
	jwt      *auth.JWTManager
	registry *registry.Registry
	pipeline *pipeline.Pipeline
	presence *livecache.Presence
}

// NewHandler builds the socket endpoint handler.
func NewHandler(jwt *auth.JWTManager, reg *registry.Registry, pipe *pipeline.Pipeline, presence *livecache.Presence) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Cross-origin policy is enforced by the CORS layer on the API;
			// socket clients are native apps and the tracker CLI.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		jwt:      jwt,
		registry: reg,
		pipeline: pipe,
		presence: presence,
	}
}

// ServeHTTP authenticates and upgrades the request, then runs the read
// loop until the connection dies. The token is checked before the upgrade
// so a rejected client gets a plain 401, not a socket-level close.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		metrics.HandshakeRejections.WithLabelValues("missing_token").Inc()
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	claims, err := h.jwt.ValidateToken(token)
	if err != nil {
		metrics.HandshakeRejections.WithLabelValues("invalid_token").Inc()
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		metrics.HandshakeRejections.WithLabelValues("upgrade_failed").Inc()
		logging.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	userID := claims.Subject
	conn := registry.NewConn(userID, &socketTransport{conn: socket})

	socket.SetReadLimit(maxMessageSize)
	socket.SetPongHandler(func(string) error {
		conn.MarkAlive()
		h.presence.TouchSession(r.Context(), userID)
		return nil
	})

	h.registry.Admit(r.Context(), conn)
	h.readLoop(r, socket, conn)
}

// readLoop consumes messages in arrival order. Bad messages are logged and
// dropped; nothing is ever reported back over the socket.
func (h *Handler) readLoop(r *http.Request, socket *websocket.Conn, conn *registry.Conn) {
	ctx := r.Context()
	userID := conn.UserID()

	defer func() {
		h.registry.Remove(ctx, conn)
		h.pipeline.Forget(userID)
		_ = socket.Close()
	}()

	for {
		_, payload, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug().Err(err).Str("user_id", userID).Msg("socket read ended")
			}
			return
		}

		var update pipeline.Update
		if err := json.Unmarshal(payload, &update); err != nil {
			metrics.UpdatesRejected.WithLabelValues("malformed").Inc()
			logging.Warn().Err(err).Str("user_id", userID).Msg("malformed update dropped")
			continue
		}

		if err := h.pipeline.Process(ctx, userID, update); err != nil {
			logging.Warn().Err(err).Str("user_id", userID).Msg("update rejected")
		}
	}
}
