// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

package api

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/waypost-io/waypost/internal/auth"
	"github.com/waypost-io/waypost/internal/livecache"
	"github.com/waypost-io/waypost/internal/pipeline"
	"github.com/waypost-io/waypost/internal/store"
	"github.com/waypost-io/waypost/internal/validation"
)

// activeUserWindow is the lookback for the admin activity metric.
const activeUserWindow = 5 * time.Minute

// ConnectionCounter reports this worker's live socket count.
// *registry.Registry satisfies it.
type ConnectionCounter interface {
	Count() int
}

// Handlers carries the collaborators the REST endpoints need.
type Handlers struct {
	store    store.Store
	cache    livecache.Cache
	jwt      *auth.JWTManager
	pipeline *pipeline.Pipeline
	conns    ConnectionCounter

	workerID        int64
	started         time.Time
	bcryptCost      int
	defaultPageSize int
	maxPageSize     int
}

// NewHandlers builds the endpoint set.
func NewHandlers(st store.Store, cache livecache.Cache, jwt *auth.JWTManager, pipe *pipeline.Pipeline, conns ConnectionCounter, workerID int64, bcryptCost, defaultPageSize, maxPageSize int) *Handlers {
	return &Handlers{
		store:           st,
		cache:           cache,
		jwt:             jwt,
		pipeline:        pipe,
		conns:           conns,
		workerID:        workerID,
		started:         time.Now(),
		bcryptCost:      bcryptCost,
		defaultPageSize: defaultPageSize,
		maxPageSize:     maxPageSize,
	}
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32,alphanum"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type tokenResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

// userResponse is the public shape of a user. IDs are decimal strings;
// JSON numbers cannot carry 64-bit IDs without precision loss.
type userResponse struct {
	ID           string            `json:"id"`
	Username     string            `json:"username"`
	Email        string            `json:"email"`
	Role         string            `json:"role"`
	IsTracking   bool              `json:"is_tracking"`
	LastLocation *locationResponse `json:"last_location,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

type locationResponse struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func toUserResponse(u *store.User) userResponse {
	resp := userResponse{
		ID:         strconv.FormatInt(u.ID, 10),
		Username:   u.Username,
		Email:      u.Email,
		Role:       u.Role,
		IsTracking: u.IsTracking,
		CreatedAt:  u.CreatedAt,
	}
	if u.LastLatitude != nil && u.LastLongitude != nil && u.LastSeenAt != nil {
		resp.LastLocation = &locationResponse{
			Latitude:  *u.LastLatitude,
			Longitude: *u.LastLongitude,
			Accuracy:  u.LastAccuracy,
			Timestamp: *u.LastSeenAt,
		}
	}
	return resp
}

func toLocationResponse(r *store.Reading) locationResponse {
	return locationResponse{
		Latitude:  r.Latitude,
		Longitude: r.Longitude,
		Accuracy:  r.Accuracy,
		Timestamp: r.Timestamp,
	}
}

// decodeAndValidate decodes the JSON body into dst and validates it,
// writing the error response itself on failure.
func decodeAndValidate(rw *ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		rw.BadRequest("malformed JSON body")
		return false
	}
	if err := validation.ValidateStruct(dst); err != nil {
		rw.ValidationFailed(err)
		return false
	}
	return true
}

// Health reports this worker and its collaborators: identity, live socket
// count, and dependency reachability. A failing dependency degrades the
// status to 503; the reachability fields say which one.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	dbOK := h.store.Ping(r.Context()) == nil
	cacheOK := h.cache.Ping(r.Context()) == nil

	status := "ok"
	if !dbOK || !cacheOK {
		status = "degraded"
	}

	body := map[string]any{
		"status":             status,
		"worker_id":          h.workerID,
		"pid":                os.Getpid(),
		"active_connections": h.conns.Count(),
		"cache_reachable":    cacheOK,
		"db_connected":       dbOK,
		"uptime_seconds":     int64(time.Since(h.started).Seconds()),
		"timestamp":          time.Now().UTC(),
	}
	if status != "ok" {
		rw.writeJSON(http.StatusServiceUnavailable, APIResponse{Success: false, Data: body})
		return
	}
	rw.Success(body)
}

// Register creates an account and returns a token for it.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req registerRequest
	if !decodeAndValidate(rw, r, &req) {
		return
	}

	hash, err := auth.HashPassword(req.Password, h.bcryptCost)
	if err != nil {
		rw.InternalError(err)
		return
	}

	user := &store.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         store.RoleUser,
	}
	if err := h.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			rw.Conflict("username or email already taken")
			return
		}
		rw.InternalError(err)
		return
	}

	token, err := h.jwt.GenerateToken(user.ID, user.Username, user.Role)
	if err != nil {
		rw.InternalError(err)
		return
	}
	rw.Created(tokenResponse{Token: token, User: toUserResponse(user)})
}

// Login exchanges credentials for a token. Unknown user and wrong password
// are indistinguishable to the caller.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req loginRequest
	if !decodeAndValidate(rw, r, &req) {
		return
	}

	user, err := h.store.UserByUsername(r.Context(), req.Username)
	if errors.Is(err, store.ErrNotFound) {
		rw.Error(http.StatusUnauthorized, ErrCodeUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		rw.InternalError(err)
		return
	}

	if err := auth.CheckPassword(user.PasswordHash, req.Password); err != nil {
		rw.Error(http.StatusUnauthorized, ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, err := h.jwt.GenerateToken(user.ID, user.Username, user.Role)
	if err != nil {
		rw.InternalError(err)
		return
	}
	rw.Success(tokenResponse{Token: token, User: toUserResponse(user)})
}

// Me returns the authenticated user's profile.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	user, ok := h.currentUser(rw, r)
	if !ok {
		return
	}
	rw.Success(toUserResponse(user))
}

// IngestLocation accepts one location update over REST. It runs the same
// pipeline as the socket path, so validation, rate limiting, and cache
// refresh behave identically.
func (h *Handlers) IngestLocation(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	claims := auth.ClaimsFromContext(r.Context())
	if claims == nil {
		rw.Error(http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}

	var update pipeline.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		rw.BadRequest("malformed JSON body")
		return
	}

	err := h.pipeline.Process(r.Context(), claims.Subject, update)
	var validationErr *validation.RequestValidationError
	switch {
	case err == nil:
		rw.Accepted(map[string]string{"status": "accepted"})
	case errors.As(err, &validationErr):
		rw.ValidationFailed(validationErr)
	case errors.Is(err, pipeline.ErrRateLimited):
		rw.TooManyRequests("location update rate exceeded")
	default:
		rw.InternalError(err)
	}
}

// MyLocations returns the authenticated user's history, newest first.
func (h *Handlers) MyLocations(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	claims := auth.ClaimsFromContext(r.Context())
	if claims == nil {
		rw.Error(http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}
	userID, err := claims.UserID()
	if err != nil {
		rw.InternalError(err)
		return
	}
	h.writeLocations(rw, r, userID)
}

// AdminListUsers returns one page of users.
func (h *Handlers) AdminListUsers(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	page := h.pageParams(r)
	users, total, err := h.store.ListUsers(r.Context(), page)
	if err != nil {
		rw.InternalError(err)
		return
	}

	resp := make([]userResponse, 0, len(users))
	for i := range users {
		resp = append(resp, toUserResponse(&users[i]))
	}
	rw.SuccessWithPagination(resp, &PaginationMeta{
		Page:     page.Number,
		PageSize: page.Size,
		Count:    len(resp),
		Total:    total,
		HasMore:  int64(page.Offset()+len(resp)) < total,
	})
}

// AdminUserLocations returns a user's history, optionally time-bounded
// with from/to (RFC3339) and limit query parameters.
func (h *Handlers) AdminUserLocations(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		rw.BadRequest("invalid user id")
		return
	}
	if _, err := h.store.UserByID(r.Context(), userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			rw.NotFound("user not found")
			return
		}
		rw.InternalError(err)
		return
	}
	h.writeLocations(rw, r, userID)
}

// AdminMetrics reports usage counters: users active in the last five
// minutes and total stored readings.
func (h *Handlers) AdminMetrics(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	active, err := h.store.ActiveUserCount(r.Context(), time.Now().Add(-activeUserWindow))
	if err != nil {
		rw.InternalError(err)
		return
	}
	total, err := h.store.CountReadings(r.Context())
	if err != nil {
		rw.InternalError(err)
		return
	}

	rw.Success(map[string]any{
		"active_users":   active,
		"total_readings": total,
		"window_seconds": int(activeUserWindow.Seconds()),
		"timestamp":      time.Now().UTC(),
	})
}

func (h *Handlers) writeLocations(rw *ResponseWriter, r *http.Request, userID int64) {
	query := store.ReadingQuery{UserID: userID, Limit: 100}

	q := r.URL.Query()
	if raw := q.Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			rw.BadRequest("invalid from timestamp, want RFC3339")
			return
		}
		query.From = from
	}
	if raw := q.Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			rw.BadRequest("invalid to timestamp, want RFC3339")
			return
		}
		query.To = to
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 1000 {
			rw.BadRequest("limit must be between 1 and 1000")
			return
		}
		query.Limit = limit
	}

	readings, err := h.store.Readings(r.Context(), query)
	if err != nil {
		rw.InternalError(err)
		return
	}

	resp := make([]locationResponse, 0, len(readings))
	for i := range readings {
		resp = append(resp, toLocationResponse(&readings[i]))
	}
	rw.Success(resp)
}

func (h *Handlers) currentUser(rw *ResponseWriter, r *http.Request) (*store.User, bool) {
	claims := auth.ClaimsFromContext(r.Context())
	if claims == nil {
		rw.Error(http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return nil, false
	}
	userID, err := claims.UserID()
	if err != nil {
		rw.InternalError(err)
		return nil, false
	}

	user, err := h.store.UserByID(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		rw.NotFound("user no longer exists")
		return nil, false
	}
	if err != nil {
		rw.InternalError(err)
		return nil, false
	}
	return user, true
}

func (h *Handlers) pageParams(r *http.Request) store.Page {
	page := store.Page{Number: 1, Size: h.defaultPageSize}

	q := r.URL.Query()
	if raw := q.Get("page"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			page.Number = n
		}
	}
	if raw := q.Get("page_size"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			page.Size = n
		}
	}
	if page.Size > h.maxPageSize {
		page.Size = h.maxPageSize
	}
	return page
}
