// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

package api

import (
	"bytes"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/waypost-io/waypost/internal/livecache"
	"github.com/waypost-io/waypost/internal/logging"
	"github.com/waypost-io/waypost/internal/metrics"
)

// RequestID assigns every request an ID, exposes it via header and context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = logging.GenerateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), requestID)))
	})
}

// statusRecorder captures the response status for metrics and logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// PrometheusMetrics records request duration and in-flight counts. The
// route pattern, not the raw path, is the label, so user IDs never become
// label values.
func PrometheusMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.TrackActiveRequest(true)
		defer metrics.TrackActiveRequest(false)

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.RecordAPIRequest(r.Method, pattern, recorder.status, time.Since(start))
	})
}

// cachedResponse is the stored form of a cacheable response.
type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// bufferingWriter tees the response body for the cache.
type bufferingWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (bw *bufferingWriter) WriteHeader(status int) {
	bw.status = status
	bw.ResponseWriter.WriteHeader(status)
}

func (bw *bufferingWriter) Write(p []byte) (int, error) {
	bw.buf.Write(p)
	return bw.ResponseWriter.Write(p)
}

// ResponseCache serves repeated GETs from the liveness cache for ttl.
// Only 200 responses are stored. The cache is best-effort: any cache
// failure falls through to the handler.
func ResponseCache(cache livecache.Cache, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			key := livecache.ResponseKey(r.URL.RequestURI())
			if raw, err := cache.Get(r.Context(), key); err == nil {
				var cached cachedResponse
				if err := json.Unmarshal(raw, &cached); err == nil {
					w.Header().Set("Content-Type", cached.ContentType)
					w.Header().Set("X-Cache", "HIT")
					w.WriteHeader(cached.Status)
					_, _ = w.Write(cached.Body)
					return
				}
			}

			writer := &bufferingWriter{ResponseWriter: w, status: http.StatusOK}
			writer.Header().Set("X-Cache", "MISS")
			next.ServeHTTP(writer, r)

			if writer.status != http.StatusOK {
				return
			}
			payload, err := json.Marshal(cachedResponse{
				Status:      writer.status,
				ContentType: writer.Header().Get("Content-Type"),
				Body:        writer.buf.Bytes(),
			})
			if err != nil {
				return
			}
			if err := cache.SetWithTTL(r.Context(), key, payload, ttl); err != nil {
				metrics.CacheOperationErrors.WithLabelValues("response_cache").Inc()
				logging.Debug().Err(err).Str("key", key).Msg("response cache store failed")
			}
		})
	}
}
