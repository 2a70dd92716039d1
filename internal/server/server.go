// Package server wires the HTTP and websocket surfaces over the state
// syncer's read/command API.
package server

import (
	"bufio"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jdrivas/roon-rd/internal/api"
	"github.com/jdrivas/roon-rd/internal/images"
	"github.com/jdrivas/roon-rd/internal/metrics"
	"github.com/jdrivas/roon-rd/internal/state"
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack forwards to the underlying writer so websocket upgrades work
// through the logging middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

// requestLoggerMiddleware logs all incoming HTTP requests. Runs inside
// RequestIDMiddleware so the correlation id is on the request context.
func requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		log.Printf("HTTP: %s %s %d %s rid=%s",
			r.Method, r.URL.Path, wrapped.status,
			time.Since(start).Round(time.Millisecond), api.GetRequestID(r))
	})
}

// NewHandler builds the HTTP handler over the syncer and image cache.
func NewHandler(syncer *state.Syncer, imageCache *images.Cache) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.StripSlashes)
	router.Use(api.RequestIDMiddleware)
	router.Use(requestLoggerMiddleware)
	router.Use(api.RecovererMiddleware)

	registerHealthRoutes(router)
	registerStateRoutes(router, syncer, imageCache)
	registerWSRoutes(router, syncer)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	return router
}

func registerHealthRoutes(router chi.Router) {
	router.Method(http.MethodGet, "/v1/health", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		response := map[string]any{
			"status":    "healthy",
			"service":   "roon-rd",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		return api.WriteJSON(w, http.StatusOK, response)
	}))
}
