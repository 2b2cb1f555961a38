package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/artifact-cache/store/gc"
	"github.com/wolfeidau/artifact-cache/telemetry"
)

// newAdminServer builds the admin HTTP server.
func (s *Server) newAdminServer() *http.Server {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	return &http.Server{
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // manual reclamation may take a while
		IdleTimeout:  60 * time.Second,
	}
}

// registerRoutes sets up the admin routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Cache stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Manual reclamation
	mux.HandleFunc("POST /gc", s.handleGC)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.coord.Stopping() {
		status = "stopping"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Entries    int64      `json:"entries"`
	TotalBytes int64      `json:"total_bytes"`
	LastGC     *gc.Result `json:"last_gc,omitempty"`
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.index.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		Entries:    stats.Entries,
		TotalBytes: stats.TotalBytes,
		LastGC:     s.gcMgr.Status(),
	})
}

// handleGC runs reclamation immediately and returns its result.
func (s *Server) handleGC(w http.ResponseWriter, r *http.Request) {
	result, err := s.gcMgr.RunNow(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// loggingMiddleware logs admin requests with structured fields.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		level := slog.LevelDebug
		if r.Method != http.MethodGet || wrapped.status >= http.StatusBadRequest {
			level = slog.LevelInfo
		}
		s.logger.Log(r.Context(), level, "admin request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
