package server

import (
	"bufio"
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/internal/metrics"
	"github.com/teranos/postpulse/logger"
)

// Handler builds the HTTP handler with all routes and middleware
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/schedules", s.HandleCreateSchedule)               // Create schedule
	mux.HandleFunc("GET /api/schedules", s.HandleListSchedules)                 // List schedules with filters
	mux.HandleFunc("GET /api/schedules/{id}", s.HandleGetSchedule)              // Single schedule
	mux.HandleFunc("PUT /api/schedules/{id}", s.HandleUpdateSchedule)           // Update timing, revives failed jobs
	mux.HandleFunc("DELETE /api/schedules/{id}", s.HandleDeleteSchedule)        // Delete schedule and its logs
	mux.HandleFunc("GET /api/schedules/{id}/logs", s.HandleScheduleLogs)        // Execution logs, newest first
	mux.HandleFunc("POST /api/schedules/{id}/cancel", s.HandleCancelSchedule)   // Cancel
	mux.HandleFunc("POST /api/schedules/{id}/execute", s.HandleExecuteSchedule) // Run now
	mux.HandleFunc("GET /api/history", s.HandleHistory)                         // Publish history page
	mux.HandleFunc("GET /api/history/stats", s.HandleHistoryStats)              // Daily rollups
	mux.HandleFunc("GET /health", s.HandleHealth)                               // Health and dispatcher stats
	mux.Handle("GET /metrics", promhttp.Handler())                              // Prometheus
	mux.HandleFunc("GET /ws", s.hub.ServeWS(s.cfg.AllowedOrigins))              // Execution event stream

	return s.withRequestID(s.corsMiddleware(s.withMetrics(mux)))
}

// corsMiddleware adds CORS headers for allowed origins and answers preflight requests
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && checkOrigin(origin, s.cfg.AllowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRequestID tags each request with an id, echoed in X-Request-ID and
// attached to request-scoped log lines
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), requestID)))
	})
}

// withMetrics counts requests by matched route pattern. It must wrap the mux
// directly: the mux records the pattern on the request it receives.
func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

// statusRecorder captures the response status for metrics
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
