package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/progresswatch/internal/metrics"
	"github.com/JakeFAU/progresswatch/internal/progress"
)

const (
	requestTimeout = 60 * time.Second
	maxSubtasks    = 10000
)

// Tracker is the client surface the server exposes.
type Tracker interface {
	Bars() []progress.BarState
	Request(requestID string) []progress.BarState
	StartRequest(ctx context.Context, subtasks int) (string, error)
	Dispose(requestID string) int
	Connections() map[string]string
	Ready() bool
}

// Server wires HTTP handlers to the tracker.
type Server struct {
	router  chi.Router
	tracker Tracker
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(tracker Tracker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		tracker: tracker,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/bars", s.listBars)
		r.Get("/connections", s.listConnections)
		r.Route("/requests", func(r chi.Router) {
			r.Post("/", s.startRequest)
			r.Route("/{request_id}", func(r chi.Router) {
				r.Get("/", s.getRequest)
				r.Delete("/", s.disposeRequest)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.tracker.Ready() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":      "not ready",
			"connections": s.tracker.Connections(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listBars(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, barsResponse{Bars: s.tracker.Bars()})
}

func (s *Server) listConnections(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"connections": s.tracker.Connections()})
}

func (s *Server) startRequest(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Subtasks < 1 || req.Subtasks > maxSubtasks {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("subtasks must be between 1 and %d", maxSubtasks))
		return
	}
	requestID, err := s.tracker.StartRequest(r.Context(), req.Subtasks)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		s.writeJSON(w, status, map[string]string{"request_id": requestID, "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"request_id": requestID})
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	bars := s.tracker.Request(requestID)
	if len(bars) == 0 {
		s.writeError(w, http.StatusNotFound, "request not found")
		return
	}
	resp := requestResponse{RequestID: requestID, Bars: bars}
	for i := range bars {
		if bars[i].Summary {
			resp.Summary = &bars[i]
			break
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) disposeRequest(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	n := s.tracker.Dispose(requestID)
	if n == 0 {
		s.writeError(w, http.StatusNotFound, "request not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"request_id": requestID, "disposed": n})
}

type startRequest struct {
	Subtasks int `json:"subtasks"`
}

type barsResponse struct {
	Bars []progress.BarState `json:"bars"`
}

type requestResponse struct {
	RequestID string              `json:"request_id"`
	Summary   *progress.BarState  `json:"summary,omitempty"`
	Bars      []progress.BarState `json:"bars"`
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("http_request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
