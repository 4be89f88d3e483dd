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

	"github.com/JakeFAU/linkcheck/internal/config"
	"github.com/JakeFAU/linkcheck/internal/linkcheck"
	"github.com/JakeFAU/linkcheck/internal/links"
	"github.com/JakeFAU/linkcheck/internal/logging"
	"github.com/JakeFAU/linkcheck/internal/metrics"
	"github.com/JakeFAU/linkcheck/internal/synch"
	"github.com/JakeFAU/linkcheck/internal/worker"
)

const requestTimeout = 60 * time.Second

// LinkService is the link administration surface served under /v1/links.
type LinkService interface {
	Query(ctx context.Context, f linkcheck.LinkFilter) (links.Page, error)
	Get(ctx context.Context, id int64) (links.Detail, error)
	Summary(ctx context.Context) (linkcheck.Summary, error)
	Recheck(ctx context.Context, id int64) (linkcheck.Link, error)
	MarkNotBroken(ctx context.Context, id int64) (linkcheck.Link, error)
	Dismiss(ctx context.Context, id int64) (linkcheck.Link, error)
	Undismiss(ctx context.Context, id int64) (linkcheck.Link, error)
	EditURL(ctx context.Context, id int64, newURL string) (links.EditResult, error)
	Unlink(ctx context.Context, id int64) (links.EditResult, error)
	Deredirect(ctx context.Context, id int64) (links.EditResult, error)
}

// ContainerTracker receives content-change notifications.
type ContainerTracker interface {
	MarkUnsynced(ctx context.Context, ref linkcheck.ContainerRef) error
	RemoveContainer(ctx context.Context, ref linkcheck.ContainerRef) (int64, error)
	Resync(ctx context.Context, force bool) (synch.Stats, error)
}

// RunReporter exposes the most recent worker run. ok is false before the
// first run.
type RunReporter interface {
	LastRun() (res worker.Result, ok bool)
}

// Server wires HTTP handlers to the link service and synch tracker.
type Server struct {
	router  chi.Router
	links   LinkService
	tracker ContainerTracker
	runs    RunReporter
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. runs may be nil.
func NewServer(svc LinkService, tracker ContainerTracker, runs RunReporter, auth config.AuthConfig, logger *zap.Logger) *Server {
	s := &Server{
		links:   svc,
		tracker: tracker,
		runs:    runs,
		logger:  logging.OrNop(logger).Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		if auth.Enabled {
			r.Use(apiKeyMiddleware(auth.APIKey))
		}
		r.Get("/status", s.status)
		r.Post("/resync", s.resync)
		r.Route("/links", func(r chi.Router) {
			r.Get("/", s.listLinks)
			r.Route("/{link_id}", func(r chi.Router) {
				r.Get("/", s.getLink)
				r.Post("/recheck", s.linkAction(s.links.Recheck))
				r.Post("/not-broken", s.linkAction(s.links.MarkNotBroken))
				r.Post("/dismiss", s.linkAction(s.links.Dismiss))
				r.Post("/undismiss", s.linkAction(s.links.Undismiss))
				r.Post("/edit", s.editLink)
				r.Post("/unlink", s.editAction(s.links.Unlink))
				r.Post("/deredirect", s.editAction(s.links.Deredirect))
			})
		})
		r.Route("/containers/{container_type}/{container_id}", func(r chi.Router) {
			r.Post("/unsynced", s.markUnsynced)
			r.Delete("/", s.deleteContainer)
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
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	sum, err := s.links.Summary(r.Context())
	if err != nil {
		s.internalError(w, "summarize links", err)
		return
	}
	payload := map[string]any{"summary": sum}
	if s.runs != nil {
		if res, ok := s.runs.LastRun(); ok {
			payload["last_run"] = res
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

// writeServiceError maps service errors to status codes. Unexpected errors
// are logged and reported as 500 without detail.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, linkcheck.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, linkcheck.ErrInvalidURL),
		errors.Is(err, links.ErrInvalidFilter),
		errors.Is(err, links.ErrNotRedirect):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, linkcheck.ErrUnknownContainerType):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		s.internalError(w, op, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request by the server.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
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

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
