package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-orchestrator/internal/config"
	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
	"github.com/JakeFAU/harvest-orchestrator/internal/metrics"
	"github.com/JakeFAU/harvest-orchestrator/internal/scheduler"
	"github.com/JakeFAU/harvest-orchestrator/internal/session"
	"github.com/JakeFAU/harvest-orchestrator/internal/timing"
)

// Tasks is the task surface the API drives.
type Tasks interface {
	CreateTask(ctx context.Context, nt scheduler.NewTask) (harvest.Task, error)
	GetTask(ctx context.Context, taskID string) (harvest.Task, error)
	CountByStatus(ctx context.Context) (map[harvest.TaskStatus]int, error)
}

// Diagnoser explains the dispatch state.
type Diagnoser interface {
	Diagnose(ctx context.Context) (scheduler.Diagnosis, error)
}

// Sessions exposes the administrative session actions.
type Sessions interface {
	Sync(ctx context.Context, accountID string, credentials []byte) (harvest.Session, error)
	Versions(ctx context.Context, accountID string) ([]harvest.Session, error)
	Invalidate(ctx context.Context, accountID, reason string) (harvest.Session, error)
	ForceCooldown(ctx context.Context, accountID string, reason harvest.CooldownReason) (harvest.Cooldown, error)
	SetPreferred(ctx context.Context, userID, accountID string) error
}

// Previewer resolves a selection without decrypting credentials.
type Previewer interface {
	Preview(ctx context.Context, req session.Request) (session.Selection, error)
}

// Deps groups the collaborators of a Server. Ready may be nil.
type Deps struct {
	Tasks     Tasks
	Diagnoser Diagnoser
	Sessions  Sessions
	Selector  Previewer
	Timing    *timing.Strategy
	Rand      *rand.Rand
	Clock     harvest.Clock
	// Ready reports whether downstream stores are reachable.
	Ready  func(ctx context.Context) error
	Logger *zap.Logger
}

// Options tunes the server.
type Options struct {
	Auth           config.AuthConfig
	MaxConcurrent  int
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the orchestrator operations.
type Server struct {
	router chi.Router
	d      Deps
	opts   Options
	logger *zap.Logger

	rngMu sync.Mutex
}

// NewServer constructs a Server with middleware and routes.
func NewServer(d Deps, opts Options) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Rand == nil {
		d.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s := &Server{d: d, opts: opts, logger: d.Logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.Auth.Enabled {
			r.Use(apiKeyMiddleware(opts.Auth.APIKey))
		}
		r.Get("/diagnostics", s.diagnostics)
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/preview", s.previewSelection)
			r.Route("/{account_id}", func(r chi.Router) {
				r.Get("/", s.listVersions)
				r.Post("/sync", s.syncSession)
				r.Post("/invalidate", s.invalidateSession)
				r.Post("/cooldown", s.forceCooldown)
			})
		})
		r.Put("/accounts/preferred", s.setPreferred)
		r.Post("/quality/assess", s.assessQuality)
		r.Post("/timing/delay", s.calculateDelay)
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.createTask)
			r.Get("/{task_id}", s.getTask)
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

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.d.Ready != nil {
		if err := s.d.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeDomainError maps domain errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var selErr *harvest.SelectionError
	switch {
	case errors.As(err, &selErr):
		status := http.StatusConflict
		if selErr.Reason == harvest.ReasonAccountNotFound {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error(), "reason": string(selErr.Reason)})
	case errors.Is(err, harvest.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, harvest.ErrUnknownPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
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
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
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

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
