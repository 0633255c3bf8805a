// Package api exposes the engine over HTTP.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/querygate/internal/auth"
	"github.com/mattjoyce/querygate/internal/engine"
	"github.com/mattjoyce/querygate/internal/events"
	"github.com/mattjoyce/querygate/internal/history"
	"github.com/mattjoyce/querygate/internal/interrupt"
	"github.com/mattjoyce/querygate/internal/result"
	"github.com/mattjoyce/querygate/internal/session"
)

// Engine is the subset of *engine.Coordinator the API drives.
type Engine interface {
	SubmitAsync(ctx context.Context, req engine.Request) <-chan result.Outcome
	Interrupt(target, caller string) error
	IsSessionEnrolled(sessionID string) bool
	SessionEntries(sessionID string) []session.EntrySummary
	Sessions() []session.SessionSummary
	CurrentRunningSession() (string, bool)
	ResizeDispatchQueue(n int) error
	ConfigureInterrupt(s interrupt.Settings) error
	Stats() engine.Stats
}

type HistoryReader interface {
	Get(ctx context.Context, id string) (*history.Record, error)
	Depth(ctx context.Context) (int, error)
}

type EventSource interface {
	Since(lastID int64) []events.Event
	Subscribe() (<-chan events.Event, func())
}

// Config holds API server configuration.
type Config struct {
	Listen string
	APIKey string
	Tokens []auth.TokenConfig
}

type Server struct {
	config    Config
	engine    Engine
	history   HistoryReader
	events    EventSource
	keyring   *auth.Keyring
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

func New(config Config, eng Engine, hist HistoryReader, evs EventSource, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		engine:    eng,
		history:   hist,
		events:    evs,
		keyring:   auth.NewKeyring(config.APIKey, config.Tokens),
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// Synchronous queries may run for a long time.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	read := []string{auth.ScopeQueryRO, auth.ScopeQueryRW, auth.ScopeAdmin}
	write := []string{auth.ScopeQueryRW, auth.ScopeAdmin}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes(write...)).Post("/query", s.handleSubmit)
		r.With(s.requireScopes(read...)).Get("/query/{queryID}", s.handleGetQuery)

		r.With(s.requireScopes(write...)).Post("/session/{sessionID}/interrupt", s.handleInterrupt)
		r.With(s.requireScopes(read...)).Get("/session/{sessionID}", s.handleGetSession)
		r.With(s.requireScopes(read...)).Get("/sessions", s.handleListSessions)
		r.With(s.requireScopes(read...)).Get("/sessions/current", s.handleCurrentSession)

		r.With(s.requireScopes(auth.ScopeAdmin)).Put("/dispatch/capacity", s.handleResize)
		r.With(s.requireScopes(auth.ScopeAdmin)).Put("/interrupt", s.handleInterruptSettings)

		r.With(s.requireScopes(read...)).Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.keyring.Empty() {
			s.writeError(w, http.StatusUnauthorized, "api authentication is not configured")
			return
		}
		p, err := s.keyring.AuthenticateRequest(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok || !auth.HasAnyScope(p, scopes...) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
