// Package server exposes the orchestration core over HTTP. It is a thin
// JSON veneer: every decision lives in the broker and the policy engines.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/voicemesh/voicemesh/internal/agent"
	"github.com/voicemesh/voicemesh/internal/broker"
	"github.com/voicemesh/voicemesh/internal/session"
	"github.com/voicemesh/voicemesh/internal/store"
	"github.com/voicemesh/voicemesh/internal/telemetry"
)

// correlationHeader carries the request correlation ID end to end.
const correlationHeader = "X-Correlation-ID"

// Server is the HTTP transport over the broker.
type Server struct {
	broker   *broker.Broker
	store    store.Store
	registry *agent.Registry
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	router   chi.Router
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics mounts the metrics endpoint.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New builds the HTTP transport.
func New(b *broker.Broker, st store.Store, registry *agent.Registry, opts ...Option) *Server {
	s := &Server{
		broker:   b,
		store:    st,
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.correlationID)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/agents", s.handleListAgents)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Get("/", s.handleListSessions)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Delete("/", s.handleEndSession)
				r.Post("/state", s.handleUpdateState)
				r.Post("/transcript", s.handleTranscript)
				r.Get("/context", s.handleGetContext)
				r.Post("/policy/vad", s.handleEvaluateVAD)
				r.Post("/policy/barge-in", s.handleEvaluateBargeIn)
				r.Post("/policy/wake", s.handleEvaluateWake)
			})
		})
	})
	return r
}

// correlationID propagates the caller's correlation ID, minting one when
// absent, and echoes it on the response.
func (s *Server) correlationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = session.NewCorrelationID()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(telemetry.WithCorrelationID(r.Context(), id)))
	})
}

// ListenAndServe runs the server until ctx is done, then drains with the
// given shutdown grace.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readTimeout, writeTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
