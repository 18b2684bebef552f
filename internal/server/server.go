package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/llm-proxier/internal/auth"
)

// ProxyRoute is the inbound pattern for proxied calls; the wildcard is the subpath.
const ProxyRoute = "/v1/*"

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	Addr          string
	Logger        *slog.Logger
	Authenticator *auth.Authenticator
	Health        Pinger // Optional; /healthz reports 503 when Ping fails

	// MetricsPath mounts MetricsHandler when both are set.
	MetricsPath    string
	MetricsHandler http.Handler
}

type Server struct {
	Router     *chi.Mux
	logger     *slog.Logger
	auth       *auth.Authenticator
	httpServer *http.Server
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	// Apply middleware in order
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "llm-proxier")
	})

	s := &Server{
		Router: r,
		logger: logger,
		auth:   opts.Authenticator,
	}

	// Operational routes get a hard deadline; proxied streams do not.
	r.Group(func(r chi.Router) {
		r.Use(TimeoutMiddleware(ProbeTimeout))
		r.Get("/healthz", healthHandler(opts.Health))
		if opts.MetricsPath != "" && opts.MetricsHandler != nil {
			r.Method(http.MethodGet, opts.MetricsPath, opts.MetricsHandler)
		}
	})

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// WriteTimeout stays zero: streamed completions may run for minutes.
	}

	return s
}

// MountProxy registers h for POST /v1/* behind the bearer-key check.
func (s *Server) MountProxy(h http.Handler) {
	s.Router.Group(func(r chi.Router) {
		if s.auth != nil {
			r.Use(AuthMiddleware(s.auth))
		}
		r.Method(http.MethodPost, ProxyRoute, h)
	})
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.Router
}

// Start listens on the configured address and blocks until the server stops.
// It returns nil after a graceful Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

func healthHandler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			if err := p.Ping(r.Context()); err != nil {
				AddError(r.Context(), err)
				WriteError(w, r, http.StatusServiceUnavailable, "Log store unavailable")
				return
			}
		}
		writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	}
}
