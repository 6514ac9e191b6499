// Package server assembles the HTTP handler: middleware, operational
// endpoints and the controller dispatcher.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Options configures the router.
type Options struct {
	Logger         *slog.Logger
	RequestTimeout time.Duration
	// ServiceName names the otelhttp server span.
	ServiceName string
	Dispatcher  http.Handler
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Live and Ready are mounted at /live and /ready when set.
	Live  http.HandlerFunc
	Ready http.HandlerFunc
}

// Server holds the assembled router.
type Server struct {
	Router *chi.Mux
	logger *slog.Logger
}

// New builds the router. Operational endpoints are registered ahead of the
// catch-all dispatcher so a controller cannot shadow them.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = "focus"
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(opts.RequestTimeout))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName)
	})

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.Live != nil {
		r.Get("/live", opts.Live)
	}
	if opts.Ready != nil {
		r.Get("/ready", opts.Ready)
	}
	if opts.Dispatcher != nil {
		r.Handle("/*", opts.Dispatcher)
	}

	return &Server{Router: r, logger: logger}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}
