// Package server exposes a crmbase adapter as the CRM HTTP API.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/adrianmcphee/crmbase"
)

const (
	DefaultPort            = 3954
	DefaultShutdownTimeout = 10 * time.Second
	requestIDHeader        = "X-Request-Id"
)

// Config holds the listener and authentication settings.
type Config struct {
	Host            string
	Port            int
	APIKey          string
	ShutdownTimeout time.Duration
}

// Server handles CRM API requests. Every request runs in its own session,
// closed when the handler returns.
type Server struct {
	adapter  crmbase.Adapter
	cfg      Config
	logger   crmbase.Logger
	metrics  crmbase.Metrics
	registry *prometheus.Registry
	router   chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l crmbase.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics sets the collector for request counts and latencies.
func WithMetrics(m crmbase.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRegistry exposes registry on GET /metrics.
func WithRegistry(r *prometheus.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// New builds a server for adapter. An empty API key is replaced by a random
// one, available from APIKey.
func New(adapter crmbase.Adapter, cfg Config, opts ...Option) *Server {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.APIKey == "" {
		cfg.APIKey = crmbase.NewAPIKey()
	}
	s := &Server{
		adapter: adapter,
		cfg:     cfg,
		logger:  &crmbase.NoOpLogger{},
		metrics: &crmbase.NoOpMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// APIKey returns the key clients must present.
func (s *Server) APIKey() string {
	return s.cfg.APIKey
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, gCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		s.logger.Info("crm server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-gCtx.Done()
		s.logger.Info("crm server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)
	r.Use(s.authenticate)

	r.Get("/health", s.health)
	r.Post("/reset", s.reset)
	r.Get("/dump", s.api(s.dump))

	r.Route("/companies", func(r chi.Router) {
		r.Get("/", s.api(s.listCompanies))
		r.Post("/", s.api(s.addCompany))
		r.Get("/search/{filter}", s.api(s.searchCompanies))
		r.Get("/{name}", s.api(s.getCompany))
		r.Put("/{name}", s.api(s.updateCompany))
	})

	r.Post("/interactions", s.api(s.addInteraction))
	r.Put("/interactions/{companyName}/{index}", s.api(s.updateInteraction))
	r.Post("/interactions/{companyName}/{index}/done", s.api(s.doneInteraction))
	r.Get("/followups", s.api(s.followups))

	r.Get("/contacts/by-email/{email}", s.api(s.getContact))
	r.Post("/contacts", s.api(s.addContact))
	r.Put("/contacts/{email}", s.api(s.updateContact))

	r.Get("/apps/by-name/{appName}", s.api(s.getAppByName))
	r.Get("/apps/by-email/{email}", s.api(s.getAppByEmail))
	r.Post("/apps", s.api(s.addApp))
	r.Put("/apps/{appName}", s.api(s.updateApp))

	r.Get("/config", s.api(s.getConfig))
	r.Put("/config", s.api(s.updateConfig))
	r.Get("/config/staff", s.api(s.getStaff))
	r.Post("/config/staff", s.api(s.addStaff))
	r.Get("/config/templates", s.api(s.getTemplates))
	r.Post("/config/templates", s.api(s.addTemplate))
	r.Post("/render-template", s.api(s.renderTemplate))

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, errorResponse{Error: "endpoint not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, errorResponse{Error: "endpoint not found"})
	})
	return r
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = crmbase.NewRequestID()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// observe logs one line per request and records request metrics by route
// pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		s.metrics.Increment(crmbase.MetricHTTPRequests, "route", route, "status", strconv.Itoa(status))
		s.metrics.Timing(crmbase.MetricHTTPLatency, elapsed, "route", route)
		s.logger.Info(r.Method+" "+r.URL.Path,
			"status", status,
			"req_id", RequestID(r.Context()),
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

// authenticate accepts the API key as the raw Authorization header, as a
// bearer token, or as either half of basic credentials.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authorized(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="CRM Server"`)
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, errorResponse{Error: "Unauthorized"})
	})
}

func (s *Server) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	if header == "" {
		return false
	}
	if s.matchesKey(header) {
		return true
	}
	if token, ok := strings.CutPrefix(header, "Bearer "); ok && s.matchesKey(token) {
		return true
	}
	if user, password, ok := r.BasicAuth(); ok {
		return s.matchesKey(user) || s.matchesKey(password)
	}
	return false
}

func (s *Server) matchesKey(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.cfg.APIKey)) == 1
}
