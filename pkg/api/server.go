package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mlopslab/taxi-predictor/pkg/logging"
	"github.com/mlopslab/taxi-predictor/pkg/metrics"
	"github.com/mlopslab/taxi-predictor/pkg/predict"
	"github.com/mlopslab/taxi-predictor/pkg/trips"
)

// Version is stamped by the build; the CLI overwrites it
var Version = "dev"

// Config contains HTTP server settings
type Config struct {
	Port              int
	PredictionTimeout time.Duration
	HealthTimeout     time.Duration
	Location          *time.Location
}

// Server is the HTTP surface of the prediction service
type Server struct {
	service    *predict.Service
	stats      trips.StatsProvider // nil when no trip store is configured
	metrics    *metrics.Metrics
	logger     *logging.Logger
	cfg        Config
	httpServer *http.Server
	startTime  time.Time
}

// NewServer wires the HTTP surface. stats may be nil.
func NewServer(service *predict.Service, stats trips.StatsProvider, m *metrics.Metrics, logger *logging.Logger, cfg Config) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.PredictionTimeout <= 0 {
		cfg.PredictionTimeout = 2 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	s := &Server{
		service:   service,
		stats:     stats,
		metrics:   m,
		logger:    logger,
		cfg:       cfg,
		startTime: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout: 10 * time.Second,
		// WriteTimeout stays above the prediction deadline so 504
		// bodies still reach the client
		WriteTimeout: cfg.PredictionTimeout + 3*time.Second,
	}
	return s
}

// Handler returns the configured router. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/", s.handleRoot)

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/predict", s.handlePredict)
		r.Get("/health", s.handleHealth)
		r.Get("/health/model", s.handleModelInfo)
		r.Get("/model-info", s.handleModelInfo)
		r.Post("/model/reload", s.handleReload)
		r.Get("/stats/trips", s.handleTripStats)
	})

	return r
}

// Start begins serving. Blocks until Shutdown or a listener error.
func (s *Server) Start() error {
	s.httpServer.Handler = s.Handler()
	s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting new requests and drains in-flight ones until
// ctx expires
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("draining HTTP connections")
	return s.httpServer.Shutdown(ctx)
}

// Uptime reports how long the surface has been up
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// loggingMiddleware logs one line per request with status and latency
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if s.metrics != nil {
			s.metrics.HTTPRequestsTotal.WithLabelValues(
				r.URL.Path, strconv.Itoa(status/100*100)).Inc()
		}
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
