package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"cosmossdk.io/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel/metric"

	"github.com/paw-chain/custody/app/health"
	"github.com/paw-chain/custody/metrics"
	"github.com/paw-chain/custody/replication"
)

// Config holds server configuration
type Config struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	RateLimitRPS    int           `mapstructure:"rate_limit_rps"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TrustProxy      bool          `mapstructure:"trust_proxy"`
	TLSCertFile     string        `mapstructure:"tls_cert_file"`
	TLSKeyFile      string        `mapstructure:"tls_key_file"`
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		ListenAddr:      "0.0.0.0:8400",
		RateLimitRPS:    50,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Routes are the handler sets a server mounts. Everything but API is optional.
type Routes struct {
	API         *Handler
	Health      *health.Checker
	Replication *replication.Handler
	Gatherer    prometheus.Gatherer
}

// Server serves the custody API, replication ingress, health and metrics
type Server struct {
	config     Config
	logger     log.Logger
	httpServer *http.Server
}

// NewServer builds the router and HTTP server. m and meter may be nil.
func NewServer(cfg Config, routes Routes, logger log.Logger, m *metrics.CustodyMetrics, meter metric.Meter) (*Server, error) {
	if routes.API == nil {
		return nil, fmt.Errorf("api handler is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	logger = logger.With("module", "http")

	var latency metric.Float64Histogram
	if meter != nil {
		var err error
		latency, err = meter.Float64Histogram("custody.http.request.duration",
			metric.WithDescription("Duration of custody API requests"),
			metric.WithUnit("s"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create request histogram: %w", err)
		}
	}

	router := mux.NewRouter()
	router.Use(RequestIDMiddleware, SecurityHeadersMiddleware, LoggerMiddleware(logger, m, latency))

	// replication peers are authenticated and never rate limited
	if routes.Replication != nil {
		routes.Replication.RegisterRoutes(router)
	}
	if routes.Health != nil {
		routes.Health.RegisterRoutes(router)
	}
	if routes.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(routes.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	public := router.NewRoute().Subrouter()
	public.Use(RateLimitMiddleware(cfg.RateLimitRPS))
	routes.API.RegisterRoutes(public)

	var httpHandler http.Handler = router
	if len(cfg.CORSOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
		})
		httpHandler = c.Handler(httpHandler)
	}
	if cfg.TrustProxy {
		httpHandler = handlers.ProxyHeaders(httpHandler)
	}
	httpHandler = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{logger}),
		handlers.PrintRecoveryStack(true),
	)(httpHandler)

	return &Server{
		config: cfg,
		logger: logger,
		httpServer: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      httpHandler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}, nil
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting custody api", "addr", ln.Addr().String(), "tls", s.config.TLSCertFile != "")
		var err error
		if s.config.TLSCertFile != "" {
			err = s.httpServer.ServeTLS(ln, s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			err = s.httpServer.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()
	s.logger.Info("stopping custody api")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return <-errCh
}

// recoveryLogger adapts the service logger for gorilla's recovery handler
type recoveryLogger struct {
	logger log.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("panic serving http request", "panic", fmt.Sprint(v...))
}
