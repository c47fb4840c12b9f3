// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/payment-forwarder/internal/logging"
	"github.com/payment-forwarder/internal/metrics"
	"github.com/payment-forwarder/internal/service"
	"github.com/payment-forwarder/internal/types"
)

// Route prefixes kept from the original payment processor URLs
const (
	routeReceive            = "/payproc/api/receive"
	routeReceivedByAddress  = "/payproc/api/getreceivedbyaddress/{address}"
	notFoundBody            = "Error"
	defaultShutdownDeadline = 10 * time.Second
)

// PaymentServiceInterface defines the payment operations the API exposes
type PaymentServiceInterface interface {
	Issue(ctx context.Context, input service.IssueInput) (*service.IssueResult, error)
	CurrentUnconfirmed(ctx context.Context, address string) (types.Satoshi, error)
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	payments   PaymentServiceInterface
	health     *HealthReporter
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// RequestsPerSecond and Burst bound requests per client IP; zero disables the limit
	RequestsPerSecond int
	Burst             int
}

// NewServer creates a new API server instance. health may be nil, in which
// case /health reports only liveness.
func NewServer(config *ServerConfig, payments PaymentServiceInterface, health *HealthReporter) *Server {
	if health == nil {
		health = NewHealthReporter(0)
	}
	s := &Server{
		router:   mux.NewRouter(),
		payments: payments,
		health:   health,
		config:   config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// Middleware order matters: recovery must see panics from everything below it
	s.router.Use(RecoveryMiddleware)
	s.router.Use(LoggingMiddleware)
	s.router.Use(MetricsMiddleware)
	if s.config.RequestsPerSecond > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)))
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")

	s.router.HandleFunc(routeReceive, s.handleReceive).Methods("GET")
	s.router.HandleFunc(routeReceivedByAddress, s.handleGetReceivedByAddress).Methods("GET")

	// Unmatched requests never reach router middleware, so the fallback logs itself
	s.router.NotFoundHandler = LoggingMiddleware(http.HandlerFunc(handleNotFound))
	s.router.MethodNotAllowedHandler = LoggingMiddleware(http.HandlerFunc(handleNotFound))
}

// Handler returns the root handler, used by tests and embedding servers
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth reports liveness plus the registered dependency checks
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Report(r.Context())

	status := http.StatusOK
	if report.Status != statusHealthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, report)
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	respondText(w, http.StatusNotFound, notFoundBody)
}

// Start starts the HTTP server. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server")
	if _, ok := ctx.Deadline(); !ok {
		timeout := s.config.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownDeadline
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}
