// Package api provides the admin HTTP API: sweeps, forced re-fetches, account
// status, provider rate control, queue depth and provider health.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/commerce-harvester/internal/adapter"
	"github.com/commerce-harvester/internal/circuitbreaker"
	"github.com/commerce-harvester/internal/job"
	"github.com/commerce-harvester/internal/logging"
	"github.com/commerce-harvester/internal/models"
	"github.com/commerce-harvester/internal/queue"
	"github.com/commerce-harvester/internal/ratelimit"
	"github.com/commerce-harvester/internal/types"
)

// Sweeper runs sweeps and forced re-fetches. *job.Scheduler implements it.
type Sweeper interface {
	RunSweep(ctx context.Context) (job.SweepResult, error)
	ForceRefetch(ctx context.Context, accountID string) (*models.ProviderAccount, error)
	FetchCadence() time.Duration
}

// AccountReader loads accounts
type AccountReader interface {
	Get(ctx context.Context, id string) (*models.ProviderAccount, error)
}

// ErrorLogReader loads the newest error log entry of an account
type ErrorLogReader interface {
	Latest(ctx context.Context, accountID string) (*models.ErrorLogEntry, error)
}

// RateAdmin reads and changes provider rates. *ratelimit.Controller implements it.
type RateAdmin interface {
	State(ctx context.Context, provider types.ProviderType) (*ratelimit.State, error)
	SetRate(ctx context.Context, provider types.ProviderType, rate ratelimit.Rate) (ratelimit.Rate, error)
	Reset(ctx context.Context, provider types.ProviderType) error
}

// QueueInspector reports per-provider queue depth
type QueueInspector interface {
	Stats(ctx context.Context, provider types.ProviderType) (queue.Stats, error)
}

// ProviderSource lists the registered providers. *adapter.Registry implements it.
type ProviderSource interface {
	Types() []types.ProviderType
	Health() []*adapter.HealthStatus
}

// Dependencies are the collaborators of the admin API. Breakers may be nil.
type Dependencies struct {
	Sweeper   Sweeper
	Accounts  AccountReader
	ErrorLog  ErrorLogReader
	Rates     RateAdmin
	Queue     QueueInspector
	Providers ProviderSource
	Breakers  *circuitbreaker.Manager
	Logger    *logging.Logger
}

func (d Dependencies) validate() error {
	switch {
	case d.Sweeper == nil:
		return fmt.Errorf("sweeper cannot be nil")
	case d.Accounts == nil:
		return fmt.Errorf("account reader cannot be nil")
	case d.ErrorLog == nil:
		return fmt.Errorf("error log reader cannot be nil")
	case d.Rates == nil:
		return fmt.Errorf("rate admin cannot be nil")
	case d.Queue == nil:
		return fmt.Errorf("queue inspector cannot be nil")
	case d.Providers == nil:
		return fmt.Errorf("provider source cannot be nil")
	}
	return nil
}

// Server represents the admin HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	deps       Dependencies
	config     *ServerConfig
	logger     *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Per-client request limit
	RequestsPerSecond float64
	Burst             int
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Dependencies) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("server config cannot be nil")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = logging.GetGlobalLogger()
	}

	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		config: config,
		logger: deps.Logger.WithComponent("api"),
	}
	s.setupRouter()
	return s, nil
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)

	// order matters: recovery must see panics from every later layer
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(RateLimitMiddleware(rateLimiter))

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
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/admin/sweep", s.handleSweep).Methods(http.MethodPost)
	api.HandleFunc("/admin/accounts/{id}/refetch", s.handleRefetch).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/status", s.handleAccountStatus).Methods(http.MethodGet)

	api.HandleFunc("/providers/health", s.handleProviderHealth).Methods(http.MethodGet)
	api.HandleFunc("/providers/{type}/rate", s.handleGetRate).Methods(http.MethodGet)
	api.HandleFunc("/providers/{type}/rate", s.handleSetRate).Methods(http.MethodPut)
	api.HandleFunc("/providers/{type}/rate/reset", s.handleResetRate).Methods(http.MethodPost)
	api.HandleFunc("/providers/{type}/breaker/reset", s.handleResetBreaker).Methods(http.MethodPost)

	api.HandleFunc("/queue/stats", s.handleQueueStats).Methods(http.MethodGet)
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "commerce-harvester",
	})
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("starting admin API server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down admin API server")
	return s.httpServer.Shutdown(ctx)
}
