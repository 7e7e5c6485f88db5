// Package api provides the HTTP webhook receiver and the read-only
// operational endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/scm-mirror/internal/backfill"
	"github.com/scm-mirror/internal/logging"
	"github.com/scm-mirror/internal/storage"
	"github.com/scm-mirror/internal/webhook"
	"github.com/scm-mirror/internal/worker"
)

// DeliverySink queues verified webhook deliveries
type DeliverySink interface {
	Submit(d webhook.Delivery) error
	Stats() webhook.DispatcherStats
}

// ProgressReader reports backfill progress for one sync target
type ProgressReader interface {
	GetProgress(ctx context.Context, targetID int64) (*backfill.Progress, error)
}

// StatusReporter exposes scheduler state
type StatusReporter interface {
	Status() worker.Status
}

// Server represents the HTTP server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	sink       DeliverySink
	progress   ProgressReader
	status     StatusReporter
	limiter    *RateLimiter
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
	// WebhookSecret verifies X-Hub-Signature-256
	WebhookSecret string
	// AllowUnsigned accepts unsigned deliveries when WebhookSecret is empty.
	// Without it an empty secret rejects every delivery.
	AllowUnsigned bool
	// MaxPayloadBytes caps a delivery body
	MaxPayloadBytes int64
	// RequestsPerSecond and Burst limit deliveries per installation
	RequestsPerSecond float64
	Burst             int
}

// DefaultServerConfig returns the receiver defaults
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:              "0.0.0.0",
		Port:              "8080",
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		MaxPayloadBytes:   25 << 20,
		RequestsPerSecond: 50,
		Burst:             100,
	}
}

// NewServer creates a new server instance. progress and status may be nil,
// in which case their routes are not registered.
func NewServer(config *ServerConfig, sink DeliverySink, progress ProgressReader, status StatusReporter) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.MaxPayloadBytes <= 0 {
		config.MaxPayloadBytes = DefaultServerConfig().MaxPayloadBytes
	}
	s := &Server{
		router:   mux.NewRouter(),
		sink:     sink,
		progress: progress,
		status:   status,
		limiter:  NewRateLimiter(config.RequestsPerSecond, config.Burst),
		config:   config,
	}

	if config.WebhookSecret == "" {
		if config.AllowUnsigned {
			logging.GetGlobalLogger().Warn("Webhook signature verification is DISABLED: unsigned deliveries will be accepted")
		} else {
			logging.GetGlobalLogger().Error("No webhook secret configured: every delivery will be rejected")
		}
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// deliveries are limited per installation inside the handler, after the
	// body has been read and verified
	s.router.HandleFunc("/webhooks/github", s.handleWebhook).Methods(http.MethodPost)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(s.limiter))
	api.Use(CompressionMiddleware)
	if s.progress != nil {
		api.HandleFunc("/sync-targets/{id:[0-9]+}/backfill", s.handleBackfillProgress).Methods(http.MethodGet)
	}
	if s.status != nil {
		api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	}
}

// Handler returns the root handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":  "healthy",
		"service": "scm-mirror",
	}
	if s.sink != nil {
		body["webhooks"] = s.sink.Stats()
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleBackfillProgress(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid sync target id", nil)
		return
	}

	progress, err := s.progress.GetProgress(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, ErrCodeNotFound, "Sync target not found", map[string]interface{}{"id": id})
			return
		}
		logging.FromContext(r.Context()).WithError(err).WithField("target", id).Error("Failed to read backfill progress")
		status, code, message := mapServiceError(err)
		respondError(w, status, code, message, nil)
		return
	}
	respondJSON(w, http.StatusOK, progress)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.status.Status())
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting webhook receiver")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down webhook receiver...")
	return s.httpServer.Shutdown(ctx)
}
