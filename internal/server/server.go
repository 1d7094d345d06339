// Package server exposes the manager's health, metrics and maintenance
// operations over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/devrev/weatherdb/internal/config"
	"github.com/devrev/weatherdb/internal/model"
	"github.com/devrev/weatherdb/internal/service"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Cluster is the manager surface the admin API drives
type Cluster interface {
	Snapshot(ctx context.Context) (service.ClusterState, error)
	Load(ctx context.Context, file, format string) error
	ShutdownNode(ctx context.Context, id int) (model.RecoveryReport, error)
	ForwardNode(ctx context.Context, from, to int) (bool, error)
	ClearDate(ctx context.Context, id int, date string) error
}

// Files lists loaded files and backs the readiness check
type Files interface {
	List(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

// AdminServer is the manager's HTTP endpoint
type AdminServer struct {
	router     *mux.Router
	httpServer *http.Server
	cluster    Cluster
	files      Files
	gatherer   prometheus.Gatherer
	logger     *zap.Logger
	timeout    time.Duration
}

// NewAdminServer creates the server and registers its routes. Metrics are
// served from gatherer.
func NewAdminServer(
	cfg config.AdminConfig,
	cluster Cluster,
	files Files,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *AdminServer {
	router := mux.NewRouter()
	s := &AdminServer{
		router:   router,
		cluster:  cluster,
		files:    files,
		gatherer: gatherer,
		logger:   logger,
		timeout:  30 * time.Second,
		httpServer: &http.Server{
			Addr:         cfg.Addr(),
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
	s.setupRoutes()
	return s
}

func (s *AdminServer) setupRoutes() {
	s.router.Use(func(next http.Handler) http.Handler {
		return Chain(Recovery(s.logger), RequestID, Logging(s.logger))(next)
	})

	s.router.HandleFunc("/health/live", s.liveness).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.readiness).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// admin routes sit on the root router so a wrong method gets a 405
	s.router.HandleFunc("/admin/nodes", s.listNodes).Methods(http.MethodGet)
	s.router.HandleFunc("/admin/nodes/{id:[0-9]+}/shutdown", s.shutdownNode).Methods(http.MethodPost)
	s.router.HandleFunc("/admin/nodes/{id:[0-9]+}/forward", s.forwardNode).Methods(http.MethodPost)
	s.router.HandleFunc("/admin/nodes/{id:[0-9]+}/clear", s.clearDate).Methods(http.MethodPost)
	s.router.HandleFunc("/admin/placement", s.placement).Methods(http.MethodGet)
	s.router.HandleFunc("/admin/recoveries", s.recoveries).Methods(http.MethodGet)
	s.router.HandleFunc("/admin/files", s.listFiles).Methods(http.MethodGet)
	s.router.HandleFunc("/admin/files", s.loadFile).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Status: "error", Code: "NOT_FOUND", Message: "endpoint not found"})
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Status: "error", Code: "METHOD_NOT_ALLOWED", Message: "method not allowed"})
	})
}

// Handler returns the routed handler
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *AdminServer) Start() error {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start admin server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones
func (s *AdminServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down admin server")
	return s.httpServer.Shutdown(ctx)
}
