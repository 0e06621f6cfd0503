// Package adminhttp serves the operator-facing HTTP surface alongside the
// wire protocol's TCP listener: Prometheus scrape endpoint and a health
// check, with no exposure of market data itself.
package adminhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/quotefeed/internal/marketstore"
)

// Config configures the admin HTTP server.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server exposes /healthz and /metrics over HTTP.
type Server struct {
	logger     *zap.Logger
	config     Config
	router     *mux.Router
	httpServer *http.Server
	store      *marketstore.StoreManager
	registry   *prometheus.Registry
}

// New builds a Server. registry is the prometheus.Registry backing
// metrics.NewRegistry, scraped at /metrics.
func New(logger *zap.Logger, config Config, store *marketstore.StoreManager, registry *prometheus.Registry) *Server {
	s := &Server{
		logger:   logger,
		config:   config,
		router:   mux.NewRouter(),
		store:    store,
		registry: registry,
	}
	s.setupRoutes()
	return s
}

// Router returns the underlying mux.Router, mainly for tests that want to
// drive requests without binding a real listener.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")
}

// Start runs the HTTP server until Stop is called or it errors. It blocks.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting admin HTTP server", zap.String("addr", addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	mtime := s.store.Mtime()
	staleness := time.Now().Unix() - mtime
	status := "ok"
	code := http.StatusOK
	if mtime > 0 && staleness > 3600 {
		status = "stale"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"mtime":  mtime,
		"time":   time.Now().Unix(),
	})
}
