// Package server implements the HTTP server that exposes the knowledge
// base over a REST API: record management, semantic search, and admin
// maintenance operations.
// The server is started by the `kbsearch serve` CLI command.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsdesk/kbsearch/internal/logging"
)

// New constructs a Server from the provided components and config.
func New(deps Deps, cfg *Config) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("server: store must not be nil")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("server: sync engine must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}

	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if cfg.Registry != nil {
		reg = cfg.Registry
		gatherer = cfg.Registry
	}

	s := &Server{
		store:    deps.Store,
		engine:   deps.Engine,
		searcher: deps.Searcher,
		usage:    deps.Usage,
		cfg:      cfg,
		log:      log,
		pingers:  cfg.Pingers,
		metrics:  newServerMetrics(reg),
	}

	rl, stopRL := newRateLimiter(cfg.RateLimit, cfg.RateBurst, log)
	s.stopRL = stopRL

	api := http.NewServeMux()
	api.Handle("POST /api/records", s.instrument("records_create", s.handleRecordCreate))
	api.Handle("PUT /api/records/{id}", s.instrument("records_update", s.handleRecordUpdate))
	api.Handle("DELETE /api/records/{id}", s.instrument("records_delete", s.handleRecordDelete))
	api.Handle("GET /api/records", s.instrument("records_list", s.handleRecordList))
	api.Handle("POST /api/search", s.instrument("search", s.handleSearch))
	api.Handle("POST /api/admin/resync", s.instrument("admin_resync", s.handleResync))
	api.Handle("POST /api/admin/purge", s.instrument("admin_purge", s.handlePurge))
	api.Handle("GET /api/rerank/usage", s.instrument("rerank_usage", s.handleRerankUsage))
	api.HandleFunc("GET /api/health", s.handleHealth)
	api.HandleFunc("GET /api/ready", s.handleReady)

	mux := http.NewServeMux()
	mux.Handle("/api/", rl.middleware(api))
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(log, mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		fmt.Printf("kbsearch server listening on http://%s\n", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.stopRL()
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		s.stopRL()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		// Drain any in-flight background sync triggers before returning.
		s.engine.Close()
		return nil
	}
}

// Handler returns the server's root handler, for tests that drive the
// mux without a listening socket.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
