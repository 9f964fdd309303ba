// Package api exposes the reconciliation ledger and pipeline over REST,
// consumed by the controlling dashboard.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/dealer-analytics/recon-cli/internal/apply"
	"github.com/dealer-analytics/recon-cli/internal/audit"
	"github.com/dealer-analytics/recon-cli/internal/config"
	"github.com/dealer-analytics/recon-cli/internal/db"
	"github.com/dealer-analytics/recon-cli/internal/report"
	"github.com/dealer-analytics/recon-cli/internal/session"
)

// Runner starts a full processing session on behalf of an API caller.
type Runner interface {
	Run(ctx context.Context, opts session.RunOpts) (*session.Result, error)
}

// Server holds the API dependencies.
type Server struct {
	pool    db.Pool
	query   *audit.Query
	applier *apply.Applier
	runner  Runner
	writer  *report.Writer
	cfg     config.ServerConfig
	log     *zap.Logger
}

// NewServer creates the API server.
func NewServer(pool db.Pool, query *audit.Query, applier *apply.Applier, runner Runner, writer *report.Writer, cfg config.ServerConfig) *Server {
	return &Server{
		pool:    pool,
		query:   query,
		applier: applier,
		runner:  runner,
		writer:  writer,
		cfg:     cfg,
		log:     zap.L().With(zap.String("component", "api")),
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/api/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/divergences", s.handleListDivergences)
		r.Get("/divergences/{id}", s.handleGetDivergence)
		r.Get("/audit/operations", s.handleListOperations)
		r.Get("/audit/sessions", s.handleListSessions)
		r.Get("/metrics/summary", s.handleMetrics)
		r.Get("/reports/divergences/export", s.handleExport)

		// Mutating routes share a token-bucket limiter.
		r.Group(func(r chi.Router) {
			r.Use(s.writeLimiter())
			r.Post("/divergences/process", s.handleProcess)
			r.Post("/divergences/approve", s.handleApprove)
			r.Post("/divergences/{id}/reject", s.handleReject)
		})
	})

	return r
}

// ListenAndServe runs the server until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", zap.Int("port", s.cfg.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
