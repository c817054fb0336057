// Package server exposes the manifest registry over HTTP: publish,
// resolve, capability query, and graph traversal, behind API-key
// authentication and a per-IP rate limit.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kneelinghorse/semantext-hub/pkg/catalog"
	"github.com/kneelinghorse/semantext-hub/pkg/graph"
	"github.com/kneelinghorse/semantext-hub/pkg/lifecycle"
	"github.com/kneelinghorse/semantext-hub/pkg/logger"
	"github.com/kneelinghorse/semantext-hub/pkg/oplock"
	"github.com/kneelinghorse/semantext-hub/pkg/orchestrator"
	"github.com/kneelinghorse/semantext-hub/pkg/persist"
	"github.com/kneelinghorse/semantext-hub/pkg/pipeline"
	"github.com/kneelinghorse/semantext-hub/pkg/provenance"
	"github.com/kneelinghorse/semantext-hub/pkg/storage"
	"github.com/kneelinghorse/semantext-hub/pkg/storage/sqlite"
	"github.com/kneelinghorse/semantext-hub/pkg/telemetry"
	"github.com/kneelinghorse/semantext-hub/pkg/writer"
)

const (
	serviceName    = "semantext-hub"
	serviceVersion = "1.0.0"

	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Server wires the lifecycle, catalog, graph, and storage cores behind the
// HTTP surface.
type Server struct {
	cfg      Config
	files    *persist.Store
	db       storage.RegistryStore
	verifier *provenance.Verifier
	catalog  *catalog.Catalog
	graph    *graph.Graph
	orch     *orchestrator.Orchestrator
	metrics  *telemetry.Metrics
	limiter  *slidingWindow
	router   chi.Router
}

// New builds the full registry stack from cfg, opening the file store and
// the SQLite database and rehydrating the in-memory catalog and graph from
// previously registered manifests.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	files, err := persist.NewStore(persist.Config{BaseDir: cfg.BaseDir})
	if err != nil {
		return nil, fmt.Errorf("opening file store: %w", err)
	}
	db, err := sqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening registry database: %w", err)
	}

	var verifier *provenance.Verifier
	if len(cfg.ProvenanceKeys) > 0 {
		verifier, err = provenance.NewVerifier(cfg.ProvenanceKeys)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	metrics := telemetry.New()
	cat := catalog.New()
	g := graph.New(graph.Config{})
	w := writer.New(cat, g, files, metrics)
	p := pipeline.New(files, oplock.NewRuntime(cfg.Retry), metrics)

	s := &Server{
		cfg:      cfg,
		files:    files,
		db:       db,
		verifier: verifier,
		catalog:  cat,
		graph:    g,
		orch:     orchestrator.New(p, w),
		metrics:  metrics,
		limiter: newSlidingWindow(
			time.Duration(cfg.RateLimit.WindowMS)*time.Millisecond, cfg.RateLimit.Max),
	}

	if err := s.rehydrate(ctx, w); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.router = s.routes()
	return s, nil
}

// rehydrate rebuilds the in-memory catalog and graph from manifests whose
// persisted lifecycle state is REGISTERED.
func (s *Server) rehydrate(ctx context.Context, w *writer.Writer) error {
	ids, err := s.files.List(ctx)
	if err != nil {
		return fmt.Errorf("listing persisted manifests: %w", err)
	}
	for _, id := range ids {
		current, err := s.files.LoadStateWithRecovery(ctx, id)
		if err != nil {
			logger.Warnw("skipping unreadable manifest state",
				"manifest_id", id, "error", err)
			continue
		}
		if current.State.CurrentState != lifecycle.StateRegistered ||
			current.State.Manifest == nil {
			continue
		}
		if _, err := w.Register(ctx, id, current.State.Manifest, nil); err != nil {
			logger.Warnw("failed to rehydrate manifest",
				"manifest_id", id, "urn", current.State.Manifest.URN, "error", err)
		}
	}
	if n := s.catalog.Size(); n > 0 {
		logger.Infof("rehydrated %d registered manifests", n)
	}
	return nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		requestLogger(s.metrics),
		middleware.Recoverer,
		middleware.Timeout(middlewareTimeout),
		noStore,
		corsLoopback,
	)

	r.Get("/.well-known/semantext-hub", s.handleWellKnown)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(
			rateLimit(s.limiter, s.metrics),
			apiKeyAuth(s.cfg.APIKey),
			bodyLimit(s.cfg.JSONLimit),
		)

		r.Get("/registry", s.handleList)
		r.Get("/registry/*", s.handleGet)
		r.Put("/registry/*", s.handlePut)
		r.Delete("/registry/*", s.handleDelete)
		r.Get("/resolve", s.handleResolve)
		r.Post("/query", s.handleQuery)
		r.Get("/graph/tree", s.handleGraphTree)
		r.Get("/graph/consumers", s.handleGraphConsumers)
	})
	return r
}

// Handler returns the root HTTP handler, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases the underlying stores.
func (s *Server) Close() error {
	return s.db.Close()
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully. The caller sets up signal handling.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              s.cfg.Address,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	sweeper := time.NewTicker(time.Duration(s.cfg.RateLimit.WindowMS) * time.Millisecond)
	defer sweeper.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sweeper.C:
				s.limiter.Sweep()
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", s.cfg.Address)
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Infof("server stopped")
	return nil
}
