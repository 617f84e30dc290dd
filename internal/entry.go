// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/starford/ansuz/internal/api"
	"github.com/starford/ansuz/internal/fileservice"
	"github.com/starford/ansuz/internal/index"
	"github.com/starford/ansuz/internal/indexer"
	"github.com/starford/ansuz/internal/mcpserver"
	"github.com/starford/ansuz/internal/metrics"
	"github.com/starford/ansuz/internal/sse"
	"github.com/starford/ansuz/internal/storage"
)

// stack is the set of long-lived components shared by both run modes.
type stack struct {
	logger  *slog.Logger
	db      *index.DB
	broker  *sse.Broker
	indexer *indexer.Service
	files   *fileservice.Service
}

func newApplication(opts []Option) (*application, error) {
	app := &application{version: "dev"}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

// build opens the index and wires the pipeline. The indexer is created but
// not initialized.
func (app *application) build(out io.Writer) (*stack, error) {
	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("index_root", cfg.Index.Root),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.Int("max_concurrent_checksums", cfg.Checksum.Workers()),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Ensure index root exists.
	if err := os.MkdirAll(cfg.Index.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create index root: %w", err)
	}

	store, err := storage.NewFS(cfg.Index.Root)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	db, err := index.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("init index: %w", err)
	}

	metrics.InitializeMetrics()

	broker := sse.NewBroker(time.Duration(cfg.Index.ProgressThrottleMS)*time.Millisecond, logger)
	gateway := index.NewGateway(db, index.DefaultRetryConfig(), logger)
	idx := indexer.NewService(gateway, broker, cfg.Indexer(), logger)

	return &stack{
		logger:  logger,
		db:      db,
		broker:  broker,
		indexer: idx,
		files:   fileservice.NewService(store, idx, logger),
	}, nil
}

// close releases everything in reverse start order.
func (s *stack) close() {
	s.files.Close()
	s.indexer.Shutdown()
	s.broker.Close()
	if err := s.db.Close(); err != nil {
		s.logger.Error("index close error", slog.String("error", err.Error()))
	}
}

// Run starts the HTTP application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	out := app.logOut
	if out == nil {
		out = os.Stdout
	}
	st, err := app.build(out)
	if err != nil {
		return err
	}
	defer st.close()

	cfg := app.config
	logger := st.logger

	apiRouter := api.NewRouter(st.files, cfg.Auth.AuthEnabled(), cfg.Auth.Token, st.broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !st.indexer.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"scanning"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gCtx)
	defer cancel()

	// Initial scan, then live indexing.
	g.Go(func() error {
		if err := st.indexer.Initialize(runCtx, cfg.Index.Root); err != nil {
			if runCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("indexer init: %w", err)
		}
		return nil
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}
		cancel()

		logger.Info("Shutting down server...")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		// Streaming SSE clients never finish on their own.
		st.broker.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP indexes the configured root and serves the MCP tools on stdio
// until stdin closes or ctx is cancelled.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	out := app.logOut
	if out == nil {
		out = os.Stderr
	}
	st, err := app.build(out)
	if err != nil {
		return err
	}
	defer st.close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.indexer.Initialize(ctx, app.config.Index.Root); err != nil {
		return fmt.Errorf("indexer init: %w", err)
	}

	srv := mcpserver.New(st.files, app.version)
	done := make(chan error, 1)
	go func() { done <- srv.ServeStdio() }()

	st.logger.Info("MCP server listening on stdio")
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return nil
	}
}
