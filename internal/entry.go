// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/tessera/internal/api"
	"github.com/starford/tessera/internal/integrity"
	"github.com/starford/tessera/internal/source"
	"github.com/starford/tessera/internal/sse"
)

// Run opens the data directory and serves the HTTP API, the drop-directory
// watcher and the verification sweep until ctx is cancelled or a shutdown
// signal arrives.
func Run(ctx context.Context, opts ...Option) error {
	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	core, err := Open(append(opts, WithEvents(broker))...)
	if err != nil {
		return err
	}
	defer core.Close()

	cfg := core.Config
	logger := core.Logger
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("corpus_id", cfg.Corpus.ID),
		slog.String("corpus_path", cfg.Corpus.Path),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("blob_path", cfg.Blobs.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	apiRouter := api.NewRouter(core.Service, api.Options{
		AuthEnabled: cfg.Auth.AuthEnabled(),
		Token:       cfg.Auth.Token,
		Events:      broker,
		VerifyRate:  cfg.App.HTTP.VerifyRate,
		VerifyBurst: cfg.App.HTTP.VerifyBurst,
		MaxUpload:   cfg.App.HTTP.MaxUpload,
	})

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
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := core.Ready(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", core.Metrics.Handler())

	// Mount API routes under /api; /api/events is served by the broker.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Drop-directory watcher: every settled .eml file is ingested.
	if cfg.Corpus.Watch {
		g.Go(func() error {
			err := source.Watch(gCtx, cfg.Corpus.Path, logger, func(path string) {
				rep, err := core.Service.IngestFiles(gCtx, []string{path})
				if err != nil {
					logger.Error("watch ingest failed", slog.String("path", path), slog.String("error", err.Error()))
					return
				}
				logger.Info("watch ingest", slog.String("path", path), slog.String("run_id", rep.RunID),
					slog.Any("counts", rep.Counts))
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("watcher: %w", err)
			}
			return nil
		})
	}

	// Scheduled verification sweep.
	if cfg.Integrity.Sweep {
		g.Go(func() error {
			err := core.Integrity.RunSchedule(gCtx, cfg.Integrity.SweepCron, func(rep *integrity.SweepReport) {
				broker.PublishDecision(sse.TypeSweep, cfg.Corpus.ID, rep)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("sweep: %w", err)
			}
			return nil
		})
	}

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

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group's context so the watcher and the sweep stop
// with the server.
var errShutdown = errors.New("shutdown")
