package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/copyleftdev/qlab/internal/archive"
	"github.com/copyleftdev/qlab/internal/config"
	laberrors "github.com/copyleftdev/qlab/internal/errors"
	"github.com/copyleftdev/qlab/internal/lab"
	"github.com/copyleftdev/qlab/internal/logging"
	"github.com/copyleftdev/qlab/internal/metrics"
	"github.com/copyleftdev/qlab/internal/server"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LoggingConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	serviceLogger := logger.WithFields(map[string]interface{}{
		"service": "qlab",
		"env":     cfg.Environment,
	})

	if err := run(cfg, serviceLogger); err != nil {
		serviceLogger.Error("Server exited with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	serviceLogger.Info("server exited properly")
}

func run(cfg *config.Config, logger *logging.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts := []server.Option{server.WithMetrics(metrics.New(reg))}

	presets, err := loadPresets(cfg.Lab.PresetsFile, logger)
	if err != nil {
		return err
	}
	opts = append(opts, server.WithPresets(presets))

	if cfg.Database.Enabled {
		if dir := filepath.Dir(cfg.Database.DSN); dir != "." && cfg.Database.DSN != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return laberrors.Wrapf(err, "creating archive directory %s", dir)
			}
		}
		store, err := archive.Open(cfg.Database.DSN, archive.WithMaxIdleConns(cfg.Database.MaxConns))
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, server.WithArchive(store))
		logger.Info("Run archive enabled", map[string]interface{}{"dsn": cfg.Database.DSN})
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(logger))
	r.Use(laberrors.RecoveryMiddleware(logger))
	r.Use(laberrors.ErrorHandler(logger))
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if l := logging.FromContext(r.Context()); l != nil {
			l.Debug("Health check")
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := server.NewServer(cfg, logger, opts...)
	srv.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server", map[string]interface{}{
			"address":  httpServer.Addr,
			"max_runs": cfg.Lab.MaxRuns,
			"presets":  len(presets),
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		if err != nil {
			return laberrors.Wrap(err, "failed to start server")
		}
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", map[string]interface{}{"error": err.Error()})
	}

	// Runs stop between steps and are archived before Close returns.
	if err := srv.Close(); err != nil {
		logger.Error("error closing server resources", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("Server stopped")
	return nil
}

// loadPresets reads the presets file. A missing file means no presets.
func loadPresets(path string, logger *logging.Logger) ([]lab.Experiment, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Warn("Presets file not found", map[string]interface{}{"path": path})
		return nil, nil
	}
	presets, err := lab.LoadExperiments(path)
	if err != nil {
		return nil, err
	}
	for _, p := range presets {
		if _, _, _, err := p.Build(nil); err != nil {
			return nil, laberrors.Wrapf(err, "preset %s", p.Name).WithKind(laberrors.KindConfig)
		}
	}
	return presets, nil
}
