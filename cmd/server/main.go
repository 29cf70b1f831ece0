/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the rollup engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Initialize logger
  3. Initialize store (SQLite or memory)
  4. Build engine with Prometheus observer and optional AMQP publisher
  5. Start reconciliation scheduler
  6. Configure HTTP router and serve

COMMAND-LINE FLAGS (override the environment):
  -port    HTTP server port (PORT, default: 8080)
  -db      SQLite database path (SQLITE_DB_PATH, default: rollup.db)
           Use ":memory:" for an in-memory SQLite database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, close the publisher and the store
  4. Exit

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/rollup-engine/api"
	"github.com/warp/rollup-engine/config"
	"github.com/warp/rollup-engine/events/amqp"
	"github.com/warp/rollup-engine/log"
	"github.com/warp/rollup-engine/metrics"
	"github.com/warp/rollup-engine/rollup"
	memstore "github.com/warp/rollup-engine/rollup/store"
	"github.com/warp/rollup-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.New(log.DefaultConfig()).Error("Failed to load configuration", log.FieldError, err)
		os.Exit(1)
	}

	// Flags
	flag.StringVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flag.StringVar(&cfg.SQLiteDBPath, "db", cfg.SQLiteDBPath, "SQLite database path")
	flag.Parse()

	logger := log.New(log.Config{
		Level:     log.ParseLevel(cfg.LogLevel),
		Component: log.ComponentApp,
		JSON:      cfg.LogFormat == "json",
		Output:    os.Stdout,
	})
	log.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", log.FieldError, err)
		os.Exit(1)
	}

	// Initialize store
	backend, closeStore, err := openBackend(cfg)
	if err != nil {
		logger.WithComponent(log.ComponentStorage).Error("Failed to initialize store", log.FieldError, err, "backend", cfg.DataBackend)
		os.Exit(1)
	}
	defer closeStore()
	logger.WithComponent(log.ComponentStorage).Info("Store ready", "backend", cfg.DataBackend)

	// Engine
	m := metrics.New(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	engine := rollup.NewEngine(backend)
	engine.MaxRetries = cfg.MaxRetries
	engine.Parallelism = cfg.Parallelism
	engine.Observer = m

	if cfg.AMQPURL != "" {
		publisher, err := amqp.Dial(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			logger.WithComponent(log.ComponentEvents).Warn("Change notifications disabled", log.FieldError, err)
		} else {
			defer publisher.Close()
			engine.Publisher = publisher
			logger.WithComponent(log.ComponentEvents).Info("Publishing changes", "exchange", cfg.AMQPExchange)
		}
	}

	// Scheduler
	scheduler := api.NewReconciliationScheduler(engine, backend, logger)
	scheduler.CheckInterval = cfg.ReconcileInterval
	scheduler.Enabled = cfg.ReconcileEnabled
	scheduler.Start()
	defer scheduler.Stop()

	// Router
	handler := api.NewHandler(engine, backend, scheduler)
	router := api.NewRouter(handler, api.RouterConfig{
		Logger:      logger,
		Metrics:     m,
		CORSOrigins: cfg.CORSOrigins,
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("Server failed", log.FieldError, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", log.FieldError, err)
	}
	logger.Info("Server stopped")
}

// openBackend returns the configured store and its close function.
func openBackend(cfg *config.Config) (api.Backend, func(), error) {
	switch cfg.DataBackend {
	case config.BackendMemory:
		return memstore.NewTxMemory(), func() {}, nil
	default:
		store, err := sqlite.New(cfg.SQLiteDBPath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
}
