/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the fee engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env file, FEES_* environment, flags)
  2. Open the store (SQLite or Postgres)
  3. Create the fee service and API handler
  4. Start the dues scheduler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides FEES_PORT)
  -db      SQLite database path (overrides FEES_DB_PATH)
           Use ":memory:" for in-memory database
  -env     .env file to load (default: .env)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the dues scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/fees.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run against Postgres
  FEES_DB_DRIVER=postgres FEES_DB_DSN="postgres://fees@localhost/fees" ./server

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/fee-engine/api"
	"github.com/warp/fee-engine/config"
	"github.com/warp/fee-engine/fees"
	"github.com/warp/fee-engine/store/postgres"
	"github.com/warp/fee-engine/store/sqlite"
)

type backend interface {
	fees.Backend
	Close() error
}

func main() {
	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	envFile := flag.String("env", ".env", "Optional .env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	loc, err := cfg.Location()
	if err != nil {
		logger.Error("invalid timezone", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize store
	store, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to initialize database", slog.String("driver", cfg.DB.Driver), slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	// Initialize service and handler
	svc := fees.NewService(store, store, logger)
	svc.Location = loc

	handler := api.NewHandler(store, svc, logger)
	handler.YearsBefore = cfg.Window.YearsBefore
	handler.YearsAfter = cfg.Window.YearsAfter

	scheduler := api.NewDuesScheduler(svc, store, logger)
	scheduler.Enabled = cfg.Dues.Enabled
	scheduler.Interval = cfg.Dues.Interval
	scheduler.YearsBefore = cfg.Window.YearsBefore
	scheduler.YearsAfter = cfg.Window.YearsAfter
	handler.Scheduler = scheduler

	router := api.NewRouter(handler, cfg.CORS.Origins)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	scheduler.Start()

	// Start server in goroutine
	go func() {
		logger.Info("server starting",
			slog.String("addr", fmt.Sprintf("http://localhost:%d", cfg.Port)),
			slog.String("db", cfg.DB.Driver),
			slog.String("timezone", loc.String()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", slog.Any("error", err))
	}

	logger.Info("server stopped")
}

func openStore(cfg *config.Config) (backend, error) {
	switch cfg.DB.Driver {
	case "postgres":
		return postgres.Open(cfg.DB.DSN)
	default:
		return sqlite.New(cfg.DB.Path)
	}
}
