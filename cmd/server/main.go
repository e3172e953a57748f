/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the studio attendance engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load STUDIO_* environment, then apply command-line flags
  2. Configure zerolog
  3. Open the store (sqlite3 or pgx) and migrate
  4. Load the session catalog and seed missing members
  5. Wire metrics, seat-freed notifications and the engine
  6. Configure HTTP router and start the audit scheduler
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port     HTTP server port (overrides STUDIO_PORT)
  -db       Database DSN (overrides STUDIO_DB_DSN)
            Use ":memory:" for in-memory sqlite
  -catalog  Catalog YAML path (overrides STUDIO_CATALOG_PATH)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the audit scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Wait for pending notification mail
  5. Close database connection

EXAMPLES:
  # Run with file database
  ./server -db="./data/studio.db"

  # Run against Postgres
  STUDIO_DB_DRIVER=pgx STUDIO_DB_DSN=postgres://studio@localhost/studio ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlstore/sqlstore.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/warp/studio-engine/api"
	"github.com/warp/studio-engine/catalog"
	"github.com/warp/studio-engine/config"
	"github.com/warp/studio-engine/logging"
	"github.com/warp/studio-engine/metrics"
	"github.com/warp/studio-engine/notify"
	"github.com/warp/studio-engine/store/sqlstore"
	"github.com/warp/studio-engine/studio"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dsn := flag.String("db", cfg.DBDSN, "Database DSN")
	catalogPath := flag.String("catalog", cfg.CatalogPath, "Session catalog YAML")
	flag.Parse()

	logger := logging.Configure(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	// Initialize store
	store, err := sqlstore.Connect(cfg.DBDriver, *dsn)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("failed to initialize database")
	}
	defer store.Close()

	// Catalog
	cat, err := catalog.Load(*catalogPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *catalogPath).Msg("failed to load catalog")
	}
	seeded, err := cat.Seed(context.Background(), store)
	if err != nil {
		log.Warn().Err(err).Msg("failed to seed members")
	}
	logger.Info().Int("sessions", len(cat.Sessions())).Int("seeded_members", seeded).Msg("catalog loaded")

	// Engine
	recorder := metrics.New()
	mailer := notify.NewSMTPMailer(notify.SMTPConfig{
		Host:      cfg.SMTP.Host,
		Port:      cfg.SMTP.Port,
		Username:  cfg.SMTP.Username,
		Password:  cfg.SMTP.Password,
		FromName:  cfg.SMTP.FromName,
		FromEmail: cfg.SMTP.FromEmail,
	}, logger.With().Str("component", "mailer").Logger())
	dispatcher := notify.NewDispatcher(mailer, logger.With().Str("component", "notify").Logger(), cfg.NotifyConcurrency, cfg.NotifyTimeout)

	engine := studio.NewEngine(store, cat,
		studio.WithObserver(dispatcher),
		studio.WithMetrics(recorder),
		studio.WithLogger(logger.With().Str("component", "engine").Logger()),
	)

	handler := api.NewHandler(engine, store, logger)
	handler.Metrics = recorder

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.CORSOrigins,
		Metrics:        recorder.Handler(),
	})

	scheduler := api.NewAuditScheduler(handler, cfg.AuditInterval)
	scheduler.Start()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().Int("port", *port).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	dispatcher.Wait()

	logger.Info().Msg("server stopped")
}
