// Package main is the entry point for the audit log server binary.
// It dispatches its subcommands (serve, migrate, schema, export, token and version)
// via a switch on os.Args so the binary's full CLI surface is readable in one place.
// The serve command applies pending migrations on startup when database.auto_migrate
// is set, so freshly deployed containers never need a separate migration step.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/auditlogs/auditlogs/internal/api"
	"github.com/auditlogs/auditlogs/internal/auth"
	"github.com/auditlogs/auditlogs/internal/config"
	"github.com/auditlogs/auditlogs/internal/db"
	"github.com/auditlogs/auditlogs/internal/db/repositories"
	"github.com/auditlogs/auditlogs/internal/db/schema"
	"github.com/auditlogs/auditlogs/internal/jobs"
	"github.com/auditlogs/auditlogs/internal/safego"
	"github.com/auditlogs/auditlogs/internal/telemetry"

	// Archive storage backends register themselves with the storage factory.
	_ "github.com/auditlogs/auditlogs/internal/storage/azure"
	_ "github.com/auditlogs/auditlogs/internal/storage/gcs"
	_ "github.com/auditlogs/auditlogs/internal/storage/local"
	_ "github.com/auditlogs/auditlogs/internal/storage/s3"
)

const usage = `usage: %s <command>

commands:
  serve                         run the HTTP API (default)
  migrate <up|down>             apply or roll back the versioned migrations
  schema <apply|revert>         create or drop the tables; revert -with-users also drops users
  export -from T -to T [-o F]   write entries created in [from, to] as NDJSON
  token -user ID [-scopes S]    issue a bearer token for a users.id
  version                       print the version
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run(args []string) error {
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	if command == "version" {
		fmt.Printf("auditlogs %s\n", api.Version)
		return nil
	}
	if command == "help" || command == "-h" || command == "--help" {
		fmt.Printf(usage, os.Args[0])
		return nil
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	switch command {
	case "serve":
		return serve(cfg, configPath)
	case "migrate":
		if len(args) < 1 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, args[0])
	case "schema":
		if len(args) < 1 {
			return fmt.Errorf("usage: %s schema <apply|revert [-with-users]>", os.Args[0])
		}
		return runSchema(cfg, args[0], args[1:])
	case "export":
		return runExport(cfg, args)
	case "token":
		return runToken(cfg, args)
	default:
		return fmt.Errorf("unknown command: %s\n"+usage, command, os.Args[0])
	}
}

func connect(cfg *config.Config) (*sqlx.DB, error) {
	database, err := db.Connect(cfg.Database.Driver, cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return sqlx.NewDb(database, cfg.Database.Driver), nil
}

func serve(cfg *config.Config, configPath string) error {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Only the log level is applied live; every other setting needs a restart.
	if configPath != "" {
		if err := config.Watch(configPath, func(next *config.Config) {
			telemetry.SetLevel(next.Logging.Level)
		}); err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		}
	}

	slog.Info("connecting to database",
		"driver", cfg.Database.Driver,
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"user", cfg.Database.User,
		"dbname", cfg.Database.Name,
		"sslmode", cfg.Database.SSLMode)

	sqlxDB, err := connect(cfg)
	if err != nil {
		return err
	}
	database := sqlxDB.DB
	defer database.Close()
	slog.Info("connected to database")

	ctx, stopCollector := context.WithCancel(context.Background())
	defer stopCollector()
	telemetry.StartDBStatsCollector(ctx, database)

	if cfg.Database.AutoMigrate {
		slog.Info("running database migrations")
		if err := db.RunMigrations(database, "up"); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema version", "version", version, "dirty", dirty)
	}

	// Prometheus metrics are served on a dedicated port so the scrape path stays off
	// the public ingress and out of the rate limiter.
	var metricsServer *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		safego.Go("metrics-server", func() {
			slog.Info("starting Prometheus metrics server", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	router, bgServices, err := api.NewRouter(cfg, database)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	safego.Go("http-server", func() {
		slog.Info("starting server",
			"addr", server.Addr,
			"storage_backend", cfg.Storage.DefaultBackend,
			"auth_enabled", cfg.Auth.Enabled(),
			"tls", cfg.Security.TLS.Enabled)

		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("shutting down server", "signal", sig.String())
	case err := <-serverErr:
		runErr = fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("server forced to shutdown: %w", err)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	// Drains in-flight shipments and stops the retention job and rate limiter
	bgServices.Shutdown()

	slog.Info("server stopped")
	return runErr
}

func runMigrations(cfg *config.Config, direction string) error {
	sqlxDB, err := connect(cfg)
	if err != nil {
		return err
	}
	defer sqlxDB.Close()

	slog.Info("running migrations", "direction", direction)
	if err := db.RunMigrations(sqlxDB.DB, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := db.GetMigrationVersion(sqlxDB.DB)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	slog.Info("migration completed", "version", version, "dirty", dirty)
	return nil
}

// runSchema applies or reverts the table definitions without the migration history.
// Useful for ephemeral databases; long-lived ones should use migrate.
// Revert drops users only when -with-users is passed.
func runSchema(cfg *config.Config, action string, args []string) error {
	fs := flag.NewFlagSet("schema "+action, flag.ContinueOnError)
	withUsers := fs.Bool("with-users", false, "also drop the users table (revert only)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	tables := schema.All()
	switch action {
	case "apply":
	case "revert":
		tables = schema.Reverted(*withUsers)
	default:
		return fmt.Errorf("invalid schema action: %s (must be 'apply' or 'revert')", action)
	}

	sqlxDB, err := connect(cfg)
	if err != nil {
		return err
	}
	defer sqlxDB.Close()

	ctx := context.Background()
	if action == "apply" {
		err = schema.Apply(ctx, sqlxDB.DB, tables...)
	} else {
		err = schema.Revert(ctx, sqlxDB.DB, tables...)
	}
	if err != nil {
		return err
	}
	slog.Info("schema "+action+" completed", "tables", len(tables))
	return nil
}

func runExport(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fromFlag := fs.String("from", "", "start of the range, RFC 3339 (inclusive)")
	toFlag := fs.String("to", "", "end of the range, RFC 3339 (inclusive); defaults to now")
	outFlag := fs.String("o", "-", "output file, - for stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *fromFlag == "" {
		return errors.New("export: -from is required")
	}
	from, err := time.Parse(time.RFC3339Nano, *fromFlag)
	if err != nil {
		return fmt.Errorf("export: invalid -from: %w", err)
	}
	to := time.Now().UTC()
	if *toFlag != "" {
		if to, err = time.Parse(time.RFC3339Nano, *toFlag); err != nil {
			return fmt.Errorf("export: invalid -to: %w", err)
		}
	}

	sqlxDB, err := connect(cfg)
	if err != nil {
		return err
	}
	defer sqlxDB.Close()

	var w io.Writer = os.Stdout
	if *outFlag != "-" {
		f, err := os.Create(*outFlag)
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		defer f.Close()
		w = f
	}

	exporter := jobs.NewExporter(repositories.NewAuditRepository(sqlxDB))
	n, err := exporter.Export(context.Background(), from, to, w)
	if err != nil {
		return err
	}
	slog.Info("export completed", "from", from, "to", to, "entries", n, "output", *outFlag)
	return nil
}

func runToken(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	userFlag := fs.String("user", "", "users.id the token is issued for")
	emailFlag := fs.String("email", "", "email claim (optional)")
	scopesFlag := fs.String("scopes", "", "comma-separated scopes (default audit:read,audit:write)")
	ttlFlag := fs.Duration("ttl", cfg.Auth.TokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	userID, err := strconv.ParseInt(*userFlag, 10, 64)
	if err != nil || userID <= 0 {
		return fmt.Errorf("token: -user must be a positive users.id, got %q", *userFlag)
	}

	issuer, err := auth.NewTokenIssuer(&cfg.Auth)
	if err != nil {
		return err
	}
	var scopes []string
	for _, s := range strings.Split(*scopesFlag, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}

	token, err := issuer.GenerateJWT(userID, *emailFlag, scopes, *ttlFlag)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	fmt.Println(token)
	return nil
}
