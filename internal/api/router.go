// Package api wires together all HTTP routes for the audit log service.
//
// Route grouping:
//   - /health, /ready and /version are unauthenticated so that load balancers and
//     orchestrators can probe the process without credentials.
//   - Everything under /api/v1/ goes through bearer-token authentication when
//     auth.jwt_secret is configured, and each route then requires a token scope:
//     audit:write to ingest, audit:read for trails, audit:export for bulk export,
//     users:read or users:write for user management.
//   - Only the ingest route is rate limited; reads are bounded by pagination instead.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/auditlogs/auditlogs/internal/audit"
	"github.com/auditlogs/auditlogs/internal/auth"
	"github.com/auditlogs/auditlogs/internal/config"
	"github.com/auditlogs/auditlogs/internal/db/repositories"
	"github.com/auditlogs/auditlogs/internal/jobs"
	"github.com/auditlogs/auditlogs/internal/middleware"
	"github.com/auditlogs/auditlogs/internal/safego"
	"github.com/auditlogs/auditlogs/internal/storage"
)

// Version is reported by /version and the version subcommand; set at build time with -ldflags.
var Version = "dev"

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	recorder     *audit.Recorder
	retentionJob *jobs.RetentionJob
	stopLimiter  func()
	archive      storage.Storage
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.retentionJob != nil {
		bg.retentionJob.Stop()
	}
	if bg.recorder != nil {
		if err := bg.recorder.Close(); err != nil {
			slog.Warn("failed to close audit shippers", "error", err)
		}
	}
	if bg.stopLimiter != nil {
		bg.stopLimiter()
	}
	if closer, ok := bg.archive.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			slog.Warn("failed to close archive storage", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// Deps are the collaborators the routes are built from
type Deps struct {
	DB        *sql.DB
	Audit     *repositories.AuditRepository
	Users     *repositories.UserRepository
	Retention *repositories.RetentionRepository
	Recorder  *audit.Recorder
	Exporter  *jobs.Exporter
	// Archive is the retention archive backend; nil skips the readiness probe
	Archive storage.Storage
	// Limiter guards the ingest route; nil disables rate limiting
	Limiter middleware.Limiter
	// Tokens validates bearer tokens; nil disables authentication
	Tokens middleware.TokenValidator
}

// NewRouter builds every collaborator from cfg and db, starts the background jobs
// and returns the configured router.
func NewRouter(cfg *config.Config, db *sql.DB) (*gin.Engine, *BackgroundServices, error) {
	bg := &BackgroundServices{}

	archive, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	bg.archive = archive
	slog.Info("initialized storage backend", "backend", cfg.Storage.DefaultBackend)

	// The audit store scans rows with sqlx; the remaining repositories use database/sql.
	auditRepo := repositories.NewAuditRepository(sqlx.NewDb(db, cfg.Database.Driver))
	retentionRepo := repositories.NewRetentionRepository(db)

	var shipper audit.Shipper
	shipperConfigs := audit.ShipperConfigs(cfg.Audit.Shippers)
	if len(shipperConfigs) > 0 {
		ms, err := audit.NewMultiShipper(shipperConfigs)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize audit shippers: %w", err)
		}
		shipper = ms
		slog.Info("audit shipping enabled", "shippers", ms.Len())
	}
	recorder := audit.NewRecorder(auditRepo, shipper)
	bg.recorder = recorder

	exporter := jobs.NewExporter(auditRepo)

	if cfg.Audit.Retention.Enabled {
		job := jobs.NewRetentionJob(exporter, retentionRepo, archive, &cfg.Audit.Retention)
		bg.retentionJob = job
		safego.Go("retention-job", func() { job.Start(context.Background()) })
	}

	deps := Deps{
		DB:        db,
		Audit:     auditRepo,
		Users:     repositories.NewUserRepository(db),
		Retention: retentionRepo,
		Recorder:  recorder,
		Exporter:  exporter,
		Archive:   archive,
	}

	if cfg.Security.RateLimiting.Enabled {
		limiter, stop, err := middleware.NewLimiter(&cfg.Security.RateLimiting)
		if err != nil {
			bg.Shutdown()
			return nil, nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
		}
		deps.Limiter = limiter
		bg.stopLimiter = stop
	}

	if cfg.Auth.Enabled() {
		issuer, err := auth.NewTokenIssuer(&cfg.Auth)
		if err != nil {
			bg.Shutdown()
			return nil, nil, fmt.Errorf("failed to initialize token validation: %w", err)
		}
		deps.Tokens = issuer
	} else {
		slog.Warn("auth.jwt_secret is not set; API requests are not authenticated")
	}

	return newEngine(cfg, deps), bg, nil
}

// newEngine registers middleware and routes on a fresh engine
func newEngine(cfg *config.Config, deps Deps) *gin.Engine {
	router := gin.New()
	// ClientIP feeds the rate-limit key and the recorded ip_address
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		slog.Error("invalid trusted proxies, trusting none", "error", err)
		_ = router.SetTrustedProxies(nil)
	}

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))

	router.GET("/health", healthCheckHandler(deps.DB))
	router.GET("/ready", readinessHandler(deps.DB, deps.Archive))
	router.GET("/version", versionHandler())

	v1 := router.Group("/api/v1")
	v1.Use(middleware.AuthMiddleware(deps.Tokens))

	h := NewAuditLogHandlers(cfg, deps.Audit, deps.Recorder, deps.Exporter, deps.Retention)

	read := middleware.RequireScope(auth.ScopeAuditRead)

	ingest := []gin.HandlerFunc{middleware.RequireScope(auth.ScopeAuditWrite)}
	if deps.Limiter != nil {
		ingest = append(ingest, middleware.RateLimitMiddleware(deps.Limiter))
	}
	ingest = append(ingest, h.RecordHandler())

	logs := v1.Group("/audit-logs")
	{
		logs.POST("", ingest...)
		logs.GET("", read, h.ListHandler())
		logs.GET("/export", middleware.RequireScope(auth.ScopeAuditExport), h.ExportHandler())
		logs.GET("/stats", read, h.StatsHandler())
		logs.GET("/:id", read, h.GetHandler())
	}

	users := NewUserHandlers(deps.Users)
	v1.POST("/users", middleware.RequireScope(auth.ScopeUsersWrite), users.CreateUserHandler())
	v1.GET("/users/:id", middleware.RequireScope(auth.ScopeUsersRead), users.GetUserHandler())
	v1.DELETE("/users/:id", middleware.RequireScope(auth.ScopeUsersWrite), users.DeleteUserHandler())

	v1.GET("/users/:id/audit-logs", read, h.UserTrailHandler())
	v1.GET("/records/:table/:record_id/audit-logs", read, h.RecordTrailHandler())
	v1.GET("/events/:event_type/audit-logs", read, h.EventTrailHandler())

	return router
}

// healthCheckHandler reports liveness, failing when the database is unreachable
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler checks the database and, when configured, the archive backend
func readinessHandler(db *sql.DB, archive storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		// Probe with a known-absent path: Exists exercises credentials and
		// connectivity without creating any state.
		if archive != nil {
			if _, err := archive.Exists(c.Request.Context(), ".readiness-probe"); err != nil {
				checks["storage"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "storage backend not ready",
				})
				return
			}
			checks["storage"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware provides structured logging
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logRequest(c, time.Since(start), path, query)
	}
}

// logRequest emits one record per request; the handler installed by
// telemetry.SetupLogger decides between JSON and text output.
func logRequest(c *gin.Context, latency time.Duration, path, query string) {
	level := slog.LevelInfo
	if c.Writer.Status() >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.LogAttrs(
		c.Request.Context(),
		level,
		"http request",
		slog.String("method", c.Request.Method),
		slog.String("path", path),
		slog.String("query", query),
		slog.Int("status", c.Writer.Status()),
		slog.Int("size", c.Writer.Size()),
		slog.Duration("latency", latency),
		slog.String("ip", c.ClientIP()),
		slog.String("request_id", c.GetString(middleware.RequestIDKey)),
		slog.String("user_agent", c.Request.UserAgent()),
	)
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, Retry-After")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
