// Package api wires together all HTTP routes for the sandbox gateway.
//
// Route grouping:
//   - /health, /ready, /version are unauthenticated probes.
//   - /api/admin/* requires the process-wide admin secret; these routes manage
//     users and their API keys and never resolve a per-user principal.
//   - /api/me/*, /api/sandboxes/* and /proxy/* require a tenant API key;
//     resource routes carrying a :name additionally pass the ownership gate.
//   - /metrics is not registered here at all — it is served on a separate
//     listener (cmd/server) so operational scraping never competes with, or
//     is exposed to, tenant traffic.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/sandbox-gateway/sandbox-gateway/internal/api/account"
	"github.com/sandbox-gateway/sandbox-gateway/internal/api/admin"
	"github.com/sandbox-gateway/sandbox-gateway/internal/api/relay"
	"github.com/sandbox-gateway/sandbox-gateway/internal/api/sandboxes"
	"github.com/sandbox-gateway/sandbox-gateway/internal/audit"
	"github.com/sandbox-gateway/sandbox-gateway/internal/config"
	"github.com/sandbox-gateway/sandbox-gateway/internal/db/repositories"
	"github.com/sandbox-gateway/sandbox-gateway/internal/jobs"
	"github.com/sandbox-gateway/sandbox-gateway/internal/middleware"
	"github.com/sandbox-gateway/sandbox-gateway/internal/orchestrator"
	"github.com/sandbox-gateway/sandbox-gateway/internal/sandbox"
	"github.com/sandbox-gateway/sandbox-gateway/internal/storage"

	// Import storage backends to register them
	_ "github.com/sandbox-gateway/sandbox-gateway/internal/storage/azure"
	_ "github.com/sandbox-gateway/sandbox-gateway/internal/storage/gcs"
	_ "github.com/sandbox-gateway/sandbox-gateway/internal/storage/local"
	_ "github.com/sandbox-gateway/sandbox-gateway/internal/storage/s3"
)

// BackgroundServices holds references to background goroutines and resources
// that must be stopped during graceful shutdown. The caller (cmd/server) is
// responsible for calling Shutdown() after the HTTP server has drained.
type BackgroundServices struct {
	reconciler     *jobs.Reconciler
	reconcilerStop context.CancelFunc
	rateLimiter    *middleware.RateLimiter
	recorder       *audit.Recorder
}

// Shutdown stops all background goroutines and flushes the audit shipper.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.reconciler != nil {
		bg.reconciler.Stop()
		bg.reconcilerStop()
	}
	if bg.rateLimiter != nil {
		bg.rateLimiter.Stop()
	}
	if bg.recorder != nil {
		if err := bg.recorder.Close(); err != nil {
			slog.Warn("audit shipper close failed", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router. The orchestrator client is
// injected so tests can run the full routing stack against the in-memory
// fake.
func NewRouter(cfg *config.Config, db *sql.DB, orch orchestrator.Client) (*gin.Engine, *BackgroundServices) {
	router := gin.New()

	// Initialize storage backend
	storageBackend, err := storage.NewStorage(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage backend: %v", err)
	}
	log.Printf("Initialized storage backend: %s", cfg.Storage.Backend)

	// Initialize repositories
	apiKeyRepo := repositories.NewAPIKeyRepository(db)
	auditRepo := repositories.NewAuditRepository(db)

	// The sandbox repository scans rows with sqlx.
	sqlxDB := sqlx.NewDb(db, "postgres")
	sandboxRepo := repositories.NewSandboxRepository(sqlxDB)

	// Audit recorder with optional file/webhook shipping
	shipper, err := audit.NewShipperFromConfig(&cfg.Audit)
	if err != nil {
		log.Fatalf("Failed to initialize audit shipper: %v", err)
	}
	recorder := audit.NewRecorder(auditRepo, shipper, slog.Default())

	// Lifecycle manager
	manager := sandbox.NewManager(sandboxRepo, orch, storageBackend, cfg, slog.Default())

	bg := &BackgroundServices{recorder: recorder}

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
		router.Use(middleware.RateLimitMiddleware(limiter))
		bg.rateLimiter = limiter
	}

	// Probes
	router.GET("/health", healthCheckHandler(db))
	router.GET("/ready", readinessHandler(db, storageBackend))
	router.GET("/version", versionHandler())

	// Admin surface: guarded by the process-wide admin secret.
	userHandlers := admin.NewUserHandlers(cfg, db, recorder)
	adminKeyHandlers := admin.NewAPIKeyHandlers(cfg, db, recorder)
	adminGroup := router.Group("/api/admin")
	adminGroup.Use(middleware.AdminMiddleware(cfg))
	{
		adminGroup.POST("/users", userHandlers.CreateUserHandler())
		adminGroup.GET("/users", userHandlers.ListUsersHandler())
		adminGroup.GET("/users/:id", userHandlers.GetUserHandler())
		adminGroup.PUT("/users/:id", userHandlers.UpdateUserHandler())
		adminGroup.DELETE("/users/:id", userHandlers.DeleteUserHandler())
		adminGroup.POST("/users/:id/apikeys", adminKeyHandlers.CreateAPIKeyHandler())
		adminGroup.GET("/users/:id/apikeys", adminKeyHandlers.ListAPIKeysHandler())
		adminGroup.DELETE("/users/:id/apikeys/:keyId", adminKeyHandlers.RevokeAPIKeyHandler())
		adminGroup.DELETE("/users/:id/apikeys/:keyId/purge", adminKeyHandlers.PurgeAPIKeyHandler())
	}

	// Tenant surface: guarded by per-user API keys.
	authRequired := middleware.AuthMiddleware(cfg, apiKeyRepo, recorder)
	ownership := middleware.RequireSandboxOwnership(sandboxRepo)
	ownershipDelete := middleware.RequireSandboxOwnershipForDelete(sandboxRepo)

	accountHandlers := account.NewHandlers(cfg, db, recorder)
	meGroup := router.Group("/api/me")
	meGroup.Use(authRequired)
	{
		meGroup.GET("", accountHandlers.MeHandler())
		meGroup.POST("/apikeys", accountHandlers.CreateKeyHandler())
		meGroup.GET("/apikeys", accountHandlers.ListKeysHandler())
		meGroup.DELETE("/apikeys/:id", accountHandlers.RevokeKeyHandler())
	}

	sandboxHandlers := sandboxes.NewHandlers(manager, recorder)
	sbGroup := router.Group("/api/sandboxes")
	sbGroup.Use(authRequired)
	{
		sbGroup.GET("", sandboxHandlers.ListHandler())
		sbGroup.POST("", sandboxHandlers.CreateHandler())
		sbGroup.GET("/:name", ownership, sandboxHandlers.GetHandler())
		sbGroup.DELETE("/:name", ownershipDelete, sandboxHandlers.DeleteHandler())
		sbGroup.POST("/:name/pause", ownership, sandboxHandlers.PauseHandler())
		sbGroup.POST("/:name/resume", ownership, sandboxHandlers.ResumeHandler())
	}

	relayHandler := relay.NewHandler(sandboxRepo, orch, cfg)
	proxyGroup := router.Group("/proxy")
	proxyGroup.Use(authRequired)
	{
		proxyGroup.Any("/:name/*path", ownership, relayHandler.ProxyHandler())
	}

	// Reconciliation sweep, disabled by default.
	if cfg.Jobs.ReconcilerEnabled {
		reconciler := jobs.NewReconciler(sandboxRepo, orch, cfg.Jobs.ReconcilerInterval, slog.Default())
		ctx, cancel := context.WithCancel(context.Background())
		go reconciler.Start(ctx)
		bg.reconciler = reconciler
		bg.reconcilerStop = cancel
	}

	return router, bg
}

// LoggerMiddleware provides structured logging
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		requestID, _ := c.Get(middleware.RequestIDKey)
		slog.LogAttrs(
			c.Request.Context(),
			slog.LevelInfo,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", latency),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", fmt.Sprintf("%v", requestID)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.CORS.AllowedOrigins {
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
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
