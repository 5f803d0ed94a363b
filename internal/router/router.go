// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package router provides HTTP routing configuration for the admin surface.
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nessusapi/orchestrator/internal/config"
	"github.com/nessusapi/orchestrator/internal/handler"
	"github.com/nessusapi/orchestrator/internal/middleware"
)

// Router manages HTTP request routing and handler registration.
type Router struct {
	scanHandler      *handler.ScanHandler
	authHandler      *handler.AuthHandler
	sessionValidator middleware.SessionValidator
}

// New creates a new Router instance with the provided handlers.
func New(
	scanHandler *handler.ScanHandler,
	authHandler *handler.AuthHandler,
	sessionValidator middleware.SessionValidator,
) *Router {
	return &Router{
		scanHandler:      scanHandler,
		authHandler:      authHandler,
		sessionValidator: sessionValidator,
	}
}

// Setup initializes the Gin engine with middleware and routes.
// It configures the following middleware in order:
//  1. gin.Logger() - HTTP request logging
//  2. gin.Recovery() - Panic recovery
//  3. CORS - Cross-Origin Resource Sharing
//  4. Auth - OIDC authentication (if enabled)
func (r *Router) Setup(cfg *config.Config) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Logger())
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	engine.Use(middleware.Auth(cfg.OIDC.Enabled, r.sessionValidator))

	// Disable trusted proxy feature for security.
	engine.SetTrustedProxies(nil)

	r.registerRoutes(engine)

	return engine
}

// registerRoutes registers all admin API routes under /api/v1, plus the
// unauthenticated /healthz liveness endpoint.
//
//	GET    /healthz                    - liveness probe
//	GET    /api/v1/auth/login          - redirect to OIDC provider
//	GET    /api/v1/auth/callback       - OIDC callback
//	POST   /api/v1/auth/logout         - clear session
//	GET    /api/v1/auth/userinfo       - current user info
//	POST   /api/v1/scans               - submit a scan
//	GET    /api/v1/scans               - list tasks
//	GET    /api/v1/scans/:id           - scan status
//	GET    /api/v1/scans/:id/results   - results view (NDJSON)
//	GET    /api/v1/scanners            - scanner instance inventory
//	GET    /api/v1/pools               - declared pool names
//	GET    /api/v1/pools/:pool/status  - pool status
//	GET    /api/v1/queue/:pool/status  - queue status
//	GET    /api/v1/queue/:pool/dlq     - dead-letter queue entries
func (r *Router) registerRoutes(engine *gin.Engine) {
	engine.GET("/healthz", r.healthCheck)

	api := engine.Group("/api/v1")
	{
		auth := api.Group("/auth")
		{
			auth.GET("/login", r.authHandler.Login)
			auth.GET("/callback", r.authHandler.Callback)
			auth.POST("/logout", r.authHandler.Logout)
			auth.GET("/userinfo", r.authHandler.UserInfo)
		}

		api.POST("/scans", r.scanHandler.CreateScan)
		api.GET("/scans", r.scanHandler.ListScans)
		api.GET("/scans/:id", r.scanHandler.GetScan)
		api.GET("/scans/:id/results", r.scanHandler.GetScanResults)

		api.GET("/scanners", r.scanHandler.ListScanners)

		api.GET("/pools", r.scanHandler.ListPools)
		api.GET("/pools/:pool/status", r.scanHandler.GetPoolStatus)

		api.GET("/queue/:pool/status", r.scanHandler.GetQueueStatus)
		api.GET("/queue/:pool/dlq", r.scanHandler.GetDLQ)
	}
}

// healthCheck is the liveness probe endpoint.
func (r *Router) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
