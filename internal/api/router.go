package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/thorbis/audit-core/internal/dbpool"
	"github.com/thorbis/audit-core/internal/idempotency"
	"github.com/thorbis/audit-core/internal/middleware"
	"github.com/thorbis/audit-core/internal/ws"
)

// RouterDeps holds all dependencies needed by the router.
type RouterDeps struct {
	Log          *logrus.Logger
	Pool         *dbpool.Pool
	Hub          *ws.Hub
	Recorder     EventRecorder
	Events       EventRepository
	Verifier     ChainVerifier
	Exports      ExportService
	Files        FileStore
	Guard        *idempotency.Guard
	TenantLookup middleware.TenantLookup
	CORSOrigins  []string
	Version      string
}

// Router-level limits.
const (
	maxBodySize = 10 << 20 // 10 MB
	rateLimit   = 100      // requests per second per IP
	rateBurst   = 200      // token bucket burst size

	// Per-tenant budget on authenticated audit routes, tighter than the
	// per-IP layer so one tenant cannot exhaust a shared egress IP's budget.
	tenantRateLimit = 50
	tenantRateBurst = 100
)

// setupMiddleware configures all middleware on the Gin engine.
func setupMiddleware(ctx context.Context, r *gin.Engine, deps *RouterDeps) {
	r.SetTrustedProxies(nil) //nolint:errcheck // nil always succeeds.
	r.Use(middleware.RequestID(deps.Log))
	r.Use(ginLogger(deps.Log))
	r.Use(gin.Recovery())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.MaxBodySize(maxBodySize))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     deps.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Idempotency-Key"},
		ExposeHeaders:    []string{"Idempotency-Replayed"},
		MaxAge:           1 * time.Hour,
		AllowCredentials: false,
	}))
	r.Use(middleware.NewRateLimiter(ctx, rateLimit, rateBurst).Handler())
	r.Use(middleware.PrometheusMiddleware())

	// Metrics endpoint (unauthenticated, like health).
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// registerRoutes sets up all API route handlers on the given router group.
func registerRoutes(ctx context.Context, api *gin.RouterGroup, deps *RouterDeps) {
	log := deps.Log

	health := NewHealthHandler(deps.Pool, log, deps.Version)
	events := NewEventHandler(deps.Recorder, deps.Events, log)
	verify := NewVerifyHandler(deps.Events, deps.Verifier, log)
	exports := NewExportHandler(deps.Exports, deps.Files, log)
	files := NewFileHandler(deps.Files, log)

	// Health and readiness are unauthenticated.
	api.GET("/health", health.Liveness)
	api.GET("/ready", health.Readiness)

	// Signed download URLs are their own credential; the file route stays
	// outside API-key auth so downstream holders can fetch exports.
	api.GET("/audit/files/:name", files.Serve)

	// All other audit routes require authentication.
	audit := api.Group("/audit")
	bfGuard := middleware.NewBruteForceGuard(ctx, log)
	audit.Use(middleware.BruteForceMiddleware(bfGuard))
	audit.Use(middleware.AuthMiddleware(middleware.NewCachedTenantLookup(ctx, deps.TenantLookup), log, bfGuard))
	audit.Use(middleware.NewRateLimiter(ctx, tenantRateLimit, tenantRateBurst).TenantHandler())

	idem := idempotency.Middleware(deps.Guard)

	// Events.
	audit.POST("/events", idem, events.Append)
	audit.GET("/events", events.List)

	// Chain verification.
	audit.POST("/verify", verify.Verify)

	// Exports.
	audit.POST("/exports", idem, exports.Create)
	audit.GET("/exports/:id/status", exports.Status)
	audit.GET("/exports/:id/download", exports.Download)

	// WebSocket stream of export-job status transitions.
	audit.GET("/ws", wsHandler(ctx, log, deps.Hub, deps.CORSOrigins, deps.TenantLookup))
}

// NewRouter creates and configures the Gin engine with all middleware and routes.
func NewRouter(ctx context.Context, deps *RouterDeps) http.Handler {
	r := gin.New()
	setupMiddleware(ctx, r, deps)
	registerRoutes(ctx, r.Group("/api"), deps)

	return r
}
