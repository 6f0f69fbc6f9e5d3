// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// compression, CORS, security headers, idempotency, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/impulse-backend/internal/config"
	"github.com/tbourn/impulse-backend/internal/domain"
	"github.com/tbourn/impulse-backend/internal/http/handlers"
	"github.com/tbourn/impulse-backend/internal/http/middleware"
	"github.com/tbourn/impulse-backend/internal/repo"
	"github.com/tbourn/impulse-backend/internal/services"
	"github.com/tbourn/impulse-backend/internal/storage"
)

// impulseRepoShim adapts the repository free functions to the
// services.ImpulseRepo interface. This keeps services decoupled from the
// concrete repo package while reusing existing functions.
type impulseRepoShim struct{}

// CreateImpulse proxies repo.CreateImpulse.
func (impulseRepoShim) CreateImpulse(ctx context.Context, db *gorm.DB, imp domain.Impulse, policy domain.LocationPolicy) (*domain.Impulse, error) {
	return repo.CreateImpulse(ctx, db, imp, policy)
}

// FindImpulseByID proxies repo.FindImpulseByID.
func (impulseRepoShim) FindImpulseByID(ctx context.Context, db *gorm.DB, id string) (*domain.Impulse, error) {
	return repo.FindImpulseByID(ctx, db, id)
}

// UpdateImpulse proxies repo.UpdateImpulse.
func (impulseRepoShim) UpdateImpulse(ctx context.Context, db *gorm.DB, id string, patch domain.ImpulsePatch, policy domain.LocationPolicy) (*domain.Impulse, error) {
	return repo.UpdateImpulse(ctx, db, id, patch, policy)
}

// DeleteImpulse proxies repo.DeleteImpulse.
func (impulseRepoShim) DeleteImpulse(ctx context.Context, db *gorm.DB, id string) (*domain.Impulse, error) {
	return repo.DeleteImpulse(ctx, db, id)
}

// ListImpulses proxies repo.ListImpulses.
func (impulseRepoShim) ListImpulses(ctx context.Context, db *gorm.DB) ([]domain.Impulse, error) {
	return repo.ListImpulses(ctx, db)
}

// CountImpulses proxies repo.CountImpulses (pagination support).
func (impulseRepoShim) CountImpulses(ctx context.Context, db *gorm.DB) (int64, error) {
	return repo.CountImpulses(ctx, db)
}

// ListImpulsesPage proxies repo.ListImpulsesPage (pagination support).
func (impulseRepoShim) ListImpulsesPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Impulse, error) {
	return repo.ListImpulsesPage(ctx, db, offset, limit)
}

// cleanupRepoShim adapts the cleanup-task repository to services.CleanupRepo.
type cleanupRepoShim struct{}

func (cleanupRepoShim) EnqueueCleanup(ctx context.Context, db *gorm.DB, kind, target, reason string) (*domain.CleanupTask, error) {
	return repo.EnqueueCleanup(ctx, db, kind, target, reason)
}

func (cleanupRepoShim) DueCleanups(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.CleanupTask, error) {
	return repo.DueCleanups(ctx, db, now, limit)
}

func (cleanupRepoShim) MarkCleanupDone(ctx context.Context, db *gorm.DB, id string, now time.Time) error {
	return repo.MarkCleanupDone(ctx, db, id, now)
}

func (cleanupRepoShim) MarkCleanupFailed(ctx context.Context, db *gorm.DB, id, cause string, next time.Time) error {
	return repo.MarkCleanupFailed(ctx, db, id, cause, next)
}

func (cleanupRepoShim) PendingCleanups(ctx context.Context, db *gorm.DB) (int64, error) {
	return repo.PendingCleanups(ctx, db)
}

// Deps are the process-level dependencies the routes are built from.
type Deps struct {
	DB          *gorm.DB
	Store       storage.Gateway
	Transformer services.Transformer
	Log         zerolog.Logger

	// Registry receives the HTTP and pipeline collectors and backs /metrics.
	// Nil uses the Prometheus default registry.
	Registry *prometheus.Registry
}

// corsHeaders are the request headers browsers may send cross-origin.
var corsHeaders = []string{
	"Origin", "Content-Type", "Accept", "Authorization",
	middleware.HeaderClientID, middleware.HeaderIdempotencyKey, "If-None-Match",
}

// corsExpose are the response headers readable by browser clients.
var corsExpose = []string{
	"X-Request-ID", "Content-Length", "ETag", "Location", "Warning", "Retry-After",
	middleware.HeaderIdempotentReplay,
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine and returns the reconciler backing the admin endpoint, so the caller
// can also run it in the background.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter (uploads are capped at MAX_UPLOAD_BYTES)
//  6. Metrics
//  7. gzip for JSON responses
//  8. Idempotency validator (before rate limiter to allow bypass on replay)
//  9. Rate limiter (per client, writes only, bypass on replay)
//  10. CORS and Security headers
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) *services.Reconciler {
	r.HandleMethodNotAllowed = true
	r.MaxMultipartMemory = 32 << 20

	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if deps.Registry != nil {
		registerer, gatherer = deps.Registry, deps.Registry
	}
	db := deps.DB

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	base := deps.Log
	r.Use(middleware.Logger(middleware.LogOptions{
		Base:      &base,
		SkipPaths: []string{"/health", "/metrics"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit
	r.Use(middleware.MaxBody(cfg.MaxUploadBytes))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.NewHTTPMetrics(registerer).Handler())
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// 7) Compression; uploads are not worth compressing back
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	// 8) Idempotency validation (before rate limiting)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: 200},
		func(ctx context.Context, clientID, scope, key string, now time.Time) (string, bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, clientID, scope, key, now)
			switch {
			case err == nil:
				return rec.ResourceID, true, nil
			case repo.IsNotFound(err):
				return "", false, nil
			default:
				return "", false, err
			}
		},
	))

	// 9) Token-bucket rate limiter per client; reads are not limited
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.ClientID,
		http.MethodPost, http.MethodPatch, http.MethodDelete)
	r.Use(rl.Handler())

	// 10) CORS posture (allow all if none configured) and security headers
	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     corsHeaders,
		ExposeHeaders:    corsExpose,
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.CORS.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", healthHandler(db))

	// Dependency injection: services ← repo/db/storage/transform
	metrics := services.MustNewMetrics(registerer)

	svc := services.NewImpulseService(db, impulseRepoShim{}, cleanupRepoShim{}, deps.Transformer, deps.Store, deps.Log)
	svc.Policy = cfg.LocationPolicy
	svc.TransformTimeout = cfg.Transform.Timeout
	svc.ReconcileOrphans = cfg.Reconcile.Orphans
	svc.Metrics = metrics

	rec := services.NewReconciler(db, impulseRepoShim{}, cleanupRepoShim{}, deps.Store, deps.Log)
	if cfg.Reconcile.Interval > 0 {
		rec.Interval = cfg.Reconcile.Interval
	}
	if cfg.Reconcile.BackoffBase > 0 {
		rec.BackoffBase = cfg.Reconcile.BackoffBase
	}
	if cfg.Reconcile.BackoffMax > 0 {
		rec.BackoffMax = cfg.Reconcile.BackoffMax
	}
	if cfg.Reconcile.BatchSize > 0 {
		rec.BatchSize = cfg.Reconcile.BatchSize
	}
	rec.Metrics = metrics

	h := handlers.New(svc, rec)
	if cfg.IdempotencyTTL > 0 {
		h.IdempotencyTTL = cfg.IdempotencyTTL
	}

	// Public API
	api := groupWithPrefix(r, cfg.APIBasePath) // e.g. "/api/v1"
	{
		api.POST("/impulses", h.CreateImpulse)
		api.GET("/impulses", h.ListImpulses)
		api.GET("/impulses/:id", h.GetImpulse)
		api.PATCH("/impulses/:id", h.UpdateImpulse)
		api.DELETE("/impulses/:id", h.DeleteImpulse)

		api.POST("/admin/reconcile", h.RunReconcile)
	}
	return rec
}

// healthHandler reports ok when the database answers a ping.
func healthHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db != nil {
			sqlDB, err := db.DB()
			if err == nil {
				ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
				err = sqlDB.PingContext(ctx)
				cancel()
			}
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "db": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
