// Package api wires together the HTTP routes of the audit service.
//
// Route grouping:
//   - /health, /ready and /version are unauthenticated probes and are normally
//     listed in request_log.skip_paths.
//   - /api/v1/audit/ serves stored audit events. Every route in the group is rate
//     limited, authenticated (API key or JWT) and requires the audit:read scope.
//     Reading the audit log is itself audited.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/auditcore/auditcore/internal/audit"
	"github.com/auditcore/auditcore/internal/auth"
	"github.com/auditcore/auditcore/internal/config"
	"github.com/auditcore/auditcore/internal/middleware"
	"github.com/auditcore/auditcore/internal/redact"
)

// Pinger reports database connectivity. *sql.DB and *sqlx.DB satisfy it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Prober reports whether a dependency such as the archive backend is reachable.
type Prober interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Deps are the collaborators the router needs. Nil members disable the
// corresponding check or feature.
type Deps struct {
	DB       Pinger
	Archive  Prober
	Audit    *audit.Logger
	Reader   audit.Reader
	Redactor *redact.Redactor
	Limiter  middleware.Limiter
	Keys     *auth.KeyRing
	JWT      *auth.JWTManager
	Logger   *slog.Logger
	Version  string
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, deps Deps) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	router := gin.New()

	// Recovery is outermost so that RequestLogger sees the panic first, logs it
	// and re-raises it for Recovery to turn into a 500.
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(log, deps.Audit, deps.Redactor, cfg.RequestLog))
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	router.GET("/health", healthCheckHandler(deps.DB))
	router.GET("/ready", readinessHandler(deps.DB, deps.Archive))
	router.GET("/version", versionHandler(deps.Version))

	events := NewAuditEventsHandler(deps.Reader, deps.Audit)

	v1 := router.Group("/api/v1/audit")
	if cfg.RateLimit.Enabled && deps.Limiter != nil {
		v1.Use(middleware.RateLimitMiddleware(deps.Limiter, deps.Audit, log))
	}
	v1.Use(middleware.AuthMiddleware(deps.Keys, deps.JWT, deps.Audit))
	v1.Use(middleware.RequireScope(auth.ScopeAuditRead, deps.Audit))
	{
		v1.GET("/events", events.ListEvents)
		v1.GET("/events/:id", events.GetEvent)
	}

	return router
}

// healthCheckHandler returns the liveness of the service, including database connectivity.
func healthCheckHandler(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db != nil {
			if err := db.PingContext(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  "database connection failed",
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns whether the service is ready to accept traffic.
// Unlike the liveness probe (/health), this also checks the archive backend so
// that a readiness gate fails when rotated audit files could not be shipped.
func readinessHandler(db Pinger, archive Prober) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if db != nil {
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
		}

		// Probe with a known-absent sentinel path. Exists() exercises
		// authentication and network connectivity without creating any state.
		if archive != nil {
			if _, err := archive.Exists(c.Request.Context(), ".readiness-probe"); err != nil {
				checks["archive"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "archive backend not ready",
				})
				return
			}
			checks["archive"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the build version and API version
func versionHandler(version string) gin.HandlerFunc {
	if version == "" {
		version = "dev"
	}
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     version,
			"api_version": "v1",
		})
	}
}
