package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"autoapply-backend/internal/services/health"
	"autoapply-backend/internal/sessions"
	"autoapply-backend/internal/shared/auth"
	"autoapply-backend/internal/shared/config"
	"autoapply-backend/internal/shared/metrics"
	"autoapply-backend/internal/shared/server/middleware"
	"autoapply-backend/internal/shared/server/respond"
)

const (
	rateGroupDefault = "DEFAULT"
	rateGroupRead    = "READ"
)

// RouterDeps carries the handlers mounted on the engine.
type RouterDeps struct {
	Config         config.Config
	Tokens         *auth.Tokens
	Health         *health.Service
	SessionHandler *sessions.Handler
	// RateLimiter is optional; tests inject one with a fixed clock.
	RateLimiter *middleware.RateLimiter
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Config.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
	)

	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		if deps.Health == nil {
			respond.JSON(c, http.StatusOK, gin.H{"ok": true})
			return
		}
		st := deps.Health.Status(c.Request.Context())
		status := http.StatusOK
		if !st.OK {
			status = http.StatusServiceUnavailable
		}
		respond.JSON(c, status, st)
	})

	authed := api.Group("")
	authed.Use(
		middleware.Auth(deps.Tokens),
		middleware.RateLimit(rateLimitConfig(deps.Config, deps.RateLimiter)),
	)
	var svc *sessions.Service
	if deps.SessionHandler != nil {
		svc = deps.SessionHandler.Svc
		deps.SessionHandler.RegisterRoutes(authed)
	}
	registerMeRoutes(authed, svc)

	return r
}

// rateLimitConfig gives reads a larger budget than commands.
func rateLimitConfig(cfg config.Config, limiter *middleware.RateLimiter) middleware.RateLimitConfig {
	return middleware.RateLimitConfig{
		DefaultGroup: rateGroupDefault,
		Limiter:      limiter,
		GroupFor: func(c *gin.Context) string {
			if c.Request.Method == http.MethodGet {
				return rateGroupRead
			}
			return rateGroupDefault
		},
		Rules: map[string]middleware.RateLimitRule{
			rateGroupDefault: {Rate: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst},
			rateGroupRead:    {Rate: cfg.RateLimitRPS * 4, Burst: cfg.RateLimitBurst * 2},
		},
	}
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
