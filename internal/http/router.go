// Package httpapi wires the HTTP transport (Gin) to the bot engine. It owns
// middleware ordering and route registration for the Telegram webhook, the
// scheduler tick, health, metrics and the Swagger UI. The same router serves the standalone
// server and API Gateway requests inside Lambda.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/pillsync/docs"
	"github.com/tbourn/pillsync/internal/config"
	"github.com/tbourn/pillsync/internal/http/handlers"
	"github.com/tbourn/pillsync/internal/http/middleware"
)

// maxBodyBytes caps request bodies; Telegram updates are a few KiB.
const maxBodyBytes = 1 << 20

// Deps are the collaborators the routes need.
type Deps struct {
	Bot     handlers.Bot
	Updates middleware.UpdateClaimer
	Log     zerolog.Logger
}

// NewRouter builds a gin.Engine in cfg.GinMode with all routes registered.
func NewRouter(deps Deps, cfg config.Config) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	r := gin.New()
	RegisterRoutes(r, deps, cfg)
	return r
}

// RegisterRoutes attaches middleware and endpoints to r.
//
// Global middleware order:
//  1. OpenTelemetry
//  2. RequestID
//  3. AccessLog (secrets masked)
//  4. Recovery
//  5. Body size limiter
//  6. Metrics
//  7. Security headers
//
// The webhook route adds, in order: shared secret, update binding, per-chat
// rate limiting and update de-duplication. Limiting runs before the claim
// so a throttled update is not marked as handled.
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(deps.Log, middleware.RedactOptions{
		MaskHeaders: []string{middleware.HeaderTelegramSecret, middleware.HeaderTickToken},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS: cfg.Security.EnableHSTS,
		HSTSMaxAge: cfg.Security.HSTSMaxAge,
		NoStore:    true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	docs.SwaggerInfo.BasePath = cfg.APIBasePath
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	h := handlers.New(deps.Bot, cfg.Tick.Timeout)
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByChatOrIP())

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.POST("/telegram/webhook",
			middleware.RequireToken(middleware.HeaderTelegramSecret, cfg.Telegram.WebhookSecret),
			middleware.TelegramUpdate(),
			rl.Handler(),
			middleware.UpdateDeduper(deps.Updates, middleware.DedupOptions{TTL: cfg.UpdateDedupTTL}),
			h.TelegramWebhook,
		)
		api.POST("/tick",
			middleware.RequireToken(middleware.HeaderTickToken, cfg.Tick.Token),
			h.Tick,
		)
	}
}

// limitBody caps the request body at maxBytes; reads past it fail.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
