package bootstrap

import (
	"context"
	"strings"

	"tracker_server/adapter/in/http"
	"tracker_server/core/port/out"
	"tracker_server/infra/database"
	"tracker_server/infra/middleware"
	"tracker_server/pkg/apperr"
	"tracker_server/pkg/logger"
	"tracker_server/pkg/ratelimit"
	"tracker_server/pkg/response"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

const (
	bodyLimit        = 4 * 1024 * 1024
	webhookBodyLimit = 1024 * 1024
)

// NewAPI builds the HTTP server. Validated webhook batches go to queue; a
// nil queue processes them inline.
func NewAPI(deps *Dependencies, queue out.NotificationQueue) *fiber.App {
	cfg := deps.Config

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             bodyLimit,
		ReadBufferSize:        16384,
		ServerHeader:          "",
		DisableDefaultDate:    true,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.RequestLogger())

	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	if allowOrigins == "" || allowOrigins == "*" {
		allowOrigins = "http://localhost:3000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,PUT,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders:    "X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check (no auth required)
	checks := map[string]http.HealthChecker{"postgres": nil, "redis": nil}
	if deps.DB != nil {
		checks["postgres"] = http.PingFunc(deps.DB.Ping)
	}
	if deps.Redis != nil {
		checks["redis"] = http.PingFunc(func(ctx context.Context) error {
			return deps.Redis.Ping(ctx).Err()
		})
	}
	http.NewHealthHandler(checks).Register(app)

	// Webhook (authenticated by the batch validator, throttled per IP)
	limiter := middleware.NewRateLimiter(cfg.WebhookRateLimit, cfg.WebhookRateBurst)
	app.Use("/webhooks", limiter.Handler(), middleware.MaxBodySize(webhookBodyLimit))
	if deps.Redis != nil {
		shared := ratelimit.NewSlidingWindowLimiter(deps.Redis, int(cfg.WebhookRateLimit), cfg.WebhookRateBurst)
		app.Use("/webhooks", middleware.SharedRateLimit(shared))
	}
	webhookHandler := http.NewWebhookHandler(deps.Processor, queue)
	webhookHandler.Register(app)

	// Admin API
	var sink middleware.AuditSink
	if deps.Redis != nil {
		sink = middleware.NewRedisAuditSink(deps.Redis)
	}
	api := app.Group("/api/v1", middleware.AdminAuth(cfg.JWTSecret), middleware.Audit(sink))

	http.NewSettingsHandler(deps.SettingsService).Register(api)
	http.NewFollowupHandler(deps.FollowupService).Register(api)
	http.NewMailboxHandler(deps.Mailboxes).Register(api)
	webhookHandler.RegisterManagement(api)
	api.Get("/system/database", func(c *fiber.Ctx) error {
		if deps.DB == nil {
			return apperr.NotFound("postgres pool")
		}
		return response.OK(c, database.GetPoolStats(deps.DB))
	})

	if cfg.JWTSecret == "" {
		logger.Warn("ADMIN_JWT_SECRET not set, admin API will reject every request")
	}
	logger.Info("API server initialized successfully")
	return app
}
