// Package server implements the Observability Facade (§4.9): the health,
// stats, performance, and administrative HTTP surface around the Decision
// Engine, wired with the same middleware chain the teacher stack uses for
// its own HTTP server.
package server

import (
	"time"

	"github.com/biodoia/ratelimiter/internal/identity"
	"github.com/biodoia/ratelimiter/internal/ratelimit"
	"github.com/biodoia/ratelimiter/internal/rules"
	"github.com/biodoia/ratelimiter/internal/stats"
	"github.com/biodoia/ratelimiter/pkg/middleware"
	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Dependencies wires everything the server needs to answer requests: the
// Decision Engine pipeline plus the shard clients used for direct health
// checks and administrative resets.
type Dependencies struct {
	Engine       *ratelimit.Engine
	Distributed  *ratelimit.DistributedLimiter
	Selector     *rules.Selector
	Resolver     *identity.Resolver
	Stats        *stats.Engine
	Prometheus   *stats.PrometheusExporter
	ShardClients map[string]*redis.Client
	InstanceID   string
	StartedAt    time.Time

	AdminAuth middleware.AuthConfig
}

// New builds the fiber.App serving the rate limiter's decision path plus
// its observability and administrative surface.
func New(deps Dependencies) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "ratelimiter",
		ErrorHandler: errorHandler,
	})

	app.Use(middleware.RecoveryWithLogger())
	app.Use(middleware.RequestID())
	app.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	app.Use(middleware.Logging(middleware.LoggingConfig{
		SkipPaths: []string{"/health"},
	}))

	h := &handlers{deps: deps}

	app.Get("/health", h.health)
	app.Get("/stats", h.statsHandler)
	app.Get("/performance", h.performance)
	app.Get("/metrics", metricsHandler())

	admin := app.Group("/admin", middleware.Auth(deps.AdminAuth), middleware.RequireRole("admin"))
	admin.Post("/reset", h.resetKey)
	admin.Post("/whitelist", h.addWhitelist)
	admin.Post("/blacklist", h.addBlacklist)
	admin.Get("/rules", h.listRules)

	decision := ratelimit.MiddlewareConfig{
		Engine:     deps.Engine,
		Resolver:   deps.Resolver,
		Selector:   deps.Selector,
		Stats:      deps.Stats,
		Prometheus: deps.Prometheus,
		InstanceID: deps.InstanceID,
	}
	app.Use(ratelimit.Middleware(decision))

	app.All("/*", func(c fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
	})

	return app
}

func errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

// metricsHandler bridges promhttp's net/http handler onto the fasthttp
// request the fiber app is actually built on.
func metricsHandler() fiber.Handler {
	handler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	return func(c fiber.Ctx) error {
		handler(c.RequestCtx())
		return nil
	}
}
