package app

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/healthcheck"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	memoryStorage "github.com/gofiber/storage/memory/v2"
	redisStorage "github.com/gofiber/storage/redis/v2"
	"github.com/rs/xid"

	"pdf2html/internal/handlers"
	u "pdf2html/internal/utils"
)

var rateLimitStore fiber.Storage

// newRateLimitStore prefers Redis so limits hold across instances and falls
// back to process memory when Redis is not configured or unreachable.
func newRateLimitStore(cfg u.Config) (store fiber.Storage) {
	store = memoryStorage.New()
	if cfg.Cache.RedisHost == "" {
		return store
	}

	defer func() {
		if r := recover(); r != nil {
			u.Error("Redis limiter store init panicked, falling back to memory", "panic", r)
		}
	}()
	store = redisStorage.New(redisStorage.Config{
		Addrs:    []string{cfg.Cache.RedisHost},
		Database: cfg.Cache.RateLimitDB,
	})
	u.Info("Using Redis for rate limiting", "addr", cfg.Cache.RedisHost, "db", cfg.Cache.RateLimitDB)
	return store
}

func clientKey(c *fiber.Ctx) string {
	sum := sha256.Sum256([]byte(c.IP() + c.Get(fiber.HeaderUserAgent)))
	return hex.EncodeToString(sum[:])
}

// userRateLimitMiddleware limits requests per client (IP + User-Agent) when enabled.
func userRateLimitMiddleware(cfg u.Config) fiber.Handler {
	if cfg.RateLimiter.UserLimit <= 0 {
		return func(c *fiber.Ctx) error {
			return c.Next()
		}
	}
	return limiter.New(limiter.Config{
		Max:               cfg.RateLimiter.UserLimit,
		Expiration:        cfg.RateLimiter.Interval,
		LimiterMiddleware: limiter.SlidingWindow{},
		Storage:           rateLimitStore,
		KeyGenerator:      clientKey,
		LimitReached: func(c *fiber.Ctx) error {
			u.Warn("Rate limit exceeded", "user", clientKey(c), "path", c.Path())
			return fiber.NewError(fiber.StatusTooManyRequests, "Too Many Requests")
		},
	})
}

// RegisterMiddleware attaches global middleware to the app
func RegisterMiddleware(app *fiber.App, cfg u.Config) {
	app.Use(handlers.InitResults)

	rateLimitStore = newRateLimitStore(cfg)

	corsCfg := cors.ConfigDefault
	if cfg.CORS.Origin != "" {
		corsCfg.AllowOrigins = cfg.CORS.Origin
	}
	app.Use(cors.New(corsCfg))

	app.Use(requestid.New(requestid.Config{
		Generator: func() string {
			return xid.New().String()
		},
	}))

	app.Use(healthcheck.New())

	if cfg.RateLimiter.EnableUserLimiter || cfg.RateLimiter.UserLimit > 0 {
		app.Use(userRateLimitMiddleware(cfg))
	}

	app.Use(func(c *fiber.Ctx) error {
		requestID := c.Get(fiber.HeaderXRequestID)
		if requestID == "" {
			requestID = c.GetRespHeader(fiber.HeaderXRequestID)
		}
		u.Info("Incoming request", "method", c.Method(), "path", c.Path(), "request_id", requestID)
		return c.Next()
	})
}
