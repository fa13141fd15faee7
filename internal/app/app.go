package app

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/redis/go-redis/v9"

	"pdf2html/internal/handlers"
	"pdf2html/internal/metrics"
	u "pdf2html/internal/utils"
)

// SetupApp creates and configures a new Fiber app instance. rdb and ledger
// may be nil.
func SetupApp(cfg u.Config, rdb *redis.Client, ledger *u.Ledger) *fiber.App {
	app := fiber.New(fiber.Config{
		Prefork:               cfg.Server.Prefork,
		DisableStartupMessage: true,
		BodyLimit:             cfg.Server.BodyLimitMB * 1024 * 1024,
		ErrorHandler:          errorHandler,
	})

	RegisterMiddleware(app, cfg)
	RegisterRoutes(app, cfg, rdb, ledger)

	// Ensure all responses, including 404s, return JSON
	app.Use(func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "Not Found")
	})

	return app
}

// errorHandler renders every error as {statusCode, error, message}.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		msg = e.Message
	}

	u.Warn("Request failed", "path", c.Path(), "status", code, "message", msg)

	return c.Status(code).JSON(fiber.Map{
		"statusCode": code,
		"error":      utils.StatusMessage(code),
		"message":    msg,
	})
}

// RegisterRoutes mounts all route handlers to the app and returns the
// conversion service behind them.
func RegisterRoutes(app *fiber.App, cfg u.Config, rdb *redis.Client, ledger *u.Ledger) *handlers.PDFToHTMLService {
	v1 := app.Group("/v1")

	// One shared service so every request uses the same converter pool.
	svc := handlers.NewPDFToHTMLService(cfg, rdb, ledger)
	app.Hooks().OnShutdown(func() error {
		svc.Pool.Close()
		u.Info("Converter pool closed")
		return nil
	})

	v1.Put("/pdf/html", handlers.RequirePDF, svc.Handle, svc.SendHTML)
	v1.Get("/poppler/stats", svc.HandlePopplerStats)
	v1.Get("/monitor", monitor.New())

	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	return svc
}
