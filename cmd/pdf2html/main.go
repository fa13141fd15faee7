package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"pdf2html/internal/app"
	u "pdf2html/internal/utils"
	"pdf2html/internal/workspace"
)

func main() {
	cfg := u.LoadConfig()
	u.InitLogger(
		cfg.Logger.File,
		cfg.Logger.MaxSizeMB,
		cfg.Logger.MaxBackups,
		cfg.Logger.MaxAgeDays,
		cfg.Logger.Compress,
		cfg.Logger.Level,
	)

	idleConnsClosed := make(chan struct{})
	rdb, ledger := setupBackends(cfg)
	defer func() {
		if rdb != nil {
			_ = rdb.Close()
		}
		_ = ledger.Close()
	}()

	if err := workspace.Ensure(cfg.Poppler.TempDirectory); err != nil {
		u.Error("Temp directory unusable, conversions will fail", "dir", cfg.Poppler.TempDirectory, "error", err)
	}
	go workspace.ReapPeriodically(cfg.Poppler.TempDirectory, cfg.Cleanup.MaxAge, cfg.Cleanup.Interval, idleConnsClosed)

	app := app.SetupApp(cfg, rdb, ledger)

	startServer(app, cfg, idleConnsClosed)
	<-idleConnsClosed
}

// setupBackends connects the optional Redis cache and Postgres ledger. Either
// may come back nil.
func setupBackends(cfg u.Config) (*redis.Client, *u.Ledger) {
	var rdb *redis.Client
	if cfg.Cache.RedisHost != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr: cfg.Cache.RedisHost,
			DB:   cfg.Cache.HTMLCacheDB,
		})
	}

	var ledger *u.Ledger
	if cfg.Ledger.Enabled {
		l, err := u.OpenLedger(cfg.Ledger.Postgres)
		if err != nil {
			u.Error("Failed to open conversion ledger", "error", err)
		} else {
			ledger = l
		}
	}
	return rdb, ledger
}

// startServer starts the Fiber app and listens for shutdown signals
func startServer(app *fiber.App, cfg u.Config, idleConnsClosed chan struct{}) {
	go func() {
		if err := app.Listen(cfg.Server.Host + cfg.Server.Port); err != nil {
			u.Error("Server error", "error", err)
		}
	}()

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
	<-sigint

	u.Warn("Shutdown signal received, closing server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		u.Error("Server forced to shutdown", "error", err)
	}

	close(idleConnsClosed)
	u.Info("Server stopped cleanly")
}
