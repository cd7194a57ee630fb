package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	httpapi "thameswater-collector/internal/api/http"
	"thameswater-collector/internal/collector"
	"thameswater-collector/internal/config"
	"thameswater-collector/internal/scheduler"
	"thameswater-collector/internal/store"
	"thameswater-collector/internal/thameswater"
)

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Statistics store, seeded with the configured unit cost and baseline.
	memStore := store.NewMemoryStore(cfg.CostPerCubicMetre)
	if cfg.InitialReading != nil {
		memStore.SetBaseline(*cfg.InitialReading)
	}

	// Portal client and the collector orchestrating fetch/normalize/inject.
	client := thameswater.NewClient(nil, cfg.Credentials())
	service := collector.New(client, memStore, cfg.MeterID)

	// Scheduler driving the twice-daily refresh.
	sched := scheduler.New(service, cfg.UpdateTimes)
	if err := sched.Start(); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	// Basic app configuration
	app := fiber.New(fiber.Config{
		AppName:               "thameswater-collector",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(logger.New())
	app.Use(recover.New())

	// Basic health endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "thameswater-collector",
		})
	})

	// API routes.
	httpapi.RegisterRoutes(app, service, memStore)

	// Start server with graceful shutdown
	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Printf("fiber server stopped: %v", err)
		}
	}()

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("error during shutdown: %v", err)
	}
}
