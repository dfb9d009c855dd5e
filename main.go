package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tracker_server/adapter/out/messaging"
	"tracker_server/config"
	"tracker_server/internal/bootstrap"
	"tracker_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
)

const (
	shutdownTimeout = 30 * time.Second // Maximum time to wait for graceful shutdown
	startupTimeout  = 30 * time.Second
)

func main() {
	// Load .env file if exists (for local development)
	_ = godotenv.Load()

	mode := flag.String("mode", "", "Run mode: api, worker, all (overrides TRACKER_MODE)")
	flag.Parse()
	if *mode != "" {
		os.Setenv("TRACKER_MODE", *mode)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	logger.Init(logger.Config{
		Level:   logger.ParseLevel(cfg.LogLevel),
		Service: "tracker-" + cfg.Mode,
	})

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	deps, cleanup, err := bootstrap.NewDependencies(ctx, cfg)
	cancel()
	if err != nil {
		logger.Fatal("Failed to initialize dependencies: %v", err)
	}
	defer cleanup()

	switch cfg.Mode {
	case config.ModeAPI:
		runAPI(cfg, bootstrap.NewAPI(deps, messaging.NewRedisProducer(deps.Redis)), nil)
	case config.ModeWorker:
		runWorker(deps)
	case config.ModeAll:
		w, err := bootstrap.NewWorker(deps, false)
		if err != nil {
			logger.Fatal("Failed to initialize worker: %v", err)
		}
		if err := w.Start(); err != nil {
			logger.Fatal("Failed to start worker: %v", err)
		}
		runAPI(cfg, bootstrap.NewAPI(deps, w.Queue()), w.Stop)
	}
}

func runAPI(cfg *config.Config, app *fiber.App, onShutdown func()) {
	// Graceful shutdown with timeout
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down API server (timeout: %v)...", shutdownTimeout)
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.Error("Error shutting down: %v", err)
		} else {
			logger.Info("API server shut down gracefully")
		}
	}()

	addr := ":" + cfg.Port
	logger.Info("Starting API server on %s", addr)
	if err := app.Listen(addr); err != nil {
		logger.Error("Server stopped: %v", err)
	}

	if onShutdown != nil {
		onShutdown()
	}
}

func runWorker(deps *bootstrap.Dependencies) {
	w, err := bootstrap.NewWorker(deps, true)
	if err != nil {
		logger.Fatal("Failed to initialize worker: %v", err)
	}

	logger.Info("Starting worker...")
	if err := w.Start(); err != nil {
		logger.Fatal("Failed to start worker: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down worker (timeout: %v)...", shutdownTimeout)
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Worker shut down gracefully")
	case <-time.After(shutdownTimeout):
		logger.Warn("Worker shutdown timed out, forcing exit")
	}
}
