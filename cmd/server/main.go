// Package main implements the entry point for the relay API server, which
// accepts automation tasks over HTTP, executes them in external worker
// processes, and streams live progress to WebSocket observers.
package main

import (
	"context"
	"fmt"
	"log"

	"github.com/phrazzld/relay-api/internal/config"
	"github.com/phrazzld/relay-api/internal/platform/logger"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}
}

// run loads configuration, wires the application, and blocks until
// shutdown. Split from main so initialization errors flow back as values.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	appLogger.Info("Server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"queue_backend", queueBackendName(cfg),
		"worker_concurrency", cfg.Queue.Concurrency)

	ctx := context.Background()

	db, err := setupAppDatabase(cfg, appLogger)
	if err != nil {
		return fmt.Errorf("failed to set up database: %w", err)
	}

	if err := runMigrations(db, appLogger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	app, err := newApplication(cfg, appLogger, db)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	return app.Run(ctx)
}

func queueBackendName(cfg *config.Config) string {
	if cfg.Redis.Addr != "" {
		return "redis"
	}
	return "memory"
}
