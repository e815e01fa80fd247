package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/relay-api/internal/backoff"
	"github.com/phrazzld/relay-api/internal/bridge"
	"github.com/phrazzld/relay-api/internal/broadcast"
	"github.com/phrazzld/relay-api/internal/config"
	"github.com/phrazzld/relay-api/internal/platform/postgres"
	"github.com/phrazzld/relay-api/internal/queue"
	"github.com/phrazzld/relay-api/internal/service"
	"github.com/phrazzld/relay-api/internal/store"
	"github.com/phrazzld/relay-api/internal/worker"
)

// application holds the shared application dependencies to simplify
// management and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB
	rdb    *redis.Client

	taskStore store.TaskStore
	stepStore store.StepStore

	queue       queue.Queue
	broadcaster *broadcast.Broadcaster
	pool        *worker.Pool
	taskService *service.TaskService
}

// newApplication creates an application instance with all dependencies
// initialized: store, queue, broadcaster, bridge runner, worker pool, and
// the orchestrating service.
func newApplication(cfg *config.Config, logger *slog.Logger, db *sql.DB) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
	}

	taskStore := postgres.NewPostgresTaskStore(db)
	app.taskStore = taskStore
	app.stepStore = postgres.NewPostgresStepStore(db)

	if err := app.setupQueue(); err != nil {
		return nil, err
	}

	app.broadcaster = broadcast.New(logger)

	runner := bridge.NewRunner(bridge.Config{
		Executable:     cfg.Bridge.Executable,
		Script:         cfg.Bridge.Script,
		Timeout:        cfg.Bridge.Timeout,
		GraceWindow:    cfg.Bridge.GraceWindow,
		DependencyPath: cfg.Bridge.DependencyPath,
	}, logger)

	app.pool = worker.NewPool(
		app.queue,
		app.taskStore,
		app.stepStore,
		runner,
		app.broadcaster,
		worker.Config{Concurrency: cfg.Queue.Concurrency},
		logger,
	)

	app.taskService = service.NewTaskService(
		app.taskStore,
		app.stepStore,
		app.queue,
		app.pool,
		service.RetryConfig{
			MaxAttempts: cfg.Queue.MaxAttempts,
			Backoff: backoff.Policy{
				Base:   cfg.Queue.BackoffBase,
				Factor: backoff.DefaultFactor,
				Max:    cfg.Queue.BackoffMax,
			},
		},
		logger,
	)

	logger.Info("Application initialized successfully")
	return app, nil
}

// setupQueue selects the job queue backend: Redis when an address is
// configured, otherwise the in-process queue.
func (app *application) setupQueue() error {
	retention := queue.RetentionPolicy{
		KeepCompleted: app.config.Queue.CompletedRetained,
		KeepFailed:    app.config.Queue.FailedRetained,
	}

	if app.config.Redis.Addr == "" {
		app.queue = queue.NewMemoryQueue(retention, app.logger)
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     app.config.Redis.Addr,
		Password: app.config.Redis.Password,
		DB:       app.config.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	app.rdb = rdb
	app.queue = queue.NewRedisQueue(rdb, retention, 0, app.logger)
	app.logger.Info("Redis queue backend connected", "addr", app.config.Redis.Addr)
	return nil
}

// Run recovers interrupted work, then starts the worker pool and the HTTP
// server, blocking until shutdown.
func (app *application) Run(ctx context.Context) error {
	if err := app.taskService.RecoverTasks(ctx); err != nil {
		return fmt.Errorf("task recovery failed: %w", err)
	}
	app.pool.Start()

	router := app.setupRouter()
	if err := app.startHTTPServer(ctx, router); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// cleanup handles graceful shutdown of application resources. Order
// matters: stop claiming work before tearing down the queue and stores.
func (app *application) cleanup() {
	if app.pool != nil {
		app.pool.Stop()
	}

	if mq, ok := app.queue.(*queue.MemoryQueue); ok {
		mq.Close()
	}
	if app.rdb != nil {
		if err := app.rdb.Close(); err != nil {
			app.logger.Error("Error closing redis connection", "error", err)
		}
	}

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("Error closing database connection", "error", err)
		}
	}

	app.logger.Info("Application shutdown completed")
}
