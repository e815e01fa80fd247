package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/phrazzld/relay-api/internal/api"
	apiMiddleware "github.com/phrazzld/relay-api/internal/api/middleware"
)

// setupRouter creates and configures the application router with all routes
// and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(app.logger))

	taskHandler := api.NewTaskHandler(app.taskService)
	wsHandler := api.NewWSHandler(app.broadcaster, app.logger)

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", taskHandler.CreateTask)
		r.Get("/tasks", taskHandler.ListTasks)
		r.Get("/tasks/{id}", taskHandler.GetTask)
		r.Get("/tasks/{id}/steps", taskHandler.ListSteps)
		r.Post("/tasks/{id}/pause", taskHandler.PauseTask)
		r.Post("/tasks/{id}/resume", taskHandler.ResumeTask)
		r.Post("/tasks/{id}/cancel", taskHandler.CancelTask)
		r.Get("/queue/stats", taskHandler.QueueStats)

		r.Get("/ws", wsHandler.ServeHTTP)
	})

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("Failed to write health check response", "error", err)
		}
	})

	return r
}
