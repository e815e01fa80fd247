package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/phrazzld/relay-api/internal/api/shared"
	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/service"
	"github.com/phrazzld/relay-api/internal/store"
)

// TaskHandler handles task-related HTTP requests.
type TaskHandler struct {
	taskService *service.TaskService
	validator   *validator.Validate
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(taskService *service.TaskService) *TaskHandler {
	return &TaskHandler{
		taskService: taskService,
		validator:   validator.New(),
	}
}

// CreateTask handles POST /api/tasks requests.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	task, err := h.taskService.CreateTask(r.Context(), service.CreateTaskParams{
		Description: req.Description,
		LLMProvider: req.LLMProvider,
		Model:       req.Model,
		MaxSteps:    req.MaxSteps,
		Temperature: req.Temperature,
		Priority:    req.Priority,
		Delay:       time.Duration(req.DelaySecs) * time.Second,
	})
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	// Processing happens asynchronously, so the submission is accepted, not
	// completed.
	shared.RespondWithJSON(w, r, http.StatusAccepted, taskToResponse(task))
}

// GetTask handles GET /api/tasks/{id} requests.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	task, err := h.taskService.GetTask(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(task))
}

// ListTasks handles GET /api/tasks requests. Supports status, limit, and
// offset query parameters.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	params := store.ListTasksParams{}

	if status := r.URL.Query().Get("status"); status != "" {
		params.Status = domain.TaskStatus(status)
		if !params.Status.Valid() {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid status parameter")
			return
		}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid limit parameter")
			return
		}
		params.Limit = n
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid offset parameter")
			return
		}
		params.Offset = n
	}

	tasks, err := h.taskService.ListTasks(r.Context(), params)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	responses := make([]TaskResponse, 0, len(tasks))
	for i := range tasks {
		responses = append(responses, taskToResponse(&tasks[i]))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, responses)
}

// ListSteps handles GET /api/tasks/{id}/steps requests.
func (h *TaskHandler) ListSteps(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	steps, err := h.taskService.ListSteps(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	responses := make([]StepResponse, 0, len(steps))
	for _, step := range steps {
		responses = append(responses, stepToResponse(step))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, responses)
}

// PauseTask handles POST /api/tasks/{id}/pause requests.
func (h *TaskHandler) PauseTask(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.taskService.PauseTask)
}

// ResumeTask handles POST /api/tasks/{id}/resume requests.
func (h *TaskHandler) ResumeTask(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.taskService.ResumeTask)
}

// CancelTask handles POST /api/tasks/{id}/cancel requests.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.taskService.CancelTask)
}

// QueueStats handles GET /api/queue/stats requests.
func (h *TaskHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.taskService.QueueStats(r.Context())
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, statsToResponse(stats))
}

// transition runs one lifecycle operation and responds with the fresh record.
func (h *TaskHandler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID) error) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	if err := op(r.Context(), id); err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	task, err := h.taskService.GetTask(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(task))
}
