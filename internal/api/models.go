package api

import (
	"encoding/json"
	"time"

	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/queue"
)

// Common request/response structures

// CreateTaskRequest defines the payload for submitting a new task.
type CreateTaskRequest struct {
	Description string  `json:"description"   validate:"required,min=1"`
	LLMProvider string  `json:"llm_provider"  validate:"omitempty,max=64"`
	Model       string  `json:"model"         validate:"omitempty,max=128"`
	MaxSteps    int     `json:"max_steps"     validate:"omitempty,gte=1,lte=1000"`
	Temperature float64 `json:"temperature"   validate:"omitempty,gte=0,lte=2"`
	Priority    int     `json:"priority"      validate:"omitempty,gte=0,lte=100"`
	DelaySecs   int     `json:"delay_seconds" validate:"omitempty,gte=0"`
}

// TaskResponse is the wire form of a task record.
type TaskResponse struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	Status       string     `json:"status"`
	LLMProvider  string     `json:"llm_provider,omitempty"`
	Model        string     `json:"model,omitempty"`
	MaxSteps     int        `json:"max_steps,omitempty"`
	Temperature  float64    `json:"temperature,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// StepResponse is the wire form of one recorded progress step.
type StepResponse struct {
	Kind       string          `json:"kind"`
	StepNumber int             `json:"step_number"`
	Content    json.RawMessage `json:"content,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// QueueStatsResponse reports per-state job counts.
type QueueStatsResponse struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Delayed   int `json:"delayed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// taskToResponse converts a domain.Task to its wire form.
func taskToResponse(task *domain.Task) TaskResponse {
	return TaskResponse{
		ID:           task.ID.String(),
		Description:  task.Description,
		Status:       string(task.Status),
		LLMProvider:  task.LLMProvider,
		Model:        task.Model,
		MaxSteps:     task.MaxSteps,
		Temperature:  task.Temperature,
		ErrorMessage: task.ErrorMessage,
		RetryCount:   task.RetryCount,
		CreatedAt:    task.CreatedAt,
		UpdatedAt:    task.UpdatedAt,
		CompletedAt:  task.CompletedAt,
	}
}

// stepToResponse converts a progress event to its wire form.
func stepToResponse(event domain.ProgressEvent) StepResponse {
	return StepResponse{
		Kind:       string(event.Kind),
		StepNumber: event.StepNumber,
		Content:    event.Content,
		Timestamp:  event.Timestamp,
	}
}

// statsToResponse converts queue stats to their wire form.
func statsToResponse(stats queue.Stats) QueueStatsResponse {
	return QueueStatsResponse{
		Waiting:   stats.Waiting,
		Active:    stats.Active,
		Delayed:   stats.Delayed,
		Completed: stats.Completed,
		Failed:    stats.Failed,
	}
}
