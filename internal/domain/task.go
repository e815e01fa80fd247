package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of an automation task record.
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Common validation errors for Task
var (
	ErrEmptyTaskID          = errors.New("task ID cannot be empty")
	ErrEmptyTaskDescription = errors.New("task description cannot be empty")
	ErrInvalidTaskStatus    = errors.New("invalid task status")
)

// Task represents the externally persisted record of a user-initiated
// automation request. It outlives any single execution attempt; the retry
// counter tracks how many attempts have failed so far.
type Task struct {
	ID           uuid.UUID  `json:"id"`
	Description  string     `json:"description"`
	Status       TaskStatus `json:"status"`
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

// NewTask creates a new Task with the given description. It generates a new
// UUID, sets the status to pending, and sets creation/update timestamps.
// Returns an error if validation fails.
func NewTask(description string) (*Task, error) {
	now := time.Now().UTC()
	task := &Task{
		ID:          uuid.New(),
		Description: description,
		Status:      TaskStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks if the Task has valid data.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}

	if t.Description == "" {
		return ErrEmptyTaskDescription
	}

	if !isValidTaskStatus(t.Status) {
		return ErrInvalidTaskStatus
	}

	return nil
}

// UpdateStatus updates the task's status and the UpdatedAt timestamp.
// Terminal statuses also stamp CompletedAt.
func (t *Task) UpdateStatus(status TaskStatus) error {
	if !isValidTaskStatus(status) {
		return ErrInvalidTaskStatus
	}

	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	if status.Terminal() {
		completed := t.UpdatedAt
		t.CompletedAt = &completed
	}
	return nil
}

// Terminal reports whether the status is a final state: once reached, the
// task record is never re-enqueued without an explicit resume.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a recognized task status.
func (s TaskStatus) Valid() bool {
	return isValidTaskStatus(s)
}

// isValidTaskStatus checks if the given status is a valid TaskStatus.
func isValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskStatusPending, TaskStatusRunning, TaskStatusPaused,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}
