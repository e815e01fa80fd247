package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/phrazzld/relay-api/internal/domain"
)

// ListTasksParams narrows ListTasks results. Zero values mean "no filter";
// Limit of 0 means the store's default page size.
type ListTasksParams struct {
	Status domain.TaskStatus
	Limit  int
	Offset int
}

// TaskStore defines the persistence operations for task records. The task
// record is the durable source of truth for a task's lifecycle; queue and
// broadcast state are derived from it.
type TaskStore interface {
	// CreateTask saves a new task record.
	// Returns ErrTaskExists if a task with the same ID is already stored,
	// or ErrInvalidEntity wrapping validation details.
	CreateTask(ctx context.Context, task *domain.Task) error

	// GetTask retrieves a task by its ID.
	// Returns ErrTaskNotFound if the task does not exist.
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// ListTasks returns tasks matching the params, newest first.
	ListTasks(ctx context.Context, params ListTasksParams) ([]domain.Task, error)

	// UpdateTaskStatus transitions a task's status and records the failure
	// reason when the transition is to a failed state. Terminal transitions
	// stamp CompletedAt. Returns ErrTaskNotFound for unknown IDs.
	UpdateTaskStatus(ctx context.Context, id uuid.UUID, status domain.TaskStatus, errorMessage string) error

	// IncrementRetryCount bumps the retry counter after a failed attempt
	// that will be retried. Returns ErrTaskNotFound for unknown IDs.
	IncrementRetryCount(ctx context.Context, id uuid.UUID) error
}

// StepStore persists the ordered step log of a task's execution.
type StepStore interface {
	// AppendStep records one progress event. Events for the same task are
	// retrievable in append order.
	AppendStep(ctx context.Context, event domain.ProgressEvent) error

	// ListSteps returns every recorded step for a task in append order.
	// An unknown task yields an empty slice, not an error.
	ListSteps(ctx context.Context, taskID uuid.UUID) ([]domain.ProgressEvent, error)
}
