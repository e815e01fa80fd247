package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/relay-api/internal/domain"
)

// MemoryTaskStore is an in-memory TaskStore and StepStore used in tests and
// when running without a database. Safe for concurrent use.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]domain.Task
	steps map[uuid.UUID][]domain.ProgressEvent
}

// NewMemoryTaskStore creates an empty in-memory store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks: make(map[uuid.UUID]domain.Task),
		steps: make(map[uuid.UUID][]domain.ProgressEvent),
	}
}

// CreateTask saves a new task record.
func (s *MemoryTaskStore) CreateTask(_ context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return ErrTaskExists
	}
	s.tasks[task.ID] = *task
	return nil
}

// GetTask retrieves a task by ID.
func (s *MemoryTaskStore) GetTask(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return &task, nil
}

// ListTasks returns tasks matching the params, newest first.
func (s *MemoryTaskStore) ListTasks(_ context.Context, params ListTasksParams) ([]domain.Task, error) {
	s.mu.RLock()
	tasks := make([]domain.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if params.Status != "" && task.Status != params.Status {
			continue
		}
		tasks = append(tasks, task)
	}
	s.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})

	if params.Offset > 0 {
		if params.Offset >= len(tasks) {
			return []domain.Task{}, nil
		}
		tasks = tasks[params.Offset:]
	}
	if params.Limit > 0 && params.Limit < len(tasks) {
		tasks = tasks[:params.Limit]
	}
	return tasks, nil
}

// UpdateTaskStatus transitions a task's status.
func (s *MemoryTaskStore) UpdateTaskStatus(
	_ context.Context,
	id uuid.UUID,
	status domain.TaskStatus,
	errorMessage string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if err := task.UpdateStatus(status); err != nil {
		return fmt.Errorf("%w: %v", ErrUpdateFailed, err)
	}
	task.ErrorMessage = errorMessage
	s.tasks[id] = task
	return nil
}

// IncrementRetryCount bumps the retry counter.
func (s *MemoryTaskStore) IncrementRetryCount(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.RetryCount++
	task.UpdatedAt = time.Now().UTC()
	s.tasks[id] = task
	return nil
}

// AppendStep records one progress event.
func (s *MemoryTaskStore) AppendStep(_ context.Context, event domain.ProgressEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[event.TaskID] = append(s.steps[event.TaskID], event)
	return nil
}

// ListSteps returns every recorded step for a task in append order.
func (s *MemoryTaskStore) ListSteps(_ context.Context, taskID uuid.UUID) ([]domain.ProgressEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps := make([]domain.ProgressEvent, len(s.steps[taskID]))
	copy(steps, s.steps[taskID])
	return steps, nil
}
