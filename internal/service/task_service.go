package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/relay-api/internal/backoff"
	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/queue"
	"github.com/phrazzld/relay-api/internal/store"
	"github.com/phrazzld/relay-api/internal/worker"
)

// Canceller signals the in-flight bridge run for a task. Implemented by
// worker.Pool.
type Canceller interface {
	CancelActive(taskID uuid.UUID) bool
}

// RetryConfig bounds job execution attempts and paces re-enqueues. Zero
// values fall back to the queue defaults.
type RetryConfig struct {
	MaxAttempts int
	Backoff     backoff.Policy
}

// CreateTaskParams carries a new task submission.
type CreateTaskParams struct {
	Description string
	LLMProvider string
	Model       string
	MaxSteps    int
	Temperature float64
	Priority    int
	Delay       time.Duration
}

// TaskService orchestrates the task lifecycle across the record store, the
// job queue, and the worker pool. It owns the user-facing transitions
// (create, pause, resume, cancel); execution transitions belong to the pool.
type TaskService struct {
	tasks     store.TaskStore
	steps     store.StepStore
	queue     queue.Queue
	canceller Canceller
	retry     RetryConfig
	logger    *slog.Logger
}

// NewTaskService creates a TaskService.
func NewTaskService(
	tasks store.TaskStore,
	steps store.StepStore,
	q queue.Queue,
	canceller Canceller,
	retry RetryConfig,
	logger *slog.Logger,
) *TaskService {
	return &TaskService{
		tasks:     tasks,
		steps:     steps,
		queue:     q,
		canceller: canceller,
		retry:     retry,
		logger:    logger.With("component", "task_service"),
	}
}

// CreateTask validates and persists a new task record, then enqueues its
// job. The record is the durable source of truth; if enqueueing fails the
// record is marked failed rather than silently orphaned.
func (s *TaskService) CreateTask(ctx context.Context, params CreateTaskParams) (*domain.Task, error) {
	task, err := domain.NewTask(params.Description)
	if err != nil {
		return nil, err
	}
	task.LLMProvider = params.LLMProvider
	task.Model = params.Model
	task.MaxSteps = params.MaxSteps
	task.Temperature = params.Temperature

	if err := s.tasks.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}

	if err := s.enqueue(ctx, task, queue.Options{
		Priority:    params.Priority,
		Delay:       params.Delay,
		MaxAttempts: s.retry.MaxAttempts,
		Backoff:     s.retry.Backoff,
	}); err != nil {
		if updateErr := s.tasks.UpdateTaskStatus(ctx, task.ID, domain.TaskStatusFailed, "failed to enqueue"); updateErr != nil {
			s.logger.Error("failed to mark unenqueued task failed",
				"task_id", task.ID,
				"error", updateErr)
		}
		return nil, err
	}

	s.logger.Info("task created",
		"task_id", task.ID,
		"priority", params.Priority,
		"delay", params.Delay)
	return task, nil
}

// GetTask returns one task record.
func (s *TaskService) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		if store.IsNotFoundError(err) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// ListTasks returns task records, newest first.
func (s *TaskService) ListTasks(ctx context.Context, params store.ListTasksParams) ([]domain.Task, error) {
	return s.tasks.ListTasks(ctx, params)
}

// ListSteps returns the persisted step log for a task.
func (s *TaskService) ListSteps(ctx context.Context, id uuid.UUID) ([]domain.ProgressEvent, error) {
	if _, err := s.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return s.steps.ListSteps(ctx, id)
}

// PauseTask removes a queued job and marks the record paused. Only tasks
// whose job is still waiting or delayed can be paused; a running task must
// be cancelled instead.
func (s *TaskService) PauseTask(ctx context.Context, id uuid.UUID) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}

	switch task.Status {
	case domain.TaskStatusPending:
		// Pausable.
	case domain.TaskStatusCompleted, domain.TaskStatusFailed, domain.TaskStatusCancelled:
		return ErrTaskFinished
	default:
		return ErrTaskNotPausable
	}

	if err := s.queue.Remove(ctx, id.String()); err != nil {
		return fmt.Errorf("failed to remove queued job: %w", err)
	}
	if err := s.tasks.UpdateTaskStatus(ctx, id, domain.TaskStatusPaused, ""); err != nil {
		return err
	}

	s.logger.Info("task paused", "task_id", id)
	return nil
}

// ResumeTask re-enqueues a paused task with zero delay. The job starts a
// fresh bridge invocation; no partial progress is replayed.
func (s *TaskService) ResumeTask(ctx context.Context, id uuid.UUID) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != domain.TaskStatusPaused {
		if task.Status.Terminal() {
			return ErrTaskFinished
		}
		return ErrTaskNotResumable
	}

	if err := s.enqueue(ctx, task, queue.Options{MaxAttempts: s.retry.MaxAttempts, Backoff: s.retry.Backoff}); err != nil {
		return err
	}
	if err := s.tasks.UpdateTaskStatus(ctx, id, domain.TaskStatusPending, ""); err != nil {
		return err
	}

	s.logger.Info("task resumed", "task_id", id)
	return nil
}

// CancelTask stops a task wherever it is. Queued jobs are removed and the
// record is marked cancelled immediately. For a running task the in-flight
// process is signalled; the worker pool records the cancelled status once
// the process is confirmed dead, so the transition is eventually visible
// rather than immediate.
func (s *TaskService) CancelTask(ctx context.Context, id uuid.UUID) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}

	switch task.Status {
	case domain.TaskStatusCompleted, domain.TaskStatusFailed, domain.TaskStatusCancelled:
		return ErrTaskFinished

	case domain.TaskStatusRunning:
		if s.canceller != nil && s.canceller.CancelActive(id) {
			s.logger.Info("cancel signalled to active run", "task_id", id)
			return nil
		}
		// The run finished (or was lost) between the status read and the
		// cancel attempt; fall through and finalize the record directly.
		fallthrough

	default:
		if err := s.queue.Remove(ctx, id.String()); err != nil {
			return fmt.Errorf("failed to remove queued job: %w", err)
		}
		if err := s.tasks.UpdateTaskStatus(ctx, id, domain.TaskStatusCancelled, ""); err != nil {
			return err
		}
		s.logger.Info("task cancelled", "task_id", id)
		return nil
	}
}

// RecoverTasks puts work stranded by an unclean shutdown back in motion.
// Jobs a dead process left claimed are re-queued, interrupted running
// records are reset to pending, and pending records whose job is gone are
// re-enqueued. Called once at startup, before workers begin claiming.
func (s *TaskService) RecoverTasks(ctx context.Context) error {
	requeued, err := s.queue.RecoverActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover claimed jobs: %w", err)
	}

	recovered := 0
	for _, status := range []domain.TaskStatus{domain.TaskStatusRunning, domain.TaskStatusPending} {
		tasks, err := s.listAllByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("failed to list %s tasks for recovery: %w", status, err)
		}
		for i := range tasks {
			task := &tasks[i]
			if task.Status == domain.TaskStatusRunning {
				if err := s.tasks.UpdateTaskStatus(ctx, task.ID, domain.TaskStatusPending, ""); err != nil {
					s.logger.Error("failed to reset interrupted task",
						"task_id", task.ID,
						"error", err)
					continue
				}
			}

			err := s.enqueue(ctx, task, queue.Options{MaxAttempts: s.retry.MaxAttempts, Backoff: s.retry.Backoff})
			switch {
			case err == nil:
				recovered++
			case errors.Is(err, ErrTaskAlreadyQueued):
				// The job survived the restart; nothing to re-submit.
			default:
				s.logger.Error("failed to re-enqueue task during recovery",
					"task_id", task.ID,
					"error", err)
			}
		}
	}

	if requeued > 0 || recovered > 0 {
		s.logger.Info("task recovery completed",
			"jobs_requeued", requeued,
			"tasks_reenqueued", recovered)
	}
	return nil
}

// listAllByStatus pages through the store so recovery sees every record,
// not just the default listing window.
func (s *TaskService) listAllByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error) {
	const page = 100
	var out []domain.Task
	for offset := 0; ; offset += page {
		batch, err := s.tasks.ListTasks(ctx, store.ListTasksParams{Status: status, Limit: page, Offset: offset})
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < page {
			return out, nil
		}
	}
}

// QueueStats reports per-state job counts.
func (s *TaskService) QueueStats(ctx context.Context) (queue.Stats, error) {
	return s.queue.Stats(ctx)
}

func (s *TaskService) enqueue(ctx context.Context, task *domain.Task, opts queue.Options) error {
	payload, err := worker.EncodePayload(task)
	if err != nil {
		return err
	}
	if _, err := s.queue.Enqueue(ctx, task.ID.String(), payload, opts); err != nil {
		if errors.Is(err, queue.ErrDuplicateJob) {
			return ErrTaskAlreadyQueued
		}
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}
