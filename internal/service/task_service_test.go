package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/queue"
	"github.com/phrazzld/relay-api/internal/store"
)

// fakeCanceller records cancel calls and returns a scripted result.
type fakeCanceller struct {
	found  bool
	called []uuid.UUID
}

func (c *fakeCanceller) CancelActive(taskID uuid.UUID) bool {
	c.called = append(c.called, taskID)
	return c.found
}

type serviceFixture struct {
	service   *TaskService
	store     *store.MemoryTaskStore
	queue     *queue.MemoryQueue
	canceller *fakeCanceller
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := queue.NewMemoryQueue(queue.DefaultRetention(), logger)
	t.Cleanup(q.Close)

	taskStore := store.NewMemoryTaskStore()
	canceller := &fakeCanceller{}
	svc := NewTaskService(taskStore, taskStore, q, canceller, RetryConfig{MaxAttempts: 3}, logger)

	return &serviceFixture{service: svc, store: taskStore, queue: q, canceller: canceller}
}

func TestTaskService_CreateTask(t *testing.T) {
	t.Parallel()

	t.Run("persists record and enqueues job", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		ctx := context.Background()

		task, err := f.service.CreateTask(ctx, CreateTaskParams{
			Description: "summarize the report",
			LLMProvider: "anthropic",
			Model:       "claude-3-5-sonnet",
			MaxSteps:    10,
			Priority:    5,
		})
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Equal(t, domain.TaskStatusPending, task.Status)

		stored, err := f.store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, "anthropic", stored.LLMProvider)

		stats, err := f.queue.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Waiting)
	})

	t.Run("rejects empty description", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		_, err := f.service.CreateTask(context.Background(), CreateTaskParams{})
		assert.ErrorIs(t, err, domain.ErrEmptyTaskDescription)
	})

	t.Run("delay lands the job in the delayed set", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		ctx := context.Background()

		_, err := f.service.CreateTask(ctx, CreateTaskParams{
			Description: "later",
			Delay:       time.Hour,
		})
		require.NoError(t, err)

		stats, err := f.queue.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Delayed)
		assert.Equal(t, 0, stats.Waiting)
	})
}

func TestTaskService_GetAndList(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	created, err := f.service.CreateTask(ctx, CreateTaskParams{Description: "find me"})
	require.NoError(t, err)

	got, err := f.service.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = f.service.GetTask(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrTaskNotFound)

	list, err := f.service.ListTasks(ctx, store.ListTasksParams{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTaskService_ListSteps(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	task, err := f.service.CreateTask(ctx, CreateTaskParams{Description: "stepped"})
	require.NoError(t, err)

	require.NoError(t, f.store.AppendStep(ctx, domain.ProgressEvent{
		TaskID:     task.ID,
		Kind:       domain.StepAction,
		StepNumber: 1,
		Content:    json.RawMessage(`"did a thing"`),
		Timestamp:  time.Now().UTC(),
	}))

	steps, err := f.service.ListSteps(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)

	_, err = f.service.ListSteps(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTaskService_PauseResume(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	task, err := f.service.CreateTask(ctx, CreateTaskParams{Description: "pause me"})
	require.NoError(t, err)

	require.NoError(t, f.service.PauseTask(ctx, task.ID))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPaused, got.Status)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Waiting, "paused job must leave the queue")

	// Pausing again is rejected: the task is no longer pending.
	assert.ErrorIs(t, f.service.PauseTask(ctx, task.ID), ErrTaskNotPausable)

	require.NoError(t, f.service.ResumeTask(ctx, task.ID))
	got, err = f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, got.Status)

	stats, err = f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Waiting, "resume re-enqueues with zero delay")

	// Resuming a non-paused task is rejected.
	assert.ErrorIs(t, f.service.ResumeTask(ctx, task.ID), ErrTaskNotResumable)
}

func TestTaskService_Cancel(t *testing.T) {
	t.Parallel()

	t.Run("queued task is removed and finalized", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		ctx := context.Background()

		task, err := f.service.CreateTask(ctx, CreateTaskParams{Description: "cancel queued"})
		require.NoError(t, err)

		require.NoError(t, f.service.CancelTask(ctx, task.ID))

		got, err := f.store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCancelled, got.Status)

		stats, err := f.queue.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Waiting)

		// A second cancel reports the terminal state.
		assert.ErrorIs(t, f.service.CancelTask(ctx, task.ID), ErrTaskFinished)
	})

	t.Run("running task is signalled, not finalized here", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		f.canceller.found = true
		ctx := context.Background()

		task, err := f.service.CreateTask(ctx, CreateTaskParams{Description: "cancel running"})
		require.NoError(t, err)
		require.NoError(t, f.store.UpdateTaskStatus(ctx, task.ID, domain.TaskStatusRunning, ""))

		require.NoError(t, f.service.CancelTask(ctx, task.ID))
		require.Len(t, f.canceller.called, 1)
		assert.Equal(t, task.ID, f.canceller.called[0])

		// The record still says running: the pool finalizes it once the
		// process is confirmed dead.
		got, err := f.store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusRunning, got.Status)
	})

	t.Run("running task with no live run is finalized directly", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		f.canceller.found = false
		ctx := context.Background()

		task, err := f.service.CreateTask(ctx, CreateTaskParams{Description: "stale running"})
		require.NoError(t, err)
		require.NoError(t, f.store.UpdateTaskStatus(ctx, task.ID, domain.TaskStatusRunning, ""))

		require.NoError(t, f.service.CancelTask(ctx, task.ID))

		got, err := f.store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCancelled, got.Status)
	})

	t.Run("paused task cancels directly", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		ctx := context.Background()

		task, err := f.service.CreateTask(ctx, CreateTaskParams{Description: "paused cancel"})
		require.NoError(t, err)
		require.NoError(t, f.service.PauseTask(ctx, task.ID))
		require.NoError(t, f.service.CancelTask(ctx, task.ID))

		got, err := f.store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCancelled, got.Status)
	})
}

func TestTaskService_QueueStats(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.service.CreateTask(ctx, CreateTaskParams{Description: "one"})
	require.NoError(t, err)
	_, err = f.service.CreateTask(ctx, CreateTaskParams{Description: "two", Delay: time.Hour})
	require.NoError(t, err)

	stats, err := f.service.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Waiting)
	assert.Equal(t, 1, stats.Delayed)
}

func TestTaskService_RecoverTasks(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	// A task claimed by a worker that died before finalizing it.
	interrupted, err := f.service.CreateTask(ctx, CreateTaskParams{Description: "interrupted"})
	require.NoError(t, err)
	claimCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	job, err := f.queue.ClaimNext(claimCtx)
	require.NoError(t, err)
	require.Equal(t, interrupted.ID.String(), job.ID)
	require.NoError(t, f.store.UpdateTaskStatus(ctx, interrupted.ID, domain.TaskStatusRunning, ""))

	// A pending record whose queue entry was lost entirely.
	orphaned, err := f.service.CreateTask(ctx, CreateTaskParams{Description: "orphaned"})
	require.NoError(t, err)
	require.NoError(t, f.queue.Remove(ctx, orphaned.ID.String()))

	// Terminal records are left alone.
	done, err := f.service.CreateTask(ctx, CreateTaskParams{Description: "done"})
	require.NoError(t, err)
	require.NoError(t, f.queue.Remove(ctx, done.ID.String()))
	require.NoError(t, f.store.UpdateTaskStatus(ctx, done.ID, domain.TaskStatusCompleted, ""))

	require.NoError(t, f.service.RecoverTasks(ctx))

	got, err := f.store.GetTask(ctx, interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, got.Status)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Waiting, "interrupted and orphaned tasks are claimable again")

	got, err = f.store.GetTask(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, got.Status)
}
