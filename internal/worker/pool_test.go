package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/relay-api/internal/backoff"
	"github.com/phrazzld/relay-api/internal/bridge"
	"github.com/phrazzld/relay-api/internal/broadcast"
	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/queue"
	"github.com/phrazzld/relay-api/internal/store"
)

// fakeRunner scripts bridge outcomes per task and can emit events through
// the sink before resolving.
type fakeRunner struct {
	mu      sync.Mutex
	runFn   func(ctx context.Context, taskID uuid.UUID, payload bridge.Payload, sink bridge.EventSink) (*bridge.Result, error)
	started chan uuid.UUID
}

func (r *fakeRunner) RunWithSink(
	ctx context.Context,
	taskID uuid.UUID,
	payload bridge.Payload,
	sink bridge.EventSink,
) (*bridge.Result, error) {
	if r.started != nil {
		r.started <- taskID
	}
	r.mu.Lock()
	fn := r.runFn
	r.mu.Unlock()
	return fn(ctx, taskID, payload, sink)
}

type poolFixture struct {
	pool        *Pool
	queue       *queue.MemoryQueue
	store       *store.MemoryTaskStore
	broadcaster *broadcast.Broadcaster
	runner      *fakeRunner
}

func newFixture(t *testing.T, runner *fakeRunner, concurrency int) *poolFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := queue.NewMemoryQueue(queue.DefaultRetention(), logger)
	taskStore := store.NewMemoryTaskStore()
	broadcaster := broadcast.New(logger)

	pool := NewPool(q, taskStore, taskStore, runner, broadcaster, Config{Concurrency: concurrency}, logger)
	pool.Start()
	t.Cleanup(func() {
		pool.Stop()
		q.Close()
	})

	return &poolFixture{pool: pool, queue: q, store: taskStore, broadcaster: broadcaster, runner: runner}
}

// submit creates a task record and enqueues its job.
func (f *poolFixture) submit(t *testing.T, description string) *domain.Task {
	t.Helper()

	task, err := domain.NewTask(description)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateTask(context.Background(), task))

	payload, err := EncodePayload(task)
	require.NoError(t, err)
	_, err = f.queue.Enqueue(context.Background(), task.ID.String(), payload, queue.Options{MaxAttempts: 2})
	require.NoError(t, err)
	return task
}

// waitForStatus polls the store until the task reaches the wanted status.
func (f *poolFixture) waitForStatus(t *testing.T, id uuid.UUID, want domain.TaskStatus) *domain.Task {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		task, err := f.store.GetTask(context.Background(), id)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		select {
		case <-deadline:
			t.Fatalf("task %s never reached status %s (currently %s)", id, want, task.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPool_SuccessfulJob(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{
		runFn: func(_ context.Context, taskID uuid.UUID, _ bridge.Payload, sink bridge.EventSink) (*bridge.Result, error) {
			sink.Publish(domain.ProgressEvent{
				TaskID:     taskID,
				Kind:       domain.StepThinking,
				StepNumber: 1,
				Content:    json.RawMessage(`"working"`),
				Timestamp:  time.Now().UTC(),
			})
			return &bridge.Result{Success: true, Data: json.RawMessage(`{"done":true}`)}, nil
		},
	}
	f := newFixture(t, runner, 1)

	task := f.submit(t, "do the thing")
	f.waitForStatus(t, task.ID, domain.TaskStatusCompleted)

	// The step was persisted.
	steps, err := f.store.ListSteps(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, domain.StepThinking, steps[0].Kind)

	// Terminal status is retained for late subscribers.
	status, ok := f.broadcaster.Status(task.ID)
	require.True(t, ok)
	assert.Equal(t, domain.AgentPhaseCompleted, status.Phase)
}

func TestPool_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	attempts := 0
	runner := &fakeRunner{
		runFn: func(context.Context, uuid.UUID, bridge.Payload, bridge.EventSink) (*bridge.Result, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n < 3 {
				return nil, errors.New("worker process failed: exit status 1")
			}
			return &bridge.Result{Success: true, Data: json.RawMessage(`{"ok":true}`)}, nil
		},
	}
	f := newFixture(t, runner, 1)

	task, err := domain.NewTask("flaky but recovers")
	require.NoError(t, err)
	require.NoError(t, f.store.CreateTask(context.Background(), task))
	payload, err := EncodePayload(task)
	require.NoError(t, err)
	_, err = f.queue.Enqueue(context.Background(), task.ID.String(), payload, queue.Options{
		MaxAttempts: 3,
		Backoff:     backoffPolicy(5*time.Millisecond, 50*time.Millisecond),
	})
	require.NoError(t, err)

	got := f.waitForStatus(t, task.ID, domain.TaskStatusCompleted)
	assert.Equal(t, 2, got.RetryCount, "two failed attempts before the third succeeds")
	require.NotNil(t, got.CompletedAt)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestPool_RetryThenPermanentFailure(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{
		runFn: func(context.Context, uuid.UUID, bridge.Payload, bridge.EventSink) (*bridge.Result, error) {
			return nil, errors.New("worker process failed: exit status 1")
		},
	}
	f := newFixture(t, runner, 1)

	task, err := domain.NewTask("always fails")
	require.NoError(t, err)
	require.NoError(t, f.store.CreateTask(context.Background(), task))
	payload, err := EncodePayload(task)
	require.NoError(t, err)
	// Tiny backoff so the retry happens within the test.
	_, err = f.queue.Enqueue(context.Background(), task.ID.String(), payload, queue.Options{
		MaxAttempts: 2,
		Backoff:     backoffPolicy(5*time.Millisecond, 50*time.Millisecond),
	})
	require.NoError(t, err)

	got := f.waitForStatus(t, task.ID, domain.TaskStatusFailed)
	assert.Equal(t, 1, got.RetryCount, "one retry before permanent failure with MaxAttempts=2")
	assert.Contains(t, got.ErrorMessage, "exit status 1")
	require.NotNil(t, got.CompletedAt)
}

// callLog records the order of store and queue operations for one task.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) indexOf(call string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, c := range l.calls {
		if c == call {
			return i
		}
	}
	return -1
}

type loggingTaskStore struct {
	*store.MemoryTaskStore
	log *callLog
}

func (s *loggingTaskStore) UpdateTaskStatus(ctx context.Context, id uuid.UUID, status domain.TaskStatus, errorMessage string) error {
	s.log.add("store.update:" + string(status))
	return s.MemoryTaskStore.UpdateTaskStatus(ctx, id, status, errorMessage)
}

type loggingQueue struct {
	queue.Queue
	log *callLog
}

func (q *loggingQueue) Fail(ctx context.Context, id string, reason string) (time.Duration, bool, error) {
	q.log.add("queue.fail")
	return q.Queue.Fail(ctx, id, reason)
}

func TestPool_FailureRecordedBeforeRetryScheduled(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	log := &callLog{}
	mq := queue.NewMemoryQueue(queue.DefaultRetention(), logger)
	taskStore := &loggingTaskStore{MemoryTaskStore: store.NewMemoryTaskStore(), log: log}
	q := &loggingQueue{Queue: mq, log: log}

	runner := &fakeRunner{
		runFn: func(context.Context, uuid.UUID, bridge.Payload, bridge.EventSink) (*bridge.Result, error) {
			return nil, errors.New("worker process failed: exit status 1")
		},
	}

	pool := NewPool(q, taskStore, taskStore.MemoryTaskStore, runner, broadcast.New(logger), Config{Concurrency: 1}, logger)
	pool.Start()
	t.Cleanup(func() {
		pool.Stop()
		mq.Close()
	})

	task, err := domain.NewTask("fails once")
	require.NoError(t, err)
	require.NoError(t, taskStore.CreateTask(context.Background(), task))
	payload, err := EncodePayload(task)
	require.NoError(t, err)
	_, err = mq.Enqueue(context.Background(), task.ID.String(), payload, queue.Options{
		MaxAttempts: 2,
		Backoff:     backoffPolicy(5*time.Millisecond, 50*time.Millisecond),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return log.indexOf("queue.fail") >= 0
	}, 5*time.Second, 10*time.Millisecond, "job never failed")

	// The pending reset (with the failure reason) must be persisted before
	// the queue is told to schedule the retry.
	resetIdx := log.indexOf("store.update:" + string(domain.TaskStatusPending))
	failIdx := log.indexOf("queue.fail")
	require.GreaterOrEqual(t, resetIdx, 0, "record was never reset to pending")
	assert.Less(t, resetIdx, failIdx, "record write must precede the retry trigger")
}

func TestPool_SpawnErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	runner := &fakeRunner{
		runFn: func(context.Context, uuid.UUID, bridge.Payload, bridge.EventSink) (*bridge.Result, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil, bridge.ErrSpawn
		},
	}
	f := newFixture(t, runner, 1)

	task := f.submit(t, "never spawns")
	got := f.waitForStatus(t, task.ID, domain.TaskStatusFailed)
	assert.Equal(t, 0, got.RetryCount)

	// Allow any (incorrect) retry to surface before asserting.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "spawn errors must not be retried")
}

func TestPool_TimeoutSetsTimedOutPhase(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{
		runFn: func(context.Context, uuid.UUID, bridge.Payload, bridge.EventSink) (*bridge.Result, error) {
			return nil, bridge.ErrTimeout
		},
	}
	f := newFixture(t, runner, 1)

	task, err := domain.NewTask("too slow")
	require.NoError(t, err)
	require.NoError(t, f.store.CreateTask(context.Background(), task))
	payload, err := EncodePayload(task)
	require.NoError(t, err)
	_, err = f.queue.Enqueue(context.Background(), task.ID.String(), payload, queue.Options{MaxAttempts: 1})
	require.NoError(t, err)

	f.waitForStatus(t, task.ID, domain.TaskStatusFailed)

	status, ok := f.broadcaster.Status(task.ID)
	require.True(t, ok)
	assert.Equal(t, domain.AgentPhaseTimedOut, status.Phase)
}

func TestPool_CancelActiveRun(t *testing.T) {
	t.Parallel()

	started := make(chan uuid.UUID, 1)
	runner := &fakeRunner{
		started: started,
		runFn: func(ctx context.Context, _ uuid.UUID, _ bridge.Payload, _ bridge.EventSink) (*bridge.Result, error) {
			<-ctx.Done()
			return nil, bridge.ErrCancelled
		},
	}
	f := newFixture(t, runner, 1)

	task := f.submit(t, "cancel me")

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	require.True(t, f.pool.CancelActive(task.ID))
	f.waitForStatus(t, task.ID, domain.TaskStatusCancelled)

	// Cancelling a task with no active run reports false.
	assert.False(t, f.pool.CancelActive(uuid.New()))
}

func TestPool_FallbackResultCompletes(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{
		runFn: func(context.Context, uuid.UUID, bridge.Payload, bridge.EventSink) (*bridge.Result, error) {
			return &bridge.Result{Success: true, Raw: "plain text output", Fallback: true}, nil
		},
	}
	f := newFixture(t, runner, 1)

	task := f.submit(t, "chatty worker")
	f.waitForStatus(t, task.ID, domain.TaskStatusCompleted)
}

func TestPool_ConcurrentSlots(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	inFlight, peak := 0, 0
	runner := &fakeRunner{
		runFn: func(context.Context, uuid.UUID, bridge.Payload, bridge.EventSink) (*bridge.Result, error) {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()
			time.Sleep(30 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			return &bridge.Result{Success: true, Data: json.RawMessage(`{}`)}, nil
		},
	}
	f := newFixture(t, runner, 3)

	var tasks []*domain.Task
	for i := 0; i < 9; i++ {
		tasks = append(tasks, f.submit(t, "parallel work"))
	}
	for _, task := range tasks {
		f.waitForStatus(t, task.ID, domain.TaskStatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 3, "never more than Concurrency jobs in flight")
	assert.GreaterOrEqual(t, peak, 2, "slots should overlap")
}

func TestPool_PanicRestartsSlot(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	first := true
	runner := &fakeRunner{
		runFn: func(context.Context, uuid.UUID, bridge.Payload, bridge.EventSink) (*bridge.Result, error) {
			mu.Lock()
			panicNow := first
			first = false
			mu.Unlock()
			if panicNow {
				panic("worker bug")
			}
			return &bridge.Result{Success: true, Data: json.RawMessage(`{}`)}, nil
		},
	}
	f := newFixture(t, runner, 1)

	f.submit(t, "panics")
	second := f.submit(t, "fine")

	// The slot survives the panic and processes the second job.
	f.waitForStatus(t, second.ID, domain.TaskStatusCompleted)
}

func TestEncodePayload_CarriesWorkerKnobs(t *testing.T) {
	t.Parallel()

	task, err := domain.NewTask("summarize the report")
	require.NoError(t, err)
	task.LLMProvider = "openai"
	task.Model = "gpt-4o"
	task.MaxSteps = 25
	task.Temperature = 0.4

	encoded, err := EncodePayload(task)
	require.NoError(t, err)

	var payload bridge.Payload
	require.NoError(t, json.Unmarshal(encoded, &payload))
	assert.Equal(t, task.ID.String(), payload.TaskID)
	assert.Equal(t, "summarize the report", payload.Task)
	assert.Equal(t, "openai", payload.LLMProvider)
	assert.Equal(t, "gpt-4o", payload.Model)
	assert.Equal(t, 25, payload.MaxSteps)
	assert.InDelta(t, 0.4, payload.Temperature, 1e-9)
}

// backoffPolicy builds a small policy for fast tests.
func backoffPolicy(base, max time.Duration) backoff.Policy {
	return backoff.Policy{Base: base, Factor: 2, Max: max}
}
