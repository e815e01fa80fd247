// Package worker runs the processing slots that drain the job queue. Each
// slot claims one job at a time, drives the external worker process through
// the bridge, and finalizes the job, the task record, and the live status
// based on the outcome.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/relay-api/internal/bridge"
	"github.com/phrazzld/relay-api/internal/broadcast"
	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/queue"
	"github.com/phrazzld/relay-api/internal/store"
)

// BridgeRunner launches one external worker process per job. Implemented by
// bridge.Runner; faked in tests.
type BridgeRunner interface {
	RunWithSink(ctx context.Context, taskID uuid.UUID, payload bridge.Payload, sink bridge.EventSink) (*bridge.Result, error)
}

// Config holds worker pool configuration.
type Config struct {
	// Concurrency is the number of processing slots. If zero or negative,
	// defaults to 1.
	Concurrency int
}

// Pool manages the processing slots. Slots run until Stop; a panicking slot
// is logged and restarted so one bad job never shrinks capacity.
type Pool struct {
	queue       queue.Queue
	tasks       store.TaskStore
	steps       store.StepStore
	runner      BridgeRunner
	broadcaster *broadcast.Broadcaster
	concurrency int
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[uuid.UUID]context.CancelFunc
}

// NewPool creates a worker pool. All collaborators are injected; the pool
// owns no global state.
func NewPool(
	q queue.Queue,
	tasks store.TaskStore,
	steps store.StepStore,
	runner BridgeRunner,
	broadcaster *broadcast.Broadcaster,
	cfg Config,
	logger *slog.Logger,
) *Pool {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
		logger.Warn("invalid worker concurrency specified, using default",
			"specified", cfg.Concurrency,
			"default", 1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:       q,
		tasks:       tasks,
		steps:       steps,
		runner:      runner,
		broadcaster: broadcaster,
		concurrency: concurrency,
		logger:      logger.With("component", "worker_pool"),
		ctx:         ctx,
		cancel:      cancel,
		active:      make(map[uuid.UUID]context.CancelFunc),
	}
}

// Start launches the processing slots.
func (p *Pool) Start() {
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.slot(i)
	}
	p.logger.Info("worker pool started", "concurrency", p.concurrency)
}

// Stop cancels every active run and waits for all slots to exit.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// CancelActive signals the bridge run for a task, if one is in flight.
// Returns true when a run was found and signalled. The run is only
// considered cancelled once the process is confirmed dead, so callers must
// still wait for the terminal record transition.
func (p *Pool) CancelActive(taskID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancelRun, ok := p.active[taskID]
	if ok {
		cancelRun()
	}
	return ok
}

// ActiveCount reports how many jobs are being processed right now.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// slot is one processing loop. It restarts itself after a panic so pool
// capacity stays constant.
func (p *Pool) slot(id int) {
	defer p.wg.Done()

	for p.ctx.Err() == nil {
		p.runSlot(id)
		if p.ctx.Err() == nil {
			p.logger.Error("worker slot restarting after panic", "slot", id)
		}
	}
	p.logger.Debug("worker slot stopped", "slot", id)
}

// runSlot claims and processes jobs until the pool stops or a panic
// escapes a job.
func (p *Pool) runSlot(id int) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while processing job",
				"slot", id,
				"panic", r)
		}
	}()

	for {
		job, err := p.queue.ClaimNext(p.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			p.logger.Error("claim failed", "slot", id, "error", err)
			continue
		}
		p.process(job, id)
	}
}

// process drives one claimed job to a terminal queue state.
func (p *Pool) process(job *queue.Job, slotID int) {
	logger := p.logger.With("job_id", job.ID, "slot", slotID)

	taskID, err := uuid.Parse(job.ID)
	if err != nil {
		logger.Error("job ID is not a task UUID, discarding", "error", err)
		_ = p.queue.Discard(p.ctx, job.ID, "malformed job id")
		return
	}

	var payload bridge.Payload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		logger.Error("job payload is malformed, discarding", "error", err)
		_ = p.queue.Discard(p.ctx, job.ID, "malformed payload")
		p.finalizeTask(taskID, domain.TaskStatusFailed, "malformed payload")
		return
	}

	if err := p.tasks.UpdateTaskStatus(p.ctx, taskID, domain.TaskStatusRunning, ""); err != nil {
		logger.Error("failed to mark task running", "error", err)
	}
	p.updatePhase(taskID, domain.AgentPhaseRunning, &payload)

	runCtx, cancelRun := context.WithCancel(p.ctx)
	p.registerActive(taskID, cancelRun)
	defer func() {
		p.unregisterActive(taskID)
		cancelRun()
	}()

	sink := &recordingSink{
		taskID:      taskID,
		steps:       p.steps,
		broadcaster: p.broadcaster,
		logger:      logger,
	}

	started := time.Now()
	result, runErr := p.runner.RunWithSink(runCtx, taskID, payload, sink)
	elapsed := time.Since(started)

	switch {
	case runErr == nil:
		p.completeJob(job.ID, taskID, result, logger)
		logger.Info("job succeeded", "duration", elapsed)

	case errors.Is(runErr, bridge.ErrCancelled):
		if p.ctx.Err() != nil {
			// Pool shutdown, not a user cancel: reset the record so the
			// task is picked up again on the next start.
			if err := p.tasks.UpdateTaskStatus(context.Background(), taskID, domain.TaskStatusPending, ""); err != nil {
				logger.Error("failed to reset task after shutdown", "error", err)
			}
			logger.Info("job interrupted by shutdown", "duration", elapsed)
			return
		}
		_ = p.queue.Discard(p.ctx, job.ID, "cancelled")
		p.finalizeTask(taskID, domain.TaskStatusCancelled, "")
		p.updateTerminalPhase(taskID, domain.AgentPhaseFailed)
		logger.Info("job cancelled", "duration", elapsed)

	case errors.Is(runErr, bridge.ErrSpawn):
		// Retrying cannot fix a missing executable or script.
		_ = p.queue.Discard(p.ctx, job.ID, runErr.Error())
		p.finalizeTask(taskID, domain.TaskStatusFailed, runErr.Error())
		p.updateTerminalPhase(taskID, domain.AgentPhaseFailed)
		logger.Error("job discarded on spawn failure", "error", runErr)

	default:
		p.failJob(job, taskID, runErr, logger)
	}
}

// completeJob finalizes a successful run everywhere: queue, record, stream.
func (p *Pool) completeJob(jobID string, taskID uuid.UUID, result *bridge.Result, logger *slog.Logger) {
	payload := result.Data
	if result.Fallback {
		encoded, err := json.Marshal(map[string]any{"raw": result.Raw, "fallback": true})
		if err == nil {
			payload = encoded
		}
	}

	if err := p.queue.Complete(p.ctx, jobID, payload); err != nil {
		logger.Error("failed to complete job", "error", err)
	}
	p.finalizeTask(taskID, domain.TaskStatusCompleted, "")
	p.updateTerminalPhase(taskID, domain.AgentPhaseCompleted)
	p.broadcaster.PublishCompleted(taskID, payload)
}

// failJob records a retryable failure, re-enqueueing while attempts remain.
// The task record is updated before the queue schedules the retry so the
// next attempt never observes a stale record.
func (p *Pool) failJob(job *queue.Job, taskID uuid.UUID, runErr error, logger *slog.Logger) {
	willRetry := job.AttemptsMade+1 < job.MaxAttempts
	if willRetry {
		if err := p.tasks.IncrementRetryCount(p.ctx, taskID); err != nil {
			logger.Error("failed to increment retry count", "error", err)
		}
		if err := p.tasks.UpdateTaskStatus(p.ctx, taskID, domain.TaskStatusPending, runErr.Error()); err != nil {
			logger.Error("failed to reset task to pending", "error", err)
		}
	}

	retryIn, retried, err := p.queue.Fail(p.ctx, job.ID, runErr.Error())
	if err != nil {
		logger.Error("failed to record job failure", "error", err)
		return
	}

	if retried {
		logger.Warn("job failed, retry scheduled", "retry_in", retryIn, "error", runErr)
		return
	}

	p.finalizeTask(taskID, domain.TaskStatusFailed, runErr.Error())
	if errors.Is(runErr, bridge.ErrTimeout) {
		p.updateTerminalPhase(taskID, domain.AgentPhaseTimedOut)
	} else {
		p.updateTerminalPhase(taskID, domain.AgentPhaseFailed)
	}
	logger.Error("job permanently failed", "error", runErr)
}

func (p *Pool) finalizeTask(taskID uuid.UUID, status domain.TaskStatus, message string) {
	if err := p.tasks.UpdateTaskStatus(p.ctx, taskID, status, message); err != nil {
		p.logger.Error("failed to finalize task record",
			"task_id", taskID,
			"status", status,
			"error", err)
	}
}

func (p *Pool) updatePhase(taskID uuid.UUID, phase domain.AgentPhase, payload *bridge.Payload) {
	patch := domain.StatusPatch{Phase: &phase}
	if payload != nil {
		if payload.LLMProvider != "" {
			patch.LLMProvider = &payload.LLMProvider
		}
		if payload.Model != "" {
			patch.Model = &payload.Model
		}
	}
	p.broadcaster.UpdateStatus(taskID, patch)
}

func (p *Pool) updateTerminalPhase(taskID uuid.UUID, phase domain.AgentPhase) {
	now := time.Now().UTC()
	p.broadcaster.UpdateStatus(taskID, domain.StatusPatch{Phase: &phase, CompletedAt: &now})
}

func (p *Pool) registerActive(taskID uuid.UUID, cancelRun context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[taskID] = cancelRun
}

func (p *Pool) unregisterActive(taskID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, taskID)
}

// recordingSink persists each progress event and forwards it to observers.
// Persistence failures are logged, never propagated: losing one step row
// must not kill a live run.
type recordingSink struct {
	taskID      uuid.UUID
	steps       store.StepStore
	broadcaster *broadcast.Broadcaster
	logger      *slog.Logger
}

func (s *recordingSink) Publish(event domain.ProgressEvent) {
	if s.steps != nil {
		if err := s.steps.AppendStep(context.Background(), event); err != nil {
			s.logger.Warn("failed to persist step",
				"step_number", event.StepNumber,
				"error", err)
		}
	}
	if s.broadcaster != nil {
		s.broadcaster.Publish(event)
	}
}

// EncodePayload builds the queue payload for a task.
func EncodePayload(task *domain.Task) ([]byte, error) {
	payload := bridge.Payload{
		TaskID:      task.ID.String(),
		Task:        task.Description,
		LLMProvider: task.LLMProvider,
		Model:       task.Model,
		MaxSteps:    task.MaxSteps,
		Temperature: task.Temperature,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode task payload: %w", err)
	}
	return encoded, nil
}
