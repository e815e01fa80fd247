package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue used by tests and single-node
// deployments. All state lives behind one mutex; ClaimNext waits on a
// broadcast channel that is replaced whenever the ready set may have grown.
type MemoryQueue struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	waiting   readyHeap
	delayed   delayHeap
	completed []string
	failed    []string
	retention RetentionPolicy
	notify    chan struct{}
	closed    bool
	seq       uint64
	logger    *slog.Logger
}

// NewMemoryQueue creates an empty MemoryQueue with the given retention.
func NewMemoryQueue(retention RetentionPolicy, logger *slog.Logger) *MemoryQueue {
	if retention.KeepCompleted <= 0 && retention.KeepFailed <= 0 {
		retention = DefaultRetention()
	}
	return &MemoryQueue{
		jobs:      make(map[string]*Job),
		retention: retention,
		notify:    make(chan struct{}),
		logger:    logger.With("component", "memory_queue"),
	}
}

// Enqueue registers a new job, rejecting duplicates of non-terminal IDs.
func (q *MemoryQueue) Enqueue(ctx context.Context, id string, payload []byte, opts Options) (*Job, error) {
	if err := validateEnqueue(id, payload); err != nil {
		return nil, err
	}
	opts = opts.applyDefaults()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	if existing, ok := q.jobs[id]; ok {
		if !existing.State.Terminal() {
			return nil, ErrDuplicateJob
		}
		// Re-submission of a terminal ID replaces its history entry.
		q.completed = removeID(q.completed, id)
		q.failed = removeID(q.failed, id)
	}

	now := time.Now().UTC()
	job := &Job{
		ID:          id,
		Payload:     payload,
		Priority:    opts.Priority,
		Delay:       opts.Delay,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		EnqueuedAt:  now,
		AvailableAt: now.Add(opts.Delay),
	}

	q.jobs[id] = job
	q.scheduleLocked(job)

	q.logger.Debug("job enqueued",
		"job_id", id,
		"priority", job.Priority,
		"delay", job.Delay,
		"state", job.State)
	return cloneJob(job), nil
}

// scheduleLocked places a job on the waiting or delayed structure and wakes
// any blocked claimers. Callers must hold q.mu.
func (q *MemoryQueue) scheduleLocked(job *Job) {
	q.seq++
	if time.Now().UTC().Before(job.AvailableAt) {
		job.State = StateDelayed
		heap.Push(&q.delayed, &delayedEntry{job: job, seq: q.seq})
	} else {
		job.State = StateWaiting
		heap.Push(&q.waiting, &readyEntry{job: job, seq: q.seq})
	}
	close(q.notify)
	q.notify = make(chan struct{})
}

// ClaimNext blocks until a job is claimable and returns it marked active.
// Exactly one caller receives each job.
func (q *MemoryQueue) ClaimNext(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}

		q.promoteDueLocked()

		if q.waiting.Len() > 0 {
			entry := heap.Pop(&q.waiting).(*readyEntry)
			entry.job.State = StateActive
			job := cloneJob(entry.job)
			q.mu.Unlock()
			return job, nil
		}

		// Nothing ready: sleep until the next delayed job is due, the
		// queue is mutated, or the caller gives up.
		wait := q.notify
		var timer *time.Timer
		var due <-chan time.Time
		if q.delayed.Len() > 0 {
			timer = time.NewTimer(time.Until(q.delayed[0].job.AvailableAt))
			due = timer.C
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-wait:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// promoteDueLocked moves delayed jobs whose delay has elapsed onto the
// waiting heap. Callers must hold q.mu.
func (q *MemoryQueue) promoteDueLocked() {
	now := time.Now().UTC()
	for q.delayed.Len() > 0 && !now.Before(q.delayed[0].job.AvailableAt) {
		entry := heap.Pop(&q.delayed).(*delayedEntry)
		entry.job.State = StateWaiting
		heap.Push(&q.waiting, &readyEntry{job: entry.job, seq: entry.seq})
	}
}

// Complete transitions an active job to completed.
func (q *MemoryQueue) Complete(ctx context.Context, id string, result []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}

	job.State = StateCompleted
	job.Result = result
	q.completed = append(q.completed, id)
	q.trimHistoryLocked(&q.completed, q.retention.KeepCompleted)

	q.logger.Debug("job completed", "job_id", id, "attempts_made", job.AttemptsMade)
	return nil
}

// Fail records a failure, re-enqueueing with backoff while attempts remain.
func (q *MemoryQueue) Fail(ctx context.Context, id string, reason string) (time.Duration, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return 0, false, ErrJobNotFound
	}

	job.AttemptsMade++
	job.FailedReason = reason

	if job.AttemptsMade < job.MaxAttempts {
		delay := job.Backoff.Delay(job.AttemptsMade)
		job.AvailableAt = time.Now().UTC().Add(delay)
		q.scheduleLocked(job)
		q.logger.Info("job scheduled for retry",
			"job_id", id,
			"attempt", job.AttemptsMade,
			"max_attempts", job.MaxAttempts,
			"retry_in", delay,
			"reason", reason)
		return delay, true, nil
	}

	job.State = StateFailed
	q.failed = append(q.failed, id)
	q.trimHistoryLocked(&q.failed, q.retention.KeepFailed)

	q.logger.Warn("job permanently failed",
		"job_id", id,
		"attempts_made", job.AttemptsMade,
		"reason", reason)
	return 0, false, nil
}

// Discard marks a job permanently failed regardless of remaining attempts.
func (q *MemoryQueue) Discard(ctx context.Context, id string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.State.Terminal() {
		return nil
	}

	q.waiting.remove(id)
	q.delayed.remove(id)
	job.State = StateFailed
	job.FailedReason = reason
	q.failed = append(q.failed, id)
	q.trimHistoryLocked(&q.failed, q.retention.KeepFailed)

	q.logger.Warn("job discarded", "job_id", id, "reason", reason)
	return nil
}

// Remove deletes a queued job. Idempotent; active jobs are left alone.
func (q *MemoryQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return nil
	}
	if job.State == StateActive {
		return nil
	}

	q.waiting.remove(id)
	q.delayed.remove(id)
	delete(q.jobs, id)

	q.logger.Debug("job removed", "job_id", id)
	return nil
}

// RecoverActive re-schedules jobs stranded in the active state. For an
// in-process queue this only matters when a pool was torn down without
// finalizing its claims.
func (q *MemoryQueue) RecoverActive(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrQueueClosed
	}

	recovered := 0
	for _, job := range q.jobs {
		if job.State != StateActive {
			continue
		}
		job.AvailableAt = time.Now().UTC()
		q.scheduleLocked(job)
		recovered++
	}
	if recovered > 0 {
		q.logger.Info("recovered stale active jobs", "count", recovered)
	}
	return recovered, nil
}

// Stats returns per-state job counts.
func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promoteDueLocked()

	var s Stats
	for _, job := range q.jobs {
		switch job.State {
		case StateWaiting:
			s.Waiting++
		case StateActive:
			s.Active++
		case StateDelayed:
			s.Delayed++
		case StateCompleted:
			s.Completed++
		case StateFailed:
			s.Failed++
		}
	}
	return s, nil
}

// Close shuts down the queue; blocked claimers return ErrQueueClosed.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.notify)
		q.notify = make(chan struct{})
	}
}

// trimHistoryLocked drops the oldest terminal jobs beyond the retention
// count, also deleting their records. Callers must hold q.mu.
func (q *MemoryQueue) trimHistoryLocked(history *[]string, keep int) {
	if keep <= 0 || len(*history) <= keep {
		return
	}
	drop := (*history)[:len(*history)-keep]
	for _, id := range drop {
		delete(q.jobs, id)
	}
	*history = (*history)[len(*history)-keep:]
}

func cloneJob(job *Job) *Job {
	c := *job
	return &c
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// readyHeap orders waiting jobs by priority (higher first), then FIFO by
// enqueue sequence.
type readyEntry struct {
	job *Job
	seq uint64
}

type readyHeap []*readyEntry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(*readyEntry)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

func (h *readyHeap) remove(id string) {
	for i, entry := range *h {
		if entry.job.ID == id {
			heap.Remove(h, i)
			return
		}
	}
}

// delayHeap orders delayed jobs by eligibility time.
type delayedEntry struct {
	job *Job
	seq uint64
}

type delayHeap []*delayedEntry

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool {
	if !h[i].job.AvailableAt.Equal(h[j].job.AvailableAt) {
		return h[i].job.AvailableAt.Before(h[j].job.AvailableAt)
	}
	return h[i].seq < h[j].seq
}

func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayHeap) Push(x any) { *h = append(*h, x.(*delayedEntry)) }

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

func (h *delayHeap) remove(id string) {
	for i, entry := range *h {
		if entry.job.ID == id {
			heap.Remove(h, i)
			return
		}
	}
}
