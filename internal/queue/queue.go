package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/relay-api/internal/backoff"
)

// Common errors returned by queue implementations
var (
	// ErrDuplicateJob is returned when enqueueing a job whose ID already
	// exists in a non-terminal state. Re-submission is rejected, not merged.
	ErrDuplicateJob = errors.New("job already queued")

	// ErrJobNotFound is returned when completing or failing a job that the
	// queue does not know about.
	ErrJobNotFound = errors.New("job not found")

	// ErrQueueClosed is returned once the queue has been shut down.
	ErrQueueClosed = errors.New("queue is closed")

	// ErrInvalidJob is returned for malformed submissions, rejected before
	// enqueue and never retried.
	ErrInvalidJob = errors.New("invalid job")
)

// State represents the queue-side lifecycle of a job.
type State string

// Possible job states
const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDelayed   State = "delayed"
	StatePaused    State = "paused"
)

// Terminal reports whether a job in this state can be re-submitted.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Options controls scheduling and retry behavior for an enqueued job.
type Options struct {
	// Priority orders waiting jobs: higher is served first. Equal priority
	// is FIFO by enqueue time.
	Priority int

	// Delay postpones eligibility for claiming.
	Delay time.Duration

	// MaxAttempts bounds execution attempts. Zero means DefaultMaxAttempts.
	MaxAttempts int

	// Backoff computes the re-enqueue delay after a retryable failure.
	// The zero value falls back to the default exponential policy.
	Backoff backoff.Policy
}

// DefaultMaxAttempts is applied when Options.MaxAttempts is zero.
const DefaultMaxAttempts = 3

// RetentionPolicy bounds how much terminal-job history a queue keeps.
type RetentionPolicy struct {
	KeepCompleted int
	KeepFailed    int
}

// DefaultRetention keeps a modest window of terminal jobs for inspection.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{KeepCompleted: 100, KeepFailed: 500}
}

// Job is a queued unit of work. The ID is the originating task's ID, so at
// most one non-terminal job exists per task at any time.
type Job struct {
	ID           string         `json:"id"`
	Payload      []byte         `json:"payload"`
	Priority     int            `json:"priority"`
	Delay        time.Duration  `json:"delay"`
	AttemptsMade int            `json:"attempts_made"`
	MaxAttempts  int            `json:"max_attempts"`
	Backoff      backoff.Policy `json:"backoff"`
	State        State          `json:"state"`
	FailedReason string         `json:"failed_reason,omitempty"`
	Result       []byte         `json:"result,omitempty"`
	EnqueuedAt   time.Time      `json:"enqueued_at"`
	AvailableAt  time.Time      `json:"available_at"`
}

// Stats reports per-state job counts for observability.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Delayed   int `json:"delayed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Queue is the durable, priority/delay-aware work list. Job state
// transitions are owned exclusively by the queue and the worker pool; the
// queue's state store is the single source of truth and serializes claims
// so no two workers ever hold the same job ID simultaneously.
type Queue interface {
	// Enqueue registers a new job. Returns ErrDuplicateJob if the ID exists
	// in a non-terminal state.
	Enqueue(ctx context.Context, id string, payload []byte, opts Options) (*Job, error)

	// ClaimNext blocks until a waiting (or delayed-and-due) job is
	// available and returns it to exactly one caller, marked active.
	// Returns the context's error when ctx is done.
	ClaimNext(ctx context.Context) (*Job, error)

	// Complete transitions an active job to completed with its result.
	Complete(ctx context.Context, id string, result []byte) error

	// Fail records a failure. While attempts remain, the job is re-enqueued
	// as delayed after the backoff for the attempt and retried=true is
	// returned; otherwise the job becomes permanently failed.
	Fail(ctx context.Context, id string, reason string) (retryIn time.Duration, retried bool, err error)

	// Discard transitions an active job directly to permanently failed,
	// bypassing remaining retry attempts. Used for failures that retrying
	// cannot fix (spawn errors) and for cancellations.
	Discard(ctx context.Context, id string, reason string) error

	// Remove deletes a queued (waiting or delayed) job. Idempotent: a
	// missing or already-active job is a no-op.
	Remove(ctx context.Context, id string) error

	// RecoverActive re-schedules jobs left in the active state by a process
	// that died without finalizing them, returning how many were re-queued.
	// Called once at startup before workers begin claiming.
	RecoverActive(ctx context.Context) (int, error)

	// Stats returns per-state job counts.
	Stats(ctx context.Context) (Stats, error)
}

// applyDefaults normalizes job options.
func (o Options) applyDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Backoff == (backoff.Policy{}) {
		o.Backoff = backoff.Default()
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	return o
}

// validateEnqueue rejects malformed submissions before they reach a store.
func validateEnqueue(id string, payload []byte) error {
	if id == "" {
		return fmt.Errorf("%w: empty job id", ErrInvalidJob)
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidJob)
	}
	return nil
}
