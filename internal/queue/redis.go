package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	r "github.com/redis/go-redis/v9"
)

// Redis key layout. Jobs are stored as JSON blobs; scheduling structures
// hold only IDs, mirroring the enqueue-then-reconcile shape of a
// score-ordered redis queue.
const (
	keyJobPrefix = "relay:job:"      // JSON-encoded Job per ID
	keyReady     = "relay:ready"     // ZSET ordered by (-priority, seq)
	keyDelayed   = "relay:delayed"   // ZSET scored by availability (unix ms)
	keyActive    = "relay:active"    // SET of claimed IDs
	keyCompleted = "relay:completed" // LIST, newest first, trimmed
	keyFailed    = "relay:failed"    // LIST, newest first, trimmed
	keySeq       = "relay:seq"       // monotonic enqueue counter
)

// prioritySpan spaces priority bands far enough apart that the FIFO
// sequence number never crosses into the next band.
const prioritySpan = float64(1 << 40)

// RedisQueue is a Queue backed by a redis instance, usable across
// processes. ZPOPMIN's atomicity guarantees each ready job is handed to
// exactly one claimant; delayed jobs are promoted by a pump that claimers
// run opportunistically.
type RedisQueue struct {
	rdb       *r.Client
	retention RetentionPolicy
	poll      time.Duration
	logger    *slog.Logger
}

// NewRedisQueue creates a RedisQueue on the given client. pollInterval
// bounds how long an idle claimer sleeps between checks; zero means 250ms.
func NewRedisQueue(rdb *r.Client, retention RetentionPolicy, pollInterval time.Duration, logger *slog.Logger) *RedisQueue {
	if retention.KeepCompleted <= 0 && retention.KeepFailed <= 0 {
		retention = DefaultRetention()
	}
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	return &RedisQueue{
		rdb:       rdb,
		retention: retention,
		poll:      pollInterval,
		logger:    logger.With("component", "redis_queue"),
	}
}

// Enqueue registers a new job, rejecting duplicates of non-terminal IDs.
func (q *RedisQueue) Enqueue(ctx context.Context, id string, payload []byte, opts Options) (*Job, error) {
	if err := validateEnqueue(id, payload); err != nil {
		return nil, err
	}
	opts = opts.applyDefaults()

	existing, err := q.loadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.State.Terminal() {
		return nil, ErrDuplicateJob
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

	if err := q.schedule(ctx, job); err != nil {
		return nil, err
	}

	q.logger.Debug("job enqueued",
		"job_id", id,
		"priority", job.Priority,
		"delay", job.Delay,
		"state", job.State)
	return job, nil
}

// schedule persists the job blob and places its ID on the ready or delayed
// structure.
func (q *RedisQueue) schedule(ctx context.Context, job *Job) error {
	if time.Now().UTC().Before(job.AvailableAt) {
		job.State = StateDelayed
		if err := q.storeJob(ctx, job); err != nil {
			return err
		}
		return q.rdb.ZAdd(ctx, keyDelayed, r.Z{
			Score:  float64(job.AvailableAt.UnixMilli()),
			Member: job.ID,
		}).Err()
	}

	job.State = StateWaiting
	if err := q.storeJob(ctx, job); err != nil {
		return err
	}
	seq, err := q.rdb.Incr(ctx, keySeq).Result()
	if err != nil {
		return fmt.Errorf("allocate sequence: %w", err)
	}
	// Lower score pops first: negative priority bands, FIFO within a band.
	score := -float64(job.Priority)*prioritySpan + float64(seq)
	return q.rdb.ZAdd(ctx, keyReady, r.Z{Score: score, Member: job.ID}).Err()
}

// ClaimNext polls the ready set, promoting due delayed jobs on each pass.
func (q *RedisQueue) ClaimNext(ctx context.Context) (*Job, error) {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		if err := q.promoteDue(ctx); err != nil {
			q.logger.Warn("delayed promotion failed", "error", err)
		}

		popped, err := q.rdb.ZPopMin(ctx, keyReady, 1).Result()
		if err != nil && err != r.Nil {
			return nil, fmt.Errorf("pop ready job: %w", err)
		}
		if len(popped) > 0 {
			id := popped[0].Member.(string)
			job, err := q.loadJob(ctx, id)
			if err != nil {
				return nil, err
			}
			if job == nil {
				// Blob removed between schedule and claim; skip it.
				continue
			}
			job.State = StateActive
			if err := q.storeJob(ctx, job); err != nil {
				return nil, err
			}
			if err := q.rdb.SAdd(ctx, keyActive, id).Err(); err != nil {
				return nil, err
			}
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// promoteDue moves due delayed IDs onto the ready set, preserving their
// priority ordering.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := time.Now().UTC().UnixMilli()
	ids, err := q.rdb.ZRangeByScore(ctx, keyDelayed, &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: 100,
	}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}

	for _, id := range ids {
		// Only one promoter wins the ZRem; the loser skips the ID.
		removed, err := q.rdb.ZRem(ctx, keyDelayed, id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		job, err := q.loadJob(ctx, id)
		if err != nil {
			return err
		}
		if job == nil {
			continue
		}
		job.State = StateWaiting
		if err := q.storeJob(ctx, job); err != nil {
			return err
		}
		seq, err := q.rdb.Incr(ctx, keySeq).Result()
		if err != nil {
			return err
		}
		score := -float64(job.Priority)*prioritySpan + float64(seq)
		if err := q.rdb.ZAdd(ctx, keyReady, r.Z{Score: score, Member: id}).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Complete transitions an active job to completed.
func (q *RedisQueue) Complete(ctx context.Context, id string, result []byte) error {
	job, err := q.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return ErrJobNotFound
	}

	job.State = StateCompleted
	job.Result = result
	if err := q.storeJob(ctx, job); err != nil {
		return err
	}

	if err := q.rdb.SRem(ctx, keyActive, id).Err(); err != nil {
		return err
	}
	return q.pushTerminal(ctx, keyCompleted, id, q.retention.KeepCompleted)
}

// pushTerminal records a terminal job ID on its history list, deleting the
// blobs of IDs the retention window evicts so terminal state cannot grow
// without bound.
func (q *RedisQueue) pushTerminal(ctx context.Context, key, id string, keep int) error {
	if err := q.rdb.LPush(ctx, key, id).Err(); err != nil {
		return err
	}
	evicted, err := q.rdb.LRange(ctx, key, int64(keep), -1).Result()
	if err != nil {
		return err
	}
	for _, staleID := range evicted {
		if err := q.rdb.Del(ctx, keyJobPrefix+staleID).Err(); err != nil {
			return err
		}
	}
	return q.rdb.LTrim(ctx, key, 0, int64(keep)-1).Err()
}

// Fail records a failure, re-enqueueing with backoff while attempts remain.
func (q *RedisQueue) Fail(ctx context.Context, id string, reason string) (time.Duration, bool, error) {
	job, err := q.loadJob(ctx, id)
	if err != nil {
		return 0, false, err
	}
	if job == nil {
		return 0, false, ErrJobNotFound
	}

	job.AttemptsMade++
	job.FailedReason = reason

	if err := q.rdb.SRem(ctx, keyActive, id).Err(); err != nil {
		return 0, false, err
	}

	if job.AttemptsMade < job.MaxAttempts {
		delay := job.Backoff.Delay(job.AttemptsMade)
		job.AvailableAt = time.Now().UTC().Add(delay)
		if err := q.schedule(ctx, job); err != nil {
			return 0, false, err
		}
		q.logger.Info("job scheduled for retry",
			"job_id", id,
			"attempt", job.AttemptsMade,
			"max_attempts", job.MaxAttempts,
			"retry_in", delay,
			"reason", reason)
		return delay, true, nil
	}

	job.State = StateFailed
	if err := q.storeJob(ctx, job); err != nil {
		return 0, false, err
	}

	if err := q.pushTerminal(ctx, keyFailed, id, q.retention.KeepFailed); err != nil {
		return 0, false, err
	}

	q.logger.Warn("job permanently failed",
		"job_id", id,
		"attempts_made", job.AttemptsMade,
		"reason", reason)
	return 0, false, nil
}

// Discard marks a job permanently failed regardless of remaining attempts.
func (q *RedisQueue) Discard(ctx context.Context, id string, reason string) error {
	job, err := q.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return ErrJobNotFound
	}
	if job.State.Terminal() {
		return nil
	}

	job.State = StateFailed
	job.FailedReason = reason
	if err := q.storeJob(ctx, job); err != nil {
		return err
	}

	pipe := q.rdb.TxPipeline()
	pipe.SRem(ctx, keyActive, id)
	pipe.ZRem(ctx, keyReady, id)
	pipe.ZRem(ctx, keyDelayed, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if err := q.pushTerminal(ctx, keyFailed, id, q.retention.KeepFailed); err != nil {
		return err
	}

	q.logger.Warn("job discarded", "job_id", id, "reason", reason)
	return nil
}

// Remove deletes a queued job from the scheduling structures and its blob.
// Idempotent; active jobs are left alone.
func (q *RedisQueue) Remove(ctx context.Context, id string) error {
	job, err := q.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil || job.State == StateActive {
		return nil
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, keyReady, id)
	pipe.ZRem(ctx, keyDelayed, id)
	pipe.Del(ctx, keyJobPrefix+id)
	_, err = pipe.Exec(ctx)
	if err == nil {
		q.logger.Debug("job removed", "job_id", id)
	}
	return err
}

// RecoverActive re-schedules jobs left in relay:active by a process that
// died mid-run, so a restarted claimer can pick them up again.
func (q *RedisQueue) RecoverActive(ctx context.Context) (int, error) {
	ids, err := q.rdb.SMembers(ctx, keyActive).Result()
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		// Only one recovering process wins the SRem; the loser skips the ID.
		removed, err := q.rdb.SRem(ctx, keyActive, id).Result()
		if err != nil {
			return recovered, err
		}
		if removed == 0 {
			continue
		}
		job, err := q.loadJob(ctx, id)
		if err != nil {
			return recovered, err
		}
		if job == nil {
			continue
		}
		job.AvailableAt = time.Now().UTC()
		if err := q.schedule(ctx, job); err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		q.logger.Info("recovered stale active jobs", "count", recovered)
	}
	return recovered, nil
}

// Stats returns per-state job counts.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	if err := q.promoteDue(ctx); err != nil {
		return Stats{}, err
	}

	pipe := q.rdb.TxPipeline()
	ready := pipe.ZCard(ctx, keyReady)
	delayed := pipe.ZCard(ctx, keyDelayed)
	active := pipe.SCard(ctx, keyActive)
	completed := pipe.LLen(ctx, keyCompleted)
	failed := pipe.LLen(ctx, keyFailed)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}

	return Stats{
		Waiting:   int(ready.Val()),
		Active:    int(active.Val()),
		Delayed:   int(delayed.Val()),
		Completed: int(completed.Val()),
		Failed:    int(failed.Val()),
	}, nil
}

func (q *RedisQueue) storeJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return q.rdb.Set(ctx, keyJobPrefix+job.ID, raw, 0).Err()
}

func (q *RedisQueue) loadJob(ctx context.Context, id string) (*Job, error) {
	raw, err := q.rdb.Get(ctx, keyJobPrefix+id).Bytes()
	if err == r.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}
