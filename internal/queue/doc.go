// Package queue implements the durable, priority/delay-aware job queue that
// feeds the worker pool. Job state transitions (waiting, active, completed,
// failed, delayed) are owned exclusively by the queue and the worker pool.
// Two implementations exist: MemoryQueue for tests and single-node use, and
// RedisQueue for cross-process deployments.
package queue
