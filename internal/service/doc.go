// Package service contains the application-specific use cases and business
// logic. It orchestrates the task lifecycle across the record store, the
// job queue, and the worker pool, translating user intent (create, pause,
// resume, cancel) into coordinated state transitions.
//
// The service layer depends on domain entities and the store/queue
// interfaces, never on specific infrastructure implementations.
package service
