// Package domain contains the core business entities, value objects, and
// domain logic of the orchestration core: task records, live progress
// events, and per-run agent status. It is independent of any specific
// infrastructure or delivery mechanism.
package domain
